package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestClassifiedError(t *testing.T) {
	cause := stdErrors.New("exec: \"xcodebuild\": executable file not found in $PATH")
	err := SpawnError("could not start tool").
		WithCause(cause).
		WithContext("command", "xcodebuild").
		Build()

	if err.Category() != CategorySpawn {
		t.Errorf("Category() = %v, want %v", err.Category(), CategorySpawn)
	}
	if err.RetryStrategy() != RetryUserAction {
		t.Errorf("RetryStrategy() = %v, want %v", err.RetryStrategy(), RetryUserAction)
	}
	if err.Retryable() {
		t.Error("spawn errors should not be retryable")
	}
	if !stdErrors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	if v, ok := err.Context().GetString("command"); !ok || v != "xcodebuild" {
		t.Errorf("context command = %q, %v", v, ok)
	}
	want := "[spawn:error] could not start tool: " + cause.Error()
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestAsClassifiedThroughWrapping(t *testing.T) {
	inner := GitError("fetch failed").Build()
	wrapped := fmt.Errorf("refresh repository: %w", inner)

	got, ok := AsClassified(wrapped)
	if !ok {
		t.Fatal("expected classified error in chain")
	}
	if got.Category() != CategoryGit {
		t.Errorf("Category() = %v, want git", got.Category())
	}
	if !IsRetryable(wrapped) {
		t.Error("git errors should be retryable")
	}
	if !HasCategory(wrapped, CategoryGit) {
		t.Error("HasCategory should find git category")
	}
	if GetCategory(stdErrors.New("plain")) != CategoryInternal {
		t.Error("plain errors should report internal category")
	}
}

func TestErrorBuilder(t *testing.T) {
	err := NewError(CategoryBuild, "scheme missing").
		WithCategory(CategoryValidation).
		Warning().
		Retryable().
		WithContext("scheme", "App").
		Build()

	if err.Category() != CategoryValidation {
		t.Errorf("Category() = %v, want validation", err.Category())
	}
	if err.Severity() != SeverityWarning {
		t.Errorf("Severity() = %v, want warning", err.Severity())
	}
	if !err.Retryable() {
		t.Error("expected retryable error")
	}

	extended := err.WithContext("branch", "main")
	if _, ok := err.Context().Get("branch"); ok {
		t.Error("WithContext must not mutate the original error")
	}
	if v, _ := extended.Context().GetString("branch"); v != "main" {
		t.Errorf("branch = %q, want main", v)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name     string
		builder  *ErrorBuilder
		category ErrorCategory
		severity ErrorSeverity
	}{
		{"config", ConfigError("bad"), CategoryConfig, SeverityFatal},
		{"validation", ValidationError("bad"), CategoryValidation, SeverityError},
		{"not found", NotFoundError("bad"), CategoryNotFound, SeverityError},
		{"spawn", SpawnError("bad"), CategorySpawn, SeverityError},
		{"git", GitError("bad"), CategoryGit, SeverityError},
		{"build", BuildError("bad"), CategoryBuild, SeverityError},
		{"cancelled", CancellationError("bad"), CategoryCancelled, SeverityWarning},
		{"timeout", TimeoutError("bad"), CategoryTimeout, SeverityError},
		{"state", StateError("bad"), CategoryState, SeverityError},
		{"eventstore", EventStoreError("bad"), CategoryEventStore, SeverityError},
		{"runtime", RuntimeError("bad"), CategoryRuntime, SeverityFatal},
		{"internal", InternalError("bad"), CategoryInternal, SeverityFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.builder.Build()
			if err.Category() != tt.category {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.category)
			}
			if err.Severity() != tt.severity {
				t.Errorf("Severity() = %v, want %v", err.Severity(), tt.severity)
			}
		})
	}
}

func TestClassifiedErrorIs(t *testing.T) {
	a := BuildError("tests failed").Build()
	b := BuildError("tests failed").WithContext("scenario", "login").Build()
	c := BuildError("compile failed").Build()

	if !stdErrors.Is(a, b) {
		t.Error("errors with same category and message should match")
	}
	if stdErrors.Is(a, c) {
		t.Error("errors with different messages should not match")
	}
}

func TestErrorContextMerge(t *testing.T) {
	var nilCtx ErrorContext
	merged := nilCtx.Merge(ErrorContext{"a": 1})
	if v, _ := merged.Get("a"); v != 1 {
		t.Errorf("merge into nil = %v", v)
	}

	base := ErrorContext{"a": 1, "b": 2}
	out := base.Merge(ErrorContext{"b": 3})
	if v, _ := out.Get("b"); v != 3 {
		t.Errorf("override b = %v, want 3", v)
	}
	if v, _ := base.Get("b"); v != 2 {
		t.Error("Merge must not mutate the receiver")
	}
}
