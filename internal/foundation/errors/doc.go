// Package errors provides classified error primitives used across the agent.
//
// Key features:
//   - ErrorCategory: broad classification (spawn, git, build, cancelled, validation, ...)
//   - ErrorSeverity: impact level (fatal, error, warning, info)
//   - RetryStrategy: retry behavior (never, backoff, user action)
//   - ErrorBuilder: fluent construction with context
//   - HTTP and CLI adapters for presentation
//
// Example usage:
//
//	err := errors.SpawnError("tool not found").
//		WithCause(execErr).
//		WithContext("command", "xcodebuild").
//		Build()
package errors
