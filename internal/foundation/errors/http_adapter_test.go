package errors

import (
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPErrorAdapter_StatusCodeFor(t *testing.T) {
	adapter := NewHTTPErrorAdapter(slog.Default())

	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil error", nil, http.StatusOK},
		{"validation", ValidationError("bad request").Build(), http.StatusBadRequest},
		{"not found", NotFoundError("no such build").Build(), http.StatusNotFound},
		{"conflict", NewError(CategoryConflict, "already finished").Build(), http.StatusConflict},
		{"git", GitError("fetch failed").Build(), http.StatusBadGateway},
		{"timeout", TimeoutError("deadline").Build(), http.StatusGatewayTimeout},
		{"state", StateError("db").Build(), http.StatusServiceUnavailable},
		{"internal", InternalError("bug").Build(), http.StatusInternalServerError},
		{"unclassified", stdErrors.New("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, adapter.StatusCodeFor(tt.err))
		})
	}
}

func TestHTTPErrorAdapter_WriteErrorResponse(t *testing.T) {
	adapter := NewHTTPErrorAdapter(slog.Default())
	req := httptest.NewRequest(http.MethodPost, "/api/builds/abc/cancel", nil)
	rec := httptest.NewRecorder()

	err := NotFoundError("build not found").WithContext("build_id", "abc").Build()
	adapter.WriteErrorResponse(rec, req, err)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "build not found", body.Error)
	assert.Equal(t, "not_found", body.Code)
	assert.Equal(t, "abc", body.Details["build_id"])
	assert.False(t, body.Retryable)
}

func TestHTTPErrorAdapter_FormatRetryable(t *testing.T) {
	adapter := NewHTTPErrorAdapter(nil)
	resp := adapter.FormatErrorResponse(StateError("database is locked").Build())
	assert.True(t, resp.Retryable)
	assert.Equal(t, "state", resp.Code)

	plain := adapter.FormatErrorResponse(stdErrors.New("boom"))
	assert.Equal(t, "boom", plain.Error)
	assert.Empty(t, plain.Code)
}
