package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/turnflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"message":"hello"}`, w.Body.String())
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError_MapsCodes(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrHandoffMalformed, http.StatusBadRequest},
		{types.ErrAgentNotFound, http.StatusNotFound},
		{types.ErrSessionNotAvailable, http.StatusNotFound},
		{types.ErrTurnInFlight, http.StatusConflict},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrRoutingInvalid, http.StatusUnprocessableEntity},
		{types.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{types.ErrResourceConstruct, http.StatusServiceUnavailable},
		{types.ErrUpstreamError, http.StatusBadGateway},
		{types.ErrStateStore, http.StatusInternalServerError},
		{types.ErrorCode("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, types.NewError(tt.code, "boom"), zap.NewNop())

			assert.Equal(t, tt.want, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.code), resp.Error.Code)
			assert.Equal(t, "boom", resp.Error.Message)
		})
	}
}

func TestWriteError_ExplicitStatusWins(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorMessage(w, http.StatusTeapot, types.ErrInvalidRequest, "short and stout", nil)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestWriteError_EchoesRequestIDAndLogsByStatus(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-42")
	WriteError(w, types.NewError(types.ErrTurnInFlight, "busy"), logger)
	assert.Equal(t, "req-42", decodeResponse(t, w).RequestID)

	w = httptest.NewRecorder()
	WriteError(w, types.NewError(types.ErrStateStore, "redis down"), logger)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
}

func TestWriteFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"typed", fmt.Errorf("wrapped: %w", types.NewError(types.ErrTurnInFlight, "busy")), http.StatusConflict, "TURN_IN_FLIGHT"},
		{"deadline", fmt.Errorf("turn: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"},
		{"plain", errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteFailure(w, tt.err, nil)
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.code, decodeResponse(t, w).Error.Code)
		})
	}
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Text string `json:"text"`
	}

	t.Run("valid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"text":"hi"}`))
		w := httptest.NewRecorder()
		var p payload
		require.NoError(t, DecodeJSONBody(w, r, &p, nil))
		assert.Equal(t, "hi", p.Text)
	})

	t.Run("unknown field", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"txt":"hi"}`))
		w := httptest.NewRecorder()
		var p payload
		require.Error(t, DecodeJSONBody(w, r, &p, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("too large", func(t *testing.T) {
		body := `{"text":"` + strings.Repeat("a", maxBodyBytes) + `"}`
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		w := httptest.NewRecorder()
		var p payload
		require.Error(t, DecodeJSONBody(w, r, &p, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestValidateContentType(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	assert.False(t, ValidateContentType(w, r, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r.Header.Set("Content-Type", "application/json")
	assert.True(t, ValidateContentType(httptest.NewRecorder(), r, nil))
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)
	_, _ = rw.Write([]byte("x"))
	rw.Flush()

	assert.Equal(t, http.StatusCreated, rw.StatusCode)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, rec.Flushed)
	assert.Same(t, rec, rw.Unwrap())

	_, _, err := rw.Hijack()
	assert.Error(t, err)
}
