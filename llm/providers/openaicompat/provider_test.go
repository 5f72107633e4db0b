package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sse(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "data: %s\n\n", l)
	}
	return b.String()
}

func collect(t *testing.T, ch <-chan llm.StreamChunk) *llm.StreamAssembler {
	t.Helper()
	a := llm.NewStreamAssembler()
	for c := range ch {
		_, err := a.Add(c)
		require.NoError(t, err)
	}
	return a
}

func TestProvider_StreamTextAndToolCalls(t *testing.T) {
	var captured wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "trace-1", r.Header.Get("X-Request-ID"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sse(
			`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"One moment."}}]}`,
			`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"handoff_billing","arguments":"{\"reason\":"}}]}}]}`,
			`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"refund\"}"}}]}}]}`,
			`{"id":"c1","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"id":"c1","model":"m","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
			`[DONE]`,
		))
	}))
	defer srv.Close()

	p := New(Config{APIKey: "sk-test", BaseURL: srv.URL, DefaultModel: "m"}, zaptest.NewLogger(t))
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		TraceID:  "trace-1",
		Messages: []types.Message{types.NewSystemMessage("be brief"), types.NewUserMessage("refund please")},
		Tools: []types.ToolSchema{{
			Name:       "handoff_billing",
			Parameters: types.ObjectSchema(nil, map[string]string{"reason": "string"}),
		}},
		ToolChoice: "auto",
	})
	require.NoError(t, err)
	a := collect(t, ch)

	assert.Equal(t, "One moment.", a.Content())
	assert.Equal(t, "tool_calls", a.FinishReason)
	require.NotNil(t, a.Usage)
	assert.Equal(t, 15, a.Usage.TotalTokens)

	calls, err := a.ToolCalls()
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "handoff_billing", calls[0].Name)
	assert.JSONEq(t, `{"reason":"refund"}`, string(calls[0].Arguments))

	assert.Equal(t, "m", captured.Model)
	assert.True(t, captured.Stream)
	require.Len(t, captured.Messages, 2)
	require.Len(t, captured.Tools, 1)
	assert.Contains(t, string(captured.Tools[0].Function.Parameters), `"reason"`)
	assert.Equal(t, "auto", captured.ToolChoice)
}

func TestProvider_EncodesAssistantToolCallArgumentsAsString(t *testing.T) {
	msgs := toWireMessages([]types.Message{
		types.NewAssistantMessage("").WithToolCalls([]types.ToolCall{{ID: "c", Name: "lookup", Arguments: json.RawMessage(`{"a":1}`)}}),
		types.NewToolMessage("c", "lookup", `{"ok":true}`),
	})
	require.Len(t, msgs, 2)
	var s string
	require.NoError(t, json.Unmarshal(msgs[0].ToolCalls[0].Function.Arguments, &s))
	assert.JSONEq(t, `{"a":1}`, s)
	assert.Equal(t, "c", msgs[1].ToolCallID)
}

func TestProvider_HTTPErrorsMapToCodes(t *testing.T) {
	tests := []struct {
		status    int
		code      types.ErrorCode
		retryable bool
	}{
		{http.StatusTooManyRequests, types.ErrRateLimited, true},
		{http.StatusUnauthorized, types.ErrInvalidRequest, false},
		{http.StatusServiceUnavailable, types.ErrUpstreamError, true},
		{http.StatusGatewayTimeout, types.ErrUpstreamTimeout, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"x"}}`)
			}))
			defer srv.Close()

			p := New(Config{ProviderName: "compat", BaseURL: srv.URL}, nil)
			_, err := p.Stream(context.Background(), &llm.ChatRequest{})
			require.Error(t, err)
			te, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, te.Code)
			assert.Equal(t, tt.retryable, te.Retryable)
			assert.Equal(t, "compat", te.Provider)
			assert.Contains(t, te.Message, "nope")
		})
	}
}

func TestStreamSSE_MalformedPayload(t *testing.T) {
	body := io.NopCloser(strings.NewReader(sse(`{"choices":[`)))
	var errs int
	for c := range StreamSSE(context.Background(), body, "compat") {
		if c.Err != nil {
			errs++
			assert.Equal(t, types.ErrUpstreamError, c.Err.Code)
		}
	}
	assert.Equal(t, 1, errs)
}

func TestStreamSSE_StopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	ch := StreamSSE(ctx, pr, "compat")

	go func() {
		_, _ = io.WriteString(pw, sse(`{"choices":[{"index":0,"delta":{"content":"hi"}}]}`))
	}()
	first := <-ch
	assert.Equal(t, "hi", first.Delta.Content)

	cancel()
	_ = pw.Close()
	for range ch {
	}
}
