package speech

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/turnflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProvider struct {
	mu   sync.Mutex
	reqs []TTSRequest
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) Synthesize(_ context.Context, req *TTSRequest) (*TTSResponse, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, *req)
	p.mu.Unlock()
	return &TTSResponse{Provider: p.Name(), Voice: req.Voice, Audio: io.NopCloser(strings.NewReader("pcm"))}, nil
}

func TestOpenAITTSProvider_Synthesize(t *testing.T) {
	var got openAITTSRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	p := NewOpenAITTSProvider(OpenAITTSConfig{APIKey: "key", BaseURL: srv.URL})
	resp, err := p.Synthesize(context.Background(), &TTSRequest{Text: "Hello there.", Voice: "nova"})
	require.NoError(t, err)
	defer resp.Audio.Close()

	audio, err := io.ReadAll(resp.Audio)
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(audio))
	assert.Equal(t, "nova", got.Voice)
	assert.Equal(t, "tts-1", got.Model)
	assert.Equal(t, "pcm", got.ResponseFormat)
	assert.Equal(t, len("Hello there."), resp.CharCount)
}

func TestOpenAITTSProvider_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`slow down`))
	}))
	defer srv.Close()

	p := NewOpenAITTSProvider(OpenAITTSConfig{BaseURL: srv.URL})
	_, err := p.Synthesize(context.Background(), &TTSRequest{Text: "hi"})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))

	_, err = p.Synthesize(context.Background(), &TTSRequest{Text: "  "})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestOpenAITTSProvider_Warm(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v1/models", r.URL.Path)
	}))
	defer srv.Close()

	c := NewSynthesisClient(NewOpenAITTSProvider(OpenAITTSConfig{BaseURL: srv.URL}))
	require.NoError(t, Warm(context.Background(), c))
	assert.Equal(t, int32(1), hits.Load())
}

func TestSynthesisClient_BindAndClear(t *testing.T) {
	rec := &recordingProvider{}
	c := NewSynthesisClient(rec)
	require.NotEmpty(t, c.ID())

	c.Bind("sess-1", "onyx")
	resp, err := c.Synthesize(context.Background(), &TTSRequest{Text: "Your balance is due."})
	require.NoError(t, err)
	_ = resp.Audio.Close()

	assert.Equal(t, "sess-1", c.SessionID())
	requests, chars := c.Usage()
	assert.Equal(t, 1, requests)
	assert.Equal(t, len("Your balance is due."), chars)
	require.Len(t, rec.reqs, 1)
	assert.Equal(t, "onyx", rec.reqs[0].Voice)
	assert.Equal(t, "sess-1", rec.reqs[0].Metadata["session_id"])

	c.ClearSessionState()
	assert.Empty(t, c.SessionID())
	requests, chars = c.Usage()
	assert.Zero(t, requests)
	assert.Zero(t, chars)

	_, err = c.Synthesize(context.Background(), &TTSRequest{Text: "Next caller."})
	require.NoError(t, err)
	assert.Empty(t, rec.reqs[1].Voice)
	assert.NotContains(t, rec.reqs[1].Metadata, "session_id")
}

func TestSynthesisClient_Closed(t *testing.T) {
	c := NewSynthesisClient(&recordingProvider{})
	require.NoError(t, c.Close())
	_, err := c.Synthesize(context.Background(), &TTSRequest{Text: "x"})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestNewFactory(t *testing.T) {
	f := NewFactory(&recordingProvider{})
	a, err := f(context.Background())
	require.NoError(t, err)
	b, err := f(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
