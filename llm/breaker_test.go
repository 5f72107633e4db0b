package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/turnflow/types"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type failingProvider struct {
	calls int
	err   error
}

func (p *failingProvider) Name() string { return "flaky" }

func (p *failingProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Delta: types.Message{Content: "ok"}}
	close(ch)
	return ch, nil
}

func TestBreakerProvider_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingProvider{err: errors.New("503")}
	p := NewBreakerProvider(inner, BreakerConfig{MaxFailures: 2, Timeout: time.Hour}, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.Stream(ctx, &ChatRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, p.State())

	_, err := p.Stream(ctx, &ChatRequest{})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrProviderUnavailable))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.calls, "open circuit fails fast")
}

func TestBreakerProvider_PassesThrough(t *testing.T) {
	inner := &failingProvider{}
	p := NewBreakerProvider(inner, BreakerConfig{}, nil)

	ch, err := p.Stream(context.Background(), &ChatRequest{})
	require.NoError(t, err)
	chunk := <-ch
	assert.Equal(t, "ok", chunk.Delta.Content)
	assert.Equal(t, "flaky", p.Name())
}

func TestBreakerProvider_CancellationDoesNotTrip(t *testing.T) {
	inner := &failingProvider{err: context.Canceled}
	p := NewBreakerProvider(inner, BreakerConfig{MaxFailures: 1}, nil)

	for i := 0; i < 3; i++ {
		_, err := p.Stream(context.Background(), &ChatRequest{})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, p.State())
}
