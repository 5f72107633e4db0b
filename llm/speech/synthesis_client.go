package speech

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrClientClosed is returned by a SynthesisClient after Close.
var ErrClientClosed = errors.New("speech: synthesis client closed")

// SynthesisClient is a poolable synthesis handle. It carries session-correlation
// data (bound session, voice override, usage counters) that ClearSessionState wipes
// before the handle is reused by another session.
type SynthesisClient struct {
	id       string
	provider TTSProvider

	mu        sync.Mutex
	sessionID string
	voice     string
	requests  int
	chars     int

	closed atomic.Bool
}

// NewSynthesisClient wraps provider in a fresh handle.
func NewSynthesisClient(provider TTSProvider) *SynthesisClient {
	return &SynthesisClient{id: uuid.NewString(), provider: provider}
}

// NewFactory returns a constructor suitable for a pool of synthesis handles.
func NewFactory(provider TTSProvider) func(ctx context.Context) (*SynthesisClient, error) {
	return func(ctx context.Context) (*SynthesisClient, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewSynthesisClient(provider), nil
	}
}

// Warm is a pool warm hook: it primes the provider connection when the provider supports it.
func Warm(ctx context.Context, c *SynthesisClient) error {
	if w, ok := c.provider.(Warmer); ok {
		return w.Warm(ctx)
	}
	return nil
}

// ID identifies the handle for the lifetime of the process.
func (c *SynthesisClient) ID() string { return c.id }

// Bind attaches the handle to a session and optional voice override.
func (c *SynthesisClient) Bind(sessionID, voice string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.voice = voice
}

// SessionID returns the bound session, or "" when unbound.
func (c *SynthesisClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Usage reports requests and characters synthesized since the last clear.
func (c *SynthesisClient) Usage() (requests, chars int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests, c.chars
}

// Synthesize renders text with the bound voice unless the request names one.
func (c *SynthesisClient) Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	c.mu.Lock()
	r := *req
	if r.Voice == "" {
		r.Voice = c.voice
	}
	if c.sessionID != "" {
		if r.Metadata == nil {
			r.Metadata = map[string]string{}
		}
		r.Metadata["session_id"] = c.sessionID
	}
	c.requests++
	c.chars += len(req.Text)
	c.mu.Unlock()

	return c.provider.Synthesize(ctx, &r)
}

// ClearSessionState drops the bound session, voice override and counters.
func (c *SynthesisClient) ClearSessionState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	c.voice = ""
	c.requests = 0
	c.chars = 0
}

// Close marks the handle unusable.
func (c *SynthesisClient) Close() error {
	c.closed.Store(true)
	return nil
}
