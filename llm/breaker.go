package llm

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/turnflow/types"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures" json:"max_failures" env:"MAX_FAILURES"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval" json:"interval" env:"INTERVAL"`
}

// BreakerProvider wraps a Provider with circuit breaker protection. Only
// stream initiation counts; errors delivered inside the stream do not trip it.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker[<-chan StreamChunk]
	logger  *zap.Logger
}

// NewBreakerProvider wraps inner. Zero config fields fall back to defaults.
func NewBreakerProvider(inner Provider, cfg BreakerConfig, logger *zap.Logger) *BreakerProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}
	logger = logger.With(zap.String("component", "llm_breaker"), zap.String("provider", inner.Name()))

	cb := gobreaker.NewCircuitBreaker[<-chan StreamChunk](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// a caller hanging up is not an upstream failure
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &BreakerProvider{inner: inner, breaker: cb, logger: logger}
}

// Stream implements Provider.
func (p *BreakerProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ch, err := p.breaker.Execute(func() (<-chan StreamChunk, error) {
		return p.inner.Stream(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.Errorf(types.ErrProviderUnavailable, "provider %q circuit open", p.inner.Name()).
				WithCause(err).
				WithRetryable(true).
				WithProvider(p.inner.Name())
		}
		return nil, err
	}
	return ch, nil
}

// Name implements Provider.
func (p *BreakerProvider) Name() string { return p.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (p *BreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

var _ Provider = (*BreakerProvider)(nil)
