// Package pool provides a tiered pool of expensive, reusable client handles
// with per-session affinity.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrConstruction = errors.New("pool: resource construction failed")
	ErrNotLeased    = errors.New("pool: handle is not currently leased")
	ErrClosed       = errors.New("pool: closed")
)

// Tier reports where an acquired handle came from.
type Tier int

const (
	TierDedicated Tier = iota
	TierWarm
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierDedicated:
		return "dedicated"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Resource is a pooled handle. ClearSessionState must strip every piece of
// session-correlated data so the handle can serve another session.
type Resource interface {
	comparable
	ClearSessionState()
}

// Factory constructs a new handle.
type Factory[T Resource] func(ctx context.Context) (T, error)

// WarmFunc runs once on every freshly constructed handle before it is handed out.
type WarmFunc[T Resource] func(ctx context.Context, h T) error

// Config controls pool sizing and the background maintenance loop.
type Config struct {
	Name           string        `yaml:"name" json:"name" env:"NAME"`
	WarmPoolSize   int           `yaml:"warm_pool_size" json:"warm_pool_size" env:"WARM_POOL_SIZE"`
	MaxDedicated   int           `yaml:"max_dedicated" json:"max_dedicated" env:"MAX_DEDICATED"`
	WarmupInterval time.Duration `yaml:"warmup_interval" json:"warmup_interval" env:"WARMUP_INTERVAL"`
	SessionMaxAge  time.Duration `yaml:"session_max_age" json:"session_max_age" env:"SESSION_MAX_AGE"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`
	WarmupWorkers  int           `yaml:"warmup_workers" json:"warmup_workers" env:"WARMUP_WORKERS"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:           "default",
		WarmPoolSize:   4,
		MaxDedicated:   256,
		WarmupInterval: 5 * time.Second,
		SessionMaxAge:  30 * time.Minute,
		AcquireTimeout: 5 * time.Second,
		WarmupWorkers:  4,
	}
}

// Option customizes a Pool.
type Option[T Resource] func(*Pool[T])

// WithWarmFunc installs a post-construction hook.
func WithWarmFunc[T Resource](fn WarmFunc[T]) Option[T] {
	return func(p *Pool[T]) { p.warmFn = fn }
}

// WithClock overrides the time source used for idle tracking.
func WithClock[T Resource](now func() time.Time) Option[T] {
	return func(p *Pool[T]) { p.now = now }
}

type dedicatedEntry[T Resource] struct {
	handle   T
	lastUsed time.Time
}

// Pool hands out handles from three tiers: a per-session dedicated cache,
// a warm queue of idle pre-built handles, and the factory.
type Pool[T Resource] struct {
	cfg     Config
	factory Factory[T]
	warmFn  WarmFunc[T]
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	warm        []T
	dedicated   map[string]dedicatedEntry[T]
	leased      map[T]string
	sessionRefs map[string]int
	// ended marks dropped sessions that still hold leases; their releases go warm
	ended    map[string]struct{}
	inflight int
	closed   bool

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	// Metrics
	dedicatedAllocs  atomic.Int64
	warmAllocs       atomic.Int64
	coldAllocs       atomic.Int64
	constructFails   atomic.Int64
	warmupFails      atomic.Int64
	evictions        atomic.Int64
	rejectedReleases atomic.Int64
	warmSize         atomic.Int64
	dedicatedSize    atomic.Int64
	leasedSize       atomic.Int64
	activeSessions   atomic.Int64
}

// New creates a pool. The warm queue starts empty; call Prewarm or Start to fill it.
func New[T Resource](cfg Config, factory Factory[T], logger *zap.Logger, opts ...Option[T]) (*Pool[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("pool %q: factory is required", cfg.Name)
	}
	if cfg.WarmPoolSize < 0 || cfg.MaxDedicated < 0 {
		return nil, fmt.Errorf("pool %q: sizes must be non-negative", cfg.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WarmupWorkers <= 0 {
		cfg.WarmupWorkers = 1
	}

	p := &Pool[T]{
		cfg:         cfg,
		factory:     factory,
		logger:      logger.With(zap.String("component", "resource_pool"), zap.String("pool", cfg.Name)),
		now:         time.Now,
		warm:        make([]T, 0, cfg.WarmPoolSize),
		dedicated:   make(map[string]dedicatedEntry[T]),
		leased:      make(map[T]string),
		sessionRefs: make(map[string]int),
		ended:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the configured pool name.
func (p *Pool[T]) Name() string { return p.cfg.Name }

// AcquireForSession returns a handle for sessionID, preferring the handle
// that session released last.
func (p *Pool[T]) AcquireForSession(ctx context.Context, sessionID string) (T, Tier, error) {
	return p.acquire(ctx, sessionID)
}

// Acquire returns a handle without session affinity.
func (p *Pool[T]) Acquire(ctx context.Context) (T, Tier, error) {
	return p.acquire(ctx, "")
}

func (p *Pool[T]) acquire(ctx context.Context, sessionID string) (T, Tier, error) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, TierCold, ErrClosed
	}

	if sessionID != "" {
		delete(p.ended, sessionID)
		if entry, ok := p.dedicated[sessionID]; ok {
			delete(p.dedicated, sessionID)
			p.unrefLocked(sessionID)
			p.leaseLocked(entry.handle, sessionID)
			p.syncGaugesLocked()
			p.mu.Unlock()
			p.dedicatedAllocs.Add(1)
			p.logger.Debug("dedicated hit", zap.String("session_id", sessionID))
			return entry.handle, TierDedicated, nil
		}
	}

	if n := len(p.warm); n > 0 {
		h := p.warm[n-1]
		p.warm = p.warm[:n-1]
		p.leaseLocked(h, sessionID)
		p.syncGaugesLocked()
		p.mu.Unlock()
		p.warmAllocs.Add(1)
		return h, TierWarm, nil
	}
	p.mu.Unlock()

	h, err := p.construct(ctx)
	if err != nil {
		p.constructFails.Add(1)
		p.logger.Warn("cold construction failed", zap.String("session_id", sessionID), zap.Error(err))
		return zero, TierCold, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeHandle(h)
		return zero, TierCold, ErrClosed
	}
	p.leaseLocked(h, sessionID)
	p.syncGaugesLocked()
	p.mu.Unlock()

	p.coldAllocs.Add(1)
	return h, TierCold, nil
}

// ReleaseForSession clears the handle's session state and parks it in the
// dedicated cache for sessionID, or in the warm queue when sessionID is empty
// or was dropped while the handle was out.
// Releasing a handle that is not leased returns ErrNotLeased and changes nothing.
func (p *Pool[T]) ReleaseForSession(sessionID string, h T) error {
	p.mu.Lock()
	owner, ok := p.leased[h]
	if !ok {
		p.mu.Unlock()
		p.rejectedReleases.Add(1)
		p.logger.Warn("release of handle that is not leased", zap.String("session_id", sessionID))
		return ErrNotLeased
	}
	delete(p.leased, h)
	_, dropped := p.ended[sessionID]
	if owner != "" {
		p.unrefLocked(owner)
		if p.sessionRefs[owner] == 0 {
			delete(p.ended, owner)
		}
	}
	p.syncGaugesLocked()
	p.mu.Unlock()

	h.ClearSessionState()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		closeHandle(h)
		return nil
	}
	if dropped {
		p.logger.Debug("release after session drop", zap.String("session_id", sessionID))
	} else if sessionID != "" {
		if _, taken := p.dedicated[sessionID]; !taken && len(p.dedicated) < p.cfg.MaxDedicated {
			p.dedicated[sessionID] = dedicatedEntry[T]{handle: h, lastUsed: p.now()}
			p.sessionRefs[sessionID]++
			p.syncGaugesLocked()
			return nil
		}
	}
	p.parkWarmLocked(h)
	p.syncGaugesLocked()
	return nil
}

// Release returns an anonymously used handle to the warm queue.
func (p *Pool[T]) Release(h T) error {
	return p.ReleaseForSession("", h)
}

// DropSession evicts the dedicated entry for sessionID, if any. Handles the
// session still holds are sent to the warm queue when released, unless the
// session acquires again first.
func (p *Pool[T]) DropSession(sessionID string) {
	if sessionID == "" {
		return
	}
	p.mu.Lock()
	entry, ok := p.dedicated[sessionID]
	if ok {
		delete(p.dedicated, sessionID)
		p.unrefLocked(sessionID)
	}
	if p.sessionRefs[sessionID] > 0 {
		p.ended[sessionID] = struct{}{}
	}
	p.syncGaugesLocked()
	p.mu.Unlock()

	if !ok {
		return
	}
	p.evictions.Add(1)
	entry.handle.ClearSessionState()
	p.mu.Lock()
	if p.closed {
		closeHandle(entry.handle)
	} else {
		p.parkWarmLocked(entry.handle)
		p.syncGaugesLocked()
	}
	p.mu.Unlock()
}

// Prewarm fills the warm queue to its target size once.
func (p *Pool[T]) Prewarm(ctx context.Context) error {
	built, failed := p.topUp(ctx)
	if failed > 0 && built == 0 {
		return fmt.Errorf("%w: prewarm built 0 of %d handles", ErrConstruction, failed)
	}
	return nil
}

// Maintain runs one eviction and top-up pass.
func (p *Pool[T]) Maintain(ctx context.Context) {
	p.evictStale()
	p.topUp(ctx)
}

// Start launches the background maintenance loop. It runs until ctx is
// done or Stop is called.
func (p *Pool[T]) Start(ctx context.Context) {
	interval := p.cfg.WarmupInterval
	if interval <= 0 {
		interval = DefaultConfig().WarmupInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		cancel()
		return
	}
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		p.Maintain(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Maintain(ctx)
			}
		}
	}()

	p.logger.Info("pool maintenance started", zap.Duration("interval", interval))
}

// Stop halts the background loop and waits for it to exit.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		cancel, done := p.cancel, p.done
		p.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		<-done
	})
}

// Close stops maintenance and closes every idle handle. Leased handles are
// closed when they are released.
func (p *Pool[T]) Close() error {
	p.Stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := make([]T, 0, len(p.warm)+len(p.dedicated))
	idle = append(idle, p.warm...)
	for _, e := range p.dedicated {
		idle = append(idle, e.handle)
	}
	p.warm = nil
	p.dedicated = make(map[string]dedicatedEntry[T])
	clear(p.ended)
	clear(p.sessionRefs)
	for _, owner := range p.leased {
		if owner != "" {
			p.sessionRefs[owner]++
		}
	}
	p.syncGaugesLocked()
	p.mu.Unlock()

	for _, h := range idle {
		closeHandle(h)
	}
	p.logger.Info("pool closed", zap.Int("closed_idle", len(idle)))
	return nil
}

// Snapshot reports pool state without taking the pool lock.
func (p *Pool[T]) Snapshot() Snapshot {
	return Snapshot{
		Name:                 p.cfg.Name,
		DedicatedTarget:      p.cfg.MaxDedicated,
		DedicatedActual:      int(p.dedicatedSize.Load()),
		WarmTarget:           p.cfg.WarmPoolSize,
		WarmActual:           int(p.warmSize.Load()),
		Leased:               int(p.leasedSize.Load()),
		ActiveSessions:       int(p.activeSessions.Load()),
		DedicatedAllocations: p.dedicatedAllocs.Load(),
		WarmAllocations:      p.warmAllocs.Load(),
		ColdAllocations:      p.coldAllocs.Load(),
		ConstructionFailures: p.constructFails.Load(),
		WarmupFailures:       p.warmupFails.Load(),
		Evictions:            p.evictions.Load(),
		RejectedReleases:     p.rejectedReleases.Load(),
	}
}

func (p *Pool[T]) construct(ctx context.Context) (T, error) {
	var zero T
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	h, err := p.factory(ctx)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrConstruction, err)
	}
	if p.warmFn != nil {
		if err := p.warmFn(ctx, h); err != nil {
			closeHandle(h)
			return zero, fmt.Errorf("%w: warm hook: %w", ErrConstruction, err)
		}
	}
	return h, nil
}

func (p *Pool[T]) evictStale() {
	if p.cfg.SessionMaxAge <= 0 {
		return
	}
	cutoff := p.now().Add(-p.cfg.SessionMaxAge)

	p.mu.Lock()
	var stale []T
	for sessionID, e := range p.dedicated {
		if e.lastUsed.Before(cutoff) {
			stale = append(stale, e.handle)
			delete(p.dedicated, sessionID)
			p.unrefLocked(sessionID)
		}
	}
	p.syncGaugesLocked()
	p.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	for _, h := range stale {
		h.ClearSessionState()
	}

	p.mu.Lock()
	for _, h := range stale {
		if p.closed {
			closeHandle(h)
			continue
		}
		p.parkWarmLocked(h)
	}
	p.syncGaugesLocked()
	p.mu.Unlock()

	p.evictions.Add(int64(len(stale)))
	p.logger.Debug("evicted idle dedicated handles", zap.Int("count", len(stale)))
}

// topUp builds missing warm handles concurrently without holding the lock.
func (p *Pool[T]) topUp(ctx context.Context) (built, failed int) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, 0
	}
	missing := p.cfg.WarmPoolSize - len(p.warm) - p.inflight
	if missing <= 0 {
		p.mu.Unlock()
		return 0, 0
	}
	p.inflight += missing
	p.mu.Unlock()

	var (
		g       errgroup.Group
		counter sync.Mutex
	)
	g.SetLimit(p.cfg.WarmupWorkers)

	for i := 0; i < missing; i++ {
		g.Go(func() error {
			h, err := p.construct(ctx)

			p.mu.Lock()
			p.inflight--
			if err == nil {
				if p.closed {
					closeHandle(h)
				} else {
					p.parkWarmLocked(h)
				}
				p.syncGaugesLocked()
			}
			p.mu.Unlock()

			counter.Lock()
			defer counter.Unlock()
			if err != nil {
				failed++
				p.warmupFails.Add(1)
				p.logger.Warn("warmup construction failed", zap.Error(err))
				return nil
			}
			built++
			return nil
		})
	}
	_ = g.Wait()
	return built, failed
}

func (p *Pool[T]) parkWarmLocked(h T) {
	if len(p.warm) >= p.cfg.WarmPoolSize {
		closeHandle(h)
		return
	}
	p.warm = append(p.warm, h)
}

func (p *Pool[T]) leaseLocked(h T, sessionID string) {
	p.leased[h] = sessionID
	if sessionID != "" {
		p.sessionRefs[sessionID]++
	}
}

func (p *Pool[T]) unrefLocked(sessionID string) {
	if n := p.sessionRefs[sessionID]; n <= 1 {
		delete(p.sessionRefs, sessionID)
	} else {
		p.sessionRefs[sessionID] = n - 1
	}
}

func (p *Pool[T]) syncGaugesLocked() {
	p.warmSize.Store(int64(len(p.warm)))
	p.dedicatedSize.Store(int64(len(p.dedicated)))
	p.leasedSize.Store(int64(len(p.leased)))
	p.activeSessions.Store(int64(len(p.sessionRefs)))
}

func closeHandle[T any](h T) {
	if c, ok := any(h).(io.Closer); ok {
		_ = c.Close()
	}
}
