package voice

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/turnflow/agent/persistence"
	"github.com/BaSui01/turnflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// EndHook runs when a session ends, e.g. to drop its pooled handles.
type EndHook func(ctx context.Context, sessionID string)

// SessionRegistry owns the live sessions of a process. It is created by the
// transport layer and passed to whatever serves sessions.
type SessionRegistry struct {
	store      *persistence.Store
	startAgent string
	logger     *zap.Logger

	group    singleflight.Group
	mu       sync.RWMutex
	sessions map[string]*Session
	hooks    []EndHook
}

// NewSessionRegistry creates a registry whose new sessions start at startAgent.
func NewSessionRegistry(store *persistence.Store, startAgent string, logger *zap.Logger) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRegistry{
		store:      store,
		startAgent: startAgent,
		logger:     logger.With(zap.String("component", "session_registry")),
		sessions:   make(map[string]*Session),
	}
}

// NewSessionID returns a fresh session id.
func NewSessionID() string { return uuid.NewString() }

// OnEnd registers a hook run by End.
func (r *SessionRegistry) OnEnd(h EndHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// GetOrCreate returns the live session for id, loading or initialising it.
// Concurrent first calls for one id share a single load.
func (r *SessionRegistry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if err := persistence.ValidateSessionID(id); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error()).WithCause(err)
	}
	if s, ok := r.Get(id); ok {
		return s, nil
	}
	v, err, _ := r.group.Do(id, func() (any, error) {
		if s, ok := r.Get(id); ok {
			return s, nil
		}
		s, err := NewSession(ctx, r.store.Session(id), r.startAgent)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.sessions[id] = s
		r.mu.Unlock()
		r.logger.Debug("session opened", zap.String("session_id", id), zap.String("agent", s.ActiveAgent()))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Get returns a live session.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// End forgets the session, drops its durable state and runs the end hooks.
// Ending an unknown session still drops whatever the store holds for it.
// A live session is only ended between turns: while a turn or realtime run
// holds it, End fails with ErrTurnInFlight and changes nothing. Once End
// has started, turns queued on the session fail with ErrSessionEnded.
func (r *SessionRegistry) End(ctx context.Context, id string) error {
	if err := persistence.ValidateSessionID(id); err != nil {
		return err
	}
	s, live := r.Get(id)
	if live {
		release, err := s.TryBegin()
		if err != nil {
			return err
		}
		defer release()
		s.close()
	}

	r.mu.RLock()
	hooks := slices.Clone(r.hooks)
	r.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, id)
	}
	err := r.store.Drop(ctx, id)

	if live {
		r.mu.Lock()
		if r.sessions[id] == s {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
	}
	if err != nil {
		return err
	}
	r.logger.Debug("session ended", zap.String("session_id", id))
	return nil
}

// Sweep ends idle sessions whose last turn began more than maxIdle ago.
// Sessions that become busy before they are ended are left alone.
func (r *SessionRegistry) Sweep(ctx context.Context, maxIdle time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxIdle)
	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if !s.Busy() && s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	var (
		ended int
		errs  []error
	)
	for _, id := range stale {
		err := r.End(ctx, id)
		switch {
		case err == nil:
			ended++
		case errors.Is(err, ErrTurnInFlight):
			// busy again; a later sweep retries
		default:
			errs = append(errs, err)
		}
	}
	if ended > 0 {
		r.logger.Info("idle sessions swept", zap.Int("count", ended))
	}
	return ended, errors.Join(errs...)
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the live session ids in sorted order.
func (r *SessionRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
