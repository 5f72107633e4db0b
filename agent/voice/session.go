package voice

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/turnflow/agent/handoff"
	"github.com/BaSui01/turnflow/agent/persistence"
	"github.com/BaSui01/turnflow/llm/tools"
	"github.com/BaSui01/turnflow/types"
)

// State is the turn state of a session.
type State string

const (
	StateIdle              State = "IDLE"
	StateProcessing        State = "PROCESSING"
	StateProcessingHandoff State = "PROCESSING_HANDOFF"
)

// KeyHandoffContext holds the context of the most recent handoff in core memory.
const KeyHandoffContext = tools.KeyHandoffContext

// ErrTurnInFlight is returned when a session already has a turn running and
// the caller asked not to wait.
var ErrTurnInFlight = errors.New("voice: turn already in flight")

// ErrSessionEnded is returned when a turn is started on a session that has ended.
var ErrSessionEnded = errors.New("voice: session ended")

var transitions = map[State][]State{
	StateIdle:              {StateProcessing},
	StateProcessing:        {StateIdle, StateProcessingHandoff},
	StateProcessingHandoff: {StateProcessing, StateIdle},
}

// Session is the in-memory view of one conversation: which agent is active,
// which agents it has visited and where its turn state machine stands.
// Durable state lives in the bound persistence.SessionState.
type Session struct {
	id    string
	store *persistence.SessionState
	// gate admits one turn at a time; blocked senders are served in arrival order
	gate chan struct{}

	mu             sync.RWMutex
	active         string
	visited        map[string]bool
	state          State
	pending        *handoff.Resolution
	handoffContext map[string]any
	createdAt      time.Time
	lastActivity   time.Time
}

// NewSession loads the session from the store, or initialises it with
// startAgent when the store has no active agent yet.
func NewSession(ctx context.Context, store *persistence.SessionState, startAgent string) (*Session, error) {
	active, err := store.GetString(ctx, persistence.KeyActiveAgent)
	if err != nil {
		return nil, err
	}
	var visited []string
	if err := store.Get(ctx, persistence.KeyVisitedAgents, &visited); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	var hctx map[string]any
	if err := store.Get(ctx, KeyHandoffContext, &hctx); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	if active == "" {
		if startAgent == "" {
			return nil, types.NewError(types.ErrInvalidRequest, "start agent is required for a new session")
		}
		active = startAgent
		visited = []string{startAgent}
		if err := store.SetMany(ctx, map[string]any{
			persistence.KeyActiveAgent:   active,
			persistence.KeyVisitedAgents: visited,
		}); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	s := &Session{
		id:             store.ID(),
		store:          store,
		gate:           make(chan struct{}, 1),
		active:         active,
		visited:        make(map[string]bool, len(visited)+1),
		state:          StateIdle,
		handoffContext: hctx,
		createdAt:      now,
		lastActivity:   now,
	}
	for _, name := range visited {
		s.visited[name] = true
	}
	s.visited[active] = true
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Store returns the session's durable state.
func (s *Session) Store() *persistence.SessionState { return s.store }

// ActiveAgent returns the agent currently in control.
func (s *Session) ActiveAgent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Visited reports whether name has been active in this session.
func (s *Session) Visited(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visited[name]
}

// VisitedAgents returns the visited set in sorted order.
func (s *Session) VisitedAgents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.visited))
	for name := range s.visited {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// State returns the turn state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// PendingHandoff returns the resolution being applied while in PROCESSING_HANDOFF.
func (s *Session) PendingHandoff() (handoff.Resolution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pending == nil {
		return handoff.Resolution{}, false
	}
	return *s.pending, true
}

// HandoffContext returns the context the active agent was handed, if any.
func (s *Session) HandoffContext() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.handoffContext)
}

// Busy reports whether a turn or realtime run holds the session.
func (s *Session) Busy() bool { return len(s.gate) > 0 }

// LastActivity returns when the last turn began.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Begin waits for the session's turn gate. Waiters are admitted in arrival order.
func (s *Session) Begin(ctx context.Context) (release func(), err error) {
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.admit()
}

// TryBegin takes the turn gate without waiting.
func (s *Session) TryBegin() (release func(), err error) {
	select {
	case s.gate <- struct{}{}:
	default:
		return nil, ErrTurnInFlight
	}
	return s.admit()
}

// admit runs with the gate held.
func (s *Session) admit() (func(), error) {
	if s.store.Closed() {
		<-s.gate
		return nil, ErrSessionEnded
	}
	s.touch()
	return s.releaser(), nil
}

// close ends the session while the caller holds its gate. Turns still queued
// on the gate fail with ErrSessionEnded and writes through the store handle
// fail with persistence.ErrSessionClosed.
func (s *Session) close() {
	s.store.Close()
}

// Ended reports whether the session was ended.
func (s *Session) Ended() bool { return s.store.Closed() }

func (s *Session) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.state = StateIdle
			s.pending = nil
			s.mu.Unlock()
			<-s.gate
		})
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return nil
	}
	if !slices.Contains(transitions[s.state], to) {
		return types.Errorf(types.ErrInvalidTransition, "session %s: %s -> %s", s.id, s.state, to)
	}
	s.state = to
	if to != StateProcessingHandoff {
		s.pending = nil
	}
	return nil
}

// view snapshots what resolution and greeting selection need. Bookkeeping
// keys and control keys never reach it.
func (s *Session) view(ctx context.Context) (handoff.SessionView, error) {
	values, err := s.store.Values(ctx)
	if err != nil {
		return handoff.SessionView{}, err
	}
	delete(values, persistence.KeyActiveAgent)
	delete(values, persistence.KeyVisitedAgents)

	s.mu.RLock()
	visited := maps.Clone(s.visited)
	s.mu.RUnlock()
	return handoff.SessionView{Context: tools.StripControlKeys(values), Visited: visited}, nil
}

// commitHandoff makes res.Target the active agent. The store is written first:
// active agent, visited set and handoff context in one write, then the target's
// thread is seeded with seed when empty. If seeding fails the core write is
// reverted. The in-memory switch happens only after both succeed; the returned
// undo restores the previous agent when a later step of the switch fails.
// seeded reports whether the target thread was empty and received seed.
func (s *Session) commitHandoff(ctx context.Context, res handoff.Resolution, seed types.Entry) (seeded bool, undo func(context.Context) error, err error) {
	if err := s.transition(StateProcessingHandoff); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	s.pending = &res
	prev := coreSnapshot{active: s.active, context: s.handoffContext}
	for name := range s.visited {
		prev.visited = append(prev.visited, name)
	}
	s.mu.Unlock()
	slices.Sort(prev.visited)

	next := coreSnapshot{active: res.Target, visited: prev.visited, context: res.Context}
	if !slices.Contains(next.visited, res.Target) {
		next.visited = append(slices.Clone(prev.visited), res.Target)
		slices.Sort(next.visited)
	}
	if next.context == nil {
		next.context = map[string]any{}
	}

	if err := s.writeCore(ctx, next); err != nil {
		return false, nil, fmt.Errorf("commit handoff %s -> %s: %w", res.Source, res.Target, err)
	}
	if seed != nil {
		seeded, err = s.store.SeedIfEmpty(ctx, res.Target, seed)
		if err != nil {
			if rbErr := s.writeCore(context.WithoutCancel(ctx), prev); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
			return false, nil, fmt.Errorf("seed %s thread: %w", res.Target, err)
		}
	}
	s.apply(next)

	// a seeded entry is kept on undo; it records what the caller said
	return seeded, func(ctx context.Context) error {
		if err := s.writeCore(ctx, prev); err != nil {
			return fmt.Errorf("revert handoff %s -> %s: %w", res.Source, res.Target, err)
		}
		s.apply(prev)
		return nil
	}, nil
}

type coreSnapshot struct {
	active  string
	visited []string
	context map[string]any
}

func (s *Session) writeCore(ctx context.Context, c coreSnapshot) error {
	values := map[string]any{
		persistence.KeyActiveAgent:   c.active,
		persistence.KeyVisitedAgents: c.visited,
	}
	if c.context == nil {
		if err := s.store.SetMany(ctx, values); err != nil {
			return err
		}
		return s.store.Delete(ctx, KeyHandoffContext)
	}
	values[KeyHandoffContext] = c.context
	return s.store.SetMany(ctx, values)
}

func (s *Session) apply(c coreSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = c.active
	s.visited = make(map[string]bool, len(c.visited))
	for _, name := range c.visited {
		s.visited[name] = true
	}
	s.handoffContext = c.context
}
