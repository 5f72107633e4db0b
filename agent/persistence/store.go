// Package persistence provides per-session state storage: a flat key/value
// core memory and one ordered message thread per agent.
//
// Supported backends:
// - Memory: For development and single-process deployments (default)
// - Redis: For deployments where sessions must survive reconnects across nodes
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/BaSui01/turnflow/types"
	"go.uber.org/zap"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
	// ErrSessionClosed is returned by writes through a handle whose session ended.
	ErrSessionClosed = errors.New("session closed")
)

// MaxSessionIDLength bounds session ids.
const MaxSessionIDLength = 128

// session ids become part of backend keys; ':' and '{' are key syntax there
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSessionID rejects ids that are empty, longer than
// MaxSessionIDLength, or use anything but letters, digits, '-' and '_'.
func ValidateSessionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	case len(id) > MaxSessionIDLength:
		return fmt.Errorf("%w: session id longer than %d", ErrInvalidInput, MaxSessionIDLength)
	case !sessionIDPattern.MatchString(id):
		return fmt.Errorf("%w: session id %q may only contain letters, digits, '-' and '_'", ErrInvalidInput, id)
	}
	return nil
}

// Well-known core memory keys.
const (
	KeyActiveAgent   = "active_agent"
	KeyVisitedAgents = "visited_agents"
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig is the configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// SessionTTL bounds how long an untouched session is retained (redis only, 0 = forever)
	SessionTTL time.Duration `json:"session_ttl" yaml:"session_ttl" env:"SESSION_TTL"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis" env:"REDIS"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	Host      string `json:"host" yaml:"host" env:"HOST"`
	Port      int    `json:"port" yaml:"port" env:"PORT"`
	Password  string `json:"password" yaml:"password" env:"PASSWORD"`
	DB        int    `json:"db" yaml:"db" env:"DB"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`
	TLS       bool   `json:"tls" yaml:"tls" env:"TLS"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:       StoreTypeMemory,
		SessionTTL: 24 * time.Hour,
		Redis: RedisStoreConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "turnflow:",
		},
	}
}

// backend is keyed by session id. Only Store and SessionState see it, so
// callers can never address another session's data.
type backend interface {
	appendEntry(ctx context.Context, sessionID, agent string, raw []byte) error
	seedIfEmpty(ctx context.Context, sessionID, agent string, raw []byte) (bool, error)
	thread(ctx context.Context, sessionID, agent string) ([][]byte, error)
	agents(ctx context.Context, sessionID string) ([]string, error)
	getCore(ctx context.Context, sessionID, key string) ([]byte, error)
	setCore(ctx context.Context, sessionID string, values map[string][]byte) error
	deleteCore(ctx context.Context, sessionID, key string) error
	snapshotCore(ctx context.Context, sessionID string) (map[string][]byte, error)
	drop(ctx context.Context, sessionID string) error
	ping(ctx context.Context) error
	close() error
}

// Store hands out session-scoped state handles.
type Store struct {
	backend backend
	kind    StoreType
	logger  *zap.Logger
}

func newStore(b backend, kind StoreType, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: b,
		kind:    kind,
		logger:  logger.With(zap.String("component", "session_store"), zap.String("backend", string(kind))),
	}
}

// Type reports the backend in use.
func (s *Store) Type() StoreType { return s.kind }

// Session returns the state handle for one session.
func (s *Store) Session(sessionID string) *SessionState {
	return &SessionState{id: sessionID, backend: s.backend, logger: s.logger.With(zap.String("session_id", sessionID))}
}

// Drop deletes everything stored for a session.
func (s *Store) Drop(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := s.backend.drop(ctx, sessionID); err != nil {
		return storeError("drop session", err)
	}
	s.logger.Debug("session dropped", zap.String("session_id", sessionID))
	return nil
}

// Ping checks if the store is healthy
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.ping(ctx)
}

// Close closes the store and releases resources
func (s *Store) Close() error {
	return s.backend.close()
}

// SessionState is the state of exactly one session.
type SessionState struct {
	id      string
	backend backend
	logger  *zap.Logger
	closed  atomic.Bool
}

// ID returns the session id this handle is bound to.
func (st *SessionState) ID() string { return st.id }

// Close makes every later write through this handle fail with
// ErrSessionClosed. Reads keep working. It does not touch stored data.
func (st *SessionState) Close() { st.closed.Store(true) }

// Closed reports whether Close was called.
func (st *SessionState) Closed() bool { return st.closed.Load() }

func (st *SessionState) writable() error {
	if st.closed.Load() {
		return fmt.Errorf("session %s: %w", st.id, ErrSessionClosed)
	}
	return nil
}

// Append adds an entry to the end of agent's thread.
func (st *SessionState) Append(ctx context.Context, agent string, e types.Entry) error {
	if err := st.writable(); err != nil {
		return err
	}
	raw, err := st.encode(agent, e)
	if err != nil {
		return err
	}
	if err := st.backend.appendEntry(ctx, st.id, agent, raw); err != nil {
		return storeError("append entry", err)
	}
	return nil
}

// SeedIfEmpty appends e only when agent has no thread yet. It reports
// whether the entry was written.
func (st *SessionState) SeedIfEmpty(ctx context.Context, agent string, e types.Entry) (bool, error) {
	if err := st.writable(); err != nil {
		return false, err
	}
	raw, err := st.encode(agent, e)
	if err != nil {
		return false, err
	}
	seeded, err := st.backend.seedIfEmpty(ctx, st.id, agent, raw)
	if err != nil {
		return false, storeError("seed thread", err)
	}
	return seeded, nil
}

// Thread returns agent's entries in append order. An agent that never
// spoke has an empty thread.
func (st *SessionState) Thread(ctx context.Context, agent string) ([]types.Entry, error) {
	if agent == "" {
		return nil, fmt.Errorf("%w: agent name is required", ErrInvalidInput)
	}
	raws, err := st.backend.thread(ctx, st.id, agent)
	if err != nil {
		return nil, storeError("read thread", err)
	}
	out := make([]types.Entry, 0, len(raws))
	for i, raw := range raws {
		e, err := types.UnmarshalEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("thread %s entry %d: %w", agent, i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Agents lists agents that have a thread in this session.
func (st *SessionState) Agents(ctx context.Context) ([]string, error) {
	names, err := st.backend.agents(ctx, st.id)
	if err != nil {
		return nil, storeError("list agents", err)
	}
	return names, nil
}

// Get decodes the core value stored under key into dst.
func (st *SessionState) Get(ctx context.Context, key string, dst any) error {
	raw, err := st.backend.getCore(ctx, st.id, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return storeError("get core key", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode core key %s: %w", key, err)
	}
	return nil
}

// GetString is a convenience for string-valued keys. Missing keys yield "".
func (st *SessionState) GetString(ctx context.Context, key string) (string, error) {
	var v string
	if err := st.Get(ctx, key, &v); err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return v, nil
}

// Set stores value under key.
func (st *SessionState) Set(ctx context.Context, key string, value any) error {
	return st.SetMany(ctx, map[string]any{key: value})
}

// SetMany stores every pair in a single write; either all land or none do.
func (st *SessionState) SetMany(ctx context.Context, values map[string]any) error {
	if err := st.writable(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	encoded := make(map[string][]byte, len(values))
	for k, v := range values {
		if k == "" {
			return fmt.Errorf("%w: empty core key", ErrInvalidInput)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode core key %s: %w", k, err)
		}
		encoded[k] = raw
	}
	if err := st.backend.setCore(ctx, st.id, encoded); err != nil {
		return storeError("set core keys", err)
	}
	return nil
}

// Delete removes key from core memory.
func (st *SessionState) Delete(ctx context.Context, key string) error {
	if err := st.writable(); err != nil {
		return err
	}
	if err := st.backend.deleteCore(ctx, st.id, key); err != nil {
		return storeError("delete core key", err)
	}
	return nil
}

// Snapshot returns a copy of core memory.
func (st *SessionState) Snapshot(ctx context.Context) (map[string]json.RawMessage, error) {
	raw, err := st.backend.snapshotCore(ctx, st.id)
	if err != nil {
		return nil, storeError("snapshot core", err)
	}
	out := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

// Values returns core memory decoded into plain Go values, for template rendering.
func (st *SessionState) Values(ctx context.Context) (map[string]any, error) {
	snap, err := st.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(snap))
	for k, raw := range snap {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode core key %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (st *SessionState) encode(agent string, e types.Entry) ([]byte, error) {
	if agent == "" {
		return nil, fmt.Errorf("%w: agent name is required", ErrInvalidInput)
	}
	raw, err := types.MarshalEntry(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return raw, nil
}

func storeError(op string, err error) error {
	if errors.Is(err, ErrStoreClosed) {
		return err
	}
	return types.NewError(types.ErrStateStore, op).WithCause(err).WithRetryable(true)
}
