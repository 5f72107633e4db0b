package persistence

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
)

type memorySession struct {
	mu      sync.RWMutex
	core    map[string][]byte
	threads map[string][][]byte
}

// memoryBackend keeps sessions in process memory.
type memoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	closed   bool
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(logger *zap.Logger) *Store {
	return newStore(&memoryBackend{sessions: make(map[string]*memorySession)}, StoreTypeMemory, logger)
}

func (b *memoryBackend) session(sessionID string, create bool) (*memorySession, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if ok || !create {
		return s, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrStoreClosed
	}
	if s, ok = b.sessions[sessionID]; ok {
		return s, nil
	}
	s = &memorySession{core: make(map[string][]byte), threads: make(map[string][][]byte)}
	b.sessions[sessionID] = s
	return s, nil
}

func (b *memoryBackend) appendEntry(_ context.Context, sessionID, agent string, raw []byte) error {
	s, err := b.session(sessionID, true)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.threads[agent] = append(s.threads[agent], slices.Clone(raw))
	s.mu.Unlock()
	return nil
}

func (b *memoryBackend) seedIfEmpty(_ context.Context, sessionID, agent string, raw []byte) (bool, error) {
	s, err := b.session(sessionID, true)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.threads[agent]) > 0 {
		return false, nil
	}
	s.threads[agent] = [][]byte{slices.Clone(raw)}
	return true, nil
}

func (b *memoryBackend) thread(_ context.Context, sessionID, agent string) ([][]byte, error) {
	s, err := b.session(sessionID, false)
	if err != nil || s == nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.threads[agent]), nil
}

func (b *memoryBackend) agents(_ context.Context, sessionID string) ([]string, error) {
	s, err := b.session(sessionID, false)
	if err != nil || s == nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.threads))
	for name := range s.threads {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (b *memoryBackend) getCore(_ context.Context, sessionID, key string) ([]byte, error) {
	s, err := b.session(sessionID, false)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.core[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (b *memoryBackend) setCore(_ context.Context, sessionID string, values map[string][]byte) error {
	s, err := b.session(sessionID, true)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for k, v := range values {
		s.core[k] = slices.Clone(v)
	}
	s.mu.Unlock()
	return nil
}

func (b *memoryBackend) deleteCore(_ context.Context, sessionID, key string) error {
	s, err := b.session(sessionID, false)
	if err != nil || s == nil {
		return err
	}
	s.mu.Lock()
	delete(s.core, key)
	s.mu.Unlock()
	return nil
}

func (b *memoryBackend) snapshotCore(_ context.Context, sessionID string) (map[string][]byte, error) {
	s, err := b.session(sessionID, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	if s == nil {
		return out, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.core {
		out[k] = slices.Clone(v)
	}
	return out, nil
}

func (b *memoryBackend) drop(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStoreClosed
	}
	delete(b.sessions, sessionID)
	return nil
}

func (b *memoryBackend) ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}

func (b *memoryBackend) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.sessions = nil
	return nil
}
