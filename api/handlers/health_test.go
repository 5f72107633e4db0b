package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/turnflow/agent/persistence"
	"github.com/BaSui01/turnflow/internal/pool"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

// voiceHandle 是测试用的池资源
type voiceHandle struct{ id int }

func (*voiceHandle) ClearSessionState() {}

// speechPool 构造一个预热过的语音池；failing 时工厂全部失败
func speechPool(t *testing.T, failing bool) *pool.Pool[*voiceHandle] {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.Name = "speech"
	cfg.WarmPoolSize = 2
	var n int
	var mu sync.Mutex
	p, err := pool.New(cfg, func(context.Context) (*voiceHandle, error) {
		if failing {
			return nil, errors.New("synth endpoint unreachable")
		}
		mu.Lock()
		defer mu.Unlock()
		n++
		return &voiceHandle{id: n}, nil
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	err = p.Prewarm(context.Background())
	if failing {
		require.ErrorIs(t, err, pool.ErrConstruction)
	} else {
		require.NoError(t, err)
	}
	return p
}

func closedMemoryStore(t *testing.T) *persistence.Store {
	t.Helper()
	store := persistence.NewMemoryStore(zap.NewNop())
	require.NoError(t, store.Close())
	return store
}

// unreachableRedisStore 返回一个后端已经停止的 Redis 存储
func unreachableRedisStore(t *testing.T) *persistence.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	cfg := persistence.DefaultStoreConfig()
	cfg.Type = persistence.StoreTypeRedis
	return persistence.NewRedisStore(client, cfg, zap.NewNop())
}

func getReady(t *testing.T, h *HealthHandler) (int, HealthStatus) {
	t.Helper()
	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return w.Code, status
}

// =============================================================================
// 🧪 就绪检查
// =============================================================================

func TestHealthHandler_ReadyReflectsStoreAndSpeechPool(t *testing.T) {
	tests := []struct {
		name       string
		store      func(*testing.T) *persistence.Store
		pool       func(*testing.T) *pool.Pool[*voiceHandle]
		wantCode   int
		wantStatus string
		wantChecks map[string]string
		wantMsg    map[string]string
	}{
		{
			name:       "store up without speech pool",
			store:      func(*testing.T) *persistence.Store { return persistence.NewMemoryStore(zap.NewNop()) },
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{"session_store": "pass"},
		},
		{
			name:       "store up and speech pool warm",
			store:      func(*testing.T) *persistence.Store { return persistence.NewMemoryStore(zap.NewNop()) },
			pool:       func(t *testing.T) *pool.Pool[*voiceHandle] { return speechPool(t, false) },
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{"session_store": "pass", "pool": "pass"},
		},
		{
			name:       "speech pool starving only degrades",
			store:      func(*testing.T) *persistence.Store { return persistence.NewMemoryStore(zap.NewNop()) },
			pool:       func(t *testing.T) *pool.Pool[*voiceHandle] { return speechPool(t, true) },
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"session_store": "pass", "pool": "fail"},
			wantMsg:    map[string]string{"pool": "pool speech has no warm resources after 2 failures"},
		},
		{
			name:       "closed store is unhealthy",
			store:      closedMemoryStore,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantChecks: map[string]string{"session_store": "fail"},
			wantMsg:    map[string]string{"session_store": persistence.ErrStoreClosed.Error()},
		},
		{
			name:       "store failure outranks pool starvation",
			store:      closedMemoryStore,
			pool:       func(t *testing.T) *pool.Pool[*voiceHandle] { return speechPool(t, true) },
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantChecks: map[string]string{"session_store": "fail", "pool": "fail"},
		},
		{
			name:       "unreachable redis is unhealthy",
			store:      unreachableRedisStore,
			pool:       func(t *testing.T) *pool.Pool[*voiceHandle] { return speechPool(t, false) },
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantChecks: map[string]string{"session_store": "fail", "pool": "pass"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(zaptest.NewLogger(t))
			h.RegisterCheck(NewStoreHealthCheck(tt.store(t)))
			if tt.pool != nil {
				h.RegisterCheck(NewPoolHealthCheck(tt.pool(t)))
			}

			code, status := getReady(t, h)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, status.Status)
			require.Len(t, status.Checks, len(tt.wantChecks))
			for name, want := range tt.wantChecks {
				assert.Equal(t, want, status.Checks[name].Status, name)
				assert.NotEmpty(t, status.Checks[name].Latency, name)
			}
			for name, msg := range tt.wantMsg {
				assert.Contains(t, status.Checks[name].Message, msg, name)
			}
		})
	}
}

func TestHealthHandler_ReadyRunsChecksConcurrently(t *testing.T) {
	h := NewHealthHandler(zaptest.NewLogger(t))

	// each check waits for the other, so a sequential run would time out
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(ctx context.Context) error {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer check never started")
		}
	}
	h.RegisterCheck(NewFuncCheck("session_store", barrier))
	h.RegisterCheck(NewFuncCheck("speech_upstream", barrier).Optional())

	code, status := getReady(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", status.Status)
}

func TestPoolHealthCheck_Starvation(t *testing.T) {
	tests := []struct {
		name    string
		snap    pool.Snapshot
		starved bool
	}{
		{"warm handles left", pool.Snapshot{Name: "speech", WarmTarget: 2, WarmActual: 1, WarmupFailures: 4}, false},
		{"all handles leased", pool.Snapshot{Name: "speech", WarmTarget: 2, Leased: 2, WarmupFailures: 4}, false},
		{"empty before any failure", pool.Snapshot{Name: "speech", WarmTarget: 2}, false},
		{"empty after failures", pool.Snapshot{Name: "speech", WarmTarget: 2, ConstructionFailures: 1, WarmupFailures: 2}, true},
		{"no warm tier configured", pool.Snapshot{Name: "speech", ConstructionFailures: 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := NewPoolHealthCheck(snapshotFunc(func() pool.Snapshot { return tt.snap }))
			assert.False(t, check.Critical())
			err := check.Check(context.Background())
			if tt.starved {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "after 3 failures")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type snapshotFunc func() pool.Snapshot

func (f snapshotFunc) Snapshot() pool.Snapshot { return f() }

// =============================================================================
// 🧪 存活与版本
// =============================================================================

func TestHealthHandler_LivenessIgnoresDependencies(t *testing.T) {
	h := NewHealthHandler(zaptest.NewLogger(t))
	h.RegisterCheck(NewStoreHealthCheck(closedMemoryStore(t)))

	for path, handle := range map[string]http.HandlerFunc{"/health": h.HandleHealth, "/healthz": h.HandleHealthz} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			handle(w, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, w.Code)

			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.Equal(t, "healthy", status.Status)
			assert.Empty(t, status.Checks)
			assert.False(t, status.Timestamp.IsZero())
		})
	}
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(nil)
	w := httptest.NewRecorder()
	h.HandleVersion("0.4.0", "2026-01-01T00:00:00Z", "9f8e7d")(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	info := decodeData[map[string]string](t, w)
	assert.Equal(t, map[string]string{"version": "0.4.0", "build_time": "2026-01-01T00:00:00Z", "git_commit": "9f8e7d"}, info)
}
