package handlers

import (
	"net/http"

	"github.com/BaSui01/turnflow/internal/pool"
	"go.uber.org/zap"
)

// PoolStatus 单个资源池的状态
type PoolStatus struct {
	pool.Snapshot
	TotalAllocations int64   `json:"total_allocations"`
	HitRate          float64 `json:"hit_rate"`
}

// PoolHandler 资源池状态处理器
type PoolHandler struct {
	pools  []pool.Snapshotter
	logger *zap.Logger
}

// NewPoolHandler 创建资源池状态处理器
func NewPoolHandler(logger *zap.Logger, pools ...pool.Snapshotter) *PoolHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoolHandler{pools: pools, logger: logger.With(zap.String("component", "pool_handler"))}
}

// HandlePools 处理 GET /api/v1/pools
// @Summary 资源池快照
// @Tags 运维
// @Produce json
// @Success 200 {array} PoolStatus
// @Router /api/v1/pools [get]
func (h *PoolHandler) HandlePools(w http.ResponseWriter, r *http.Request) {
	out := make([]PoolStatus, 0, len(h.pools))
	for _, p := range h.pools {
		s := p.Snapshot()
		out = append(out, PoolStatus{Snapshot: s, TotalAllocations: s.TotalAllocations(), HitRate: s.HitRate()})
	}
	WriteSuccess(w, out)
}
