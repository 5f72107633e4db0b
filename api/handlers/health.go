package handlers

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/turnflow/agent/persistence"
	"github.com/BaSui01/turnflow/internal/pool"
	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthHandler 健康检查处理器
type HealthHandler struct {
	logger *zap.Logger
	checks []HealthCheck
	mu     sync.RWMutex
}

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// criticalChecker 由可以声明自身是否关键的检查实现，未实现时视为关键
type criticalChecker interface {
	Critical() bool
}

func isCritical(c HealthCheck) bool {
	if cc, ok := c.(criticalChecker); ok {
		return cc.Critical()
	}
	return true
}

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"

	checkPass = "pass"
	checkFail = "fail"

	readyTimeout = 5 * time.Second
)

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger: logger.With(zap.String("component", "health_handler")),
		checks: make([]HealthCheck, 0),
	}
}

// RegisterCheck 注册健康检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 请求（简单健康检查）
// @Summary 健康检查
// @Description 简单的健康检查端点
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务正常"
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeLive(w)
}

// HandleHealthz 处理 /healthz 请求（Kubernetes 活跃度探针，不执行检查）
// @Summary Kubernetes 活跃度探针
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务处于活动状态"
// @Router /healthz [get]
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeLive(w)
}

func (h *HealthHandler) writeLive(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: statusHealthy, Timestamp: time.Now()})
}

// HandleReady 处理 /ready 或 /readyz 请求。
// 关键检查失败返回 503 unhealthy；只有非关键检查失败时返回 200 degraded，
// 例如语音池耗尽时仍可处理纯文本回合。
// @Summary 准备情况检查
// @Description 并发执行全部已注册检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务已就绪或降级"
// @Failure 503 {object} HealthStatus "服务尚未准备好"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	h.mu.RLock()
	checks := slices.Clone(h.checks)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.run(ctx, check)
		}()
	}
	wg.Wait()

	status := HealthStatus{Status: statusHealthy, Timestamp: time.Now(), Checks: make(map[string]CheckResult, len(checks))}
	code := http.StatusOK
	for i, check := range checks {
		res := results[i]
		status.Checks[check.Name()] = res
		if res.Status != checkPass {
			if isCritical(check) {
				status.Status, code = statusUnhealthy, http.StatusServiceUnavailable
			} else if status.Status == statusHealthy {
				status.Status = statusDegraded
			}
		}
	}
	WriteJSON(w, code, status)
}

func (h *HealthHandler) run(ctx context.Context, check HealthCheck) CheckResult {
	start := time.Now()
	err := check.Check(ctx)
	latency := time.Since(start)
	if err != nil {
		h.logger.Warn("health check failed",
			zap.String("check", check.Name()),
			zap.Bool("critical", isCritical(check)),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return CheckResult{Status: checkFail, Message: err.Error(), Latency: latency.String()}
	}
	return CheckResult{Status: checkPass, Latency: latency.String()}
}

// HandleVersion 处理 /version 请求
// @Summary 版本信息
// @Description 返回版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} map[string]string "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		}

		WriteSuccess(w, info)
	}
}

// =============================================================================
// 🔧 内置健康检查实现
// =============================================================================

// FuncCheck 把一个检查函数包装成 HealthCheck
type FuncCheck struct {
	name     string
	fn       func(ctx context.Context) error
	optional bool
}

// NewFuncCheck 创建关键的函数式健康检查
func NewFuncCheck(name string, fn func(ctx context.Context) error) *FuncCheck {
	return &FuncCheck{name: name, fn: fn}
}

// Optional 把检查标记为非关键：失败只会让 /ready 报告 degraded
func (c *FuncCheck) Optional() *FuncCheck {
	c.optional = true
	return c
}

func (c *FuncCheck) Name() string                    { return c.name }
func (c *FuncCheck) Check(ctx context.Context) error { return c.fn(ctx) }
func (c *FuncCheck) Critical() bool                  { return !c.optional }

// NewStoreHealthCheck 检查会话状态存储是否可达
func NewStoreHealthCheck(store *persistence.Store) *FuncCheck {
	return NewFuncCheck("session_store", store.Ping)
}

// NewPoolHealthCheck 在池连续构造失败且没有任何可用句柄时报告失败
func NewPoolHealthCheck(p pool.Snapshotter) *FuncCheck {
	return NewFuncCheck("pool", func(context.Context) error {
		s := p.Snapshot()
		if s.WarmTarget > 0 && s.WarmActual == 0 && s.Leased == 0 && s.ConstructionFailures+s.WarmupFailures > 0 {
			return fmt.Errorf("pool %s has no warm resources after %d failures", s.Name, s.ConstructionFailures+s.WarmupFailures)
		}
		return nil
	}).Optional()
}
