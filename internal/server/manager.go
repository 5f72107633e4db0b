package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// Config 单个监听端点配置
type Config struct {
	// 名称，用于日志，例如 "api"、"metrics"
	Name string `yaml:"name" json:"name"`

	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时，实时长连接端点应设为 0
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`
}

// DefaultConfig 返回默认端点配置
func DefaultConfig() Config {
	return Config{
		Name:           "api",
		Addr:           ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
}

type endpoint struct {
	cfg      Config
	server   *http.Server
	listener net.Listener
}

// Manager 管理一组 HTTP 端点的启动与优雅关闭
type Manager struct {
	endpoints       []*endpoint
	shutdownTimeout time.Duration
	errCh           chan error
	logger          *zap.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewManager 创建服务器管理器
func NewManager(shutdownTimeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Manager{
		shutdownTimeout: shutdownTimeout,
		errCh:           make(chan error, 1),
		logger:          logger.With(zap.String("component", "http_server")),
	}
}

// Handle 注册一个端点，必须在 Start 之前调用
func (m *Manager) Handle(cfg Config, handler http.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.closed {
		return fmt.Errorf("server %q: cannot add endpoint after start", cfg.Name)
	}
	m.endpoints = append(m.endpoints, &endpoint{
		cfg: cfg,
		server: &http.Server{
			Addr:           cfg.Addr,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
	})
	return nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 绑定所有端点并在后台服务（非阻塞）。任一端点绑定失败时已绑定的端点会被关闭。
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("server is closed")
	}
	if m.started {
		return fmt.Errorf("server already started")
	}
	if len(m.endpoints) == 0 {
		return fmt.Errorf("no endpoints registered")
	}

	for i, ep := range m.endpoints {
		ln, err := net.Listen("tcp", ep.cfg.Addr)
		if err != nil {
			for _, bound := range m.endpoints[:i] {
				_ = bound.listener.Close()
				bound.listener = nil
			}
			return fmt.Errorf("failed to listen on %s (%s): %w", ep.cfg.Addr, ep.cfg.Name, err)
		}
		ep.listener = ln
	}

	m.started = true
	for _, ep := range m.endpoints {
		m.logger.Info("starting HTTP server",
			zap.String("endpoint", ep.cfg.Name),
			zap.String("addr", ep.listener.Addr().String()))
		go m.serve(ep)
	}
	return nil
}

func (m *Manager) serve(ep *endpoint) {
	if err := ep.server.Serve(ep.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("HTTP server failed", zap.String("endpoint", ep.cfg.Name), zap.Error(err))
		select {
		case m.errCh <- fmt.Errorf("%s: %w", ep.cfg.Name, err):
		default:
		}
	}
}

// Shutdown 并发地优雅关闭所有端点
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	shutdownCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	for _, ep := range m.endpoints {
		g.Go(func() error {
			if err := ep.server.Shutdown(gctx); err != nil {
				return fmt.Errorf("%s: %w", ep.cfg.Name, err)
			}
			m.logger.Info("HTTP server stopped", zap.String("endpoint", ep.cfg.Name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

// Run 启动全部端点并阻塞，直到 ctx 结束或某个端点异常退出，随后优雅关闭
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		m.logger.Info("shutdown requested")
	case runErr = <-m.errCh:
		m.logger.Error("server exited unexpectedly", zap.Error(runErr))
	}

	if err := m.Shutdown(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Errors returns asynchronous server errors.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回端点的实际监听地址，未启动时返回配置地址
func (m *Manager) Addr(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range m.endpoints {
		if ep.cfg.Name != name {
			continue
		}
		if ep.listener != nil {
			return ep.listener.Addr().String()
		}
		return ep.cfg.Addr
	}
	return ""
}

// IsRunning 检查服务器是否已启动且未关闭
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && !m.closed
}
