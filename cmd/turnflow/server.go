package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/agent/handoff"
	"github.com/BaSui01/turnflow/agent/persistence"
	"github.com/BaSui01/turnflow/agent/voice"
	"github.com/BaSui01/turnflow/api/handlers"
	"github.com/BaSui01/turnflow/config"
	"github.com/BaSui01/turnflow/internal/metrics"
	"github.com/BaSui01/turnflow/internal/pool"
	"github.com/BaSui01/turnflow/internal/server"
	"github.com/BaSui01/turnflow/internal/telemetry"
	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/llm/observability"
	"github.com/BaSui01/turnflow/llm/providers/openaicompat"
	"github.com/BaSui01/turnflow/llm/speech"
	"github.com/BaSui01/turnflow/llm/tools"
)

const metricsNamespace = "turnflow"

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 持有一个进程内的全部组件
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry   *telemetry.Providers
	registry    *prometheus.Registry
	collector   *metrics.Collector
	store       *persistence.Store
	speechPool  *pool.Pool[*speech.SynthesisClient]
	sessions    *voice.SessionRegistry
	audio       *handlers.AudioHub
	turns       *voice.Orchestrator
	realtime    *voice.RealtimeOrchestrator
	httpManager *server.Manager
}

// NewServer 按依赖顺序组装所有组件，任何一步失败都会释放已创建的资源
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Server, err error) {
	s := &Server{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.close(context.WithoutCancel(ctx))
		}
	}()

	// 1. 遥测
	s.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		s.telemetry = nil
		err = nil
	}

	// 2. 指标
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector(metricsNamespace, s.registry, logger)

	// 3. 会话状态存储
	s.store, err = persistence.NewStore(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	// 4. 智能体目录与路由图
	agents, scenario, err := loadRouting(cfg.Scenario, logger)
	if err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}

	// 5. 补全模型：熔断 + 可观测
	provider, err := s.buildProvider()
	if err != nil {
		return nil, err
	}

	// 6. 语音合成句柄池
	s.audio = handlers.NewAudioHub(logger)
	var sink voice.SpeechSink
	if cfg.Speech.Enabled {
		tts := speech.NewOpenAITTSProvider(cfg.Speech.OpenAI)
		s.speechPool, err = pool.New[*speech.SynthesisClient](cfg.Pool, speech.NewFactory(tts), logger,
			pool.WithWarmFunc[*speech.SynthesisClient](speech.Warm))
		if err != nil {
			return nil, fmt.Errorf("speech pool: %w", err)
		}
		s.registry.MustRegister(metrics.NewPoolCollector(metricsNamespace, s.speechPool))
		sink = voice.NewPooledSpeaker(s.speechPool, s.audio, logger)
	}

	// 7. 编排器
	orchCfg := cfg.Orchestrator
	if orchCfg.DefaultModel == "" {
		orchCfg.DefaultModel = cfg.LLM.DefaultModel
	}
	deps := voice.Dependencies{
		Agents:   agents,
		Resolver: handoff.NewResolver(scenario, logger),
		Tools:    tools.NewExecutor(tools.NewRegistry(logger), logger),
		Provider: provider,
		Speech:   sink,
		Metrics:  s.collector,
	}
	if s.turns, err = voice.NewOrchestrator(orchCfg, deps, logger); err != nil {
		return nil, fmt.Errorf("turn orchestrator: %w", err)
	}
	if s.realtime, err = voice.NewRealtimeOrchestrator(orchCfg, deps, logger); err != nil {
		return nil, fmt.Errorf("realtime orchestrator: %w", err)
	}

	// 8. 会话注册表
	s.sessions = voice.NewSessionRegistry(s.store, scenario.StartAgent(), logger)
	s.sessions.OnEnd(s.audio.Disconnect)
	if s.speechPool != nil {
		s.sessions.OnEnd(func(_ context.Context, id string) { s.speechPool.DropSession(id) })
	}

	// 9. HTTP 端点
	if err = s.buildHTTP(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) buildProvider() (llm.Provider, error) {
	c := s.cfg.LLM
	var p llm.Provider = openaicompat.New(openaicompat.Config{
		ProviderName: c.ProviderName,
		APIKey:       c.APIKey,
		BaseURL:      c.BaseURL,
		DefaultModel: c.DefaultModel,
		Timeout:      c.Timeout,
	}, s.logger)
	p = llm.NewBreakerProvider(p, c.Breaker, s.logger)

	m, err := observability.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("llm metrics: %w", err)
	}
	return observability.NewInstrumentedProvider(p, m, s.collector, s.logger), nil
}

// =============================================================================
// 🌐 HTTP 端点
// =============================================================================

func (s *Server) buildHTTP() error {
	sc := s.cfg.Server

	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewStoreHealthCheck(s.store))
	var snapshotters []pool.Snapshotter
	if s.speechPool != nil {
		health.RegisterCheck(handlers.NewPoolHealthCheck(s.speechPool))
		snapshotters = append(snapshotters, s.speechPool)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	handlers.NewSessionHandler(s.sessions, s.turns, s.logger).Routes(mux)
	rt := handlers.NewRealtimeHandler(s.sessions, s.realtime, sc.RealtimeEventRate, sc.RealtimeEventBurst, s.logger)
	mux.HandleFunc("GET /api/v1/sessions/{id}/realtime", rt.HandleConnect)
	mux.HandleFunc("GET /api/v1/sessions/{id}/audio", s.audio.HandleStream)
	mux.HandleFunc("GET /api/v1/pools", handlers.NewPoolHandler(s.logger, snapshotters...).HandlePools)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		APIKeyAuth(sc.APIKeys, s.logger),
	)

	s.httpManager = server.NewManager(sc.ShutdownTimeout, s.logger)
	if err := s.httpManager.Handle(server.Config{
		Name:           "api",
		Addr:           fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:    sc.ReadTimeout,
		WriteTimeout:   sc.WriteTimeout,
		IdleTimeout:    2 * sc.ReadTimeout,
		MaxHeaderBytes: 1 << 20,
	}, handler); err != nil {
		return err
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	return s.httpManager.Handle(server.Config{
		Name:         "metrics",
		Addr:         fmt.Sprintf(":%d", sc.MetricsPort),
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.ReadTimeout,
	}, metricsMux)
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 启动后台任务与 HTTP 端点，阻塞到 ctx 结束，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	bg, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.speechPool != nil {
		if err := s.speechPool.Prewarm(bg); err != nil {
			s.logger.Warn("speech pool prewarm incomplete", zap.Error(err))
		}
		s.speechPool.Start(bg)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.sweepLoop(bg)
	}()

	s.logger.Info("All servers starting",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("speech_enabled", s.speechPool != nil),
	)
	runErr := s.httpManager.Run(ctx)

	cancel()
	<-done
	s.close(context.WithoutCancel(ctx))
	return runErr
}

// sweepLoop 周期性结束空闲会话并更新活跃会话数
func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.cfg.Server.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sessions.Sweep(ctx, s.cfg.Server.SessionIdleTimeout)
			if err != nil {
				s.logger.Warn("session sweep failed", zap.Int("swept", n), zap.Error(err))
			}
			s.collector.SetActiveSessions(s.sessions.Len())
		}
	}
}

// close 释放存储、句柄池与遥测
func (s *Server) close(ctx context.Context) {
	var errs []error
	if s.speechPool != nil {
		errs = append(errs, s.speechPool.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		errs = append(errs, s.telemetry.Shutdown(shutdownCtx))
		cancel()
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("shutdown cleanup failed", zap.Error(err))
	}
}
