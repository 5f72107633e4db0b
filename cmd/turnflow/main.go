// =============================================================================
// TurnFlow 主入口
// =============================================================================
// 多智能体语音会话服务入口，包含同步回合 API、实时 WebSocket 会话、
// 健康检查与 Prometheus 指标
//
// 使用方法:
//
//	turnflow serve                       # 启动服务
//	turnflow serve --config config.yaml  # 指定配置文件
//	turnflow validate --config config.yaml  # 校验智能体目录与路由图
//	turnflow version                     # 显示版本信息
//	turnflow health                      # 健康检查
// =============================================================================

// @title TurnFlow API
// @version 1.0.0
// @description Turn orchestration for multi-agent voice sessions.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/turnflow/agent"
	"github.com/BaSui01/turnflow/agent/handoff"
	"github.com/BaSui01/turnflow/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadConfig 解析 --config 参数并加载、校验配置
func loadConfig(name string, args []string) *config.Config {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	cfg := loadConfig("serve", args)

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting TurnFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build server", zap.Error(err))
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("TurnFlow stopped")
}

// =============================================================================
// ✅ validate 命令
// =============================================================================

func runValidate(args []string) {
	cfg := loadConfig("validate", args)
	logger := initLogger(config.LogConfig{Level: "warn", Format: "console", OutputPaths: []string{"stderr"}})

	agents, scenario, err := loadRouting(cfg.Scenario, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid routing: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Scenario %q is valid\n", scenario.Name())
	fmt.Printf("  Start agent: %s\n", scenario.StartAgent())
	for _, name := range agents.Names() {
		fmt.Printf("  %-20s handoff tools: %v\n", name, scenario.HandoffTools(name))
	}
	if dead := scenario.DeadEnds(); len(dead) > 0 {
		fmt.Printf("  Dead ends: %v\n", dead)
	}
}

// loadRouting 加载智能体目录并基于它校验路由图
func loadRouting(cfg config.ScenarioConfig, logger *zap.Logger) (*agent.Registry, *handoff.Scenario, error) {
	catalog, err := agent.LoadCatalogFile(cfg.AgentsPath)
	if err != nil {
		return nil, nil, err
	}
	agents, err := agent.BuildRegistry(catalog, logger)
	if err != nil {
		return nil, nil, err
	}
	def, err := handoff.LoadScenarioFile(cfg.ScenarioPath)
	if err != nil {
		return nil, nil, err
	}
	scenario, err := handoff.NewScenario(*def, agents, logger)
	if err != nil {
		return nil, nil, err
	}
	return agents, scenario, nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/ready")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("TurnFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`TurnFlow - multi-agent voice turn orchestration

Usage:
  turnflow <command> [options]

Commands:
  serve     Start the TurnFlow server
  validate  Validate the agent catalog and routing graph
  version   Show version information
  health    Check server readiness
  help      Show this help message

Options for 'serve' and 'validate':
  --config <path>   Path to configuration file (YAML)

Examples:
  turnflow serve
  turnflow serve --config /etc/turnflow/config.yaml
  turnflow validate --config deployments/config.yaml
  turnflow health --addr http://localhost:8080
  turnflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
