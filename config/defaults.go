// =============================================================================
// 📦 TurnFlow 默认配置
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/turnflow/agent/persistence"
	"github.com/BaSui01/turnflow/agent/voice"
	"github.com/BaSui01/turnflow/internal/pool"
	"github.com/BaSui01/turnflow/llm/speech"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Pool:         DefaultPoolConfig(),
		Orchestrator: voice.DefaultConfig(),
		Store:        persistence.DefaultStoreConfig(),
		LLM:          DefaultLLMConfig(),
		Speech:       DefaultSpeechConfig(),
		Scenario:     DefaultScenarioConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:           8080,
		MetricsPort:        9091,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       90 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		SessionIdleTimeout: 30 * time.Minute,
		SweepInterval:      time.Minute,
		RealtimeEventRate:  50,
		RealtimeEventBurst: 100,
	}
}

// DefaultPoolConfig 返回默认句柄池配置
func DefaultPoolConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.Name = "speech"
	return cfg
}

// DefaultLLMConfig 返回默认补全模型配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		ProviderName: "openai",
		BaseURL:      "https://api.openai.com",
		DefaultModel: "gpt-4o-mini",
		Timeout:      60 * time.Second,
	}
}

// DefaultSpeechConfig 返回默认语音合成配置
func DefaultSpeechConfig() SpeechConfig {
	return SpeechConfig{
		Enabled: false,
		OpenAI:  speech.DefaultOpenAITTSConfig(),
	}
}

// DefaultScenarioConfig 返回默认路由图路径
func DefaultScenarioConfig() ScenarioConfig {
	return ScenarioConfig{
		AgentsPath:   "deployments/agents.yaml",
		ScenarioPath: "deployments/scenario.yaml",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "turnflow",
		SampleRate:   0.1,
	}
}
