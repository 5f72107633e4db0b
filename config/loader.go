// =============================================================================
// 📦 TurnFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("turnflow.yaml").
//	    WithEnvPrefix("TURNFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/turnflow/agent/persistence"
	"github.com/BaSui01/turnflow/agent/voice"
	"github.com/BaSui01/turnflow/internal/pool"
	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/llm/speech"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 TurnFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Pool 语音合成句柄池配置
	Pool pool.Config `yaml:"pool" env:"POOL"`

	// Orchestrator 回合编排配置
	Orchestrator voice.Config `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Store 会话状态存储配置
	Store persistence.StoreConfig `yaml:"store" env:"STORE"`

	// LLM 补全模型配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Speech 语音合成配置
	Speech SpeechConfig `yaml:"speech" env:"SPEECH"`

	// Scenario 路由图与智能体目录
	Scenario ScenarioConfig `yaml:"scenario" env:"SCENARIO"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（实时连接不受此限制）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 会话空闲多久后被清理
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" env:"SESSION_IDLE_TIMEOUT"`
	// 清理间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// 实时连接每秒允许的入站事件数
	RealtimeEventRate float64 `yaml:"realtime_event_rate" env:"REALTIME_EVENT_RATE"`
	// 实时连接突发上限
	RealtimeEventBurst int `yaml:"realtime_event_burst" env:"REALTIME_EVENT_BURST"`
	// API Key 列表，为空时不鉴权
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
}

// LLMConfig 补全模型配置，任何 OpenAI 兼容端点均可
type LLMConfig struct {
	// Provider 名称
	ProviderName string `yaml:"provider_name" env:"PROVIDER_NAME"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 默认模型
	DefaultModel string `yaml:"default_model" env:"DEFAULT_MODEL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 熔断器
	Breaker llm.BreakerConfig `yaml:"breaker" env:"BREAKER"`
}

// SpeechConfig 语音合成配置
type SpeechConfig struct {
	// 是否启用同步回合的语音输出
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OpenAI TTS
	OpenAI speech.OpenAITTSConfig `yaml:"openai" env:"OPENAI"`
}

// ScenarioConfig 路由图与智能体目录文件
type ScenarioConfig struct {
	// 智能体目录（YAML/JSON）
	AgentsPath string `yaml:"agents_path" env:"AGENTS_PATH"`
	// 路由图（YAML）
	ScenarioPath string `yaml:"scenario_path" env:"SCENARIO_PATH"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "TURNFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置。未知字段视为错误，拼错的键不会被静默忽略
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// loadFromEnv 按 env 标签覆盖字段，嵌套结构体的键以 "_" 连接。
// 所有无法解析的变量一并报告。
func (l *Loader) loadFromEnv(cfg *Config) error {
	var errs []error
	walkEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix, func(field reflect.Value, key string) {
		raw, ok := os.LookupEnv(key)
		if !ok || (raw == "" && field.Kind() != reflect.Slice) {
			return
		}
		if err := assignEnv(field, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", key, raw, err))
		}
	})
	return errors.Join(errs...)
}

var durationType = reflect.TypeOf(time.Duration(0))

// walkEnv 对每个带 env 标签的叶子字段调用 visit
func walkEnv(v reflect.Value, prefix string, visit func(field reflect.Value, key string)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		field := v.Field(i)
		if tag == "" || tag == "-" || !field.CanSet() {
			continue
		}
		key := prefix + "_" + tag
		if field.Kind() == reflect.Struct {
			walkEnv(field, key, visit)
			continue
		}
		visit(field, key)
	}
}

// assignEnv 把字符串解析为字段类型。切片按逗号拆分，空项丢弃
func assignEnv(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element %s", field.Type().Elem())
		}
		items := reflect.MakeSlice(field.Type(), 0, strings.Count(raw, ",")+1)
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = reflect.Append(items, reflect.ValueOf(part).Convert(field.Type().Elem()))
			}
		}
		field.Set(items)
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}
	if c.Server.RealtimeEventRate <= 0 || c.Server.RealtimeEventBurst <= 0 {
		errs = append(errs, "realtime event rate and burst must be positive")
	}

	if c.Pool.WarmPoolSize < 0 || c.Pool.MaxDedicated < 0 {
		errs = append(errs, "pool sizes must be non-negative")
	}

	if c.Orchestrator.MaxToolIterations <= 0 {
		errs = append(errs, "max_tool_iterations must be positive")
	}
	if c.Orchestrator.MaxHandoffsPerTurn <= 0 {
		errs = append(errs, "max_handoffs_per_turn must be positive")
	}

	switch c.Store.Type {
	case persistence.StoreTypeMemory, persistence.StoreTypeRedis:
	default:
		errs = append(errs, fmt.Sprintf("unsupported store type %q", c.Store.Type))
	}

	if c.LLM.BaseURL == "" {
		errs = append(errs, "llm.base_url is required")
	}

	if c.Scenario.AgentsPath == "" || c.Scenario.ScenarioPath == "" {
		errs = append(errs, "scenario.agents_path and scenario.scenario_path are required")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
