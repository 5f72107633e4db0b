package speech

import "time"

// OpenAITTSConfig 配置 OpenAI TTS 提供者
type OpenAITTSConfig struct {
	APIKey  string        `json:"-" yaml:"api_key" env:"API_KEY"`
	BaseURL string        `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty" env:"MODEL"` // tts-1, tts-1-hd
	Voice   string        `json:"voice,omitempty" yaml:"voice,omitempty" env:"VOICE"` // alloy, echo, fable, onyx, nova, shimmer
	Format  string        `json:"format,omitempty" yaml:"format,omitempty" env:"FORMAT"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" env:"TIMEOUT"`
}

// DefaultOpenAITTSConfig 返回默认 OpenAI TTS 配置
func DefaultOpenAITTSConfig() OpenAITTSConfig {
	return OpenAITTSConfig{
		BaseURL: "https://api.openai.com",
		Model:   "tts-1",
		Voice:   "alloy",
		Format:  "pcm",
		Timeout: 30 * time.Second,
	}
}
