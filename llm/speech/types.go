package speech

import (
	"context"
	"io"
	"time"
)

// TTSRequest is one text-to-speech request.
type TTSRequest struct {
	Text           string            `json:"text"`
	Model          string            `json:"model,omitempty"`
	Voice          string            `json:"voice,omitempty"`
	Speed          float64           `json:"speed,omitempty"`           // 0.25-4.0
	ResponseFormat string            `json:"response_format,omitempty"` // mp3, opus, aac, flac, wav, pcm
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TTSResponse carries the synthesized audio stream. Callers close Audio.
type TTSResponse struct {
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Voice     string        `json:"voice"`
	Audio     io.ReadCloser `json:"-"`
	Format    string        `json:"format"`
	CharCount int           `json:"char_count,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// TTSProvider 定义文本转语音提供者接口
type TTSProvider interface {
	// Synthesize 将文本转换为语音流
	Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error)

	// Name 返回提供者名称
	Name() string
}

// Warmer is implemented by providers that can prepare a connection ahead of first use.
type Warmer interface {
	Warm(ctx context.Context) error
}
