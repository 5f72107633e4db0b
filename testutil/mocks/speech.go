// MockTTSProvider 的语音合成测试模拟实现。
package mocks

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/turnflow/llm/speech"
)

// MockTTSProvider 记录每次合成请求，返回文本本身作为音频
type MockTTSProvider struct {
	mu   sync.Mutex
	reqs []speech.TTSRequest
	err  error
}

// NewMockTTSProvider 创建新的 MockTTSProvider
func NewMockTTSProvider() *MockTTSProvider { return &MockTTSProvider{} }

// WithError 设置返回错误
func (m *MockTTSProvider) WithError(err error) *MockTTSProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

func (m *MockTTSProvider) Name() string { return "mock-tts" }

func (m *MockTTSProvider) Synthesize(_ context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.reqs = append(m.reqs, *req)
	return &speech.TTSResponse{
		Provider:  m.Name(),
		Voice:     req.Voice,
		Format:    "pcm",
		Audio:     io.NopCloser(strings.NewReader(req.Text)),
		CharCount: len(req.Text),
		CreatedAt: time.Now(),
	}, nil
}

// Texts 获取已合成的文本
func (m *MockTTSProvider) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.reqs))
	for _, r := range m.reqs {
		out = append(out, r.Text)
	}
	return out
}

// Requests 获取所有请求记录
func (m *MockTTSProvider) Requests() []speech.TTSRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]speech.TTSRequest(nil), m.reqs...)
}

var _ speech.TTSProvider = (*MockTTSProvider)(nil)
