package handlers

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/turnflow/agent/voice"
	"github.com/BaSui01/turnflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🔊 音频输出
// =============================================================================

const audioChunkSize = 16 << 10

// audioListener 是一个会话当前的音频订阅者
type audioListener struct {
	chunks chan []byte
	done   chan struct{}
	once   sync.Once
}

func (l *audioListener) close() { l.once.Do(func() { close(l.done) }) }

// AudioHub 把同步回合合成的音频转发给订阅该会话的 HTTP 客户端。
// 每个会话至多一个订阅者，新订阅会替换旧订阅。没有订阅者时音频被丢弃。
type AudioHub struct {
	mu        sync.Mutex
	listeners map[string]*audioListener
	logger    *zap.Logger
}

// NewAudioHub 创建音频转发中心
func NewAudioHub(logger *zap.Logger) *AudioHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AudioHub{
		listeners: make(map[string]*audioListener),
		logger:    logger.With(zap.String("component", "audio_hub")),
	}
}

func (h *AudioHub) subscribe(sessionID string) *audioListener {
	l := &audioListener{
		chunks: make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	if old, ok := h.listeners[sessionID]; ok {
		old.close()
	}
	h.listeners[sessionID] = l
	h.mu.Unlock()
	return l
}

func (h *AudioHub) unsubscribe(sessionID string, l *audioListener) {
	h.mu.Lock()
	if h.listeners[sessionID] == l {
		delete(h.listeners, sessionID)
	}
	h.mu.Unlock()
	l.close()
}

func (h *AudioHub) listener(sessionID string) *audioListener {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listeners[sessionID]
}

// WriteAudio 实现 voice.AudioOutput
func (h *AudioHub) WriteAudio(ctx context.Context, sessionID, _ string, audio io.Reader) error {
	l := h.listener(sessionID)
	if l == nil {
		_, err := io.Copy(io.Discard, audio)
		return err
	}
	buf := make([]byte, audioChunkSize)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case l.chunks <- chunk:
			case <-l.done:
				// 订阅者离开，剩余音频直接丢弃
				_, err := io.Copy(io.Discard, audio)
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Disconnect 结束会话的音频订阅
func (h *AudioHub) Disconnect(_ context.Context, sessionID string) {
	if l := h.listener(sessionID); l != nil {
		h.unsubscribe(sessionID, l)
	}
}

// HandleStream 处理 GET /api/v1/sessions/{id}/audio
// 以分块传输持续输出该会话的合成音频，直到客户端断开或会话结束
// @Summary 订阅会话音频
// @Tags 会话
// @Produce octet-stream
// @Param id path string true "会话 ID"
// @Router /api/v1/sessions/{id}/audio [get]
func (h *AudioHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session id is required", h.logger)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "streaming unsupported", h.logger)
		return
	}

	// 长连接不受服务器写超时限制
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	l := h.subscribe(sessionID)
	defer h.unsubscribe(sessionID, l)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug("audio listener attached", zap.String("session_id", sessionID))
	for {
		select {
		case <-r.Context().Done():
			return
		case <-l.done:
			return
		case chunk := <-l.chunks:
			if _, err := w.Write(chunk); err != nil {
				h.logger.Debug("audio listener gone", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

var _ voice.AudioOutput = (*AudioHub)(nil)
