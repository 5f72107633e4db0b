package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/BaSui01/turnflow/agent/voice"
	"github.com/BaSui01/turnflow/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// =============================================================================
// 🎙️ 实时会话 Handler (WebSocket)
// =============================================================================

// 客户端 → 服务端事件类型
const (
	EventSpeechStarted = "speech.started"
	EventSpeechStopped = "speech.stopped"
	EventInputFinal    = "input.final"
	EventResponseDelta = "response.delta"
	EventToolCall      = "tool_call"
	EventResponseDone  = "response.done"
)

const commandWriteTimeout = 5 * time.Second

// 服务端 → 客户端命令类型
const (
	CommandSessionUpdate  = "session.update"
	CommandResponseCancel = "response.cancel"
	CommandToolResult     = "tool.result"
	CommandResponseCreate = "response.create"
	CommandGreet          = "greet"
	CommandNotice         = "notice"
	CommandPlaybackStop   = "playback.stop"
	CommandError          = "error"
)

// RealtimeEvent 是客户端发来的一条 JSON 消息
type RealtimeEvent struct {
	Type       string          `json:"type"`
	ResponseID string          `json:"response_id,omitempty"`
	Text       string          `json:"text,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Status     string          `json:"status,omitempty"`
	At         time.Time       `json:"at,omitempty"`
}

// RealtimeCommand 是发往客户端的一条 JSON 消息
type RealtimeCommand struct {
	Type    string                   `json:"type"`
	Session *voice.SessionConfig     `json:"session,omitempty"`
	Result  *types.ToolResultMessage `json:"result,omitempty"`
	Text    string                   `json:"text,omitempty"`
	Notice  *voice.Notice            `json:"notice,omitempty"`
	Message string                   `json:"message,omitempty"`
}

// decodeEvent 把线上消息转换为编排器事件
func decodeEvent(ev RealtimeEvent) (voice.Event, error) {
	switch ev.Type {
	case EventSpeechStarted:
		return voice.SpeechStarted{At: ev.At}, nil
	case EventSpeechStopped:
		return voice.SpeechStopped{At: ev.At}, nil
	case EventInputFinal:
		return voice.InputFinalized{Text: ev.Text}, nil
	case EventResponseDelta:
		return voice.ResponseTextDelta{ResponseID: ev.ResponseID, Delta: ev.Delta}, nil
	case EventToolCall:
		if ev.CallID == "" || ev.Name == "" {
			return nil, fmt.Errorf("tool_call requires call_id and name")
		}
		return voice.ToolCallReady{
			ResponseID: ev.ResponseID,
			Call:       types.ToolCall{ID: ev.CallID, Name: ev.Name, Arguments: ev.Arguments},
		}, nil
	case EventResponseDone:
		return voice.ResponseDone{ResponseID: ev.ResponseID, Status: ev.Status}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// =============================================================================
// 🔌 WebSocket Transport
// =============================================================================

// wsTransport 把一条 WebSocket 连接适配为 voice.Transport 与 voice.Playback
type wsTransport struct {
	conn    *websocket.Conn
	events  chan voice.Event
	limiter *rate.Limiter
	logger  *zap.Logger
	closed  atomic.Bool
}

func newWSTransport(conn *websocket.Conn, limiter *rate.Limiter, logger *zap.Logger) *wsTransport {
	return &wsTransport{
		conn:    conn,
		events:  make(chan voice.Event),
		limiter: limiter,
		logger:  logger,
	}
}

// readLoop 读取客户端事件直到连接关闭，退出时关闭事件通道
func (t *wsTransport) readLoop(ctx context.Context) error {
	defer close(t.events)
	for {
		var msg RealtimeEvent
		if err := wsjson.Read(ctx, t.conn, &msg); err != nil {
			t.closed.Store(true)
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if throttled(msg.Type) {
			if err := t.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		ev, err := decodeEvent(msg)
		if err != nil {
			t.logger.Warn("invalid realtime event", zap.String("type", msg.Type), zap.Error(err))
			_ = t.send(ctx, RealtimeCommand{Type: CommandError, Message: err.Error()})
			continue
		}
		select {
		case t.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// throttled 报告事件是否计入速率限制；插话不排在模型输出之后
func throttled(eventType string) bool {
	return eventType != EventSpeechStarted
}

func (t *wsTransport) send(ctx context.Context, cmd RealtimeCommand) error {
	if t.closed.Load() {
		return voice.ErrTransportClosed
	}
	ctx, cancel := context.WithTimeout(ctx, commandWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, t.conn, cmd); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *wsTransport) Events() <-chan voice.Event { return t.events }

func (t *wsTransport) UpdateSession(ctx context.Context, cfg voice.SessionConfig) error {
	return t.send(ctx, RealtimeCommand{Type: CommandSessionUpdate, Session: &cfg})
}

func (t *wsTransport) CancelResponse(ctx context.Context) error {
	return t.send(ctx, RealtimeCommand{Type: CommandResponseCancel})
}

func (t *wsTransport) SendToolResult(ctx context.Context, result types.ToolResultMessage) error {
	return t.send(ctx, RealtimeCommand{Type: CommandToolResult, Result: &result})
}

func (t *wsTransport) RequestResponse(ctx context.Context) error {
	return t.send(ctx, RealtimeCommand{Type: CommandResponseCreate})
}

func (t *wsTransport) Greet(ctx context.Context, text string) error {
	return t.send(ctx, RealtimeCommand{Type: CommandGreet, Text: text})
}

func (t *wsTransport) Notify(ctx context.Context, n voice.Notice) error {
	return t.send(ctx, RealtimeCommand{Type: CommandNotice, Notice: &n})
}

// Stop 让客户端丢弃尚未播放的音频
func (t *wsTransport) Stop(ctx context.Context) error {
	return t.send(ctx, RealtimeCommand{Type: CommandPlaybackStop})
}

var (
	_ voice.Transport = (*wsTransport)(nil)
	_ voice.Playback  = (*wsTransport)(nil)
)

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// RealtimeHandler 把 WebSocket 连接交给事件驱动编排器
type RealtimeHandler struct {
	registry     *voice.SessionRegistry
	orchestrator *voice.RealtimeOrchestrator
	eventRate    rate.Limit
	eventBurst   int
	logger       *zap.Logger
}

// NewRealtimeHandler 创建实时会话处理器。eventRate 限制每条连接每秒处理的客户端事件数。
func NewRealtimeHandler(registry *voice.SessionRegistry, orchestrator *voice.RealtimeOrchestrator, eventRate float64, eventBurst int, logger *zap.Logger) *RealtimeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if eventBurst <= 0 {
		eventBurst = 1
	}
	return &RealtimeHandler{
		registry:     registry,
		orchestrator: orchestrator,
		eventRate:    rate.Limit(eventRate),
		eventBurst:   eventBurst,
		logger:       logger.With(zap.String("component", "realtime_handler")),
	}
}

// HandleConnect 处理 GET /api/v1/sessions/{id}/realtime
// @Summary 建立实时会话连接
// @Tags 会话
// @Param id path string true "会话 ID"
// @Success 101
// @Failure 409 {object} Response
// @Router /api/v1/sessions/{id}/realtime [get]
func (h *RealtimeHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.GetOrCreate(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFailure(w, sessionError(err), h.logger)
		return
	}
	if s.Busy() {
		WriteErrorMessage(w, http.StatusConflict, types.ErrTurnInFlight, "session is already connected", h.logger)
		return
	}

	// 连接存续期间不受服务器写超时限制
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept 已经写回了错误响应
		h.logger.Warn("websocket accept failed", zap.String("session_id", s.ID()), zap.Error(err))
		return
	}
	conn.SetReadLimit(maxBodyBytes)

	logger := h.logger.With(zap.String("session_id", s.ID()))
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	t := newWSTransport(conn, rate.NewLimiter(h.eventRate, h.eventBurst), logger)
	readDone := make(chan error, 1)
	go func() { readDone <- t.readLoop(ctx) }()

	logger.Info("realtime session connected", zap.String("agent", s.ActiveAgent()))
	runErr := h.orchestrator.Run(ctx, s, t, t)

	status, reason := websocket.StatusNormalClosure, "session closed"
	switch {
	case runErr == nil, errors.Is(runErr, context.Canceled):
	case errors.Is(runErr, voice.ErrTurnInFlight):
		status, reason = websocket.StatusPolicyViolation, "session is already connected"
	case errors.Is(runErr, voice.ErrSessionEnded):
		status, reason = websocket.StatusGoingAway, "session ended"
	default:
		status, reason = websocket.StatusInternalError, "orchestration failed"
		logger.Error("realtime session failed", zap.Error(runErr))
	}
	t.closed.Store(true)
	_ = conn.Close(status, reason)
	cancel()
	if err := <-readDone; err != nil {
		logger.Debug("realtime read loop ended", zap.Error(err))
	}
	logger.Info("realtime session disconnected", zap.String("agent", s.ActiveAgent()))
}
