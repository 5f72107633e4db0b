package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/turnflow/agent/persistence"
	"github.com/BaSui01/turnflow/agent/voice"
	"github.com/BaSui01/turnflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📞 会话 Handler
// =============================================================================

// SessionHandler 会话与同步回合处理器
type SessionHandler struct {
	registry     *voice.SessionRegistry
	orchestrator *voice.Orchestrator
	logger       *zap.Logger
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(registry *voice.SessionRegistry, orchestrator *voice.Orchestrator, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		registry:     registry,
		orchestrator: orchestrator,
		logger:       logger.With(zap.String("component", "session_handler")),
	}
}

// SessionView 会话状态响应
type SessionView struct {
	ID           string      `json:"id"`
	ActiveAgent  string      `json:"active_agent"`
	Visited      []string    `json:"visited"`
	State        voice.State `json:"state"`
	Busy         bool        `json:"busy"`
	LastActivity time.Time   `json:"last_activity"`
}

// SessionList 会话列表响应
type SessionList struct {
	Sessions []string `json:"sessions"`
	Count    int      `json:"count"`
}

func viewOf(s *voice.Session) SessionView {
	return SessionView{
		ID:           s.ID(),
		ActiveAgent:  s.ActiveAgent(),
		Visited:      s.VisitedAgents(),
		State:        s.State(),
		Busy:         s.Busy(),
		LastActivity: s.LastActivity(),
	}
}

// Routes 注册会话路由
func (h *SessionHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/sessions", h.HandleList)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.HandleGet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.HandleEnd)
	mux.HandleFunc("POST /api/v1/sessions/{id}/turns", h.HandleTurn)
}

// HandleCreate 处理 POST /api/v1/sessions
// @Summary 创建会话
// @Tags 会话
// @Produce json
// @Success 201 {object} SessionView
// @Router /api/v1/sessions [post]
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.GetOrCreate(r.Context(), voice.NewSessionID())
	if err != nil {
		WriteFailure(w, sessionError(err), h.logger)
		return
	}
	h.logger.Info("session created", zap.String("session_id", s.ID()), zap.String("agent", s.ActiveAgent()))
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: viewOf(s), Timestamp: time.Now()})
}

// HandleList 处理 GET /api/v1/sessions
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ids := h.registry.IDs()
	WriteSuccess(w, SessionList{Sessions: ids, Count: len(ids)})
}

// HandleGet 处理 GET /api/v1/sessions/{id}
// @Summary 查询会话
// @Tags 会话
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} SessionView
// @Failure 404 {object} Response
// @Router /api/v1/sessions/{id} [get]
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrSessionNotAvailable, "session not found", h.logger)
		return
	}
	WriteSuccess(w, viewOf(s))
}

// HandleEnd 处理 DELETE /api/v1/sessions/{id}
func (h *SessionHandler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.End(r.Context(), id); err != nil {
		WriteFailure(w, sessionError(err), h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"id": id, "status": "ended"})
}

// HandleTurn 处理 POST /api/v1/sessions/{id}/turns
// 未知会话在首个回合时创建
// @Summary 执行一个同步回合
// @Tags 会话
// @Accept json
// @Produce json
// @Param id path string true "会话 ID"
// @Param request body voice.TurnInput true "呼叫方话语"
// @Success 200 {object} voice.TurnResult
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /api/v1/sessions/{id}/turns [post]
func (h *SessionHandler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var in voice.TurnInput
	if err := DecodeJSONBody(w, r, &in, h.logger); err != nil {
		return
	}

	s, err := h.registry.GetOrCreate(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFailure(w, sessionError(err), h.logger)
		return
	}
	result, err := h.orchestrator.ProcessTurn(r.Context(), s, in)
	if err != nil {
		h.logger.Warn("turn failed",
			zap.String("session_id", s.ID()),
			zap.String("turn_id", in.TurnID),
			zap.Error(err))
		WriteFailure(w, sessionError(err), h.logger)
		return
	}
	WriteSuccess(w, result)
}

// sessionError 把会话层哨兵错误翻译为带错误码的 types.Error
func sessionError(err error) error {
	switch {
	case errors.Is(err, voice.ErrTurnInFlight):
		return types.NewError(types.ErrTurnInFlight, err.Error())
	case errors.Is(err, voice.ErrSessionEnded), errors.Is(err, persistence.ErrSessionClosed):
		return types.NewError(types.ErrSessionNotAvailable, err.Error())
	case errors.Is(err, persistence.ErrInvalidInput):
		return types.NewError(types.ErrInvalidRequest, err.Error())
	default:
		return err
	}
}
