package statusapi

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guidegame/client/client"
	mw "github.com/kasuganosora/guidegame/client/middleware"
	"github.com/kasuganosora/guidegame/client/protocol"
	"github.com/kasuganosora/guidegame/client/store"
	"go.uber.org/zap"
)

// Handler serves state and action endpoints.
type Handler struct {
	cl     Client
	logger *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(cl Client, logger *zap.Logger) *Handler {
	return &Handler{cl: cl, logger: logger}
}

// Health GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// State GET /state
func (h *Handler) State(c *gin.Context) {
	st, err := h.cl.Status()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Room GET /rooms/:team
func (h *Handler) Room(c *gin.Context) {
	team := c.Param("team")
	room, ok := h.cl.Snapshot().Rooms[team]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"team_id": team, "member_count": room.MemberCount, "members": room.Members})
}

type joinRequest struct {
	TeamID   string `json:"team_id" binding:"required"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Join POST /actions/join
func (h *Handler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.cl.JoinRoom(req.TeamID, client.User{ID: req.UserID, Name: req.Username}); err != nil {
		h.fail(c, err)
		return
	}
	room := h.cl.Snapshot().Rooms[req.TeamID]
	c.JSON(http.StatusOK, gin.H{"joined": true, "team_id": req.TeamID, "member_count": room.MemberCount})
}

type selectScriptRequest struct {
	TeamID   string `json:"team_id"`
	ScriptID string `json:"script_id" binding:"required"`
}

// SelectScript POST /actions/select-script
func (h *Handler) SelectScript(c *gin.Context) {
	var req selectScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.cl.SelectScript(req.TeamID, req.ScriptID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sent": true})
}

type startRequest struct {
	GameID string `json:"game_id"`
}

// Start POST /actions/start
func (h *Handler) Start(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	gs, err := h.cl.StartGame(req.GameID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"game_id": gs.GameID, "role": gs.Role, "cur_task_id": gs.CurTaskID})
}

type submitRequest struct {
	Mechanism           string                 `json:"mechanism_type" binding:"required"`
	IsMainTaskMechanism bool                   `json:"is_main_task_mechanism"`
	Data                map[string]interface{} `json:"data"`
}

// Submit POST /actions/submit
func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !protocol.KnownMechanism(req.Mechanism) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mechanism_type"})
		return
	}
	if err := h.cl.SubmitTask(req.Data, req.Mechanism, req.IsMainTaskMechanism); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sent": true})
}

type selectSubTaskRequest struct {
	SubTaskID string `json:"sub_task_id"`
}

// SelectSubTask POST /actions/select-sub-task
func (h *Handler) SelectSubTask(c *gin.Context) {
	var req selectSubTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.cl.SelectSubTask(req.SubTaskID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"selected": req.SubTaskID})
}

// fail maps client errors onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var rejected *protocol.ServerRejectedError
	switch {
	case errors.Is(err, protocol.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrRequestTimeout):
		status = http.StatusGatewayTimeout
	case errors.As(err, &rejected):
		status = http.StatusConflict
	case errors.Is(err, protocol.ErrNoGame), errors.Is(err, protocol.ErrNoActiveTask),
		errors.Is(err, store.ErrUnknownSubTask):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, protocol.ErrClosed):
		status = http.StatusGone
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("action failed", zap.String("trace_id", mw.GetTraceID(c)), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
