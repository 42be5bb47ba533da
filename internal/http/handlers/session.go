package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/ipsibridge-backend/internal/http/response"
	"github.com/yungbote/ipsibridge-backend/internal/requestdata"
	"github.com/yungbote/ipsibridge-backend/internal/services"
)

type SessionHandler struct {
	chat services.ChatService
}

func NewSessionHandler(chat services.ChatService) *SessionHandler {
	return &SessionHandler{chat: chat}
}

type createSessionReq struct {
	Title string `json:"title"`
}

// POST /api/sessions
func (h *SessionHandler) Create(c *gin.Context) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	rd := requestdata.GetRequestData(c.Request.Context())
	session, err := h.chat.CreateSession(c.Request.Context(), *rd, req.Title)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "create_session_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"session": session})
}

// GET /api/sessions
func (h *SessionHandler) List(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	sessions, err := h.chat.ListSessions(c.Request.Context(), *rd)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "list_sessions_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"sessions": sessions})
}

// GET /api/sessions/:id/messages?limit=50&after_seq=123
func (h *SessionHandler) ListMessages(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	limit := 50
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var after *int64
	if v := strings.TrimSpace(c.Query("after_seq")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			after = &n
		}
	}
	rd := requestdata.GetRequestData(c.Request.Context())
	msgs, err := h.chat.ListMessages(c.Request.Context(), *rd, sessionID, limit, after)
	if err != nil {
		respondSessionError(c, "list_messages_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"messages": msgs})
}

type renameSessionReq struct {
	Title string `json:"title"`
}

// PATCH /api/sessions/:id
func (h *SessionHandler) Rename(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	var req renameSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	rd := requestdata.GetRequestData(c.Request.Context())
	session, err := h.chat.RenameSession(c.Request.Context(), *rd, sessionID, req.Title)
	if err != nil {
		respondSessionError(c, "rename_session_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"session": session})
}

// DELETE /api/sessions/:id
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	rd := requestdata.GetRequestData(c.Request.Context())
	if err := h.chat.DeleteSession(c.Request.Context(), *rd, sessionID); err != nil {
		respondSessionError(c, "delete_session_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func respondSessionError(c *gin.Context, code string, err error) {
	if errors.Is(err, services.ErrNotFound) {
		response.RespondError(c, http.StatusNotFound, "session_not_found", err)
		return
	}
	response.RespondError(c, http.StatusBadRequest, code, err)
}
