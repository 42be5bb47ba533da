package handlers

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/ipsibridge-backend/internal/clients/openai"
	"github.com/yungbote/ipsibridge-backend/internal/http/response"
	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/requestdata"
	"github.com/yungbote/ipsibridge-backend/internal/services"
	"github.com/yungbote/ipsibridge-backend/internal/sse"
)

// Attached images are capped before base64 inflation.
const maxImageBytes = 8 << 20

type ChatHandler struct {
	log      *logger.Logger
	pipeline services.PipelineService
}

func NewChatHandler(log *logger.Logger, pipeline services.PipelineService) *ChatHandler {
	return &ChatHandler{log: log.With("handler", "ChatHandler"), pipeline: pipeline}
}

type chatStreamReq struct {
	Message   string     `json:"message"`
	SessionID *uuid.UUID `json:"session_id"`
}

// POST /api/chat/stream
// JSON body for text-only turns; multipart (message, session_id, image)
// when a score report or admission guide screenshot is attached.
func (h *ChatHandler) Stream(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusInternalServerError, "no_principal", fmt.Errorf("request principal missing"))
		return
	}

	req, err := h.parseTurn(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		response.RespondError(c, http.StatusBadRequest, "empty_message", fmt.Errorf("message required"))
		return
	}

	stream := sse.NewStream()
	go h.pipeline.Run(c.Request.Context(), *rd, req, stream)
	sse.Serve(c.Writer, c.Request, stream, h.log)
}

func (h *ChatHandler) parseTurn(c *gin.Context) (services.TurnRequest, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		return h.parseMultipartTurn(c)
	}
	var body chatStreamReq
	if err := c.ShouldBindJSON(&body); err != nil {
		return services.TurnRequest{}, err
	}
	return services.TurnRequest{Message: body.Message, SessionID: body.SessionID}, nil
}

func (h *ChatHandler) parseMultipartTurn(c *gin.Context) (services.TurnRequest, error) {
	req := services.TurnRequest{Message: c.PostForm("message")}

	if raw := strings.TrimSpace(c.PostForm("session_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return req, fmt.Errorf("invalid session_id: %w", err)
		}
		req.SessionID = &id
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		if err == http.ErrMissingFile {
			return req, nil
		}
		return req, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		return req, err
	}
	if len(data) > maxImageBytes {
		return req, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}

	mime := header.Header.Get("Content-Type")
	if !strings.HasPrefix(mime, "image/") {
		return req, fmt.Errorf("unsupported attachment type %q", mime)
	}
	req.Image = &openai.ImageInput{
		ImageURL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
		Detail:   "high",
	}
	return req, nil
}
