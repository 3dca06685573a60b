package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"companion-engine/internal/domain"
	"companion-engine/internal/repository"
	"companion-engine/internal/service"
)

// ChatHandler exposes session creation and the chat-turn endpoint.
type ChatHandler struct {
	logger   *zap.Logger
	sessions repository.Sessions
	pipeline *service.PipelineService
}

func NewChatHandler(logger *zap.Logger, sessions repository.Sessions, pipeline *service.PipelineService) *ChatHandler {
	return &ChatHandler{logger: logger, sessions: sessions, pipeline: pipeline}
}

// CreateSession handles POST /session: at most one active session per
// (user, character); Sessions.Create is itself an upsert.
func (h *ChatHandler) CreateSession(c *gin.Context) {
	var req struct {
		UserID        string `json:"user_id" binding:"required"`
		CharacterID   string `json:"character_id" binding:"required"`
		CharacterName string `json:"character_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid create session request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	session, err := h.sessions.Create(c.Request.Context(), domain.Session{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		CharacterID:   req.CharacterID,
		CharacterName: req.CharacterName,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create session"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": session})
}

// PostMessage handles POST /message: runs one full chat turn through the
// pipeline orchestrator and returns the assistant's reply.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var req struct {
		UserID      string  `json:"user_id" binding:"required"`
		SessionID   string  `json:"session_id" binding:"required"`
		CharacterID string  `json:"character_id" binding:"required"`
		Content     string  `json:"content" binding:"required"`
		UserCap     *string `json:"content_cap"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid post message request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var cap *service.ContentTier
	if req.UserCap != nil {
		parsed := service.ParseContentTier(*req.UserCap)
		cap = &parsed
	}

	resp, err := h.pipeline.ProcessTurn(c.Request.Context(), service.ChatTurnRequest{
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		CharacterID: req.CharacterID,
		Message:     req.Content,
		UserCap:     cap,
	}, time.Now().UTC())
	if err != nil {
		h.logger.Error("chat turn failed", zap.Error(err), zap.String("user_id", req.UserID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not process message"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"turn": resp})
}
