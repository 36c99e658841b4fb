package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pixchat/internal/models"
	"pixchat/internal/service/history"
)

func (h *Handler) health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		respondError(c, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Server is running",
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) listMessages(c *gin.Context) {
	sessionID := models.NormalizeSessionID(c.Query("sessionId"))
	messages, err := h.store.ListMessages(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("fetch messages", zap.String("session", sessionID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}
	respondOK(c, http.StatusOK, messages)
}

func (h *Handler) saveMessage(c *gin.Context) {
	var msg models.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	saved, err := h.store.SaveMessage(c.Request.Context(), msg)
	if err != nil {
		switch {
		case errors.Is(err, history.ErrInvalidMessage):
			respondError(c, http.StatusBadRequest, "Missing required fields: id, type, content")
		case errors.Is(err, history.ErrMessageExists):
			respondError(c, http.StatusConflict, "Message with this ID already exists")
		default:
			h.logger.Error("save message", zap.String("message", msg.ID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "Failed to save message")
		}
		return
	}
	respondOK(c, http.StatusCreated, saved)
}

func (h *Handler) updateMessage(c *gin.Context) {
	var update models.MessageUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := h.store.UpdateMessage(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		if errors.Is(err, history.ErrMessageNotFound) {
			respondError(c, http.StatusNotFound, "Message not found")
			return
		}
		h.logger.Error("update message", zap.String("message", c.Param("id")), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Failed to update message")
		return
	}
	respondOK(c, http.StatusOK, updated)
}

func (h *Handler) clearMessages(c *gin.Context) {
	sessionID := models.NormalizeSessionID(c.Query("sessionId"))
	n, err := h.store.ClearMessages(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("clear messages", zap.String("session", sessionID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Failed to clear messages")
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deletedCount": n})
}
