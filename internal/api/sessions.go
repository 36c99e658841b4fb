package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pixchat/internal/models"
	"pixchat/internal/session"
)

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type selectModelRequest struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

func (h *Handler) ollamaStatus(c *gin.Context) {
	respondOK(c, http.StatusOK, h.sessions.Status(c.Request.Context()))
}

func (h *Handler) listModels(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	report := h.sessions.Models(c.Request.Context(), c.Param("session_id"), refresh)
	respondOK(c, http.StatusOK, report)
}

func (h *Handler) getModel(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{
		"selected": h.sessions.SelectedModel(c.Request.Context(), c.Param("session_id")),
	})
}

func (h *Handler) selectModel(c *gin.Context) {
	var req selectModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	sel, err := h.sessions.SelectModel(c.Request.Context(), c.Param("session_id"), models.SelectedModel{
		Name:     strings.TrimSpace(req.Name),
		Category: req.Category,
	})
	if err != nil {
		if errors.Is(err, session.ErrEmptyModel) {
			respondError(c, http.StatusBadRequest, "model name is required")
			return
		}
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(c, http.StatusOK, gin.H{"selected": sel})
}

func (h *Handler) clearModel(c *gin.Context) {
	h.sessions.ClearModel(c.Request.Context(), c.Param("session_id"))
	c.Status(http.StatusNoContent)
}

func (h *Handler) sessionMessages(c *gin.Context) {
	sessionID := c.Param("session_id")
	if _, err := h.sessions.Hydrate(c.Request.Context(), sessionID); err != nil {
		h.logger.Warn("hydrate session", zap.String("session", sessionID), zap.Error(err))
	}
	respondOK(c, http.StatusOK, h.sessions.Messages(sessionID))
}

func (h *Handler) clearSession(c *gin.Context) {
	res := h.sessions.Clear(c.Request.Context(), c.Param("session_id"))
	body := gin.H{"cleared": res.Local, "deletedCount": res.Remote}
	if res.RemoteErr != nil {
		body["remoteError"] = res.RemoteErr.Error()
	}
	respondOK(c, http.StatusOK, body)
}

// submitPrompt streams one exchange: "ack" with the new pair, then "done"
// or "error" with the finished assistant message.
func (h *Handler) submitPrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(c, http.StatusBadRequest, "prompt is required")
		return
	}

	sendEvent, ok := startSSE(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	exchange, err := h.sessions.Submit(c.Request.Context(), session.SubmitRequest{
		SessionID: sessionID,
		Prompt:    req.Prompt,
		OnAccepted: func(user, assistant *models.Message) {
			if err := sendEvent("ack", session.Exchange{User: user, Assistant: assistant}); err != nil {
				h.logger.Debug("send ack", zap.Error(err))
			}
		},
	})
	if err != nil {
		_ = sendEvent("error", gin.H{"error": err.Error()})
		return
	}
	if exchange.Assistant.Error != "" {
		_ = sendEvent("error", gin.H{"error": exchange.Assistant.Error, "assistant": exchange.Assistant})
		return
	}
	_ = sendEvent("done", gin.H{"assistant": exchange.Assistant})
}

// streamEvents relays session change events until the client goes away.
func (h *Handler) streamEvents(c *gin.Context) {
	sessionID := models.NormalizeSessionID(c.Param("session_id"))
	events, cancel := h.sessions.Subscribe(sessionID)
	defer cancel()

	sendEvent, ok := startSSE(c)
	if !ok {
		return
	}
	if err := sendEvent("ready", gin.H{"sessionId": sessionID}); err != nil {
		return
	}
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			if err := sendEvent(string(evt.Type), evt); err != nil {
				h.logger.Debug("event stream closed", zap.String("session", sessionID), zap.Error(err))
				return
			}
		}
	}
}
