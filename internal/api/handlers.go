package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pixchat/internal/models"
	"pixchat/internal/session"
)

// MessageStore is the durable message store served under /api/messages.
type MessageStore interface {
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	SaveMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	UpdateMessage(ctx context.Context, id string, u models.MessageUpdate) (*models.Message, error)
	ClearMessages(ctx context.Context, sessionID string) (int64, error)
	Ping(ctx context.Context) error
}

// SessionManager drives prompts, model selection and session state.
type SessionManager interface {
	Submit(ctx context.Context, req session.SubmitRequest) (*session.Exchange, error)
	Messages(sessionID string) []*models.Message
	Hydrate(ctx context.Context, sessionID string) (int, error)
	Clear(ctx context.Context, sessionID string) session.ClearResult
	SelectModel(ctx context.Context, sessionID string, sel models.SelectedModel) (*models.SelectedModel, error)
	ClearModel(ctx context.Context, sessionID string)
	SelectedModel(ctx context.Context, sessionID string) *models.SelectedModel
	Status(ctx context.Context) session.Status
	Models(ctx context.Context, sessionID string, refresh bool) session.ModelsReport
	Subscribe(sessionID string) (<-chan session.Event, func())
}

// Handler wires HTTP routes to the message store and the session manager.
// Either may be nil, in which case its routes are not registered.
type Handler struct {
	store    MessageStore
	sessions SessionManager
	logger   *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(store MessageStore, sessions SessionManager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, sessions: sessions, logger: logger.Named("api")}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	if h.store != nil {
		router.GET("/health", h.health)
		api.GET("/messages", h.listMessages)
		api.POST("/messages", h.saveMessage)
		api.PUT("/messages/:id", h.updateMessage)
		api.DELETE("/messages", h.clearMessages)
	}
	if h.sessions != nil {
		api.GET("/ollama/status", h.ollamaStatus)
		sessions := api.Group("/sessions/:session_id")
		sessions.GET("/models", h.listModels)
		sessions.GET("/model", h.getModel)
		sessions.PUT("/model", h.selectModel)
		sessions.DELETE("/model", h.clearModel)
		sessions.GET("/messages", h.sessionMessages)
		sessions.DELETE("/messages", h.clearSession)
		sessions.POST("/prompts", h.submitPrompt)
		sessions.GET("/events", h.streamEvents)
	}
}

func respondOK(c *gin.Context, status int, data any) {
	if data == nil {
		c.JSON(status, gin.H{"success": true})
		return
	}
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// eventWriter writes server-sent events to the response.
type eventWriter func(event string, payload any) error

// startSSE switches the response to an event stream.
func startSSE(c *gin.Context) (eventWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	return func(event string, payload any) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, true
}
