package session

import (
	"time"

	"pixchat/internal/models"
)

type EventType string

const (
	EventMessageAdded   EventType = "message_added"
	EventMessageUpdated EventType = "message_updated"
	EventCleared        EventType = "cleared"
	// EventModelSelected carries a nil Model when the override is dropped.
	EventModelSelected EventType = "model_selected"
)

// Event notifies subscribers of a session change.
type Event struct {
	Type      EventType             `json:"type"`
	SessionID string                `json:"sessionId"`
	Message   *models.Message       `json:"message,omitempty"`
	Model     *models.SelectedModel `json:"model,omitempty"`
	Origin    string                `json:"origin,omitempty"`
	At        time.Time             `json:"at"`
}
