package models

import "time"

// Message captures one chat entry of a session, user prompt or assistant reply.

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the stored roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Message struct {
	ID           string           `json:"id"`
	Type         Role             `json:"type"`
	Content      string           `json:"content"`
	Timestamp    time.Time        `json:"timestamp"`
	Images       []GeneratedImage `json:"images,omitempty"`
	IsGenerating bool             `json:"isGenerating"`
	Error        string           `json:"error,omitempty"`
	SessionID    string           `json:"sessionId,omitempty"`
}

// Clone returns a copy that shares no slices with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Images != nil {
		cp.Images = append([]GeneratedImage(nil), m.Images...)
	}
	return &cp
}

// Apply copies the set fields of u onto m.
func (m *Message) Apply(u MessageUpdate) {
	if u.Content != nil {
		m.Content = *u.Content
	}
	if u.Images != nil {
		m.Images = append([]GeneratedImage(nil), (*u.Images)...)
	}
	if u.IsGenerating != nil {
		m.IsGenerating = *u.IsGenerating
	}
	if u.Error != nil {
		m.Error = *u.Error
	}
}

// MessageUpdate is a partial update; nil fields are left untouched.
type MessageUpdate struct {
	Content      *string           `json:"content,omitempty"`
	Images       *[]GeneratedImage `json:"images,omitempty"`
	IsGenerating *bool             `json:"isGenerating,omitempty"`
	Error        *string           `json:"error,omitempty"`
}

// Empty reports whether no field is set.
func (u MessageUpdate) Empty() bool {
	return u.Content == nil && u.Images == nil && u.IsGenerating == nil && u.Error == nil
}

// GeneratedImage is one placeholder image attached to an assistant reply.
type GeneratedImage struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Prompt    string    `json:"prompt"`
	Timestamp time.Time `json:"timestamp"`
}
