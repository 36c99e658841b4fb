package models

import "strings"

// DefaultSessionID is used whenever a caller does not name a session.
const DefaultSessionID = "default"

// NormalizeSessionID trims id and falls back to DefaultSessionID.
func NormalizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultSessionID
	}
	return id
}

// SelectedModel is the per-session model override chosen by the user.
type SelectedModel struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Purpose  string `json:"purpose"`
}
