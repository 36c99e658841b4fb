// Package store is the HTTP client of the message store REST API.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"pixchat/internal/config"
	"pixchat/internal/failure"
	"pixchat/internal/models"
)

// Client errors are all *failure.Error of KindPersistence.
type Client struct {
	baseURL string
	http    *http.Client
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// NewClient builds a client for the store at cfg.URL.
func NewClient(cfg config.BackendConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout()},
	}
}

// List returns the stored messages of a session.
func (c *Client) List(ctx context.Context, sessionID string) ([]*models.Message, error) {
	var out []*models.Message
	err := c.do(ctx, "list messages", http.MethodGet, "/api/messages?sessionId="+url.QueryEscape(sessionID), nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save stores a new message.
func (c *Client) Save(ctx context.Context, msg *models.Message) error {
	return c.do(ctx, "save message", http.MethodPost, "/api/messages", msg, nil)
}

// Update applies a partial update to message id.
func (c *Client) Update(ctx context.Context, id string, u models.MessageUpdate) error {
	return c.do(ctx, "update message", http.MethodPut, "/api/messages/"+url.PathEscape(id), u, nil)
}

// Clear deletes a session's messages and returns the number removed.
func (c *Client) Clear(ctx context.Context, sessionID string) (int64, error) {
	var out struct {
		DeletedCount int64 `json:"deletedCount"`
	}
	err := c.do(ctx, "clear messages", http.MethodDelete, "/api/messages?sessionId="+url.QueryEscape(sessionID), nil, &out)
	return out.DeletedCount, err
}

// Health reports whether the store answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health check", http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return failure.Persistence(op, fmt.Errorf("marshal body: %w", err))
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return failure.Persistence(op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return failure.Persistence(op, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return failure.Persistence(op, fmt.Errorf("status %d: decode response: %w", resp.StatusCode, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return failure.Persistence(op, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return failure.Persistence(op, fmt.Errorf("decode data: %w", err))
		}
	}
	return nil
}
