// Package ollama talks to the Ollama model-serving HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"pixchat/internal/config"
	"pixchat/internal/failure"
	"pixchat/internal/models"
)

const maxErrorBody = 4 << 10

// Client is safe for concurrent use.
type Client struct {
	baseURL  string
	options  config.GenerateOptions
	probe    *http.Client
	generate *http.Client
	logger   *zap.Logger
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options config.GenerateOptions `json:"options"`
}

// GenerateResponse is the non-streaming reply of /api/generate.
type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []models.OllamaModel `json:"models"`
}

// NewClient builds a client from the ollama section of the config.
func NewClient(cfg config.OllamaConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		options:  cfg.Options,
		probe:    &http.Client{Timeout: cfg.ConnectTimeout()},
		generate: &http.Client{Timeout: cfg.RequestTimeout()},
		logger:   logger.Named("ollama"),
	}
}

// BaseURL returns the serving API root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Probe reports whether the serving API answers /api/tags with a 2xx status.
// Any failure, including a timeout, counts as not running.
func (c *Client) Probe(ctx context.Context) bool {
	resp, err := c.get(ctx, "/api/tags")
	if err != nil {
		c.logger.Debug("probe failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ListModels fetches the installed models. A response without a models
// field yields an empty list.
func (c *Client) ListModels(ctx context.Context) ([]models.OllamaModel, error) {
	resp, err := c.get(ctx, "/api/tags")
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, failure.API(resp.StatusCode, readErrorBody(resp))
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	if tags.Models == nil {
		tags.Models = []models.OllamaModel{}
	}
	return tags.Models, nil
}

// Generate sends one non-streaming generation request with the configured options.
func (c *Client) Generate(ctx context.Context, model, prompt string) (*GenerateResponse, error) {
	body, err := json.Marshal(GenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: c.options,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.generate.Do(req)
	if err != nil {
		return nil, failure.Connectivity(c.baseURL, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("generate finished",
		zap.String("model", model),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, failure.API(resp.StatusCode, readErrorBody(resp))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.Connectivity(c.baseURL, err)
	}
	var out GenerateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, failure.API(resp.StatusCode, string(data))
	}
	if out.Error != "" {
		return nil, failure.APIReported(out.Error)
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.probe.Do(req)
}

func readErrorBody(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return string(data)
}
