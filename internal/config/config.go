package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Ollama      OllamaConfig              `json:"ollama"`
	Backend     BackendConfig             `json:"backend"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Logging     LoggingConfig             `json:"logging"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" env:"PIXCHAT_ADDR"`
	// Database selects the entry of Databases used by the message store.
	Database string `json:"database" env:"PIXCHAT_DB"`
	// DSN overrides the selected database's DSN when set.
	DSN                    string `json:"-" env:"PIXCHAT_DSN"`
	StaleGenerationMinutes int    `json:"stale_generation_minutes"`
	JanitorIntervalMinutes int    `json:"janitor_interval_minutes"`
}

type OllamaConfig struct {
	BaseURL          string          `json:"base_url" env:"OLLAMA_BASE_URL"`
	ConnectTimeoutMs int             `json:"connect_timeout_ms"`
	RequestTimeoutMs int             `json:"request_timeout_ms"`
	PlaceholderURL   string          `json:"placeholder_url"`
	Options          GenerateOptions `json:"options"`
}

// GenerateOptions are forwarded verbatim as the "options" object of a generate call.
type GenerateOptions struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k"`
	RepeatPenalty float64 `json:"repeat_penalty"`
}

type BackendConfig struct {
	URL       string `json:"url" env:"BACKEND_URL"`
	Disabled  bool   `json:"disabled" env:"BACKEND_DISABLED"`
	TimeoutMs int    `json:"timeout_ms"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" env:"REDIS_ENABLED"`
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"PIXCHAT_LOG_LEVEL"`
	Debug bool   `json:"debug" env:"PIXCHAT_DEBUG"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:          ":5000",
			Database:               "sqlite3",
			StaleGenerationMinutes: 10,
			JanitorIntervalMinutes: 5,
		},
		Ollama: OllamaConfig{
			BaseURL:          "http://localhost:11434",
			ConnectTimeoutMs: 5000,
			RequestTimeoutMs: 30000,
			PlaceholderURL:   "https://picsum.photos/512/512",
			Options: GenerateOptions{
				Temperature:   0.7,
				TopP:          0.9,
				TopK:          40,
				RepeatPenalty: 1.1,
			},
		},
		Backend: BackendConfig{
			URL:       "http://localhost:5000",
			TimeoutMs: 5000,
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "pixchat.db"},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing file yields the defaults; environment variables override both.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize(baseDir string) error {
	c.Ollama.BaseURL = strings.TrimRight(strings.TrimSpace(c.Ollama.BaseURL), "/")
	if c.Ollama.BaseURL == "" {
		return fmt.Errorf("ollama.base_url must be configured")
	}
	c.Backend.URL = strings.TrimRight(strings.TrimSpace(c.Backend.URL), "/")
	if c.BasicConfig.Database == "" {
		c.BasicConfig.Database = "sqlite3"
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	driver := c.BasicConfig.Database
	dbCfg := c.Databases[driver]
	if c.BasicConfig.DSN != "" {
		dbCfg.DSN = c.BasicConfig.DSN
	}
	if isSQLite(driver) && dbCfg.DSN != "" && !strings.HasPrefix(dbCfg.DSN, "file:") &&
		dbCfg.DSN != ":memory:" && !filepath.IsAbs(dbCfg.DSN) {
		dbCfg.DSN = filepath.Join(baseDir, dbCfg.DSN)
	}
	c.Databases[driver] = dbCfg
	return nil
}

func isSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "sqlite" || d == "sqlite3"
}

// ConnectTimeout bounds liveness probes and model discovery.
func (o OllamaConfig) ConnectTimeout() time.Duration {
	return millis(o.ConnectTimeoutMs, 5*time.Second)
}

// RequestTimeout bounds a single generate call.
func (o OllamaConfig) RequestTimeout() time.Duration {
	return millis(o.RequestTimeoutMs, 30*time.Second)
}

func (b BackendConfig) Timeout() time.Duration {
	return millis(b.TimeoutMs, 5*time.Second)
}

func (b BasicConfig) StaleGeneration() time.Duration {
	if b.StaleGenerationMinutes <= 0 {
		return 0
	}
	return time.Duration(b.StaleGenerationMinutes) * time.Minute
}

func (b BasicConfig) JanitorInterval() time.Duration {
	if b.JanitorIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(b.JanitorIntervalMinutes) * time.Minute
}

func millis(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}
