package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"pixchat/internal/config"
)

func TestNewLevels(t *testing.T) {
	t.Setenv(DebugEnv, "")
	logger, err := New(config.LoggingConfig{Level: "warn"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) || !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("warn level not applied")
	}

	logger, err = New(config.LoggingConfig{Level: "error", Debug: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("debug flag ignored")
	}

	if _, err := New(config.LoggingConfig{Level: "chatty"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestDebugEnv(t *testing.T) {
	t.Setenv(DebugEnv, "1")
	if !DebugEnabled() {
		t.Fatalf("expected debug enabled")
	}
	logger, err := New(config.LoggingConfig{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("env debug toggle ignored")
	}
}
