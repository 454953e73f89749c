package logger

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_DefaultsToInfoOnBadLevel(t *testing.T) {
	log, err := New(LogConfig{Level: "loud", Format: "text"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if log.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be disabled when level falls back to info")
	}
	if !log.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be enabled")
	}
}

func TestNew_JSONFormat(t *testing.T) {
	log, err := New(LogConfig{Level: "debug", Format: "json"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be enabled")
	}
}

func TestConvertFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := &Logger{zap.New(core)}

	log.Info("frame read", "camera", "rtsp", "attempt", 2, 42, "ignored", "dangling")
	log.Error("persist failed", "error", errors.New("disk full"))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}

	fields := entries[0].ContextMap()
	if fields["camera"] != "rtsp" {
		t.Errorf("Expected camera=rtsp, got %v", fields["camera"])
	}
	if fields["attempt"] != int64(2) {
		t.Errorf("Expected attempt=2, got %v", fields["attempt"])
	}
	if _, ok := fields["dangling"]; ok {
		t.Error("dangling key should be dropped")
	}
	if len(fields) != 2 {
		t.Errorf("Expected 2 fields, got %d: %v", len(fields), fields)
	}

	if entries[1].ContextMap()["error"] != "disk full" {
		t.Errorf("Expected error field, got %v", entries[1].ContextMap())
	}
}

func TestWith(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := (&Logger{zap.New(core)}).With("component", "pipeline")
	log.Info("run started")

	if logs.Len() != 1 {
		t.Fatalf("Expected 1 entry, got %d", logs.Len())
	}
	if logs.All()[0].ContextMap()["component"] != "pipeline" {
		t.Error("child logger should carry component field")
	}
}
