package logutil

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	t.Parallel()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := New(level, false); err != nil {
			t.Errorf("New(%q) error = %v", level, err)
		}
		if _, err := New(level, true); err != nil {
			t.Errorf("New(%q, json) error = %v", level, err)
		}
	}

	if _, err := New("loud", false); err == nil {
		t.Error("New(loud) should fail")
	}
}

func TestValues_GroupsFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	logger.Info("msg", Values(zap.String("a", "x"), zap.Int("b", 2)))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	values, ok := ctx["values"].(map[string]any)
	if !ok {
		t.Fatalf("values field = %#v", ctx["values"])
	}
	if values["a"] != "x" || values["b"] != int64(2) {
		t.Errorf("grouped values = %#v", values)
	}
}
