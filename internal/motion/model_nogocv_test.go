//go:build !gocv

package motion

import "testing"

func TestNewModel(t *testing.T) {
	m, err := NewModel(ModelConfig{Backend: "adaptive"})
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	if _, ok := m.(*AdaptiveModel); !ok {
		t.Errorf("Expected *AdaptiveModel, got %T", m)
	}

	if _, err := NewModel(ModelConfig{Backend: "gocv"}); err == nil {
		t.Error("Expected error for gocv backend without the build tag")
	}
	if _, err := NewModel(ModelConfig{Backend: "unknown"}); err == nil {
		t.Error("Expected error for unknown backend")
	}
}
