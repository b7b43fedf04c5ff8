package detector

import (
	"path/filepath"
	"testing"
)

func TestThreshold(t *testing.T) {
	tests := []struct {
		name        string
		sensitivity float64
		want        float64
	}{
		{"Default", 1.0, 0.5},
		{"Lenient", 0.5, 0.25},
		{"Floor", 0.01, 0.05},
		{"Ceiling", 3.0, 0.95},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Threshold(tt.sensitivity); got != tt.want {
				t.Errorf("Threshold(%v) = %v, want %v", tt.sensitivity, got, tt.want)
			}
		})
	}
}

func TestNewSSDMissingModel(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewSSD(filepath.Join(dir, PrototxtFile), filepath.Join(dir, CaffeModelFile), 0.5); err == nil {
		t.Fatal("expected an error when model files are missing")
	}
}

func TestClamp(t *testing.T) {
	if clamp(-4, 10) != 0 || clamp(42, 10) != 10 || clamp(7, 10) != 7 {
		t.Error("clamp does not bound to [0, hi]")
	}
}
