package utils

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestSafeCommandCapturesStderr(t *testing.T) {
	s := NewSafeCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	if err := s.Run(); err == nil {
		t.Fatal("Expected non-zero exit to surface as an error")
	}
	if !strings.Contains(s.Stderr.String(), "boom") {
		t.Errorf("Expected stderr to be captured, got %q", s.Stderr.String())
	}
}

func TestGenerateVideoID(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "video_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	// Write dummy content
	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateVideoID(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate ID: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateVideoID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateVideoID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}

	// Same content at another path -> same ID
	other, err := os.CreateTemp("", "video_copy")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(other.Name())
	other.Write([]byte("fake video content modification"))
	other.Close()

	id4, _ := GenerateVideoID(other.Name())
	if id4 != id3 {
		t.Errorf("Expected identical content to hash identically, got %s vs %s", id4, id3)
	}
}

func TestGenerateVideoIDMissingFile(t *testing.T) {
	if _, err := GenerateVideoID("/definitely/not/here.mp4"); err == nil {
		t.Error("Expected error for missing file")
	}
}
