package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

func TestCleanKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"Plain key", "evidence/abc/summary.json", "evidence/abc/summary.json"},
		{"Leading slash", "/evidence/abc", "evidence/abc"},
		{"Traversal", "../../etc/passwd", "etc/passwd"},
		{"Embedded traversal", "evidence/../../secret", "evidence/secret"},
		{"Empty segments", "a//b/./c/", "a/b/c"},
		{"Backslashes", `a\b\..\c`, "a/b/c"},
		{"Root", "/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanKey(tt.key); got != tt.want {
				t.Errorf("CleanKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func writeTemp(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir(), "http://api.test/")
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	work := t.TempDir()

	src := writeTemp(t, work, "clip.mp4", "frames")
	uri, err := s.UploadFile(ctx, src, "uploads/1/clip.mp4")
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if !strings.HasPrefix(uri, "file://") {
		t.Errorf("Expected file:// URI, got %s", uri)
	}

	dst := filepath.Join(work, "out", "copy.mp4")
	if err := s.DownloadFile(ctx, "uploads/1/clip.mp4", dst); err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "frames" {
		t.Errorf("Downloaded content = %q", got)
	}

	if err := s.DownloadFile(ctx, "uploads/1/missing.mp4", dst); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLocalFolderAndPrefix(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir(), "http://api.test")
	if err != nil {
		t.Fatal(err)
	}
	evidence := t.TempDir()
	writeTemp(t, evidence, "summary.json", "{}")
	writeTemp(t, evidence, "plots/rppg_trace_forehead.png", "png")

	keys, err := s.UploadFolder(ctx, evidence, "evidence/a1")
	if err != nil {
		t.Fatalf("UploadFolder failed: %v", err)
	}
	sort.Strings(keys)
	want := []string{"evidence/a1/plots/rppg_trace_forehead.png", "evidence/a1/summary.json"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("UploadFolder keys = %v, want %v", keys, want)
	}

	listed, err := s.ListPrefix(ctx, "evidence/a1")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(listed)
	if strings.Join(listed, ",") != strings.Join(want, ",") {
		t.Errorf("ListPrefix = %v, want %v", listed, want)
	}

	if listed, _ := s.ListPrefix(ctx, "evidence/none"); len(listed) != 0 {
		t.Errorf("Expected empty listing, got %v", listed)
	}

	url, err := s.SignedURL(ctx, "evidence/a1/summary.json", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL failed: %v", err)
	}
	if url != "http://api.test/api/storage/evidence/a1/summary.json" {
		t.Errorf("SignedURL = %s", url)
	}
	if _, err := s.SignedURL(ctx, "evidence/a1/nope.json", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := s.Delete(ctx, "evidence/a1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if listed, _ := s.ListPrefix(ctx, "evidence/a1"); len(listed) != 0 {
		t.Errorf("Expected prefix gone, got %v", listed)
	}
	if err := s.Delete(ctx, "/"); err == nil {
		t.Error("Expected refusal to delete the root")
	}
}

func TestNewBackends(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Backend: "s3"}); err == nil {
		t.Error("Expected error for unknown backend")
	}
	if _, err := New(ctx, Config{Backend: BackendGCS}); err == nil {
		t.Error("Expected error for gcs without a bucket")
	}
	s, err := New(ctx, Config{Backend: BackendLocal, Root: t.TempDir()})
	if err != nil {
		t.Fatalf("New(local) failed: %v", err)
	}
	if _, ok := s.(*Local); !ok {
		t.Errorf("Expected *Local, got %T", s)
	}
}
