// Package storage moves input clips and evidence artifacts in and out of a
// blob store. Keys are slash-separated paths relative to the store root.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Storage is a blob store for clips and evidence.
type Storage interface {
	// UploadFile copies a local file to key and returns the object URI.
	UploadFile(ctx context.Context, localPath, key string) (string, error)
	DownloadFile(ctx context.Context, key, localPath string) error
	// UploadFolder uploads every regular file under localDir to prefix/<relative path>.
	UploadFolder(ctx context.Context, localDir, prefix string) ([]string, error)
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// Backends.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	Root    string // local backend
	Bucket  string // gcs backend
	BaseURL string // API base for local signed URLs
}

// ConfigFromEnv reads BIOVERIFY_STORAGE, BIOVERIFY_STORAGE_ROOT,
// BIOVERIFY_GCS_BUCKET and API_BASE_URL.
func ConfigFromEnv() Config {
	return Config{
		Backend: getenv("BIOVERIFY_STORAGE", BackendLocal),
		Root:    getenv("BIOVERIFY_STORAGE_ROOT", "./storage"),
		Bucket:  os.Getenv("BIOVERIFY_GCS_BUCKET"),
		BaseURL: getenv("API_BASE_URL", "http://localhost:8000"),
	}
}

// New builds the configured backend.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Backend {
	case BackendLocal, "":
		l, err := NewLocal(cfg.Root, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return l, nil
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, errors.New("gcs storage requires BIOVERIFY_GCS_BUCKET")
		}
		g, err := NewGCS(ctx, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// CleanKey drops empty and ".." segments so a key can never escape the root.
func CleanKey(key string) string {
	parts := strings.Split(strings.ReplaceAll(key, `\`, "/"), "/")
	safe := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		safe = append(safe, p)
	}
	return strings.Join(safe, "/")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
