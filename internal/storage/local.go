package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local is a filesystem-backed store for development. Signed URLs point at
// the API's /api/storage route, which serves files straight from Root.
type Local struct {
	Root    string
	BaseURL string
}

// NewLocal creates root if needed.
func NewLocal(root, baseURL string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", abs, err)
	}
	return &Local{Root: abs, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Path maps a key to its file on disk.
func (l *Local) Path(key string) string {
	return filepath.Join(l.Root, filepath.FromSlash(CleanKey(key)))
}

func (l *Local) UploadFile(ctx context.Context, localPath, key string) (string, error) {
	target := l.Path(key)
	if err := copyFile(localPath, target); err != nil {
		return "", err
	}
	return "file://" + target, nil
}

func (l *Local) DownloadFile(ctx context.Context, key, localPath string) error {
	src := l.Path(key)
	if info, err := os.Stat(src); err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return copyFile(src, localPath)
}

func (l *Local) UploadFolder(ctx context.Context, localDir, prefix string) ([]string, error) {
	info, err := os.Stat(localDir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", localDir)
	}
	var keys []string
	err = filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		key := CleanKey(prefix + "/" + filepath.ToSlash(rel))
		if _, err := l.UploadFile(ctx, path, key); err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

func (l *Local) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	root := l.Path(prefix)
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{CleanKey(prefix)}, nil
	}
	keys := []string{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(l.Root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	return keys, err
}

// SignedURL returns API_BASE_URL/api/storage/<key>. Local URLs do not expire,
// so ttl is ignored.
func (l *Local) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := os.Stat(l.Path(key)); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	clean := CleanKey(key)
	parts := strings.Split(clean, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return l.BaseURL + "/api/storage/" + strings.Join(parts, "/"), nil
}

// Delete removes a file, or a whole directory when key is a prefix.
func (l *Local) Delete(ctx context.Context, key string) error {
	if CleanKey(key) == "" {
		return errors.New("refusing to delete the storage root")
	}
	return os.RemoveAll(l.Path(key))
}

// Clear removes everything under the root.
func (l *Local) Clear() error {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(l.Root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	errClose := out.Close()
	if err != nil {
		return err
	}
	return errClose
}
