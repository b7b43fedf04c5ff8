package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS is a Google Cloud Storage bucket. Credentials come from the
// environment (Application Default Credentials).
type GCS struct {
	bucketName string
	client     *gcs.Client
	bucket     *gcs.BucketHandle
}

func NewGCS(ctx context.Context, bucketName string) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}
	return &GCS{
		bucketName: bucketName,
		client:     client,
		bucket:     client.Bucket(bucketName),
	}, nil
}

// Close releases the client.
func (s *GCS) Close() error {
	return s.client.Close()
}

func (s *GCS) UploadFile(ctx context.Context, localPath, key string) (string, error) {
	key = CleanKey(key)
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := s.bucket.Object(key).NewWriter(ctx)
	_, err = io.Copy(w, f)
	errClose := w.Close()
	if err != nil {
		return "", err
	}
	if errClose != nil {
		return "", errClose
	}
	return "gs://" + s.bucketName + "/" + key, nil
}

func (s *GCS) DownloadFile(ctx context.Context, key, localPath string) error {
	r, err := s.bucket.Object(CleanKey(key)).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	errClose := out.Close()
	if err != nil {
		return err
	}
	return errClose
}

func (s *GCS) UploadFolder(ctx context.Context, localDir, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		key := CleanKey(prefix + "/" + filepath.ToSlash(rel))
		if _, err := s.UploadFile(ctx, path, key); err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

func (s *GCS) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: CleanKey(prefix)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// SignedURL returns a V4 signed GET URL valid for ttl.
func (s *GCS) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.bucket.SignedURL(CleanKey(key), &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
}

// Delete removes the object, or every object under key when it is a prefix.
func (s *GCS) Delete(ctx context.Context, key string) error {
	key = CleanKey(key)
	err := s.bucket.Object(key).Delete(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gcs.ErrObjectNotExist) {
		return err
	}
	keys, err := s.ListPrefix(ctx, key+"/")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.bucket.Object(k).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
			return err
		}
	}
	return nil
}
