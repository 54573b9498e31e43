// Package blob stores message attachments.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const URLPrefix = "/api/files/"

var (
	ErrNotFound = errors.New("blob: object not found")
	ErrTooLarge = errors.New("blob: object too large")
)

type Store interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (url string, err error)
	Delete(ctx context.Context, url string) error
}

// FS keeps objects as files under a root directory. Objects are addressed by
// URLs of the form URLPrefix + relative path.
type FS struct {
	root    string
	maxSize int64
}

func NewFS(root string, maxSize int64) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &FS{root: root, maxSize: maxSize}, nil
}

func (s *FS) Root() string { return s.root }

// resolve maps an object path onto the filesystem, refusing paths that
// escape the root.
func (s *FS) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(path, "/"))
	if clean == "/" {
		return "", fmt.Errorf("empty object path")
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Upload writes data to path. When contentType is empty it is sniffed from
// the content; the detected type's extension is appended if path has none.
func (s *FS) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return "", ErrTooLarge
	}
	if contentType == "" {
		mt := mimetype.Detect(data)
		contentType = mt.String()
		if filepath.Ext(path) == "" {
			path += mt.Extension()
		}
	}
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create object dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	rel, _ := filepath.Rel(s.root, full)
	return URLPrefix + filepath.ToSlash(rel), nil
}

func (s *FS) Delete(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !strings.HasPrefix(url, URLPrefix) {
		return fmt.Errorf("blob: foreign url %q", url)
	}
	full, err := s.resolve(strings.TrimPrefix(url, URLPrefix))
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Open returns the object's file path and detected content type for
// serving.
func (s *FS) Open(url string) (string, string, error) {
	full, err := s.resolve(strings.TrimPrefix(url, URLPrefix))
	if err != nil {
		return "", "", err
	}
	mt, err := mimetype.DetectFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", ErrNotFound
		}
		return "", "", err
	}
	return full, mt.String(), nil
}
