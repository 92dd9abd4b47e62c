// Package resources exposes a read-only named blob store to brain
// actions: prompt templates, reference documents, fixtures.
package resources

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// ErrNotFound reports a missing resource key.
var ErrNotFound = errors.New("resource not found")

// Resources is the read-only accessor handed to step contexts.
type Resources interface {
	// Get returns the resource's raw bytes.
	Get(key string) ([]byte, error)
	// GetString returns the resource decoded as UTF-8 text.
	GetString(key string) (string, error)
	// Exists reports whether the key is present.
	Exists(key string) bool
	// List returns all keys under prefix, sorted.
	List(prefix string) ([]string, error)
}

// FS serves resources from a filesystem root. Keys are slash-separated
// relative paths.
type FS struct {
	root fs.FS
}

// NewFS wraps a filesystem as a resource accessor.
func NewFS(root fs.FS) *FS {
	return &FS{root: root}
}

func (f *FS) Get(key string) ([]byte, error) {
	clean := path.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	data, err := fs.ReadFile(f.root, clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read resource %q: %w", key, err)
	}
	return data, nil
}

func (f *FS) GetString(key string) (string, error) {
	data, err := f.Get(key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *FS) Exists(key string) bool {
	_, err := f.Get(key)
	return err == nil
}

func (f *FS) List(prefix string) ([]string, error) {
	var keys []string
	err := fs.WalkDir(f.root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if prefix == "" || strings.HasPrefix(p, prefix) {
			keys = append(keys, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return keys, nil
}
