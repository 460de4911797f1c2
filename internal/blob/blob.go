// Package blob stores uploaded files and returns their URLs.
package blob

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

	"github.com/and161185/taxi-session/internal/treedb"
)

// Store is the blob storage.
type Store interface {
	// Upload writes r to path and returns a URL for it.
	Upload(ctx context.Context, path string, r io.Reader) (string, error)
	// Remove deletes path. Removing a missing blob is not an error.
	Remove(ctx context.Context, path string) error
}

// Dir stores blobs as files below a root directory and serves file:// URLs.
type Dir struct {
	root string
}

var _ Store = (*Dir)(nil)

// NewDir returns a store rooted at root.
func NewDir(root string) *Dir { return &Dir{root: root} }

func (d *Dir) file(path string) (string, error) {
	segs := treedb.Split(path)
	if len(segs) == 0 {
		return "", errors.New("blob: empty path")
	}
	for _, s := range segs {
		if s == "." || s == ".." || strings.ContainsRune(s, os.PathSeparator) {
			return "", fmt.Errorf("blob: invalid path %q", path)
		}
	}
	return filepath.Join(append([]string{d.root}, segs...)...), nil
}

// Upload copies r into the file for path.
func (d *Dir) Upload(ctx context.Context, path string, r io.Reader) (string, error) {
	name, err := d.file(path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// Remove deletes the file for path.
func (d *Dir) Remove(_ context.Context, path string) error {
	name, err := d.file(path)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
