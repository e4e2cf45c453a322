package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
)

func init() {
	Register("dir", func(u *url.URL) (Store, error) {
		return NewDirStore(u.Path)
	})
}

// DirStore is a filesystem-backed store. Blobs live under
// <root>/<first two hex chars>/<remaining hex>, written to a temporary file
// and renamed into place so concurrent identical uploads converge on one
// object and readers never see a partial write.
type DirStore struct {
	root string
}

// NewDirStore creates a store rooted at dir, creating it if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir store: empty root")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("dir store: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("dir store: %w", err)
	}
	return &DirStore{root: abs}, nil
}

// Root returns the store's root directory.
func (s *DirStore) Root() string { return s.root }

func (s *DirStore) path(d Digest) string {
	hex := d.Hex()
	return filepath.Join(s.root, hex[:2], hex[2:])
}

func (s *DirStore) Put(ctx context.Context, data []byte) (Digest, error) {
	d := ComputeDigest(data)
	target := s.path(d)

	if _, err := os.Stat(target); err == nil {
		return d, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return d, nil
}

func (s *DirStore) Get(ctx context.Context, d Digest) ([]byte, error) {
	data, err := os.ReadFile(s.path(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Integrity check on read: a blob that no longer matches its address is
	// treated as absent rather than served corrupted.
	if ComputeDigest(data) != d {
		return nil, fmt.Errorf("%w: content mismatch for %s", ErrNotFound, d)
	}
	return data, nil
}

func (s *DirStore) Exists(ctx context.Context, d Digest) (bool, error) {
	_, err := os.Stat(s.path(d))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
}
