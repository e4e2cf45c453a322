// Package blob provides content-addressed storage for package artifacts.
//
// Artifacts are opaque byte blobs keyed by the digest of their content, so
// identical uploads converge on one stored object and writes are idempotent.
// Backends register themselves by URL scheme:
//
//	store, err := blob.Open("dir:///var/lib/registry/blobs")
//	store, err := blob.Open("mem://")
//	store, err := blob.Open("https://blobs.internal.example.com")
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when no artifact exists for a digest.
	ErrNotFound = errors.New("artifact not found")

	// ErrUnavailable is returned when the store backend fails transiently.
	// Callers may retry; the publish coordinator does.
	ErrUnavailable = errors.New("artifact store unavailable")

	// ErrBadDigest is returned for digest strings that do not parse.
	ErrBadDigest = errors.New("malformed digest")
)

// Digest is a content address in the form "sha256:<hex>".
type Digest string

const digestPrefix = "sha256:"

// ComputeDigest returns the content address of a blob.
func ComputeDigest(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest(digestPrefix + hex.EncodeToString(sum[:]))
}

// ParseDigest validates a digest string.
func ParseDigest(s string) (Digest, error) {
	hexPart, ok := strings.CutPrefix(s, digestPrefix)
	if !ok || len(hexPart) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrBadDigest, s)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadDigest, s)
	}
	return Digest(digestPrefix + strings.ToLower(hexPart)), nil
}

// Hex returns the hex part of the digest.
func (d Digest) Hex() string {
	return strings.TrimPrefix(string(d), digestPrefix)
}

func (d Digest) String() string { return string(d) }

// Store is the artifact storage interface consumed by the registry core.
// The core never inspects archive internals; content is opaque.
type Store interface {
	// Put stores a blob and returns its digest. Identical bytes yield the
	// identical digest and a no-op when already present.
	Put(ctx context.Context, data []byte) (Digest, error)

	// Get returns the blob for a digest, or ErrNotFound.
	Get(ctx context.Context, d Digest) ([]byte, error)

	// Exists reports whether a blob is present.
	Exists(ctx context.Context, d Digest) (bool, error)
}

// Factory creates a store for a parsed backend URL.
type Factory func(u *url.URL) (Store, error)

var (
	factories = make(map[string]Factory)
	mu        sync.RWMutex
)

// Register adds a store factory for a URL scheme. Backends call it from
// their init functions.
func Register(scheme string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[scheme] = factory
}

// Open creates a store for a backend URL, dispatching on its scheme.
func Open(rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid store URL %q: %w", rawURL, err)
	}

	mu.RLock()
	factory, ok := factories[u.Scheme]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown store scheme: %s", u.Scheme)
	}
	return factory(u)
}

// Schemes returns all registered backend schemes.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()

	schemes := make([]string, 0, len(factories))
	for s := range factories {
		schemes = append(schemes, s)
	}
	return schemes
}
