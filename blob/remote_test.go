package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// blobServer is a minimal digest-addressed blob service for tests.
type blobServer struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// failures counts down: while positive, every request gets a 503.
	failures int
	requests int
}

func newBlobServer() *blobServer {
	return &blobServer{blobs: make(map[string][]byte)}
}

func (b *blobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++

	if b.failures > 0 {
		b.failures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	digest := strings.TrimPrefix(r.URL.Path, "/blobs/")
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		b.blobs[digest] = data
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		data, ok := b.blobs[digest]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	case http.MethodHead:
		if _, ok := b.blobs[digest]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestRemote(t *testing.T, backend *blobServer, opts ...RemoteOption) *RemoteStore {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	opts = append([]RemoteOption{
		WithHTTPClient(srv.Client()),
		WithBaseDelay(time.Millisecond),
	}, opts...)
	return NewRemoteStore(srv.URL, opts...)
}

func TestRemoteStoreRoundTrip(t *testing.T) {
	backend := newBlobServer()
	s := newTestRemote(t, backend)
	ctx := context.Background()
	data := []byte("remote artifact")

	d, err := s.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}

	exists, err := s.Exists(ctx, d)
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v, want true, nil", exists, err)
	}

	got, err := s.Get(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Errorf("Get = %q, want %q", got, data)
	}

	if _, err := s.Get(ctx, ComputeDigest([]byte("absent"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get of missing blob: error = %v, want ErrNotFound", err)
	}
}

func TestRemoteStorePutSkipsExisting(t *testing.T) {
	backend := newBlobServer()
	s := newTestRemote(t, backend)
	ctx := context.Background()
	data := []byte("dedup me")

	if _, err := s.Put(ctx, data); err != nil {
		t.Fatal(err)
	}
	before := backend.requests

	if _, err := s.Put(ctx, data); err != nil {
		t.Fatal(err)
	}
	// The second Put should stop after the HEAD, no upload.
	if got := backend.requests - before; got != 1 {
		t.Errorf("second Put made %d requests, want 1 (HEAD only)", got)
	}
}

func TestRemoteStoreRetriesTransientFailures(t *testing.T) {
	backend := newBlobServer()
	backend.failures = 2
	s := newTestRemote(t, backend, WithMaxRetries(3))
	ctx := context.Background()

	d, err := s.Put(ctx, []byte("eventually stored"))
	if err != nil {
		t.Fatalf("Put after transient failures: %v", err)
	}
	if exists, _ := s.Exists(ctx, d); !exists {
		t.Error("blob missing after retried Put")
	}
}

func TestRemoteStoreGivesUp(t *testing.T) {
	backend := newBlobServer()
	backend.failures = 100
	s := newTestRemote(t, backend, WithMaxRetries(2))
	ctx := context.Background()

	if _, err := s.Get(ctx, ComputeDigest([]byte("x"))); !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestRemoteStoreVerifiesContent(t *testing.T) {
	backend := newBlobServer()
	s := newTestRemote(t, backend)
	ctx := context.Background()

	d, err := s.Put(ctx, []byte("trusted"))
	if err != nil {
		t.Fatal(err)
	}

	// Tamper with the stored bytes behind the digest.
	backend.mu.Lock()
	backend.blobs[string(d)] = []byte("tampered")
	backend.mu.Unlock()

	if _, err := s.Get(ctx, d); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get of tampered blob: error = %v, want ErrNotFound", err)
	}
}

func TestRemoteStoreAuthFunc(t *testing.T) {
	var gotAuth string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	s := NewRemoteStore(srv.URL,
		WithHTTPClient(srv.Client()),
		WithAuthFunc(func(url string) (string, string) {
			return "Authorization", "Bearer token123"
		}),
	)

	s.Exists(context.Background(), ComputeDigest([]byte("x")))
	if gotAuth != "Bearer token123" {
		t.Errorf("Authorization header = %q, want bearer token", gotAuth)
	}
}

func TestBreakerStoreTrips(t *testing.T) {
	backend := newBlobServer()
	backend.failures = 1000
	remote := newTestRemote(t, backend, WithMaxRetries(0))
	s := NewBreakerStore(remote)
	ctx := context.Background()

	d := ComputeDigest([]byte("x"))
	for i := 0; i < 6; i++ {
		s.Get(ctx, d)
	}

	if !s.Tripped() {
		t.Fatal("breaker still closed after sustained failures")
	}
	if _, err := s.Get(ctx, d); !errors.Is(err, ErrUnavailable) {
		t.Errorf("open breaker: error = %v, want ErrUnavailable", err)
	}
}

func TestBreakerStoreIgnoresNotFound(t *testing.T) {
	backend := newBlobServer()
	remote := newTestRemote(t, backend)
	s := NewBreakerStore(remote)
	ctx := context.Background()

	// Lookups of absent blobs are normal traffic, not failures.
	for i := 0; i < 20; i++ {
		if _, err := s.Get(ctx, ComputeDigest([]byte("absent"))); !errors.Is(err, ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
	}
	if s.Tripped() {
		t.Error("breaker tripped on not-found lookups")
	}

	// The store still works through the breaker.
	data := []byte("fine")
	d, err := s.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, d)
	if err != nil || string(got) != string(data) {
		t.Errorf("Get = %q, %v", got, err)
	}
}
