package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"
)

func init() {
	factory := func(u *url.URL) (Store, error) {
		return NewRemoteStore(u.String()), nil
	}
	Register("http", factory)
	Register("https", factory)
}

// RemoteStore talks to a digest-addressed blob service over HTTP:
// GET/HEAD/PUT <base>/blobs/<digest>. Transient upstream failures map to
// ErrUnavailable and are retried with jittered exponential backoff.
type RemoteStore struct {
	baseURL    string
	client     *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	authFn     func(url string) (headerName, headerValue string)
}

// RemoteOption configures a RemoteStore.
type RemoteOption func(*RemoteStore)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(s *RemoteStore) {
		s.client = c
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) RemoteOption {
	return func(s *RemoteStore) {
		s.userAgent = ua
	}
}

// WithMaxRetries sets the maximum retry attempts per operation.
func WithMaxRetries(n int) RemoteOption {
	return func(s *RemoteStore) {
		s.maxRetries = n
	}
}

// WithBaseDelay sets the base delay for exponential backoff.
func WithBaseDelay(d time.Duration) RemoteOption {
	return func(s *RemoteStore) {
		s.baseDelay = d
	}
}

// WithAuthFunc sets a function that returns an auth header for a given URL.
// Return empty strings to skip authentication for that URL.
func WithAuthFunc(fn func(url string) (headerName, headerValue string)) RemoteOption {
	return func(s *RemoteStore) {
		s.authFn = fn
	}
}

// NewRemoteStore creates a store client for the given base URL.
func NewRemoteStore(baseURL string, opts ...RemoteOption) *RemoteStore {
	// Cache DNS lookups with a 5 minute refresh interval
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	s := &RemoteStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: 5 * time.Minute, // artifacts can be large
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					host, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					ips, err := resolver.LookupHost(ctx, host)
					if err != nil {
						return nil, err
					}
					for _, ip := range ips {
						conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
						if err == nil {
							return conn, nil
						}
					}
					return nil, fmt.Errorf("failed to dial any resolved IP")
				},
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		userAgent:  "git-pkgs-registry/1.0",
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RemoteStore) blobURL(d Digest) string {
	return s.baseURL + "/blobs/" + string(d)
}

func (s *RemoteStore) Put(ctx context.Context, data []byte) (Digest, error) {
	d := ComputeDigest(data)

	// Idempotence: skip the upload when the service already has the blob.
	if exists, err := s.Exists(ctx, d); err == nil && exists {
		return d, nil
	}

	err := s.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.blobURL(d), bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		s.setHeaders(req)
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK,
			resp.StatusCode == http.StatusCreated,
			resp.StatusCode == http.StatusNoContent:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}
	})
	if err != nil {
		return "", err
	}
	return d, nil
}

func (s *RemoteStore) Get(ctx context.Context, d Digest) ([]byte, error) {
	var data []byte

	err := s.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.blobURL(d), nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		s.setHeaders(req)

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			data, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		default:
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return nil, err
	}

	if ComputeDigest(data) != d {
		return nil, fmt.Errorf("%w: content mismatch for %s", ErrNotFound, d)
	}
	return data, nil
}

func (s *RemoteStore) Exists(ctx context.Context, d Digest) (bool, error) {
	var found bool

	err := s.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.blobURL(d), nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		s.setHeaders(req)

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			found = true
			return nil
		case resp.StatusCode == http.StatusNotFound:
			found = false
			return nil
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		default:
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (s *RemoteStore) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", s.userAgent)
	if s.authFn != nil {
		if name, value := s.authFn(req.URL.String()); name != "" && value != "" {
			req.Header.Set(name, value)
		}
	}
}

// retry runs op with exponential backoff, retrying only transient failures.
func (s *RemoteStore) retry(ctx context.Context, op func() error) error {
	var lastErr error

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with 10% jitter to prevent thundering herd
			delay := s.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(float64(delay) * (rand.Float64() * 0.1))
			delay += jitter

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrUnavailable) {
			continue
		}
		return err
	}

	return lastErr
}
