package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// BreakerStore wraps a Store with a circuit breaker so a failing backend
// stops being hammered. Only transient failures count against the breaker;
// ErrNotFound is a normal outcome and never trips it.
type BreakerStore struct {
	store   Store
	breaker *circuit.Breaker
}

// NewBreakerStore creates a circuit breaker wrapper for a store.
// The breaker trips after 5 consecutive transient failures and re-closes on
// an exponential backoff schedule.
func NewBreakerStore(s Store) *BreakerStore {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	opts := &circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	}

	return &BreakerStore{
		store:   s,
		breaker: circuit.NewBreakerWithOptions(opts),
	}
}

func (b *BreakerStore) Put(ctx context.Context, data []byte) (Digest, error) {
	var d Digest
	err := b.call(func() error {
		var putErr error
		d, putErr = b.store.Put(ctx, data)
		return putErr
	})
	if err != nil {
		return "", err
	}
	return d, nil
}

func (b *BreakerStore) Get(ctx context.Context, d Digest) ([]byte, error) {
	var data []byte
	err := b.call(func() error {
		var getErr error
		data, getErr = b.store.Get(ctx, d)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *BreakerStore) Exists(ctx context.Context, d Digest) (bool, error) {
	var found bool
	err := b.call(func() error {
		var headErr error
		found, headErr = b.store.Exists(ctx, d)
		return headErr
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// call routes an operation through the breaker. Not-found results pass
// through as successes so lookups of absent blobs cannot open the circuit.
func (b *BreakerStore) call(op func() error) error {
	if !b.breaker.Ready() {
		return fmt.Errorf("circuit breaker open: %w", ErrUnavailable)
	}

	var opErr error
	err := b.breaker.Call(func() error {
		opErr = op()
		if errors.Is(opErr, ErrNotFound) {
			return nil
		}
		return opErr
	}, 0)

	if err != nil {
		return err
	}
	return opErr
}

// Tripped reports whether the breaker is currently open (for health checks).
func (b *BreakerStore) Tripped() bool {
	return b.breaker.Tripped()
}
