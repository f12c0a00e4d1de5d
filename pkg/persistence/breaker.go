package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerStore wraps another store with a circuit breaker so a failing
// backend (an unreachable Redis, a full disk) stops being hammered on
// every learning cycle. While the breaker is open, Save and Load fail fast
// with gobreaker.ErrOpenState.
type BreakerStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps inner. The breaker opens after five consecutive
// failures and probes again after 30 seconds.
func NewBreakerStore(name string, inner Store) *BreakerStore {
	return &BreakerStore{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (b *BreakerStore) Save(ctx context.Context, snap *Snapshot) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.inner.Save(ctx, snap)
	})
	return err
}

func (b *BreakerStore) Load(ctx context.Context) (*Snapshot, error) {
	// An empty store is a normal outcome, not a backend failure; it must
	// not feed the breaker's failure counter.
	result, err := b.breaker.Execute(func() (interface{}, error) {
		snap, err := b.inner.Load(ctx)
		if errors.Is(err, ErrNotFound) {
			return (*Snapshot)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	snap := result.(*Snapshot)
	if snap == nil {
		return nil, ErrNotFound
	}
	return snap, nil
}

// State exposes the breaker state for health reporting.
func (b *BreakerStore) State() gobreaker.State {
	return b.breaker.State()
}
