package events

import (
	"context"
	"errors"
	"time"

	"github.com/ncrp/atmrisk/internal/metrics"
	"github.com/ncrp/atmrisk/internal/retry"
)

// RetryingStore retries reads that fail with ErrStoreUnavailable. Every other
// error, including ErrDeviceNotFound and context cancellation, is returned
// immediately.
type RetryingStore struct {
	next   Store
	policy retry.Policy
}

// NewRetryingStore wraps next with exponential backoff. attempts counts the
// first call.
func NewRetryingStore(next Store, attempts int, baseDelay time.Duration) *RetryingStore {
	return &RetryingStore{
		next: next,
		policy: retry.Policy{
			Attempts:  attempts,
			BaseDelay: baseDelay,
			MaxDelay:  5 * time.Second,
		},
	}
}

func (s *RetryingStore) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	return withRetry(ctx, s.policy, "get_device", func() (Device, error) {
		return s.next.GetDevice(ctx, deviceID)
	})
}

func (s *RetryingStore) ListDevices(ctx context.Context) ([]Device, error) {
	return withRetry(ctx, s.policy, "list_devices", func() ([]Device, error) {
		return s.next.ListDevices(ctx)
	})
}

func (s *RetryingStore) Transactions(ctx context.Context, deviceID string, r Range) ([]Transaction, error) {
	return withRetry(ctx, s.policy, "transactions", func() ([]Transaction, error) {
		return s.next.Transactions(ctx, deviceID, r)
	})
}

func (s *RetryingStore) Complaints(ctx context.Context, deviceID string, r Range) ([]Complaint, error) {
	return withRetry(ctx, s.policy, "complaints", func() ([]Complaint, error) {
		return s.next.Complaints(ctx, deviceID, r)
	})
}

// Ping is forwarded without retry so health checks report the current state.
func (s *RetryingStore) Ping(ctx context.Context) error {
	if p, ok := s.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *RetryingStore) Newest(ctx context.Context) (time.Time, bool, error) {
	nf, ok := s.next.(NewestFinder)
	if !ok {
		return time.Time{}, false, nil
	}
	var (
		newest time.Time
		found  bool
	)
	err := s.policy.Do(ctx, func() error {
		var err error
		newest, found, err = nf.Newest(ctx)
		return classify(err)
	})
	return newest, found, err
}

func withRetry[T any](ctx context.Context, p retry.Policy, op string, fn func() (T, error)) (T, error) {
	var out T
	p.OnRetry = func(int, error) { metrics.StoreRetriesTotal.WithLabelValues(op).Inc() }
	err := p.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return classify(err)
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func classify(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return retry.Permanent(err)
}
