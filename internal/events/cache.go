package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncrp/atmrisk/internal/metrics"
)

// DefaultDeviceCacheTTL bounds how stale a cached device location can be.
const DefaultDeviceCacheTTL = 10 * time.Minute

// cacheClient is the subset of the redis client used by CachedStore.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedStore is a read-through Redis cache in front of the device registry.
// Event stream reads pass straight through to the wrapped store. Redis errors
// never fail a read; the backing store answers instead.
type CachedStore struct {
	Store
	cache  cacheClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore wraps next with a device registry cache.
func NewCachedStore(next Store, client cacheClient, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultDeviceCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{Store: next, cache: client, ttl: ttl, logger: logger}
}

func deviceKey(deviceID string) string {
	return "atmrisk:device:" + deviceID
}

func (s *CachedStore) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	key := deviceKey(deviceID)

	raw, err := s.cache.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var d Device
		if jsonErr := json.Unmarshal(raw, &d); jsonErr == nil {
			metrics.DeviceCacheLookupsTotal.WithLabelValues("hit").Inc()
			return d, nil
		}
		s.logger.Warn("discarding undecodable cached device", "device_id", deviceID)
		metrics.DeviceCacheLookupsTotal.WithLabelValues("error").Inc()
	case errors.Is(err, redis.Nil):
		metrics.DeviceCacheLookupsTotal.WithLabelValues("miss").Inc()
	default:
		s.logger.Warn("device cache read failed", "device_id", deviceID, "error", err)
		metrics.DeviceCacheLookupsTotal.WithLabelValues("error").Inc()
	}

	d, err := s.Store.GetDevice(ctx, deviceID)
	if err != nil {
		return Device{}, err
	}

	data, err := json.Marshal(d)
	if err == nil {
		err = s.cache.Set(ctx, key, data, s.ttl).Err()
	}
	if err != nil {
		s.logger.Warn("device cache write failed", "device_id", deviceID, "error", err)
	}
	return d, nil
}

// Ping reports the backing store's reachability; the cache is optional.
func (s *CachedStore) Ping(ctx context.Context) error {
	if p, ok := s.Store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *CachedStore) Newest(ctx context.Context) (time.Time, bool, error) {
	if nf, ok := s.Store.(NewestFinder); ok {
		return nf.Newest(ctx)
	}
	return time.Time{}, false, nil
}
