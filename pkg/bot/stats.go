package bot

import (
	"context"
	"fmt"
	"time"

	"tgpipe/pkg/config"
	"tgpipe/pkg/ratelimit"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 2 * time.Second

// Stats is the rate limit statistics backend selected by configuration. Store and Reader are
// nil for the "none" backend.
type Stats struct {
	Store  ratelimit.StatsStore
	Reader ratelimit.StatsReader
	close  func() error
}

// Close releases the backend connection, if any.
func (s *Stats) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStats creates the configured backend. The redis backend must answer a ping.
func OpenStats(ctx context.Context, cfg config.StatsConfig) (*Stats, error) {
	switch cfg.Backend {
	case config.StatsBackendNone:
		return &Stats{}, nil
	case "", config.StatsBackendMemory:
		store := ratelimit.NewMemoryStatsStore(ratelimit.WithTrackKeys(cfg.TrackKeys))
		return &Stats{Store: store, Reader: store}, nil
	case config.StatsBackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		_, err := rdb.Ping(pingCtx).Result()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis stats ping %s: %w", cfg.Redis.Addr, err)
		}

		store := ratelimit.NewRedisStatsStore(
			rdb,
			ratelimit.WithStatsPrefix(cfg.Redis.Prefix),
			ratelimit.WithStatsTTL(cfg.Redis.TTL.Std()),
			ratelimit.WithStatsTrackKeys(cfg.TrackKeys),
		)
		return &Stats{Store: store, Reader: store, close: rdb.Close}, nil
	default:
		return nil, fmt.Errorf("unknown stats backend %q", cfg.Backend)
	}
}
