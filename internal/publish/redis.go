// Package publish fans worker snapshots out to external consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/h9ctl/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Channel receives every snapshot; Channel+":latest" holds the last one.
	Channel string
	// LatestTTL expires the latest key; 0 keeps it.
	LatestTTL time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:    "127.0.0.1:6379",
		Channel: "h9ctl:state",
	}
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

type RedisSink struct {
	client  redisClient
	channel string
	ttl     time.Duration
}

// NewRedisSink connects and pings once.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisConfig().Channel
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	log.Info().Str("addr", cfg.Addr).Str("channel", cfg.Channel).Msg("publish.RedisSink connected")
	return &RedisSink{client: client, channel: cfg.Channel, ttl: cfg.LatestTTL}, nil
}

func (s *RedisSink) LatestKey() string {
	return s.channel + ":latest"
}

// Publish sends one snapshot to the channel and stores it as latest.
func (s *RedisSink) Publish(ctx context.Context, snap worker.StateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %d: %w", snap.Seq, err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish snapshot %d: %w", snap.Seq, err)
	}
	if err := s.client.Set(ctx, s.LatestKey(), data, s.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", s.LatestKey()).Msg("publish.RedisSink latest not stored")
	}
	return nil
}

// Run forwards snaps until the channel closes or ctx ends. Publish failures
// are logged and the snapshot is skipped.
func (s *RedisSink) Run(ctx context.Context, snaps <-chan worker.StateSnapshot) error {
	defer s.client.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if err := s.Publish(ctx, snap); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn().Err(err).Uint64("seq", snap.Seq).Msg("publish.RedisSink.Run dropped")
			}
		}
	}
}
