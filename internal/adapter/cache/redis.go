package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"
)

const redisKeyPrefix = "docsearch:emb_cache:"

// RedisTier is a SecondTier shared between processes.
type RedisTier struct {
	client rueidis.Client
	ttl    time.Duration
}

func NewRedisTier(addrs []string, password string, ttl time.Duration) (*RedisTier, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  addrs,
		Password:     password,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	return &RedisTier{client: client, ttl: ttl}, nil
}

func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	cmd := r.client.B().Get().Key(redisKeyPrefix + key).Build()
	data, err := r.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ErrTierMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, value []byte) error {
	var cmd rueidis.Completed
	if r.ttl > 0 {
		cmd = r.client.B().Set().Key(redisKeyPrefix + key).Value(string(value)).Ex(r.ttl).Build()
	} else {
		cmd = r.client.B().Set().Key(redisKeyPrefix + key).Value(string(value)).Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisTier) Ping(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisTier) Close() {
	r.client.Close()
}
