package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisMedium keeps profile-wide local storage in a single Redis hash.
type RedisMedium struct {
	client *redis.Client
	key    string
}

func NewRedisMedium(client *redis.Client, profile string) *RedisMedium {
	return &RedisMedium{
		client: client,
		key:    fmt.Sprintf("portal:%s:local", profile),
	}
}

func (m *RedisMedium) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := m.client.HGet(ctx, m.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s: %w", key, err)
	}
	return value, true, nil
}

func (m *RedisMedium) Set(ctx context.Context, key string, value string) error {
	if err := m.client.HSet(ctx, m.key, key, value).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (m *RedisMedium) Remove(ctx context.Context, key string) error {
	if err := m.client.HDel(ctx, m.key, key).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}

func (m *RedisMedium) Keys(ctx context.Context) ([]string, error) {
	keys, err := m.client.HKeys(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *RedisMedium) Clear(ctx context.Context) error {
	if err := m.client.Del(ctx, m.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", m.key, err)
	}
	return nil
}
