// Package session keeps per-user client state that outlives one request,
// such as unsent message drafts.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDraftTTL = 7 * 24 * time.Hour

// Draft is the stored form of an unsent message.
type Draft struct {
	Body    string    `json:"body"`
	SavedAt time.Time `json:"saved_at"`
}

// RedisStore keeps drafts in Redis, one key per identity and scope.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed draft store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultDraftTTL
	}
	return &RedisStore{
		client: client,
		prefix: "draft:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(identity, scope string) string {
	return s.prefix + identity + ":" + scope
}

// SaveDraft stores body, refreshing the expiry. An empty body clears it.
func (s *RedisStore) SaveDraft(ctx context.Context, identity, scope, body string) error {
	if body == "" {
		return s.ClearDraft(ctx, identity, scope)
	}
	data, err := json.Marshal(Draft{Body: body, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	if err := s.client.Set(ctx, s.key(identity, scope), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// LoadDraft returns the saved body, or "" when none is stored.
func (s *RedisStore) LoadDraft(ctx context.Context, identity, scope string) (string, error) {
	raw, err := s.client.Get(ctx, s.key(identity, scope)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load draft: %w", err)
	}
	var draft Draft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return "", fmt.Errorf("unmarshal draft: %w", err)
	}
	return draft.Body, nil
}

func (s *RedisStore) ClearDraft(ctx context.Context, identity, scope string) error {
	if err := s.client.Del(ctx, s.key(identity, scope)).Err(); err != nil {
		return fmt.Errorf("clear draft: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
