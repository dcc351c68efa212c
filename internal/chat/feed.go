package chat

import (
	"context"

	"devstudio/api/internal/realtime"
)

// RedisChangeFeed adapts a realtime.RedisFeed to ChangeFeed.
type RedisChangeFeed struct {
	feed *realtime.RedisFeed
}

func NewRedisChangeFeed(feed *realtime.RedisFeed) *RedisChangeFeed {
	return &RedisChangeFeed{feed: feed}
}

func (f *RedisChangeFeed) Subscribe(ctx context.Context, scope string) (EventStream, error) {
	sub, err := f.feed.Subscribe(ctx, scope)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (f *RedisChangeFeed) Ping(ctx context.Context) error {
	return f.feed.Ping(ctx)
}
