package realtime

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	minReceiveBackoff = 50 * time.Millisecond
	maxReceiveBackoff = 5 * time.Second
)

// RedisFeed publishes and subscribes to scope change events.
type RedisFeed struct {
	client *redis.Client
}

// NewRedisFeed connects to redisURL and verifies the connection.
func NewRedisFeed(redisURL string) (*RedisFeed, error) {
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

	return &RedisFeed{client: client}, nil
}

// NewRedisFeedWithClient creates a feed from an existing Redis client.
func NewRedisFeedWithClient(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

// Client exposes the underlying connection so other Redis-backed stores can share it.
func (f *RedisFeed) Client() *redis.Client {
	return f.client
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}

func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Publish sends ev to every subscriber of ev.Scope.
func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.Scope) == "" {
		return fmt.Errorf("publish event: empty scope")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, channelFor(ev.Scope), data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe listens for events on one scope until the subscription is
// closed or ctx is cancelled.
func (f *RedisFeed) Subscribe(ctx context.Context, scope string) (*Subscription, error) {
	if strings.TrimSpace(scope) == "" {
		return nil, fmt.Errorf("subscribe: empty scope")
	}
	pubsub := f.client.Subscribe(ctx, channelFor(scope))
	return startSubscription(ctx, pubsub, scope), nil
}

// SubscribeAll listens for events on every scope.
func (f *RedisFeed) SubscribeAll(ctx context.Context) (*Subscription, error) {
	pubsub := f.client.PSubscribe(ctx, channelPrefix+"*")
	return startSubscription(ctx, pubsub, ""), nil
}

// Subscription delivers events in arrival order on Events. The channel is
// closed once the subscription stops.
type Subscription struct {
	scope     string
	pubsub    *redis.PubSub
	events    chan Event
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func startSubscription(parent context.Context, pubsub *redis.PubSub, scope string) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	sub := &Subscription{
		scope:  scope,
		pubsub: pubsub,
		events: make(chan Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.run(ctx)
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close stops the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.pubsub.Close()
	})
	<-s.done
	return s.closeErr
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	backoff := minReceiveBackoff
	for {
		msg, err := s.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// The next Receive redials and resubscribes; the server's
			// confirmation then surfaces as EventConnected.
			log.Printf("realtime: receive %s: %v", s.label(), err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxReceiveBackoff)
			continue
		}
		backoff = minReceiveBackoff

		var ev Event
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" && m.Kind != "psubscribe" {
				continue
			}
			ev = Event{Kind: EventConnected, Scope: s.scope, At: time.Now().UTC()}
		case *redis.Message:
			decoded, err := decodeEvent(m.Payload)
			if err != nil {
				log.Printf("realtime: drop malformed event on %s: %v", m.Channel, err)
				continue
			}
			ev = decoded
		default:
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscription) label() string {
	if s.scope == "" {
		return "all scopes"
	}
	return "scope " + s.scope
}
