package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"devstudio/api/internal/realtime"
	"devstudio/api/internal/store"
)

type State int

const (
	StateClosed State = iota
	StateLoading
	StateLive
	StateReloading
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateReloading:
		return "reloading"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is what the view shows about a scope. Err is set once reloads
// have failed MaxAttempts times in a row and cleared by the next success.
type Status struct {
	State          State
	Err            error
	FailedAttempts int
	LastSynced     time.Time
}

// Degraded reports whether the scope is showing possibly stale data
// after repeated reload failures.
func (s Status) Degraded() bool {
	return s.Err != nil
}

type SyncConfig struct {
	ReloadBackoff    time.Duration
	ReloadMaxBackoff time.Duration
	MaxAttempts      int
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.ReloadBackoff <= 0 {
		c.ReloadBackoff = 250 * time.Millisecond
	}
	if c.ReloadMaxBackoff < c.ReloadBackoff {
		c.ReloadMaxBackoff = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

func (c SyncConfig) backoff(attempt int) time.Duration {
	d := c.ReloadBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.ReloadMaxBackoff {
			return c.ReloadMaxBackoff
		}
	}
	return d
}

type MessageReader interface {
	ListMessages(ctx context.Context, scope string) ([]store.Message, error)
}

// EventStream is one live push subscription.
type EventStream interface {
	Events() <-chan realtime.Event
	Close() error
}

type ChangeFeed interface {
	Subscribe(ctx context.Context, scope string) (EventStream, error)
}

type reloadResult struct {
	items []store.Message
	err   error
	gen   uint64
}

type mutation struct {
	keep func(store.Message) bool
	at   time.Time
	done chan int
}

// hides reports whether msg is one the mutation already removed: rejected
// by keep and created no later than the mutation.
func (m mutation) hides(msg store.Message) bool {
	return !msg.CreatedAt.After(m.at) && !m.keep(msg)
}

// Synchronizer keeps one scope's Cache equal to the store. It owns a
// background task bound to the scope's lifetime: the task holds the push
// subscription, applies notifications strictly in arrival order and runs
// at most one full reload at a time.
type Synchronizer struct {
	scope Scope
	rows  MessageReader
	feed  ChangeFeed
	cfg   SyncConfig
	cache *Cache

	mu     sync.Mutex
	status Status

	mutations chan mutation
	live      chan struct{}
	liveOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newSynchronizer(scope Scope, rows MessageReader, feed ChangeFeed, cfg SyncConfig) *Synchronizer {
	return &Synchronizer{
		scope:     scope,
		rows:      rows,
		feed:      feed,
		cfg:       cfg.withDefaults(),
		cache:     newCache(scope),
		status:    Status{State: StateClosed},
		mutations: make(chan mutation),
		live:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// start moves Closed -> Loading and launches the background task.
func (s *Synchronizer) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.setState(StateLoading)
	go s.run(ctx)
}

func (s *Synchronizer) Scope() Scope {
	return s.scope
}

func (s *Synchronizer) Cache() *Cache {
	return s.cache
}

func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// WaitLive blocks until the first full load has been applied.
func (s *Synchronizer) WaitLive(ctx context.Context) error {
	select {
	case <-s.live:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		if err := s.Status().Err; err != nil {
			return chatError(CodeReadFailed, "initial load of "+string(s.scope), err)
		}
		return chatError(CodeReadFailed, "initial load of "+string(s.scope), ctx.Err())
	}
}

// Close stops the background task, drops the subscription and discards the
// cache. A reload still in flight is cancelled and its result ignored.
// Close is idempotent.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.cache.clear()
		s.setState(StateClosed)
	})
}

// retain applies an optimistic removal on the task goroutine and returns
// the number of cached messages it dropped.
func (s *Synchronizer) retain(ctx context.Context, keep func(store.Message) bool) (int, error) {
	m := mutation{keep: keep, at: time.Now().UTC(), done: make(chan int, 1)}
	select {
	case s.mutations <- m:
	case <-s.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-m.done:
		return n, nil
	case <-s.done:
		return 0, ErrClosed
	}
}

func (s *Synchronizer) run(ctx context.Context) {
	defer close(s.done)

	var (
		stream      EventStream
		events      <-chan realtime.Event
		resubscribe <-chan time.Time
		subFailures int

		reloading bool
		queued    bool
		retry     <-chan time.Time
		attempts  int
		gen       uint64
		pending   []store.Message
		// removals applied since the last reload; a late insert event
		// for a removed row must not bring it back
		removals  []mutation
	)
	results := make(chan reloadResult)

	defer func() {
		if stream != nil {
			_ = stream.Close()
		}
	}()

	startReload := func() {
		reloading = true
		queued = false
		if s.isLive() {
			s.setState(StateReloading)
		}
		startedGen := gen
		go func() {
			items, err := s.rows.ListMessages(ctx, string(s.scope))
			select {
			case results <- reloadResult{items: items, err: err, gen: startedGen}:
			case <-ctx.Done():
			}
		}()
	}

	requestReload := func() {
		switch {
		case reloading:
			queued = true
		case retry != nil:
			// the pending retry reads everything anyway
		default:
			startReload()
		}
	}

	subscribe := func() {
		sub, err := s.feed.Subscribe(ctx, string(s.scope))
		if err != nil {
			subFailures++
			log.Printf("sync: subscribe %s: %v", s.scope, err)
			resubscribe = time.After(s.cfg.backoff(subFailures))
			return
		}
		subFailures = 0
		stream = sub
		events = sub.Events()
	}

	startReload()

	for {
		select {
		case <-ctx.Done():
			return

		case r := <-results:
			reloading = false
			if r.err != nil {
				if ctx.Err() != nil {
					return
				}
				attempts++
				s.recordFailure(r.err, attempts)
				log.Printf("sync: reload %s failed (attempt %d): %v", s.scope, attempts, r.err)
				retry = time.After(s.cfg.backoff(attempts))
				continue
			}
			if r.gen != gen {
				// An optimistic removal landed while this read was in
				// flight; applying it could resurrect removed rows.
				startReload()
				continue
			}
			attempts = 0
			s.cache.replace(append(r.items, pending...))
			pending = nil
			removals = nil
			s.markLive()
			if stream == nil && resubscribe == nil {
				subscribe()
			}
			if queued {
				startReload()
			}

		case <-retry:
			retry = nil
			startReload()

		case <-resubscribe:
			resubscribe = nil
			subscribe()

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				log.Printf("sync: subscription for %s ended, resubscribing", s.scope)
				_ = stream.Close()
				stream = nil
				events = nil
				subFailures++
				resubscribe = time.After(s.cfg.backoff(subFailures))
				continue
			}
			switch ev.Kind {
			case realtime.EventInsert:
				if ev.Message == nil || ev.Message.Scope != string(s.scope) {
					continue
				}
				if removed(removals, *ev.Message) {
					continue
				}
				s.cache.insert(*ev.Message)
				if reloading {
					pending = append(pending, *ev.Message)
				}
			case realtime.EventDelete, realtime.EventConnected:
				requestReload()
			}

		case m := <-s.mutations:
			gen++
			n := s.cache.retain(m.keep)
			kept := pending[:0]
			for _, item := range pending {
				if m.keep(item) {
					kept = append(kept, item)
				}
			}
			pending = kept
			removals = append(removals, m)
			m.done <- n
		}
	}
}

func removed(removals []mutation, msg store.Message) bool {
	for _, m := range removals {
		if m.hides(msg) {
			return true
		}
	}
	return false
}

func (s *Synchronizer) isLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.State == StateLive || s.status.State == StateReloading
}

func (s *Synchronizer) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
}

func (s *Synchronizer) markLive() {
	s.mu.Lock()
	s.status = Status{State: StateLive, LastSynced: time.Now().UTC()}
	s.mu.Unlock()
	s.liveOnce.Do(func() { close(s.live) })
}

func (s *Synchronizer) recordFailure(err error, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.FailedAttempts = attempts
	if attempts >= s.cfg.MaxAttempts {
		s.status.Err = chatError(CodeReadFailed, fmt.Sprintf("reload %s failed %d times", s.scope, attempts), err)
	}
}

// closedOrCancelled reports whether err came from shutting the scope down.
func closedOrCancelled(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled)
}
