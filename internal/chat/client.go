// Package chat keeps per-scope message caches in step with the store and
// carries the operations a signed-in user performs on them.
package chat

import (
	"context"
	"sync"

	"devstudio/api/internal/auth"
	"devstudio/api/internal/store"
)

// IdentitySource supplies the authenticated identity and tells the client
// when it changes.
type IdentitySource interface {
	Current() (auth.Identity, bool)
	OnChange(fn func(auth.Identity)) func()
}

type Store interface {
	ProfileStore
	MessageReader
	MessageWriter
	MessageDeleter
}

type Options struct {
	Sync   SyncConfig
	Drafts DraftStore
}

// Client is the surface the view layer talks to. It owns at most one
// Synchronizer per scope.
type Client struct {
	identities IdentitySource
	rows       MessageReader
	feed       ChangeFeed
	cfg        SyncConfig

	resolver  *Resolver
	composer  *Composer
	moderator *Moderator

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func()

	// openMu serializes open and close so a scope never has two live
	// synchronizers.
	openMu sync.Mutex
	mu     sync.Mutex
	scopes map[Scope]*Synchronizer
	closed bool
}

func NewClient(identities IdentitySource, st Store, feed ChangeFeed, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		identities: identities,
		rows:       st,
		feed:       feed,
		cfg:        opts.Sync,
		resolver:   NewResolver(st),
		ctx:        ctx,
		cancel:     cancel,
		scopes:     make(map[Scope]*Synchronizer),
	}
	c.composer = NewComposer(st, c.resolver, identities, opts.Drafts)
	c.moderator = NewModerator(st, identities, c.synchronizer)
	c.stopWatch = identities.OnChange(func(auth.Identity) {
		c.resolver.Reset()
		c.closeAll()
	})
	return c
}

// View is a read-only handle on an open scope's cache.
type View struct {
	s *Synchronizer
}

func (v *View) Scope() Scope {
	return v.s.Scope()
}

func (v *View) Messages() []store.Message {
	return v.s.Cache().Snapshot()
}

func (v *View) Version() uint64 {
	return v.s.Cache().Version()
}

// Changed is closed on the next cache change.
func (v *View) Changed() <-chan struct{} {
	return v.s.Cache().Changed()
}

func (v *View) Status() Status {
	return v.s.Status()
}

// Done is closed once the scope has been closed.
func (v *View) Done() <-chan struct{} {
	return v.s.done
}

// OpenScope starts synchronizing scope and blocks until the first load is
// live. An already open scope is closed and reopened. If ctx ends before
// the first load succeeds the scope is closed again and a ReadFailed error
// returned.
func (c *Client) OpenScope(ctx context.Context, scope Scope) (*View, error) {
	c.openMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.openMu.Unlock()
		return nil, ErrClosed
	}
	previous := c.scopes[scope]
	delete(c.scopes, scope)
	c.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	s := newSynchronizer(scope, c.rows, c.feed, c.cfg)
	c.mu.Lock()
	c.scopes[scope] = s
	c.mu.Unlock()
	s.start(c.ctx)
	c.openMu.Unlock()

	if err := s.WaitLive(ctx); err != nil {
		c.closeIf(scope, s)
		return nil, err
	}
	return &View{s: s}, nil
}

// View returns the handle of an already open scope.
func (c *Client) View(scope Scope) (*View, bool) {
	s := c.synchronizer(scope)
	if s == nil {
		return nil, false
	}
	return &View{s: s}, true
}

// CloseScope is idempotent.
func (c *Client) CloseScope(scope Scope) {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	c.mu.Lock()
	s := c.scopes[scope]
	delete(c.scopes, scope)
	c.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func (c *Client) Submit(ctx context.Context, scope Scope, body string) (store.Message, error) {
	return c.composer.Submit(ctx, scope, body)
}

func (c *Client) PostSystem(ctx context.Context, scope Scope, body string) (store.Message, error) {
	return c.composer.PostSystem(ctx, scope, body)
}

func (c *Client) Draft(ctx context.Context, scope Scope) (string, error) {
	return c.composer.Draft(ctx, scope)
}

func (c *Client) ClearMine(ctx context.Context, scope Scope) (int64, error) {
	return c.moderator.ClearMine(ctx, scope)
}

func (c *Client) ClearEveryone(ctx context.Context, scope Scope) (int64, error) {
	return c.moderator.ClearEveryone(ctx, scope)
}

func (c *Client) ClaimUsername(ctx context.Context, name string) (string, error) {
	identity, ok := c.identities.Current()
	if !ok {
		return "", chatError(CodeNotReady, "not signed in", nil)
	}
	return c.resolver.Claim(ctx, identity, name)
}

// Username resolves the current identity's name, ErrNeedsClaim if none.
func (c *Client) Username(ctx context.Context) (string, error) {
	identity, ok := c.identities.Current()
	if !ok {
		return "", chatError(CodeNotReady, "not signed in", nil)
	}
	return c.resolver.Resolve(ctx, identity)
}

// Close shuts every open scope and stops watching the identity.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.stopWatch != nil {
		c.stopWatch()
	}
	c.closeAll()
	c.cancel()
}

func (c *Client) synchronizer(scope Scope) *Synchronizer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scopes[scope]
}

func (c *Client) closeIf(scope Scope, s *Synchronizer) {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	c.mu.Lock()
	if c.scopes[scope] == s {
		delete(c.scopes, scope)
	}
	c.mu.Unlock()
	s.Close()
}

func (c *Client) closeAll() {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	c.mu.Lock()
	open := c.scopes
	c.scopes = make(map[Scope]*Synchronizer)
	c.mu.Unlock()
	for _, s := range open {
		s.Close()
	}
}
