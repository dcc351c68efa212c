package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"devstudio/api/internal/auth"
	"devstudio/api/internal/realtime"
	"devstudio/api/internal/store"
)

// memStore is an in-memory profiles/messages store. The Fn hooks replace
// the default behaviour when set.
type memStore struct {
	mu       sync.Mutex
	profiles map[string]store.Profile
	owners   map[string]string
	messages []store.Message
	lists    int

	ListMessagesFn   func(ctx context.Context, scope string, call int) ([]store.Message, error)
	InsertMessageFn  func(ctx context.Context, msg store.Message) error
	InsertProfileFn  func(ctx context.Context, profile store.Profile) error
	DeleteMessagesFn func(ctx context.Context, scope string) error
	GetProfileCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		profiles: make(map[string]store.Profile),
		owners:   make(map[string]string),
	}
}

func (m *memStore) GetProfile(_ context.Context, userID string) (store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetProfileCalls++
	profile, ok := m.profiles[userID]
	if !ok {
		return store.Profile{}, store.ErrNotFound
	}
	return profile, nil
}

func (m *memStore) InsertProfile(ctx context.Context, profile store.Profile) error {
	if m.InsertProfileFn != nil {
		if err := m.InsertProfileFn(ctx, profile); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[profile.UserID]; ok {
		return store.ErrProfileExists
	}
	if _, ok := m.owners[profile.Username]; ok {
		return store.ErrNameTaken
	}
	profile.CreatedAt = time.Now().UTC()
	m.profiles[profile.UserID] = profile
	m.owners[profile.Username] = profile.UserID
	return nil
}

func (m *memStore) InsertMessage(ctx context.Context, msg store.Message) error {
	if m.InsertMessageFn != nil {
		if err := m.InsertMessageFn(ctx, msg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// timestamptz keeps microseconds
	msg.CreatedAt = msg.CreatedAt.Truncate(time.Microsecond)
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memStore) ListMessages(ctx context.Context, scope string) ([]store.Message, error) {
	m.mu.Lock()
	m.lists++
	call := m.lists
	m.mu.Unlock()
	if m.ListMessagesFn != nil {
		return m.ListMessagesFn(ctx, scope, call)
	}
	return m.rows(scope), nil
}

// rows returns the persisted messages of scope in store order.
func (m *memStore) rows(scope string) []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Message, 0)
	for _, msg := range m.messages {
		if msg.Scope == scope {
			out = append(out, msg)
		}
	}
	sortMessages(out)
	return out
}

func (m *memStore) listCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lists
}

func (m *memStore) DeleteMessagesByOwner(ctx context.Context, scope, ownerID string) (int64, error) {
	return m.deleteWhere(ctx, scope, func(msg store.Message) bool { return msg.OwnerID == ownerID })
}

func (m *memStore) DeleteAllMessages(ctx context.Context, scope string) (int64, error) {
	return m.deleteWhere(ctx, scope, func(msg store.Message) bool { return msg.ID != store.ImpossibleMessageID })
}

func (m *memStore) deleteWhere(ctx context.Context, scope string, match func(store.Message) bool) (int64, error) {
	if m.DeleteMessagesFn != nil {
		if err := m.DeleteMessagesFn(ctx, scope); err != nil {
			return 0, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.messages[:0]
	var n int64
	for _, msg := range m.messages {
		if msg.Scope == scope && match(msg) {
			n++
			continue
		}
		kept = append(kept, msg)
	}
	m.messages = kept
	return n, nil
}

func sortMessages(items []store.Message) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Before(items[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// fakeFeed delivers published events to in-process streams. Every new
// stream starts with EventConnected, as the Redis feed does.
type fakeFeed struct {
	mu          sync.Mutex
	streams     map[string][]*fakeStream
	SubscribeFn func(ctx context.Context, scope string) error
}

type fakeStream struct {
	events chan realtime.Event
	once   sync.Once
	feed   *fakeFeed
	scope  string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{streams: make(map[string][]*fakeStream)}
}

func (f *fakeFeed) Subscribe(ctx context.Context, scope string) (EventStream, error) {
	if f.SubscribeFn != nil {
		if err := f.SubscribeFn(ctx, scope); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st := &fakeStream{events: make(chan realtime.Event, 64), feed: f, scope: scope}
	st.events <- realtime.Event{Kind: realtime.EventConnected, Scope: scope, At: time.Now().UTC()}
	f.streams[scope] = append(f.streams[scope], st)
	return st, nil
}

func (f *fakeFeed) Publish(_ context.Context, ev realtime.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.streams[ev.Scope] {
		st.events <- ev
	}
	return nil
}

// drop ends every stream of scope as a lost connection would.
func (f *fakeFeed) drop(scope string) {
	f.mu.Lock()
	streams := f.streams[scope]
	delete(f.streams, scope)
	f.mu.Unlock()
	for _, st := range streams {
		st.once.Do(func() { close(st.events) })
	}
}

func (f *fakeFeed) subscribers(scope string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[scope])
}

func (s *fakeStream) Events() <-chan realtime.Event {
	return s.events
}

func (s *fakeStream) Close() error {
	s.feed.mu.Lock()
	streams := s.feed.streams[s.scope]
	for i, st := range streams {
		if st == s {
			s.feed.streams[s.scope] = append(streams[:i], streams[i+1:]...)
			break
		}
	}
	s.feed.mu.Unlock()
	return nil
}

// wiredStore publishes through realtime.PublishingStore like production.
type wiredStore struct {
	*realtime.PublishingStore
	mem *memStore
}

func (w wiredStore) GetProfile(ctx context.Context, userID string) (store.Profile, error) {
	return w.mem.GetProfile(ctx, userID)
}

func (w wiredStore) InsertProfile(ctx context.Context, profile store.Profile) error {
	return w.mem.InsertProfile(ctx, profile)
}

type harness struct {
	mem   *memStore
	feed  *fakeFeed
	store wiredStore
}

func newHarness() *harness {
	mem := newMemStore()
	feed := newFakeFeed()
	return &harness{
		mem:   mem,
		feed:  feed,
		store: wiredStore{PublishingStore: realtime.NewPublishingStore(mem, feed), mem: mem},
	}
}

var testSync = SyncConfig{
	ReloadBackoff:    5 * time.Millisecond,
	ReloadMaxBackoff: 20 * time.Millisecond,
	MaxAttempts:      3,
}

func (h *harness) client(t *testing.T, identity auth.Identity, drafts DraftStore) (*Client, *auth.Session) {
	t.Helper()
	session := auth.NewSession()
	if identity != "" {
		session.SignIn(identity)
	}
	c := NewClient(session, h.store, h.feed, Options{Sync: testSync, Drafts: drafts})
	t.Cleanup(c.Close)
	return c, session
}

func openScope(t *testing.T, c *Client, scope Scope) *View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	view, err := c.OpenScope(ctx, scope)
	if err != nil {
		t.Fatalf("open %s: %v", scope, err)
	}
	return view
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectCode(t *testing.T, err error, code Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := CodeOf(err); got != code {
		t.Fatalf("expected %s error, got %v", code, err)
	}
}

type memDrafts struct {
	mu     sync.Mutex
	drafts map[string]string
	SaveFn func() error
}

func newMemDrafts() *memDrafts {
	return &memDrafts{drafts: make(map[string]string)}
}

func (d *memDrafts) SaveDraft(_ context.Context, identity, scope, body string) error {
	if d.SaveFn != nil {
		if err := d.SaveFn(); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drafts[identity+"/"+scope] = body
	return nil
}

func (d *memDrafts) LoadDraft(_ context.Context, identity, scope string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drafts[identity+"/"+scope], nil
}

func (d *memDrafts) ClearDraft(_ context.Context, identity, scope string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.drafts, identity+"/"+scope)
	return nil
}

var errBoom = errors.New("boom")

func msgAt(id, scope, owner string, at time.Time) store.Message {
	return store.Message{ID: id, Scope: scope, OwnerID: owner, DisplayName: owner, Body: "body " + id, Kind: store.KindUser, CreatedAt: at}
}
