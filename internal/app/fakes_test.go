package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"devstudio/api/internal/authpw"
	"devstudio/api/internal/chat"
	"devstudio/api/internal/config"
	"devstudio/api/internal/realtime"
	"devstudio/api/internal/search"
	"devstudio/api/internal/session"
	"devstudio/api/internal/store"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/crypto/bcrypt"
)

type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]store.Profile
	names    map[string]bool
	messages []store.Message
	accounts map[string]store.Account

	pingFn          func(context.Context) error
	insertMessageFn func(context.Context, store.Message) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: make(map[string]store.Profile),
		names:    make(map[string]bool),
		accounts: make(map[string]store.Account),
	}
}

func (f *fakeStore) CreateAccount(_ context.Context, account store.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[account.Email]; ok {
		return store.ErrEmailTaken
	}
	f.accounts[account.Email] = account
	return nil
}

func (f *fakeStore) GetAccountByEmail(_ context.Context, email string) (store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[email]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return account, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetProfile(_ context.Context, userID string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return store.Profile{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) InsertProfile(_ context.Context, p store.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.profiles[p.UserID]; ok {
		return store.ErrProfileExists
	}
	if f.names[p.Username] {
		return store.ErrNameTaken
	}
	f.profiles[p.UserID] = p
	f.names[p.Username] = true
	return nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg store.Message) error {
	if f.insertMessageFn != nil {
		if err := f.insertMessageFn(ctx, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, scope string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Message, 0)
	for _, m := range f.messages {
		if m.Scope == scope {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (f *fakeStore) DeleteMessagesByOwner(_ context.Context, scope, ownerID string) (int64, error) {
	return f.deleteWhere(func(m store.Message) bool { return m.Scope == scope && m.OwnerID == ownerID }), nil
}

func (f *fakeStore) DeleteAllMessages(_ context.Context, scope string) (int64, error) {
	return f.deleteWhere(func(m store.Message) bool { return m.Scope == scope }), nil
}

func (f *fakeStore) deleteWhere(match func(store.Message) bool) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.messages[:0]
	var n int64
	for _, m := range f.messages {
		if match(m) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	f.messages = kept
	return n
}

type fakeSearcher struct {
	last   search.Query
	result search.Response
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) search.Response {
	f.last = q
	resp := f.result
	resp.Query = q.Text
	return resp
}

type testEnv struct {
	server  *HTTPServer
	service *Service
	rows    *fakeStore
	redis   *miniredis.Miniredis

	// identities maps a test user name to the identity its account got
	identities map[string]string
}

const testPassword = "correct-horse"

func newTestEnv(t *testing.T, searchSvc searcher) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	feed, err := realtime.NewRedisFeed("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis feed: %v", err)
	}
	t.Cleanup(func() { _ = feed.Close() })

	rows := newFakeStore()
	cfg := config.Config{
		TokenSecret:       "test-secret",
		TokenTTL:          time.Hour,
		ReloadBackoff:     5 * time.Millisecond,
		ReloadMaxBackoff:  50 * time.Millisecond,
		ReloadMaxAttempts: 3,
	}
	drafts := session.NewRedisStoreWithClient(feed.Client(), time.Hour)
	st := NewChatStore(rows, feed)

	svc := New(cfg, st, chat.NewRedisChangeFeed(feed), drafts, searchSvc)
	svc.accounts = authpw.NewServiceWithCost(st, bcrypt.MinCost)
	t.Cleanup(svc.Close)
	return &testEnv{
		server:     NewHTTPServer(svc, "*"),
		service:    svc,
		rows:       rows,
		redis:      mr,
		identities: make(map[string]string),
	}
}

// login signs name up on first use and signs it in afterwards. It returns
// the bearer token.
func (e *testEnv) login(t *testing.T, name string) string {
	t.Helper()
	path, status := "/api/session/login", http.StatusOK
	if _, ok := e.identities[name]; !ok {
		path, status = "/api/session/signup", http.StatusCreated
	}
	rr := e.do(t, http.MethodPost, path, "", map[string]any{"email": name + "@example.test", "password": testPassword})
	if rr.Code != status {
		t.Fatalf("%s: %d %s", path, rr.Code, rr.Body.String())
	}
	var payload struct {
		Token    string `json:"token"`
		Identity string `json:"identity"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	e.identities[name] = payload.Identity
	return payload.Token
}

func (e *testEnv) identity(name string) string {
	return e.identities[name]
}

func (s *Service) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	if code != "" && payload["code"] != code {
		t.Fatalf("expected code %s, got %v", code, payload["code"])
	}
	return payload
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
