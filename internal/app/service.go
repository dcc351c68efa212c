package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"devstudio/api/internal/auth"
	"devstudio/api/internal/authpw"
	"devstudio/api/internal/chat"
	"devstudio/api/internal/config"
	"devstudio/api/internal/search"
	"devstudio/api/internal/store"
	"devstudio/api/internal/util"
)

type Session struct {
	Token     string
	Identity  auth.Identity
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	chat.Store
	authpw.AccountStore
	Ping(context.Context) error
}

type pinger interface {
	Ping(context.Context) error
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

// Service owns one chat.Client per identity so each caller gets its own
// resolver state and scope caches. Clients idle for longer than
// cfg.ClientIdleTTL are closed.
type Service struct {
	cfg      config.Config
	store    dataStore
	feed     chat.ChangeFeed
	drafts   chat.DraftStore
	search   searcher
	accounts *authpw.Service
	idleTTL  time.Duration

	mu      sync.Mutex
	clients map[auth.Identity]*clientEntry
	closed  bool
	done    chan struct{}
}

type clientEntry struct {
	client   *chat.Client
	lastUsed time.Time
	streams  int
}

// New wires the service. drafts and searchSvc may be nil.
func New(cfg config.Config, dataStore dataStore, feed chat.ChangeFeed, drafts chat.DraftStore, searchSvc searcher) *Service {
	idleTTL := cfg.ClientIdleTTL
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		feed:     feed,
		drafts:   drafts,
		search:   searchSvc,
		accounts: authpw.NewService(dataStore),
		idleTTL:  idleTTL,
		clients:  make(map[auth.Identity]*clientEntry),
		done:     make(chan struct{}),
	}
	go s.evictLoop()
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingFeed checks the change feed when it can be pinged.
func (s *Service) PingFeed(ctx context.Context) (bool, error) {
	p, ok := s.feed.(pinger)
	if !ok {
		return false, nil
	}
	return true, p.Ping(ctx)
}

func (s *Service) syncConfig() chat.SyncConfig {
	return chat.SyncConfig{
		ReloadBackoff:    s.cfg.ReloadBackoff,
		ReloadMaxBackoff: s.cfg.ReloadMaxBackoff,
		MaxAttempts:      s.cfg.ReloadMaxAttempts,
	}
}

// SignUp creates an account and signs it in.
func (s *Service) SignUp(ctx context.Context, email, password string) (Session, error) {
	account, err := s.accounts.SignUp(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(auth.Identity(account.ID))
}

// Login checks the credentials and issues a signed token for the
// account's identity.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	account, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(auth.Identity(account.ID))
}

func (s *Service) issueSession(identity auth.Identity) (Session, error) {
	jti := util.NewID("")
	ttl := s.cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token, err := auth.IssueIdentityToken([]byte(s.cfg.TokenSecret), identity, jti, ttl)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		Identity:  identity,
		JTI:       jti,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		Identity:  auth.Identity(claims.Sub),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

func (s *Service) client(identity auth.Identity) (*chat.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entryLocked(identity)
	if err != nil {
		return nil, err
	}
	return e.client, nil
}

// holdStream keeps identity's client from being evicted until release is
// called.
func (s *Service) holdStream(identity auth.Identity) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entryLocked(identity)
	if err != nil {
		return nil, err
	}
	e.streams++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			e.streams--
			e.lastUsed = time.Now()
		})
	}, nil
}

func (s *Service) entryLocked(identity auth.Identity) (*clientEntry, error) {
	if s.closed {
		return nil, chat.ErrClosed
	}
	e, ok := s.clients[identity]
	if !ok {
		session := auth.NewSession()
		session.SignIn(identity)
		e = &clientEntry{
			client: chat.NewClient(session, s.store, s.feed, chat.Options{Sync: s.syncConfig(), Drafts: s.drafts}),
		}
		s.clients[identity] = e
	}
	e.lastUsed = time.Now()
	return e, nil
}

func (s *Service) evictLoop() {
	interval := s.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if n := s.evictIdle(now); n > 0 {
				log.Printf("app: closed %d idle clients", n)
			}
		}
	}
}

// evictIdle closes every client without an open stream whose last use is
// idleTTL or more before now.
func (s *Service) evictIdle(now time.Time) int {
	s.mu.Lock()
	var idle []*chat.Client
	for identity, e := range s.clients {
		if e.streams == 0 && now.Sub(e.lastUsed) >= s.idleTTL {
			idle = append(idle, e.client)
			delete(s.clients, identity)
		}
	}
	s.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	return len(idle)
}

func (s *Service) Username(ctx context.Context, session Session) (string, error) {
	c, err := s.client(session.Identity)
	if err != nil {
		return "", err
	}
	return c.Username(ctx)
}

func (s *Service) ClaimUsername(ctx context.Context, session Session, name string) (string, error) {
	c, err := s.client(session.Identity)
	if err != nil {
		return "", err
	}
	return c.ClaimUsername(ctx, name)
}

// view returns the open cache for scope, opening it on first use.
func (s *Service) view(ctx context.Context, session Session, scope chat.Scope) (*chat.View, error) {
	c, err := s.client(session.Identity)
	if err != nil {
		return nil, err
	}
	if v, ok := c.View(scope); ok {
		return v, nil
	}
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.OpenScope(openCtx, scope)
}

func (s *Service) Snapshot(ctx context.Context, session Session, scope chat.Scope) (map[string]any, error) {
	v, err := s.view(ctx, session, scope)
	if err != nil {
		return nil, err
	}
	return snapshotPayload(v), nil
}

func snapshotPayload(v *chat.View) map[string]any {
	status := v.Status()
	payload := map[string]any{
		"scope":    v.Scope(),
		"messages": v.Messages(),
		"version":  v.Version(),
		"state":    status.State.String(),
		"degraded": status.Degraded(),
	}
	if !status.LastSynced.IsZero() {
		payload["lastSynced"] = status.LastSynced
	}
	return payload
}

func (s *Service) CloseScope(session Session, scope chat.Scope) error {
	c, err := s.client(session.Identity)
	if err != nil {
		return err
	}
	c.CloseScope(scope)
	return nil
}

func (s *Service) Submit(ctx context.Context, session Session, scope chat.Scope, body string) (store.Message, error) {
	c, err := s.client(session.Identity)
	if err != nil {
		return store.Message{}, err
	}
	return c.Submit(ctx, scope, body)
}

func (s *Service) Draft(ctx context.Context, session Session, scope chat.Scope) (string, error) {
	c, err := s.client(session.Identity)
	if err != nil {
		return "", err
	}
	return c.Draft(ctx, scope)
}

// Clear deletes the caller's messages (who=mine) or every message
// (who=everyone) in scope.
func (s *Service) Clear(ctx context.Context, session Session, scope chat.Scope, who string) (int64, error) {
	c, err := s.client(session.Identity)
	if err != nil {
		return 0, err
	}
	switch who {
	case "mine":
		return c.ClearMine(ctx, scope)
	case "everyone":
		return c.ClearEveryone(ctx, scope)
	default:
		return 0, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "who must be mine or everyone", map[string]any{"who": who})
	}
}

func (s *Service) Search(ctx context.Context, session Session, scope chat.Scope, text string, mine bool, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured", nil)
	}
	q := search.Query{Text: strings.TrimSpace(text), Scope: string(scope), Limit: limit, Offset: offset}
	if mine {
		q.OwnerID = string(session.Identity)
	}
	return s.search.Search(ctx, q), nil
}

// Announce posts a system line to scope, e.g. a console startup notice.
func (s *Service) Announce(ctx context.Context, scope chat.Scope, line string) error {
	c := chat.NewClient(auth.NewSession(), s.store, s.feed, chat.Options{Sync: s.syncConfig()})
	defer c.Close()
	_, err := c.PostSystem(ctx, scope, line)
	return err
}

// Close shuts every client and its open scopes. Close is idempotent.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	clients := s.clients
	s.clients = make(map[auth.Identity]*clientEntry)
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	for identity, e := range clients {
		e.client.Close()
		log.Printf("app: closed client for %s", identity)
	}
}
