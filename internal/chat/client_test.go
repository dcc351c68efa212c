package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"devstudio/api/internal/store"
)

func TestTwoClientsConvergeAfterClearMine(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	alice, _ := h.client(t, "u1", nil)
	if name, err := alice.ClaimUsername(ctx, "alice"); err != nil || name != "alice" {
		t.Fatalf("claim: %q %v", name, err)
	}
	v1 := openScope(t, alice, ScopeConsole)
	if _, err := alice.Submit(ctx, ScopeConsole, "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	eventually(t, "alice sees her message", func() bool { return len(v1.Messages()) == 1 })

	got := v1.Messages()[0]
	if got.DisplayName != "alice" || got.Body != "hello" || got.Kind != store.KindUser || got.OwnerID != "u1" {
		t.Fatalf("unexpected message %+v", got)
	}

	bob, _ := h.client(t, "u2", nil)
	v2 := openScope(t, bob, ScopeConsole)
	if msgs := v2.Messages(); len(msgs) != 1 || msgs[0].ID != got.ID || msgs[0].DisplayName != "alice" || msgs[0].Body != "hello" {
		t.Fatalf("second client sees %+v, want %+v", msgs, got)
	}

	if n, err := alice.ClearMine(ctx, ScopeConsole); err != nil || n != 1 {
		t.Fatalf("clear mine: %d %v", n, err)
	}
	if len(v1.Messages()) != 0 {
		t.Fatalf("clear mine should empty alice's cache immediately")
	}
	eventually(t, "bob converges", func() bool { return len(v2.Messages()) == 0 })
}

func TestSubmitDoesNotAppendLocally(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	c, _ := h.client(t, "u1", nil)
	if _, err := c.ClaimUsername(ctx, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	v := openScope(t, c, ScopeGeneral)

	h.mem.InsertMessageFn = func(context.Context, store.Message) error { return errBoom }
	_, err := c.Submit(ctx, ScopeGeneral, "lost")
	expectCode(t, err, CodeWriteFailed)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(v.Messages()) != 0 {
		t.Fatalf("failed submit must not reach the cache")
	}
}

func TestSubmitRequiresIdentityNameAndBody(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	anon, _ := h.client(t, "", nil)
	_, err := anon.Submit(ctx, ScopeConsole, "hi")
	expectCode(t, err, CodeNotReady)

	unnamed, _ := h.client(t, "u1", nil)
	_, err = unnamed.Submit(ctx, ScopeConsole, "hi")
	expectCode(t, err, CodeNotReady)

	if _, err := unnamed.ClaimUsername(ctx, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = unnamed.Submit(ctx, ScopeConsole, "  \n\t ")
	expectCode(t, err, CodeNotReady)

	msg, err := unnamed.Submit(ctx, ScopeConsole, "  padded  ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if msg.Body != "padded" {
		t.Fatalf("body should be trimmed, got %q", msg.Body)
	}
	if len(h.mem.rows("console")) != 1 {
		t.Fatalf("expected exactly one stored row")
	}
}

func TestSubmitKeepsDraftOnFailure(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	drafts := newMemDrafts()
	c, _ := h.client(t, "u1", drafts)
	if _, err := c.ClaimUsername(ctx, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	h.mem.InsertMessageFn = func(context.Context, store.Message) error { return errBoom }
	if _, err := c.Submit(ctx, ScopeConsole, "keep me"); err == nil {
		t.Fatalf("expected failure")
	}
	if draft, _ := c.Draft(ctx, ScopeConsole); draft != "keep me" {
		t.Fatalf("draft = %q", draft)
	}

	h.mem.InsertMessageFn = nil
	if _, err := c.Submit(ctx, ScopeConsole, "keep me"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if draft, _ := c.Draft(ctx, ScopeConsole); draft != "" {
		t.Fatalf("draft should be cleared after success, got %q", draft)
	}
}

func TestPostSystemWritesSystemKind(t *testing.T) {
	h := newHarness()
	c, _ := h.client(t, "", nil)
	v := openScope(t, c, ScopeConsole)

	if _, err := c.PostSystem(context.Background(), ScopeConsole, "[INFO] ready"); err != nil {
		t.Fatalf("post system: %v", err)
	}
	eventually(t, "system line", func() bool { return len(v.Messages()) == 1 })
	if got := v.Messages()[0]; got.Kind != store.KindSystem || got.OwnerID != SystemOwner {
		t.Fatalf("unexpected system message %+v", got)
	}
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a, _ := h.client(t, "u1", nil)
	b, _ := h.client(t, "u2", nil)

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Client{a, b} {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			<-start
			_, errs[i] = c.ClaimUsername(ctx, "carol")
		}(i, c)
	}
	close(start)
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestClearEveryoneIsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	c, _ := h.client(t, "u1", nil)
	v := openScope(t, c, ScopeGeneral)

	for i := 0; i < 2; i++ {
		n, err := c.ClearEveryone(ctx, ScopeGeneral)
		if err != nil || n != 0 {
			t.Fatalf("clear %d: %d %v", i, n, err)
		}
	}
	if len(v.Messages()) != 0 || len(h.mem.rows("general")) != 0 {
		t.Fatalf("scope should stay empty")
	}
}

func TestClearEveryoneEmptiesEveryViewer(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	base := time.Now().UTC()
	for i, owner := range []string{"u1", "u2", "u3"} {
		_ = h.mem.InsertMessage(ctx, msgAt("m"+owner, "general", owner, base.Add(time.Duration(i)*time.Second)))
	}
	a, _ := h.client(t, "u1", nil)
	b, _ := h.client(t, "u2", nil)
	va := openScope(t, a, ScopeGeneral)
	vb := openScope(t, b, ScopeGeneral)
	if len(vb.Messages()) != 3 {
		t.Fatalf("initial load = %d", len(vb.Messages()))
	}

	if n, err := a.ClearEveryone(ctx, ScopeGeneral); err != nil || n != 3 {
		t.Fatalf("clear everyone: %d %v", n, err)
	}
	if len(va.Messages()) != 0 {
		t.Fatalf("optimistic clear should empty the cache")
	}
	eventually(t, "other viewer empties", func() bool { return len(vb.Messages()) == 0 })
}

func TestClearFailureLeavesCacheAlone(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.mem.InsertMessage(ctx, msgAt("m1", "general", "u1", time.Now().UTC()))
	c, _ := h.client(t, "u1", nil)
	v := openScope(t, c, ScopeGeneral)

	var attempts int
	h.mem.DeleteMessagesFn = func(context.Context, string) error {
		attempts++
		return errBoom
	}
	_, err := c.ClearMine(ctx, ScopeGeneral)
	expectCode(t, err, CodeWriteFailed)
	_, err = c.ClearEveryone(ctx, ScopeGeneral)
	expectCode(t, err, CodeWriteFailed)

	if attempts != 2 {
		t.Fatalf("deletes must not be retried, got %d attempts", attempts)
	}
	if len(v.Messages()) != 1 {
		t.Fatalf("cache changed after failed delete")
	}
}

func TestClearMineKeepsOthersMessages(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	base := time.Now().UTC()
	_ = h.mem.InsertMessage(ctx, msgAt("m1", "general", "u1", base))
	_ = h.mem.InsertMessage(ctx, msgAt("m2", "general", "u2", base.Add(time.Second)))
	_ = h.mem.InsertMessage(ctx, msgAt("m3", "console", "u1", base))

	c, _ := h.client(t, "u1", nil)
	v := openScope(t, c, ScopeGeneral)
	if _, err := c.ClearMine(ctx, ScopeGeneral); err != nil {
		t.Fatalf("clear mine: %v", err)
	}
	msgs := v.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Fatalf("unexpected cache %+v", msgs)
	}
	if len(h.mem.rows("console")) != 1 {
		t.Fatalf("clear mine leaked into another scope")
	}
}

func TestOpenScopeReplacesPreviousSynchronizer(t *testing.T) {
	h := newHarness()
	c, _ := h.client(t, "u1", nil)
	first := openScope(t, c, ScopeConsole)
	second := openScope(t, c, ScopeConsole)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatalf("first view still open")
	}
	if first.Status().State != StateClosed {
		t.Fatalf("first state = %s", first.Status().State)
	}
	if second.Status().State != StateLive {
		t.Fatalf("second state = %s", second.Status().State)
	}
	eventually(t, "single subscription", func() bool { return h.feed.subscribers("console") == 1 })
}

func TestCloseScopeIsIdempotent(t *testing.T) {
	h := newHarness()
	c, _ := h.client(t, "u1", nil)
	v := openScope(t, c, ScopeConsole)

	c.CloseScope(ScopeConsole)
	c.CloseScope(ScopeConsole)
	if v.Status().State != StateClosed || len(v.Messages()) != 0 {
		t.Fatalf("closed scope should drop its cache")
	}
	if _, ok := c.View(ScopeConsole); ok {
		t.Fatalf("closed scope still registered")
	}
	eventually(t, "subscription released", func() bool { return h.feed.subscribers("console") == 0 })
}

func TestIdentityChangeResetsClient(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	c, session := h.client(t, "u1", nil)
	if _, err := c.ClaimUsername(ctx, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	v := openScope(t, c, ScopeConsole)

	session.SignIn("u2")
	select {
	case <-v.Done():
	case <-time.After(time.Second):
		t.Fatalf("scope should close on identity change")
	}
	_, err := c.Username(ctx)
	if !errors.Is(err, ErrNeedsClaim) {
		t.Fatalf("expected needs claim for new identity, got %v", err)
	}

	session.SignOut()
	_, err = c.Username(ctx)
	expectCode(t, err, CodeNotReady)
}

func TestOpenScopeFailsWhenStoreUnreadable(t *testing.T) {
	h := newHarness()
	h.mem.ListMessagesFn = func(context.Context, string, int) ([]store.Message, error) {
		return nil, errBoom
	}
	c, _ := h.client(t, "u1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.OpenScope(ctx, ScopeConsole)
	expectCode(t, err, CodeReadFailed)
	if _, ok := c.View(ScopeConsole); ok {
		t.Fatalf("failed open should not leave the scope registered")
	}
}

func TestClaimUsernameValidation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	c, _ := h.client(t, "u1", nil)

	for _, name := range []string{"", "   ", strings.Repeat("x", 21), "bad\x07name"} {
		_, err := c.ClaimUsername(ctx, name)
		expectCode(t, err, CodeNotReady)
	}
	if name, err := c.ClaimUsername(ctx, strings.Repeat("é", 20)); err != nil || name != strings.Repeat("é", 20) {
		t.Fatalf("20 runes should be accepted: %q %v", name, err)
	}
}

func TestClientCloseRejectsOpen(t *testing.T) {
	h := newHarness()
	c, _ := h.client(t, "u1", nil)
	v := openScope(t, c, ScopeConsole)
	c.Close()
	c.Close()

	if v.Status().State != StateClosed {
		t.Fatalf("close should close open scopes")
	}
	if _, err := c.OpenScope(context.Background(), ScopeConsole); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubmittedRowMatchesReloadedRow(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	c, _ := h.client(t, "u1", nil)
	if _, err := c.ClaimUsername(ctx, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	v := openScope(t, c, ScopeConsole)

	sent, err := c.Submit(ctx, ScopeConsole, "same everywhere")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sent.CreatedAt.Nanosecond()%1000 != 0 {
		t.Fatalf("createdAt %s is finer than the store keeps", sent.CreatedAt)
	}
	eventually(t, "insert notification", func() bool { return len(v.Messages()) == 1 })

	live := v.Messages()[0]
	stored := h.mem.rows("console")[0]
	if live.ID != stored.ID || !live.CreatedAt.Equal(stored.CreatedAt) {
		t.Fatalf("notified row %s differs from stored row %s", live.CreatedAt, stored.CreatedAt)
	}

	reopened := openScope(t, c, ScopeConsole)
	if got := reopened.Messages(); len(got) != 1 || !got[0].CreatedAt.Equal(live.CreatedAt) {
		t.Fatalf("reloaded row %+v differs from notified row %+v", got, live)
	}
}
