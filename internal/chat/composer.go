package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"devstudio/api/internal/auth"
	"devstudio/api/internal/store"
	"devstudio/api/internal/util"
)

const (
	SystemOwner       = "system"
	SystemDisplayName = "system"
)

type MessageWriter interface {
	InsertMessage(ctx context.Context, msg store.Message) error
}

// DraftStore keeps the unsent body per identity and scope.
type DraftStore interface {
	SaveDraft(ctx context.Context, identity, scope, body string) error
	LoadDraft(ctx context.Context, identity, scope string) (string, error)
	ClearDraft(ctx context.Context, identity, scope string) error
}

// Composer validates and writes new messages. It never appends to a
// cache; the message shows up through the insert notification.
type Composer struct {
	writer     MessageWriter
	resolver   *Resolver
	identities IdentitySource
	drafts     DraftStore
	now        func() time.Time
	newID      func() string
}

func NewComposer(writer MessageWriter, resolver *Resolver, identities IdentitySource, drafts DraftStore) *Composer {
	return &Composer{
		writer:     writer,
		resolver:   resolver,
		identities: identities,
		drafts:     drafts,
		now:        storeNow,
		newID:      func() string { return util.NewID("") },
	}
}

// storeNow is the current time at the store's timestamp precision, so the
// row a notification carries equals the row a reload reads back.
func storeNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Submit posts body to scope as the current identity.
func (c *Composer) Submit(ctx context.Context, scope Scope, body string) (store.Message, error) {
	identity, ok := c.identities.Current()
	if !ok || identity == "" {
		return store.Message{}, chatError(CodeNotReady, "not signed in", nil)
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return store.Message{}, chatError(CodeNotReady, "message is empty", nil)
	}
	name, err := c.displayName(ctx, identity)
	if err != nil {
		return store.Message{}, err
	}

	msg := store.Message{
		ID:          c.newID(),
		Scope:       string(scope),
		OwnerID:     string(identity),
		DisplayName: name,
		Body:        trimmed,
		Kind:        store.KindUser,
		CreatedAt:   c.now(),
	}
	if err := c.writer.InsertMessage(ctx, msg); err != nil {
		c.keepDraft(ctx, identity, scope, body)
		return store.Message{}, chatError(CodeWriteFailed, "submit message", err)
	}
	c.dropDraft(ctx, identity, scope)
	return msg, nil
}

// PostSystem writes a kind=system message, e.g. console status lines.
func (c *Composer) PostSystem(ctx context.Context, scope Scope, body string) (store.Message, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return store.Message{}, chatError(CodeNotReady, "message is empty", nil)
	}
	msg := store.Message{
		ID:          c.newID(),
		Scope:       string(scope),
		OwnerID:     SystemOwner,
		DisplayName: SystemDisplayName,
		Body:        trimmed,
		Kind:        store.KindSystem,
		CreatedAt:   c.now(),
	}
	if err := c.writer.InsertMessage(ctx, msg); err != nil {
		return store.Message{}, chatError(CodeWriteFailed, "post system message", err)
	}
	return msg, nil
}

// Draft returns the saved draft for the current identity, or "".
func (c *Composer) Draft(ctx context.Context, scope Scope) (string, error) {
	identity, ok := c.identities.Current()
	if !ok || c.drafts == nil {
		return "", nil
	}
	body, err := c.drafts.LoadDraft(ctx, string(identity), string(scope))
	if err != nil {
		return "", chatError(CodeReadFailed, "load draft", err)
	}
	return body, nil
}

func (c *Composer) displayName(ctx context.Context, identity auth.Identity) (string, error) {
	if name, ok := c.resolver.Cached(identity); ok {
		return name, nil
	}
	name, err := c.resolver.Resolve(ctx, identity)
	if errors.Is(err, ErrNeedsClaim) {
		return "", chatError(CodeNotReady, "claim a username before posting", err)
	}
	return name, err
}

func (c *Composer) keepDraft(ctx context.Context, identity auth.Identity, scope Scope, body string) {
	if c.drafts == nil {
		return
	}
	if err := c.drafts.SaveDraft(context.WithoutCancel(ctx), string(identity), string(scope), body); err != nil {
		log.Printf("compose: save draft for %s: %v", scope, err)
	}
}

func (c *Composer) dropDraft(ctx context.Context, identity auth.Identity, scope Scope) {
	if c.drafts == nil {
		return
	}
	if err := c.drafts.ClearDraft(ctx, string(identity), string(scope)); err != nil {
		log.Printf("compose: clear draft for %s: %v", scope, err)
	}
}
