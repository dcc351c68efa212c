package chat

import (
	"context"
	"log"

	"devstudio/api/internal/store"
)

type MessageDeleter interface {
	DeleteMessagesByOwner(ctx context.Context, scope, ownerID string) (int64, error)
	DeleteAllMessages(ctx context.Context, scope string) (int64, error)
}

// Moderator deletes messages and mirrors a successful delete into the
// open cache for the scope without waiting for the reload.
type Moderator struct {
	rows       MessageDeleter
	identities IdentitySource
	lookup     func(Scope) *Synchronizer
}

func NewModerator(rows MessageDeleter, identities IdentitySource, lookup func(Scope) *Synchronizer) *Moderator {
	return &Moderator{rows: rows, identities: identities, lookup: lookup}
}

// ClearMine deletes the current identity's messages in scope.
func (m *Moderator) ClearMine(ctx context.Context, scope Scope) (int64, error) {
	identity, ok := m.identities.Current()
	if !ok || identity == "" {
		return 0, chatError(CodeNotReady, "not signed in", nil)
	}
	owner := string(identity)
	n, err := m.rows.DeleteMessagesByOwner(ctx, string(scope), owner)
	if err != nil {
		return 0, chatError(CodeWriteFailed, "clear own messages", err)
	}
	m.apply(ctx, scope, func(msg store.Message) bool { return msg.OwnerID != owner })
	return n, nil
}

// ClearEveryone deletes every message in scope.
func (m *Moderator) ClearEveryone(ctx context.Context, scope Scope) (int64, error) {
	n, err := m.rows.DeleteAllMessages(ctx, string(scope))
	if err != nil {
		return 0, chatError(CodeWriteFailed, "clear scope", err)
	}
	m.apply(ctx, scope, func(store.Message) bool { return false })
	return n, nil
}

func (m *Moderator) apply(ctx context.Context, scope Scope, keep func(store.Message) bool) {
	if m.lookup == nil {
		return
	}
	s := m.lookup(scope)
	if s == nil {
		return
	}
	if _, err := s.retain(ctx, keep); err != nil && !closedOrCancelled(err) {
		log.Printf("moderation: update cache for %s: %v", scope, err)
	}
}
