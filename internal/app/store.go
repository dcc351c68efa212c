package app

import (
	"context"

	"devstudio/api/internal/authpw"
	"devstudio/api/internal/chat"
	"devstudio/api/internal/realtime"
	"devstudio/api/internal/store"
)

type rowStore interface {
	realtime.MessageStore
	chat.ProfileStore
	authpw.AccountStore
	Ping(context.Context) error
}

// ChatStore is the row store with every message write fanned out to the
// realtime feed. Profile and account reads and writes pass straight through.
type ChatStore struct {
	*realtime.PublishingStore
	rows rowStore
}

func NewChatStore(rows rowStore, publisher realtime.Publisher) *ChatStore {
	return &ChatStore{PublishingStore: realtime.NewPublishingStore(rows, publisher), rows: rows}
}

func (s *ChatStore) GetProfile(ctx context.Context, userID string) (store.Profile, error) {
	return s.rows.GetProfile(ctx, userID)
}

func (s *ChatStore) InsertProfile(ctx context.Context, profile store.Profile) error {
	return s.rows.InsertProfile(ctx, profile)
}

func (s *ChatStore) CreateAccount(ctx context.Context, account store.Account) error {
	return s.rows.CreateAccount(ctx, account)
}

func (s *ChatStore) GetAccountByEmail(ctx context.Context, email string) (store.Account, error) {
	return s.rows.GetAccountByEmail(ctx, email)
}

func (s *ChatStore) Ping(ctx context.Context) error {
	return s.rows.Ping(ctx)
}
