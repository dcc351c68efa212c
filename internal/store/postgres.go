package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ImpossibleMessageID never matches a stored row. Bulk deletes are qualified
// with "id <> ImpossibleMessageID" so backends that refuse unqualified
// DELETE statements still accept them.
const ImpossibleMessageID = "00000000-0000-0000-0000-000000000000"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, created_at
		FROM profiles
		WHERE user_id=$1
	`, userID).Scan(&profile.UserID, &profile.Username, &profile.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return profile, nil
}

// InsertProfile claims profile.Username for profile.UserID. The UNIQUE
// constraint on username decides races between identities.
func (s *PostgresStore) InsertProfile(ctx context.Context, profile Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, username)
		VALUES ($1, $2)
	`, profile.UserID, profile.Username)
	if err == nil {
		return nil
	}
	if constraint, ok := uniqueViolation(err); ok {
		switch constraint {
		case constraintProfilesPKey:
			return ErrProfileExists
		default:
			return ErrNameTaken
		}
	}
	return fmt.Errorf("insert profile: %w", err)
}

// CreateAccount stores a new account. Emails are unique.
func (s *PostgresStore) CreateAccount(ctx context.Context, account Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, password_hash)
		VALUES ($1, $2, $3)
	`, account.ID, account.Email, account.PasswordHash)
	if err == nil {
		return nil
	}
	if constraint, ok := uniqueViolation(err); ok && constraint == constraintAccountsEmail {
		return ErrEmailTaken
	}
	return fmt.Errorf("insert account: %w", err)
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	var account Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at
		FROM accounts
		WHERE email=$1
	`, email).Scan(&account.ID, &account.Email, &account.PasswordHash, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("read account: %w", err)
	}
	return account, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	kind := msg.Kind
	if kind == "" {
		kind = KindUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, scope, owner_id, display_name, body, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.Scope, msg.OwnerID, msg.DisplayName, msg.Body, kind, createdAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, scope string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, owner_id, display_name, body, kind, created_at
		FROM messages
		WHERE scope=$1
		ORDER BY created_at ASC, id ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.Scope, &item.OwnerID, &item.DisplayName, &item.Body, &item.Kind, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteMessagesByOwner(ctx context.Context, scope, ownerID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE scope=$1 AND owner_id=$2`, scope, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete own messages: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) DeleteAllMessages(ctx context.Context, scope string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE scope=$1 AND id <> $2`, scope, ImpossibleMessageID)
	if err != nil {
		return 0, fmt.Errorf("delete scope messages: %w", err)
	}
	return rowsAffected(result)
}

func rowsAffected(result sql.Result) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
