package store

import "time"

const (
	KindSystem = "system"
	KindUser   = "user"
)

// Account holds the sign-in credentials of an identity. ID is the
// identity the chat engine sees.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Profile binds an authenticated identity to its display name.
type Profile struct {
	UserID    string
	Username  string
	CreatedAt time.Time
}

// Message is one persisted chat row. Rows are append-only; the only
// mutation after insert is deletion.
type Message struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	OwnerID     string    `json:"ownerId"`
	DisplayName string    `json:"displayName"`
	Body        string    `json:"body"`
	Kind        string    `json:"kind"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Before reports whether m sorts ahead of other: by CreatedAt, ties broken by ID.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
