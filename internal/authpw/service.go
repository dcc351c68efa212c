// Package authpw provides email/password sign-up and sign-in. A successful
// sign-in yields the account's identity, which is what the chat engine acts as.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"

	"devstudio/api/internal/store"
	"devstudio/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

const MinPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidInput       = errors.New("invalid sign-up input")
)

// AccountStore defines the storage interface for auth
type AccountStore interface {
	GetAccountByEmail(ctx context.Context, email string) (store.Account, error)
	CreateAccount(ctx context.Context, account store.Account) error
}

// Service provides email/password authentication
type Service struct {
	store AccountStore
	cost  int

	dummyOnce sync.Once
	dummyHash []byte
}

func NewService(accounts AccountStore) *Service {
	return NewServiceWithCost(accounts, bcrypt.DefaultCost)
}

// NewServiceWithCost uses the given bcrypt cost; tests pass bcrypt.MinCost.
func NewServiceWithCost(accounts AccountStore, cost int) *Service {
	return &Service{store: accounts, cost: cost}
}

// SignUp creates an account with a freshly minted identity.
func (s *Service) SignUp(ctx context.Context, email, password string) (store.Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return store.Account{}, err
	}
	if len(password) < MinPasswordLength {
		return store.Account{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return store.Account{}, fmt.Errorf("hash password: %w", err)
	}
	account := store.Account{
		ID:           util.NewID("usr"),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return store.Account{}, ErrEmailTaken
		}
		return store.Account{}, fmt.Errorf("create account: %w", err)
	}
	return account, nil
}

// SignIn checks the password and returns the account. Unknown emails and
// wrong passwords are indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.Account, error) {
	email, err := normalizeEmail(email)
	if err != nil || password == "" {
		return store.Account{}, ErrInvalidCredentials
	}

	account, err := s.store.GetAccountByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		// spend the same time as a real comparison
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
		return store.Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("read account: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return store.Account{}, ErrInvalidCredentials
	}
	return account, nil
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), s.cost)
	})
	return s.dummyHash
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	return email, nil
}
