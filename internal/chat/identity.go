package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"devstudio/api/internal/auth"
	"devstudio/api/internal/store"
)

const MaxUsernameLength = 20

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (store.Profile, error)
	InsertProfile(ctx context.Context, profile store.Profile) error
}

// Resolver maps an identity to its display name. A resolved binding is
// cached until Reset, names are immutable once claimed.
type Resolver struct {
	profiles ProfileStore

	mu       sync.Mutex
	identity auth.Identity
	name     string
}

func NewResolver(profiles ProfileStore) *Resolver {
	return &Resolver{profiles: profiles}
}

// Resolve returns the name bound to identity, or ErrNeedsClaim.
func (r *Resolver) Resolve(ctx context.Context, identity auth.Identity) (string, error) {
	if identity == "" {
		return "", chatError(CodeNotReady, "no identity", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.identity == identity && r.name != "" {
		return r.name, nil
	}
	profile, err := r.profiles.GetProfile(ctx, string(identity))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNeedsClaim
	}
	if err != nil {
		return "", chatError(CodeReadFailed, "resolve username", err)
	}
	r.remember(identity, profile.Username)
	return profile.Username, nil
}

// Cached returns the binding without touching the store.
func (r *Resolver) Cached(identity auth.Identity) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if identity == "" || r.identity != identity || r.name == "" {
		return "", false
	}
	return r.name, true
}

// Claim binds proposed to identity. The store's uniqueness constraint
// decides concurrent claims for the same name.
func (r *Resolver) Claim(ctx context.Context, identity auth.Identity, proposed string) (string, error) {
	if identity == "" {
		return "", chatError(CodeNotReady, "no identity", nil)
	}
	name, err := NormalizeUsername(proposed)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.identity == identity && r.name != "" {
		return "", chatError(CodeConflict, "identity already named "+r.name, nil)
	}
	err = r.profiles.InsertProfile(ctx, store.Profile{UserID: string(identity), Username: name})
	switch {
	case err == nil:
		r.remember(identity, name)
		return name, nil
	case errors.Is(err, store.ErrNameTaken):
		return "", chatError(CodeConflict, "username "+name+" is taken", err)
	case errors.Is(err, store.ErrProfileExists):
		if profile, getErr := r.profiles.GetProfile(ctx, string(identity)); getErr == nil {
			r.remember(identity, profile.Username)
			return "", chatError(CodeConflict, "identity already named "+profile.Username, err)
		}
		return "", chatError(CodeConflict, "identity already named", err)
	default:
		return "", chatError(CodeWriteFailed, "claim username", err)
	}
}

// Reset forgets the cached binding. Called when the identity changes.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = ""
	r.name = ""
}

func (r *Resolver) remember(identity auth.Identity, name string) {
	r.identity = identity
	r.name = name
}

// NormalizeUsername trims proposed and checks it is 1-20 printable runes.
func NormalizeUsername(proposed string) (string, error) {
	name := strings.TrimSpace(proposed)
	n := utf8.RuneCountInString(name)
	if n == 0 {
		return "", chatError(CodeNotReady, "username is empty", nil)
	}
	if n > MaxUsernameLength {
		return "", chatError(CodeNotReady, "username longer than 20 characters", nil)
	}
	if !utf8.ValidString(name) {
		return "", chatError(CodeNotReady, "username is not valid utf-8", nil)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", chatError(CodeNotReady, "username contains control characters", nil)
		}
	}
	return name, nil
}
