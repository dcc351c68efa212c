package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNameTaken     = errors.New("username already taken")
	ErrProfileExists = errors.New("profile already exists")
	ErrEmailTaken    = errors.New("email already registered")
)

const (
	sqlStateUniqueViolation = "23505"

	constraintProfilesPKey     = "profiles_pkey"
	constraintProfilesUsername = "profiles_username_key"
	constraintAccountsEmail    = "accounts_email_key"
)

// uniqueViolation returns the violated constraint name when err is a
// Postgres unique violation.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.SQLState() != sqlStateUniqueViolation {
		return "", false
	}
	return pgErr.ConstraintName, true
}
