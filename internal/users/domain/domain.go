package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound = errors.New("users: not found")
	ErrEmailTaken   = errors.New("users: email already registered")
)

// User is an account known to the messaging platform. An empty PasswordHash
// means the password is unusable: the account was provisioned and the user
// has not set one yet.
type User struct {
	ID             int64
	Email          string
	Username       string
	FirstName      string
	LastName       string
	Locale         string
	PasswordHash   string
	EmailVerified  bool
	MarketingOptIn bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasUsablePassword reports whether the account can log in with a password.
func (u User) HasUsablePassword() bool { return u.PasswordHash != "" }

// Repository is the persistence boundary for users.
type Repository interface {
	GetByID(ctx context.Context, id int64) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	Create(ctx context.Context, user User) (User, error)
	SetEmailVerified(ctx context.Context, id int64) error
	SetMarketingOptOut(ctx context.Context, id int64) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error

	// EachOptedIn streams verified accounts that accept marketing email,
	// calling fn once per user in id order. Returning an error from fn
	// stops the scan.
	EachOptedIn(ctx context.Context, fn func(User) error) error
}
