package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/elazharjebbari/alfenna-sub002/internal/users/domain"
)

// Service wraps account operations the messaging flows need.
type Service struct {
	repo domain.Repository
	log  zerolog.Logger
}

func New(repo domain.Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log.With().Str("component", "users").Logger()}
}

func (s *Service) GetByID(ctx context.Context, id int64) (domain.User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	return s.repo.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

// ProvisionForOrder finds or creates the account behind a paid order. A
// created account carries no password; the activation email invites the
// buyer to set one.
func (s *Service) ProvisionForOrder(ctx context.Context, email, firstName, lastName, locale string) (domain.User, bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if existing, err := s.repo.GetByEmail(ctx, email); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		return domain.User{}, false, err
	}

	user := domain.User{
		Email:          email,
		Username:       usernameFromEmail(email),
		FirstName:      firstName,
		LastName:       lastName,
		Locale:         locale,
		MarketingOptIn: true,
	}
	created, err := s.repo.Create(ctx, user)
	if err != nil {
		if errors.Is(err, domain.ErrEmailTaken) {
			// Lost a provisioning race; the winner's row is ours.
			existing, getErr := s.repo.GetByEmail(ctx, email)
			if getErr != nil {
				return domain.User{}, false, getErr
			}
			return existing, false, nil
		}
		return domain.User{}, false, err
	}
	s.log.Info().Int64("user_id", created.ID).Msg("account provisioned")
	return created, true, nil
}

// MarkEmailVerified flips the verification flag.
func (s *Service) MarkEmailVerified(ctx context.Context, id int64) error {
	return s.repo.SetEmailVerified(ctx, id)
}

// OptOutMarketing removes the account from marketing audiences.
func (s *Service) OptOutMarketing(ctx context.Context, id int64) error {
	return s.repo.SetMarketingOptOut(ctx, id)
}

// SetPassword hashes and stores a new password.
func (s *Service) SetPassword(ctx context.Context, id int64, password string) error {
	if len(password) < 8 {
		return fmt.Errorf("users: password too short")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.repo.UpdatePassword(ctx, id, string(hash))
}

// CheckPassword verifies a candidate password against the stored hash.
func (s *Service) CheckPassword(user domain.User, password string) bool {
	if !user.HasUsablePassword() {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

// EachOptedIn exposes the marketing audience stream.
func (s *Service) EachOptedIn(ctx context.Context, fn func(domain.User) error) error {
	return s.repo.EachOptedIn(ctx, fn)
}

func usernameFromEmail(email string) string {
	local := email
	if i := strings.IndexByte(email, '@'); i > 0 {
		local = email[:i]
	}
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return -1
	}, local)
	if cleaned == "" {
		cleaned = "user"
	}
	return cleaned
}
