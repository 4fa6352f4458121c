package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elazharjebbari/alfenna-sub002/internal/users/domain"
)

type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.Repository = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const userColumns = `id, email, username, first_name, last_name, locale,
	password_hash, email_verified, marketing_opt_in, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID, &u.Email, &u.Username, &u.FirstName, &u.LastName, &u.Locale,
		&u.PasswordHash, &u.EmailVerified, &u.MarketingOptIn, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, err
}

func (p *Postgres) GetByID(ctx context.Context, id int64) (domain.User, error) {
	return scanUser(p.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(p.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (p *Postgres) Create(ctx context.Context, user domain.User) (domain.User, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO users (email, username, first_name, last_name, locale,
			password_hash, email_verified, marketing_opt_in)
		VALUES (lower($1), $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+userColumns,
		user.Email, user.Username, user.FirstName, user.LastName, user.Locale,
		user.PasswordHash, user.EmailVerified, user.MarketingOptIn)
	created, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "email") {
			return domain.User{}, domain.ErrEmailTaken
		}
		return domain.User{}, err
	}
	return created, nil
}

func (p *Postgres) SetEmailVerified(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE users SET email_verified = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (p *Postgres) SetMarketingOptOut(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE users SET marketing_opt_in = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (p *Postgres) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		id, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (p *Postgres) EachOptedIn(ctx context.Context, fn func(domain.User) error) error {
	rows, err := p.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE email_verified = true AND marketing_opt_in = true
		ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
	}
	return rows.Err()
}
