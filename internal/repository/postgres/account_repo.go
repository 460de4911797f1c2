package postgres

import (
	"context"
	"errors"

	"github.com/and161185/taxi-session/internal/errs"
	"github.com/and161185/taxi-session/internal/model"
	"github.com/and161185/taxi-session/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

var _ repository.AccountRepository = (*AccountRepo)(nil)

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

// Create inserts a new account row.
func (r *AccountRepo) Create(ctx context.Context, a *model.Account) error {
	const q = `
INSERT INTO accounts (id, email, pwd_hash, salt, display_name, photo_url)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q, a.ID, a.Email, a.PwdHash, a.Salt, a.DisplayName, a.PhotoURL)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

const selectAccount = `
SELECT id, email, pwd_hash, salt, display_name, photo_url, disabled, created_at
FROM accounts `

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.Email, &a.PwdHash, &a.Salt, &a.DisplayName, &a.PhotoURL, &a.Disabled, &a.CreatedAt)
	switch {
	case err == nil:
		return &a, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, errs.ErrNotFound
	default:
		return nil, err
	}
}

// GetByID selects an account by ID.
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	return scanAccount(r.db.Pool.QueryRow(ctx, selectAccount+`WHERE id=$1`, id))
}

// GetByEmail selects an account by e-mail.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	return scanAccount(r.db.Pool.QueryRow(ctx, selectAccount+`WHERE email=$1`, email))
}

// UpdateProfile sets display_name and photo_url; nil fields keep their value.
func (r *AccountRepo) UpdateProfile(ctx context.Context, id uuid.UUID, upd model.ProfileUpdate) error {
	const q = `
UPDATE accounts
SET display_name = COALESCE($2, display_name), photo_url = COALESCE($3, photo_url)
WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id, upd.DisplayName, upd.PhotoURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes an account row.
func (r *AccountRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM accounts WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
