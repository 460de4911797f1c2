// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/taxi-session/internal/model"
	"github.com/gofrs/uuid/v5"
)

// AccountRepository provides access to self-hosted identity accounts.
type AccountRepository interface {
	// Create inserts a new account. A taken e-mail yields errs.ErrAlreadyExists.
	Create(ctx context.Context, a *model.Account) error
	// GetByID loads an account by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error)
	// GetByEmail loads an account by e-mail.
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
	// UpdateProfile changes display name and/or photo URL.
	UpdateProfile(ctx context.Context, id uuid.UUID, upd model.ProfileUpdate) error
	// Delete removes an account.
	Delete(ctx context.Context, id uuid.UUID) error
}
