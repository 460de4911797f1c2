// Package memory contains in-process repository implementations for the -db memory mode.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/taxi-session/internal/errs"
	"github.com/and161185/taxi-session/internal/model"
	"github.com/and161185/taxi-session/internal/repository"
)

// Accounts keeps accounts in a map. Returned accounts are copies.
type Accounts struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*model.Account
}

var _ repository.AccountRepository = (*Accounts)(nil)

// NewAccounts returns an empty repository.
func NewAccounts() *Accounts { return &Accounts{byID: map[uuid.UUID]*model.Account{}} }

func (r *Accounts) Create(_ context.Context, a *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.byID {
		if cur.Email == a.Email {
			return errs.ErrAlreadyExists
		}
	}
	c := *a
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	r.byID[a.ID] = &c
	return nil
}

func (r *Accounts) GetByID(_ context.Context, id uuid.UUID) (*model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (r *Accounts) GetByEmail(_ context.Context, email string) (*model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.byID {
		if a.Email == email {
			c := *a
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *Accounts) UpdateProfile(_ context.Context, id uuid.UUID, upd model.ProfileUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	if upd.DisplayName != nil {
		a.DisplayName = *upd.DisplayName
	}
	if upd.PhotoURL != nil {
		a.PhotoURL = *upd.PhotoURL
	}
	return nil
}

func (r *Accounts) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return errs.ErrNotFound
	}
	delete(r.byID, id)
	return nil
}
