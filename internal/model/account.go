package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Account is a self-hosted identity account.
type Account struct {
	ID          uuid.UUID
	Email       string
	PwdHash     []byte
	Salt        []byte
	DisplayName string
	PhotoURL    string
	Disabled    bool
	CreatedAt   time.Time
}

// Identity returns the externally visible identity of the account.
func (a *Account) Identity() Identity {
	return Identity{
		UID:         a.ID.String(),
		Email:       a.Email,
		DisplayName: a.DisplayName,
		PhotoURL:    a.PhotoURL,
	}
}

// ProfileUpdate carries optional provider profile changes. Nil fields are left as is.
type ProfileUpdate struct {
	DisplayName *string
	PhotoURL    *string
}
