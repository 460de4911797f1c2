// Package identity authenticates principals and reports sign-in state changes.
package identity

import (
	"context"

	"github.com/and161185/taxi-session/internal/model"
)

// Event is a sign-in state change. A nil Identity means signed out.
type Event struct {
	Identity *model.Identity
}

// SignedIn reports whether the event carries an identity.
func (e Event) SignedIn() bool { return e.Identity != nil }

// Provider is the identity provider.
type Provider interface {
	// SignUp creates an account and signs it in.
	SignUp(ctx context.Context, email, password string) (model.Identity, error)
	// SignIn authenticates with e-mail and password.
	SignIn(ctx context.Context, email, password string) (model.Identity, error)
	// SignOut ends the persisted session.
	SignOut(ctx context.Context) error
	// UpdateProfile changes provider-side display name and photo.
	UpdateProfile(ctx context.Context, uid string, upd model.ProfileUpdate) error
	// Watch delivers the current persisted state first, then every later sign-in and sign-out.
	// The channel is closed when ctx is done.
	Watch(ctx context.Context) <-chan Event
	// Delete removes an account.
	Delete(ctx context.Context, uid string) error
}
