// Package resolver turns an authenticated identity into a SessionState.
package resolver

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/and161185/taxi-session/internal/errs"
	"github.com/and161185/taxi-session/internal/locator"
	"github.com/and161185/taxi-session/internal/merge"
	"github.com/and161185/taxi-session/internal/model"
)

// Mode selects how a missing profile is handled.
type Mode int

const (
	// Strict fails with errs.ErrProfileNotFound when no profile exists (explicit login).
	Strict Mode = iota
	// Lenient falls back to a rider session built from the identity alone (passive restore).
	Lenient
)

func (m Mode) String() string {
	if m == Strict {
		return "strict"
	}
	return "lenient"
}

// Source labels where a resolved state came from.
const (
	SourceRider    = "user"
	SourceDriver   = "driver"
	SourceFallback = "fallback"
)

// Locator finds profile records.
type Locator interface {
	Locate(ctx context.Context, uid string) (locator.Match, error)
}

// Observer is notified of every successful resolution.
type Observer interface {
	Resolved(source string)
}

// Resolver merges the located profile with the identity.
type Resolver struct {
	loc Locator
	obs Observer
	log *zap.Logger
}

// New constructs a Resolver. obs may be nil.
func New(loc Locator, obs Observer, log *zap.Logger) *Resolver {
	return &Resolver{loc: loc, obs: obs, log: log}
}

// Resolve builds the session for id. Locator failures other than a miss propagate in both modes.
func (r *Resolver) Resolve(ctx context.Context, id model.Identity, mode Mode) (*model.SessionState, error) {
	m, err := r.loc.Locate(ctx, id.UID)
	switch {
	case errors.Is(err, errs.ErrNotFound) && mode == Strict:
		return nil, errs.ErrProfileNotFound
	case errors.Is(err, errs.ErrNotFound):
		r.log.Debug("no profile, using identity", zap.String("uid", id.UID))
		s := merge.Merge(id, nil, model.Rider)
		r.observe(SourceFallback)
		return &s, nil
	case err != nil:
		return nil, err
	}

	r.observe(string(m.Collection))
	return FromMatch(id, m), nil
}

// FromMatch merges id with a located record. Driver sessions always carry the record key as id.
func FromMatch(id model.Identity, m locator.Match) *model.SessionState {
	s := merge.Merge(id, m.Profile, m.Collection)
	if m.Collection == model.Driver {
		// Driver records are keyed by a synthetic id; keep it reachable for later writes.
		if _, ok := s.Fields["id"].(string); !ok {
			s.Fields["id"] = m.Key
		}
	}
	return &s
}

func (r *Resolver) observe(source string) {
	if r.obs != nil {
		r.obs.Resolved(source)
	}
}
