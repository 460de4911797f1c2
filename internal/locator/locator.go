// Package locator finds the profile record of an identity across the rider and driver collections.
package locator

import (
	"context"
	"fmt"

	"github.com/and161185/taxi-session/internal/errs"
	"github.com/and161185/taxi-session/internal/model"
	"github.com/and161185/taxi-session/internal/treedb"
)

// Match is a located profile with the collection it was found in and its key there.
type Match struct {
	Profile    model.Record
	Collection model.Collection
	Key        string
}

// Path returns the tree path of the matched record.
func (m Match) Path() string { return treedb.Join(m.Collection.Path(), m.Key) }

// Locator reads profiles from the remote tree.
type Locator struct {
	db treedb.DB
}

// New constructs a Locator.
func New(db treedb.DB) *Locator { return &Locator{db: db} }

// Locate looks the uid up as a rider first and as a driver second.
// A uid present in both collections resolves to the rider record.
// It returns errs.ErrNotFound when neither collection has a match.
func (l *Locator) Locate(ctx context.Context, uid string) (Match, error) {
	if uid == "" {
		return Match{}, errs.ErrNotFound
	}

	v, err := l.db.Get(ctx, treedb.Join(model.RidersPath, uid))
	if err != nil {
		return Match{}, fmt.Errorf("locate rider %s: %w", uid, err)
	}
	if rec, ok := treedb.AsRecord(v); ok {
		return Match{Profile: rec, Collection: model.Rider, Key: uid}, nil
	}

	drivers, err := l.db.QueryByChild(ctx, model.DriversPath, model.KeyUID, uid)
	if err != nil {
		return Match{}, fmt.Errorf("locate driver %s: %w", uid, err)
	}
	if len(drivers) == 0 {
		return Match{}, errs.ErrNotFound
	}
	// Several driver records for one uid: the lexicographically first key wins.
	key := treedb.SortedKeys(drivers)[0]
	return Match{Profile: drivers[key], Collection: model.Driver, Key: key}, nil
}
