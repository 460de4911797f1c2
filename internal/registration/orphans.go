package registration

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/taxi-session/internal/blob"
	"github.com/and161185/taxi-session/internal/treedb"
)

// OrphansPath is the tree node listing leftovers of failed registrations.
const OrphansPath = "orphans"

// Orphan describes what a failed registration left behind.
type Orphan struct {
	Key    string
	Role   string
	UID    string   // identity the flow created before the failure
	Blobs  []string // blob paths uploaded before the failure
	Reason string
}

func (o Orphan) record() map[string]any {
	blobs := make([]any, len(o.Blobs))
	for i, b := range o.Blobs {
		blobs[i] = b
	}
	rec := map[string]any{
		"role":      o.Role,
		"blobs":     blobs,
		"reason":    o.Reason,
		"createdAt": treedb.ServerTimestamp,
	}
	if o.UID != "" {
		rec["uid"] = o.UID
	}
	return rec
}

// Ledger records orphans in the tree.
type Ledger struct {
	db  treedb.DB
	log *zap.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(db treedb.DB, log *zap.Logger) *Ledger { return &Ledger{db: db, log: log} }

// Record writes o. A ledger that cannot be written is logged at error level.
func (l *Ledger) Record(ctx context.Context, o Orphan) {
	if o.UID == "" && len(o.Blobs) == 0 {
		return
	}
	path := treedb.Join(OrphansPath, o.Key)
	if err := l.db.Set(ctx, path, o.record()); err != nil {
		l.log.Error("orphan ledger write failed",
			zap.String("key", o.Key), zap.String("uid", o.UID), zap.Strings("blobs", o.Blobs), zap.Error(err))
		return
	}
	l.log.Warn("registration left orphans", zap.String("key", o.Key), zap.String("reason", o.Reason))
}

// IdentityDeleter removes provider identities.
type IdentityDeleter interface {
	Delete(ctx context.Context, uid string) error
}

// Reconciler cleans up what the ledger lists.
type Reconciler struct {
	db       treedb.DB
	blobs    blob.Store
	accounts IdentityDeleter
	log      *zap.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(db treedb.DB, blobs blob.Store, accounts IdentityDeleter, log *zap.Logger) *Reconciler {
	return &Reconciler{db: db, blobs: blobs, accounts: accounts, log: log}
}

// Sweep removes every listed blob and identity, then the ledger entry.
// Entries that fail stay in the ledger for the next sweep. It returns how many were cleared.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	v, err := r.db.Get(ctx, OrphansPath)
	if err != nil {
		return 0, fmt.Errorf("read orphans: %w", err)
	}
	entries, _ := treedb.AsRecord(v)

	var (
		cleared int
		errsAll []error
	)
	for _, key := range treedb.SortedKeys(entries) {
		rec, ok := treedb.AsRecord(entries[key])
		if !ok {
			continue
		}
		if err := r.sweepOne(ctx, key, rec); err != nil {
			r.log.Warn("orphan sweep failed", zap.String("key", key), zap.Error(err))
			errsAll = append(errsAll, fmt.Errorf("%s: %w", key, err))
			continue
		}
		cleared++
	}
	return cleared, errors.Join(errsAll...)
}

func (r *Reconciler) sweepOne(ctx context.Context, key string, rec map[string]any) error {
	for _, b := range stringsOf(rec["blobs"]) {
		if err := r.blobs.Remove(ctx, b); err != nil {
			return fmt.Errorf("remove blob %s: %w", b, err)
		}
	}
	if uid, _ := rec["uid"].(string); uid != "" {
		if err := r.accounts.Delete(ctx, uid); err != nil {
			return fmt.Errorf("delete identity: %w", err)
		}
	}
	if err := r.db.Remove(ctx, treedb.Join(OrphansPath, key)); err != nil {
		return err
	}
	r.log.Info("orphan cleared", zap.String("key", key))
	return nil
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
