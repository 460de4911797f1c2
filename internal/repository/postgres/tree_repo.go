package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/taxi-session/internal/model"
	"github.com/and161185/taxi-session/internal/treedb"
)

// TreeRepo stores the profile tree in tree_nodes, one JSON document per path.
// A Get on a path without its own document returns its direct children.
type TreeRepo struct {
	db  *DB
	now func() time.Time
}

var _ treedb.DB = (*TreeRepo)(nil)

// NewTreeRepo constructs a tree repository.
func NewTreeRepo(db *DB) *TreeRepo { return &TreeRepo{db: db, now: time.Now} }

func splitPath(path string) (full, parent, key string, err error) {
	segs := treedb.Split(path)
	if len(segs) == 0 {
		return "", "", "", errors.New("tree: empty path")
	}
	return treedb.Join(segs...), treedb.Join(segs[:len(segs)-1]...), segs[len(segs)-1], nil
}

// Get returns the document at path, or the map of its children.
func (r *TreeRepo) Get(ctx context.Context, path string) (any, error) {
	full := treedb.Join(path)

	const one = `SELECT value FROM tree_nodes WHERE path=$1`
	var raw []byte
	err := r.db.Pool.QueryRow(ctx, one, full).Scan(&raw)
	switch {
	case err == nil:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("tree: decode %s: %w", full, err)
		}
		return v, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}

	const children = `SELECT key, value FROM tree_nodes WHERE parent=$1 ORDER BY key`
	rows, err := r.db.Pool.Query(ctx, children, full)
	if err != nil {
		return nil, err
	}
	out, err := collect(rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	res := make(map[string]any, len(out))
	for k, rec := range out {
		res[k] = map[string]any(rec)
	}
	return res, nil
}

// Set replaces the document at path and drops anything stored below it.
func (r *TreeRepo) Set(ctx context.Context, path string, value any) (err error) {
	if value == nil {
		return r.Remove(ctx, path)
	}
	full, parent, key, err := splitPath(path)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(treedb.Normalize(value, r.now()))
	if err != nil {
		return fmt.Errorf("tree: encode %s: %w", full, err)
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const del = `DELETE FROM tree_nodes WHERE starts_with(path, $1)`
	if _, err = tx.Exec(ctx, del, full+"/"); err != nil {
		return err
	}
	const ins = `
INSERT INTO tree_nodes (path, parent, key, value) VALUES ($1, $2, $3, $4)
ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value`
	_, err = tx.Exec(ctx, ins, full, parent, key, doc)
	return err
}

// Update merges fields into the document at path; nil fields are deleted.
func (r *TreeRepo) Update(ctx context.Context, path string, fields map[string]any) error {
	full, parent, key, err := splitPath(path)
	if err != nil {
		return err
	}
	set := make(map[string]any, len(fields))
	drop := []string{}
	for k, v := range fields {
		if v == nil {
			drop = append(drop, k)
			continue
		}
		set[k] = v
	}
	doc, err := json.Marshal(treedb.Normalize(set, r.now()))
	if err != nil {
		return fmt.Errorf("tree: encode %s: %w", full, err)
	}

	const q = `
INSERT INTO tree_nodes (path, parent, key, value) VALUES ($1, $2, $3, $4)
ON CONFLICT (path) DO UPDATE SET value = (tree_nodes.value || EXCLUDED.value) - $5::text[]`
	_, err = r.db.Pool.Exec(ctx, q, full, parent, key, doc, drop)
	return err
}

// Remove deletes path and its descendants.
func (r *TreeRepo) Remove(ctx context.Context, path string) error {
	full, _, _, err := splitPath(path)
	if err != nil {
		return err
	}
	const q = `DELETE FROM tree_nodes WHERE path=$1 OR starts_with(path, $2)`
	_, err = r.db.Pool.Exec(ctx, q, full, full+"/")
	return err
}

// QueryByChild filters the children of collection by a top-level JSON field.
func (r *TreeRepo) QueryByChild(ctx context.Context, collection, field string, value any) (map[string]model.Record, error) {
	want, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("tree: encode query value: %w", err)
	}
	const q = `SELECT key, value FROM tree_nodes WHERE parent=$1 AND value->$2 = $3::jsonb ORDER BY key`
	rows, err := r.db.Pool.Query(ctx, q, treedb.Join(collection), field, want)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows pgx.Rows) (map[string]model.Record, error) {
	defer rows.Close()
	out := map[string]model.Record{}
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var rec model.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("tree: decode %s: %w", key, err)
		}
		out[key] = rec
	}
	return out, rows.Err()
}
