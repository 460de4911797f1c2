// Package treedb defines the remote tree-structured key-value database used for profile records.
package treedb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/and161185/taxi-session/internal/model"
)

// DB is a tree of JSON values addressed by slash-separated paths.
type DB interface {
	// Get returns the value at path, or nil when nothing is stored there.
	Get(ctx context.Context, path string) (any, error)
	// Set replaces the value at path. A nil value removes it.
	Set(ctx context.Context, path string, value any) error
	// Update merges fields into the object at path, creating it when missing.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Remove deletes path and everything below it.
	Remove(ctx context.Context, path string) error
	// QueryByChild returns the children of collection whose field equals value, keyed by child key.
	QueryByChild(ctx context.Context, collection, field string, value any) (map[string]model.Record, error)
}

type serverTimestamp struct{}

// ServerTimestamp is replaced by the write time (Unix milliseconds) when stored.
var ServerTimestamp any = serverTimestamp{}

// Join builds a path from segments.
func Join(parts ...string) string {
	return strings.Join(Split(strings.Join(parts, "/")), "/")
}

// Split returns the non-empty segments of path.
func Split(path string) []string {
	raw := strings.Split(path, "/")
	out := raw[:0]
	for _, p := range raw {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SortedKeys returns the keys of m in lexicographic order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalize deep-copies v into plain JSON-shaped values and resolves ServerTimestamp against now.
func Normalize(v any, now time.Time) any {
	switch t := v.(type) {
	case serverTimestamp:
		return now.UnixMilli()
	case model.Record:
		return normalizeMap(t, now)
	case map[string]any:
		return normalizeMap(t, now)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e, now)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[k] = Normalize(e, now)
	}
	return out
}

// AsRecord converts a stored value to a Record when it is an object.
func AsRecord(v any) (model.Record, bool) {
	switch t := v.(type) {
	case model.Record:
		return t, true
	case map[string]any:
		return model.Record(t), true
	}
	return nil, false
}
