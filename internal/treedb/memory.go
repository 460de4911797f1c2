package treedb

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/and161185/taxi-session/internal/model"
)

// Memory is an in-process DB. Values are deep-copied on the way in and out.
type Memory struct {
	mu   sync.RWMutex
	root map[string]any
	now  func() time.Time
}

var _ DB = (*Memory)(nil)

// NewMemory returns an empty in-memory tree.
func NewMemory() *Memory {
	return &Memory{root: map[string]any{}, now: time.Now}
}

// Get returns a copy of the value at path.
func (m *Memory) Get(_ context.Context, path string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.lookup(Split(path))
	if !ok {
		return nil, nil
	}
	return Normalize(v, m.now()), nil
}

// Set replaces the value at path.
func (m *Memory) Set(_ context.Context, path string, value any) error {
	segs := Split(path)
	if len(segs) == 0 {
		return errors.New("treedb: empty path")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if value == nil {
		m.remove(segs)
		return nil
	}
	parent := m.ensure(segs[:len(segs)-1])
	parent[segs[len(segs)-1]] = Normalize(value, m.now())
	return nil
}

// Update merges fields into the object at path.
func (m *Memory) Update(_ context.Context, path string, fields map[string]any) error {
	segs := Split(path)
	if len(segs) == 0 {
		return errors.New("treedb: empty path")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.ensure(segs)
	now := m.now()
	for k, v := range fields {
		if v == nil {
			delete(node, k)
			continue
		}
		node[k] = Normalize(v, now)
	}
	return nil
}

// Remove deletes path.
func (m *Memory) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(Split(path))
	return nil
}

// QueryByChild scans the children of collection for field == value.
func (m *Memory) QueryByChild(_ context.Context, collection, field string, value any) (map[string]model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := map[string]model.Record{}
	v, ok := m.lookup(Split(collection))
	if !ok {
		return out, nil
	}
	children, ok := v.(map[string]any)
	if !ok {
		return out, nil
	}
	now := m.now()
	for key, child := range children {
		rec, ok := child.(map[string]any)
		if !ok {
			continue
		}
		if got, ok := rec[field]; ok && reflect.DeepEqual(got, value) {
			out[key] = model.Record(normalizeMap(rec, now))
		}
	}
	return out, nil
}

func (m *Memory) lookup(segs []string) (any, bool) {
	var cur any = m.root
	for _, s := range segs {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (m *Memory) ensure(segs []string) map[string]any {
	node := m.root
	for _, s := range segs {
		next, ok := node[s].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[s] = next
		}
		node = next
	}
	return node
}

func (m *Memory) remove(segs []string) {
	if len(segs) == 0 {
		m.root = map[string]any{}
		return
	}
	v, ok := m.lookup(segs[:len(segs)-1])
	if !ok {
		return
	}
	if parent, ok := v.(map[string]any); ok {
		delete(parent, segs[len(segs)-1])
	}
}
