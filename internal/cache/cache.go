// Package cache persists the current session state between runs.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/taxi-session/internal/kv"
	"github.com/and161185/taxi-session/internal/model"
)

// Key is the single cache entry holding the session.
const Key = "currentUser"

// SessionCache stores one SessionState under Key.
type SessionCache struct {
	store kv.Store
	log   *zap.Logger
}

// New constructs a SessionCache.
func New(store kv.Store, log *zap.Logger) *SessionCache {
	return &SessionCache{store: store, log: log}
}

// Get returns the cached session, or nil on a miss.
// An entry that cannot be read back is removed and treated as a miss.
func (c *SessionCache) Get(ctx context.Context) (*model.SessionState, error) {
	raw, ok, err := c.store.Get(ctx, Key)
	if err != nil {
		c.log.Warn("session cache unreadable, dropping", zap.Error(err))
		return nil, c.Clear(ctx)
	}
	if !ok {
		return nil, nil
	}
	var s model.SessionState
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.UID == "" {
		c.log.Warn("session cache corrupt, dropping", zap.Error(err))
		return nil, c.Clear(ctx)
	}
	return &s, nil
}

// Set overwrites the cached session.
func (c *SessionCache) Set(ctx context.Context, s *model.SessionState) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return c.store.Set(ctx, Key, string(b))
}

// Clear removes the cached session.
func (c *SessionCache) Clear(ctx context.Context) error {
	return c.store.Remove(ctx, Key)
}
