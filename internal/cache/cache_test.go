package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/taxi-session/internal/crypto/clientcrypto"
	"github.com/and161185/taxi-session/internal/kv"
	"github.com/and161185/taxi-session/internal/model"
)

func TestSessionCache_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(kv.NewMemory(), zap.NewNop())

	got, err := c.Get(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	s := &model.SessionState{
		UID:      "u2",
		Email:    "ali@example.com",
		FullName: "Ali",
		UserType: model.Driver,
		Fields:   map[string]any{"id": "DR1", "isAvailable": false},
	}
	require.NoError(t, c.Set(ctx, s))

	got, err = c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "u2", got.UID)
	require.Equal(t, "DR1", got.DriverID())
	require.True(t, got.IsDriver())
	require.Equal(t, false, got.Fields["isAvailable"])

	require.NoError(t, c.Clear(ctx))
	got, err = c.Get(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSessionCache_CorruptEntryIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := kv.NewMemory()
	c := New(store, zap.NewNop())

	for _, raw := range []string{"{not json", `{"fullName":"no uid"}`} {
		require.NoError(t, store.Set(ctx, Key, raw))
		got, err := c.Get(ctx)
		require.NoError(t, err)
		require.Nil(t, got)
		_, ok, _ := store.Get(ctx, Key)
		require.False(t, ok)
	}
}

func TestSessionCache_UnopenableSealedEntryIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := kv.NewMemory()
	k1, _ := clientcrypto.Rand(clientcrypto.KeyLen)
	k2, _ := clientcrypto.Rand(clientcrypto.KeyLen)
	s1, _ := kv.NewSealed(inner, k1)
	s2, _ := kv.NewSealed(inner, k2)

	require.NoError(t, New(s1, zap.NewNop()).Set(ctx, &model.SessionState{UID: "u1", UserType: model.Rider}))

	got, err := New(s2, zap.NewNop()).Get(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
	_, ok, _ := inner.Get(ctx, Key)
	require.False(t, ok)
}
