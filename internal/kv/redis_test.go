package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	data   map[string]string
	setErr error
}

var _ RedisClient = (*fakeRedis)(nil)

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedis_PrefixedRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fr := &fakeRedis{data: map[string]string{}}
	s := NewRedis(fr)

	_, ok, err := s.Get(ctx, "authToken")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "authToken", "jwt"))
	require.Equal(t, "jwt", fr.data["taxi:authToken"])

	v, ok, err := s.Get(ctx, "authToken")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "jwt", v)

	require.NoError(t, s.Remove(ctx, "authToken"))
	require.Empty(t, fr.data)
}

func TestRedis_Errors(t *testing.T) {
	t.Parallel()
	boom := errors.New("READONLY")
	s := NewRedis(&fakeRedis{data: map[string]string{}, setErr: boom})
	require.ErrorIs(t, s.Set(context.Background(), "k", "v"), boom)
}
