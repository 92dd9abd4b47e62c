package pages

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, ttl time.Duration) (*RedisService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisService(rdb, Options{BaseURL: "http://localhost:8080", TTL: ttl}), mr
}

func TestCreateAndGet(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()

	page, err := svc.Create(ctx, "<h1>approve?</h1>")
	require.NoError(t, err)
	assert.NotEmpty(t, page.ID)
	assert.Contains(t, page.URL, "/pages/"+page.ID)

	html, err := svc.Get(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, "<h1>approve?</h1>", html)
}

func TestGetMissing(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	_, err := svc.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateReplacesContent(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()

	page, err := svc.Create(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, svc.Update(ctx, page.ID, "v2"))

	html, err := svc.Get(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", html)
}

func TestUpdateMissing(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	err := svc.Update(context.Background(), "nope", "v2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPagesExpire(t *testing.T) {
	svc, mr := newTestService(t, time.Minute)
	ctx := context.Background()

	page, err := svc.Create(ctx, "ephemeral")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = svc.Get(ctx, page.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := svc.Exists(ctx, page.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
