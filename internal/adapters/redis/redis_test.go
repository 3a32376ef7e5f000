package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease_AcquireAndRelease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lease := NewLease(db)
	lease.newToken = func() string { return "tok-1" }
	ctx := context.Background()

	mock.ExpectSetNX("cleanup", "tok-1", time.Minute).SetVal(true)
	mock.ExpectEvalSha(releaseScript.Hash(), []string{"cleanup"}, "tok-1").SetVal(int64(1))

	token, ok, err := lease.TryAcquire(ctx, "cleanup", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok-1", token)

	require.NoError(t, lease.Release(ctx, "cleanup", token))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLease_HeldElsewhere(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lease := NewLease(db)
	lease.newToken = func() string { return "tok-2" }

	mock.ExpectSetNX("cleanup", "tok-2", time.Minute).SetVal(false)

	_, ok, err := lease.TryAcquire(context.Background(), "cleanup", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotency_ClaimStoreReplay(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewIdempotency(db)
	ctx := context.Background()

	resp := IdempResponse{Status: 201, ContentType: "application/json", Result: []byte(`{"id":"r1"}`)}
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	mock.ExpectGet("idemp:k1").RedisNil()
	mock.ExpectSetNX("idemp:k1", "inflight", time.Hour).SetVal(true)
	mock.ExpectGet("idemp:k1").SetVal("inflight")
	mock.ExpectSet("idemp:k1", string(data), time.Hour).SetVal("OK")
	mock.ExpectGet("idemp:k1").SetVal(string(data))

	got, inflight, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, inflight)

	claimed, err := store.Claim(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)

	_, inflight, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, inflight)

	require.NoError(t, store.Set(ctx, "k1", resp, time.Hour))

	got, _, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, &resp, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_IncrWindowAndJSON(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := NewCache(db)
	ctx := context.Background()

	mock.ExpectIncr("rl:ip:1").SetVal(3)
	mock.ExpectExpireNX("rl:ip:1", time.Minute).SetVal(false)
	mock.ExpectSet("tz:exp", `"Europe/Lisbon"`, time.Hour).SetVal("OK")
	mock.ExpectGet("tz:exp").SetVal(`"Europe/Lisbon"`)
	mock.ExpectGet("tz:missing").RedisNil()

	n, err := cache.IncrWindow(ctx, "rl:ip:1", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	require.NoError(t, cache.SetJSON(ctx, "tz:exp", "Europe/Lisbon", time.Hour))

	var tz string
	hit, err := cache.GetJSON(ctx, "tz:exp", &tz)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "Europe/Lisbon", tz)

	hit, err = cache.GetJSON(ctx, "tz:missing", &tz)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, mock.ExpectationsWereMet())
}
