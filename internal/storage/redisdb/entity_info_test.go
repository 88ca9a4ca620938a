package redisdb_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spid-oidc/go-rp/internal/storage/redisdb"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

// fakeRedis implements redisdb.Cmdable over a plain map.
type fakeRedis struct {
	data map[string][]byte
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		data: map[string][]byte{},
		ttls: map[string]time.Duration{},
	}
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.data[key] = value.([]byte)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	data, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(data), nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(f.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestEntityInfoManager(t *testing.T) {
	// Given.
	client := newFakeRedis()
	manager := redisdb.NewEntityInfoManager(client)
	info := &oidf.CachedEntityInfo{
		Subject:   "https://op.example",
		Issuer:    "https://op.example",
		ExpiresAt: int(time.Now().Unix()) + 3600,
		JWT:       "eyJh.eyJi.c2ln",
	}

	// When.
	require.Nil(t, manager.Save(context.Background(), info))

	// Then the entry lives until the statement expires.
	require.Len(t, client.data, 1)
	for key := range client.ttls {
		assert.Greater(t, client.ttls[key], time.Duration(0))
		assert.LessOrEqual(t, client.ttls[key], time.Hour)
	}

	cached, err := manager.Info(context.Background(), info.Subject, info.Issuer)
	require.Nil(t, err)
	assert.Equal(t, info.JWT, cached.JWT)
	assert.NotZero(t, cached.ModifiedAt)

	// When invalidated the entry is gone.
	require.Nil(t, manager.Invalidate(context.Background(), info.Subject, info.Issuer))
	_, err = manager.Info(context.Background(), info.Subject, info.Issuer)
	assert.ErrorIs(t, err, oidf.ErrNotFound)
}

func TestEntityInfoManagerRefusesExpiredStatements(t *testing.T) {
	// Given.
	client := newFakeRedis()
	manager := redisdb.NewEntityInfoManager(client)
	info := &oidf.CachedEntityInfo{
		Subject:   "https://op.example",
		Issuer:    "https://op.example",
		ExpiresAt: int(time.Now().Unix()) - 60,
	}

	// When.
	require.Nil(t, manager.Save(context.Background(), info))

	// Then.
	assert.Empty(t, client.data)
}
