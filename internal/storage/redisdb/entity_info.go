// Package redisdb implements the entity statement cache of pkg/oidf on top
// of Redis, so that multiple relying party instances share fetched
// federation material. Entries expire with the statements they carry.
package redisdb

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spid-oidc/go-rp/internal/timeutil"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

const keyPrefix = "oidf:entity_info:"

// Cmdable is the narrow slice of go-redis this package needs. *redis.Client
// satisfies it; tests may substitute a mock.
type Cmdable interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ Cmdable = (*redis.Client)(nil)

type EntityInfoManager struct {
	client Cmdable
}

func NewEntityInfoManager(client Cmdable) *EntityInfoManager {
	return &EntityInfoManager{client: client}
}

func (m *EntityInfoManager) Info(ctx context.Context, subject, issuer string) (*oidf.CachedEntityInfo, error) {
	data, err := m.client.Get(ctx, key(subject, issuer)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, oidf.ErrNotFound
		}
		return nil, err
	}

	var info oidf.CachedEntityInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

func (m *EntityInfoManager) Save(ctx context.Context, info *oidf.CachedEntityInfo) error {
	copied := *info
	copied.ModifiedAt = timeutil.TimestampNow()

	ttl := time.Until(time.Unix(int64(info.ExpiresAt), 0))
	if ttl <= 0 {
		return m.Invalidate(ctx, info.Subject, info.Issuer)
	}

	data, err := json.Marshal(copied)
	if err != nil {
		return err
	}

	return m.client.Set(ctx, key(info.Subject, info.Issuer), data, ttl).Err()
}

func (m *EntityInfoManager) Invalidate(ctx context.Context, subject, issuer string) error {
	return m.client.Del(ctx, key(subject, issuer)).Err()
}

func key(subject, issuer string) string {
	return keyPrefix + subject + "|" + issuer
}

var _ oidf.EntityInfoManager = NewEntityInfoManager(nil)
