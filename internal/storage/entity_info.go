package storage

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/spid-oidc/go-rp/internal/timeutil"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

const entityInfoCleanupInterval = 30 * time.Minute

// EntityInfoManager caches fetched entity statements in memory. Each entry
// lives until the exp of the statement it carries, never longer.
type EntityInfoManager struct {
	cache *gocache.Cache
}

func NewEntityInfoManager() *EntityInfoManager {
	return &EntityInfoManager{
		cache: gocache.New(gocache.NoExpiration, entityInfoCleanupInterval),
	}
}

func (m *EntityInfoManager) Info(_ context.Context, subject, issuer string) (*oidf.CachedEntityInfo, error) {
	item, found := m.cache.Get(entityInfoKey(subject, issuer))
	if !found {
		return nil, oidf.ErrNotFound
	}

	info := item.(oidf.CachedEntityInfo)
	return &info, nil
}

func (m *EntityInfoManager) Save(_ context.Context, info *oidf.CachedEntityInfo) error {
	copied := *info
	copied.ModifiedAt = timeutil.TimestampNow()

	ttl := time.Until(time.Unix(int64(info.ExpiresAt), 0))
	if ttl <= 0 {
		m.cache.Delete(entityInfoKey(info.Subject, info.Issuer))
		return nil
	}

	m.cache.Set(entityInfoKey(info.Subject, info.Issuer), copied, ttl)
	return nil
}

func (m *EntityInfoManager) Invalidate(_ context.Context, subject, issuer string) error {
	m.cache.Delete(entityInfoKey(subject, issuer))
	return nil
}

func entityInfoKey(subject, issuer string) string {
	return subject + "|" + issuer
}

var _ oidf.EntityInfoManager = NewEntityInfoManager()
