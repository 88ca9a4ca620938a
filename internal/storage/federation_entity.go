// Package storage provides the default in-memory implementations of the
// persistence contracts in pkg/oidf. They are safe for concurrent use and
// suited for tests and single-instance deployments; the mongodb and redisdb
// subpackages provide shared backends.
package storage

import (
	"context"
	"sync"

	"github.com/spid-oidc/go-rp/internal/timeutil"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

type FederationEntityManager struct {
	Entities map[string]*oidf.FederationEntity
	mu       sync.RWMutex
}

func NewFederationEntityManager() *FederationEntityManager {
	return &FederationEntityManager{
		Entities: make(map[string]*oidf.FederationEntity),
	}
}

func (m *FederationEntityManager) Entity(_ context.Context, subject string) (*oidf.FederationEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entity, ok := m.Entities[subject]
	if !ok {
		return nil, oidf.ErrNotFound
	}

	copied := *entity
	return &copied, nil
}

func (m *FederationEntityManager) EntityByType(_ context.Context, entityType oidf.EntityType) (*oidf.FederationEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entity := range m.Entities {
		if entity.EntityType == entityType {
			copied := *entity
			return &copied, nil
		}
	}

	return nil, oidf.ErrNotFound
}

func (m *FederationEntityManager) Save(_ context.Context, entity *oidf.FederationEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *entity
	copied.ModifiedAt = timeutil.TimestampNow()
	m.Entities[entity.Subject] = &copied
	return nil
}

var _ oidf.FederationEntityManager = NewFederationEntityManager()
