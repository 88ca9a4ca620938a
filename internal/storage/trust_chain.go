package storage

import (
	"context"
	"sync"

	"github.com/spid-oidc/go-rp/internal/timeutil"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

type TrustChainManager struct {
	Chains map[string]*oidf.TrustChain
	mu     sync.RWMutex
}

func NewTrustChainManager() *TrustChainManager {
	return &TrustChainManager{
		Chains: make(map[string]*oidf.TrustChain),
	}
}

func (m *TrustChainManager) Chain(_ context.Context, subject, trustAnchor string, metadataType oidf.EntityType) (*oidf.TrustChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain, ok := m.Chains[chainKey(subject, trustAnchor, metadataType)]
	if !ok {
		return nil, oidf.ErrNotFound
	}

	copied := *chain
	return &copied, nil
}

func (m *TrustChainManager) ProviderChain(_ context.Context, subject string) (*oidf.TrustChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, chain := range m.Chains {
		if chain.Subject == subject && chain.MetadataType == oidf.EntityTypeOpenIDProvider {
			copied := *chain
			return &copied, nil
		}
	}

	return nil, oidf.ErrNotFound
}

// Save upserts the chain in place. Administrative flags of an existing row
// survive the rebuild: a chain an operator disabled stays disabled.
func (m *TrustChainManager) Save(_ context.Context, chain *oidf.TrustChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := chainKey(chain.Subject, chain.TrustAnchor, chain.MetadataType)
	copied := *chain
	copied.ModifiedAt = timeutil.TimestampNow()

	if existing, ok := m.Chains[key]; ok {
		copied.CreatedAt = existing.CreatedAt
		copied.Active = existing.Active
	} else if copied.CreatedAt == 0 {
		copied.CreatedAt = copied.ModifiedAt
	}

	m.Chains[key] = &copied
	return nil
}

func (m *TrustChainManager) Deactivate(_ context.Context, subject, trustAnchor string, metadataType oidf.EntityType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.Chains[chainKey(subject, trustAnchor, metadataType)]
	if !ok {
		return oidf.ErrNotFound
	}

	chain.Active = false
	chain.ModifiedAt = timeutil.TimestampNow()
	return nil
}

func chainKey(subject, trustAnchor string, metadataType oidf.EntityType) string {
	return subject + "|" + trustAnchor + "|" + string(metadataType)
}

var _ oidf.TrustChainManager = NewTrustChainManager()
