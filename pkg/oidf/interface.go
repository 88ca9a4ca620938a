package oidf

import "context"

// FederationEntityManager persists the relying party's own federation
// identity. Lookup by subject serves the well-known flow, lookup by entity
// type serves the authorize flow.
type FederationEntityManager interface {
	Entity(ctx context.Context, subject string) (*FederationEntity, error)
	EntityByType(ctx context.Context, entityType EntityType) (*FederationEntity, error)
	Save(ctx context.Context, entity *FederationEntity) error
}

// EntityInfoManager caches fetched entity statements keyed by
// (subject, issuer). Save is an upsert; implementations may evict entries
// once their exp passes, in which case Info returns ErrNotFound.
type EntityInfoManager interface {
	Info(ctx context.Context, subject, issuer string) (*CachedEntityInfo, error)
	Save(ctx context.Context, info *CachedEntityInfo) error
	Invalidate(ctx context.Context, subject, issuer string) error
}

// TrustChainManager persists resolved trust chains keyed by
// (subject, trust anchor, metadata type). Save is an upsert that preserves
// administrative flags of an existing row. Deactivate disables a chain
// without deleting it.
type TrustChainManager interface {
	Chain(ctx context.Context, subject, trustAnchor string, metadataType EntityType) (*TrustChain, error)
	// ProviderChain returns the stored chain of an OpenID provider subject
	// regardless of the anchor it was resolved through.
	ProviderChain(ctx context.Context, subject string) (*TrustChain, error)
	Save(ctx context.Context, chain *TrustChain) error
	Deactivate(ctx context.Context, subject, trustAnchor string, metadataType EntityType) error
}

// AuthRequestManager stores authorization request records. State is the
// primary key and records are write-once: saving a duplicate state fails
// with CodeConflictingState.
type AuthRequestManager interface {
	Request(ctx context.Context, state string) (*AuthRequest, error)
	Save(ctx context.Context, request *AuthRequest) error
}
