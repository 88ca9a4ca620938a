package rp

import (
	"log/slog"
	"net/http"

	"github.com/spid-oidc/go-rp/pkg/oidf"
)

// Option customizes a RelyingParty at construction time.
type Option func(r *RelyingParty) error

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *RelyingParty) error {
		r.logger = logger
		return nil
	}
}

// WithHTTPClient replaces the HTTP client used for every federation fetch.
func WithHTTPClient(client *http.Client) Option {
	return func(r *RelyingParty) error {
		r.httpClient = client
		return nil
	}
}

// WithFederationEntityStorage replaces the default in-memory federation
// entity storage.
func WithFederationEntityStorage(storage oidf.FederationEntityManager) Option {
	return func(r *RelyingParty) error {
		r.entities = storage
		return nil
	}
}

// WithEntityInfoStorage replaces the default in-memory entity statement
// cache.
func WithEntityInfoStorage(storage oidf.EntityInfoManager) Option {
	return func(r *RelyingParty) error {
		r.entityInfo = storage
		return nil
	}
}

// WithTrustChainStorage replaces the default in-memory trust chain store.
func WithTrustChainStorage(storage oidf.TrustChainManager) Option {
	return func(r *RelyingParty) error {
		r.chains = storage
		return nil
	}
}

// WithAuthRequestStorage replaces the default in-memory authorization
// request storage.
func WithAuthRequestStorage(storage oidf.AuthRequestManager) Option {
	return func(r *RelyingParty) error {
		r.authRequests = storage
		return nil
	}
}
