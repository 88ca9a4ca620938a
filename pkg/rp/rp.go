// Package rp is the public surface of the relying party core: onboarding
// and well-known generation, provider trust chain resolution and
// authorization request assembly.
package rp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/spid-oidc/go-rp/internal/entity"
	"github.com/spid-oidc/go-rp/internal/fetch"
	"github.com/spid-oidc/go-rp/internal/jwx"
	"github.com/spid-oidc/go-rp/internal/storage"
	"github.com/spid-oidc/go-rp/internal/timeutil"
	"github.com/spid-oidc/go-rp/internal/trust"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

// RelyingParty is the orchestrator of the federation flows. It is safe for
// concurrent use; chain builds targeting the same provider are deduplicated
// so that at most one build is in flight per key.
type RelyingParty struct {
	config     Config
	logger     *slog.Logger
	httpClient *http.Client

	jwx     *jwx.Service
	fetcher *fetch.Client
	builder *trust.Builder

	entities     oidf.FederationEntityManager
	entityInfo   oidf.EntityInfoManager
	chains       oidf.TrustChainManager
	authRequests oidf.AuthRequestManager

	buildGroup singleflight.Group
	entityMu   sync.Mutex
}

func New(config Config, opts ...Option) (*RelyingParty, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	r := &RelyingParty{
		config: config,
		logger: slog.Default(),
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	r.jwx = jwx.New(config.DefaultSignatureAlg, config.AllowedSigningAlgs, r.httpClient)
	r.fetcher = fetch.New(r.httpClient, config.FetchRetries, r.logger)
	r.builder = &trust.Builder{
		JWX:               r.jwx,
		Fetcher:           r.fetcher,
		Logger:            r.logger,
		MaxAuthorityHints: config.MaxAuthorityHints,
		MaxPathLen:        config.MaxPathLen,
		AllowedTrustMarks: config.AllowedTrustMarks,
	}

	if r.entities == nil {
		r.entities = storage.NewFederationEntityManager()
	}
	if r.entityInfo == nil {
		r.entityInfo = storage.NewEntityInfoManager()
	}
	if r.chains == nil {
		r.chains = storage.NewTrustChainManager()
	}
	if r.authRequests == nil {
		r.authRequests = storage.NewAuthRequestManager()
	}

	return r, nil
}

// AuthRequest returns the stored authorization request record for a state,
// for the downstream token exchange.
func (r *RelyingParty) AuthRequest(ctx context.Context, state string) (*oidf.AuthRequest, error) {
	return r.authRequests.Request(ctx, state)
}

// resolveProviderChain returns a valid trust chain for provider, building
// or rebuilding it when the store has nothing usable. A chain an operator
// disabled is never rebuilt.
func (r *RelyingParty) resolveProviderChain(ctx context.Context, provider, trustAnchor string) (*oidf.TrustChain, error) {
	chain, err := r.chains.ProviderChain(ctx, provider)
	switch {
	case errors.Is(err, oidf.ErrNotFound):
		r.logger.Info("no trust chain stored for the provider", slog.String("provider", provider))
	case err != nil:
		return nil, err
	case !chain.Active:
		return nil, oidf.NewError(oidf.CodeTrustChainDisabled,
			fmt.Sprintf("the trust chain for %s was disabled at %s", provider, time.Unix(int64(chain.ModifiedAt), 0).UTC().Format(time.RFC3339)))
	case !chain.IsExpired():
		return chain, nil
	default:
		r.logger.Warn("stored trust chain expired, rebuilding",
			slog.String("provider", provider),
			slog.String("expired_on", time.Unix(int64(chain.ExpiresAt), 0).UTC().Format(time.RFC3339)))
	}

	return r.getOrCreateTrustChain(ctx, provider, trustAnchor, oidf.EntityTypeOpenIDProvider)
}

// getOrCreateTrustChain builds the chain for (subject, anchor, type) and
// upserts it, deduplicating concurrent builds for the same key.
func (r *RelyingParty) getOrCreateTrustChain(ctx context.Context, subject, trustAnchor string, metadataType oidf.EntityType) (*oidf.TrustChain, error) {
	key := subject + "|" + trustAnchor + "|" + string(metadataType)

	result, err, _ := r.buildGroup.Do(key, func() (any, error) {
		if chain, err := r.chains.Chain(ctx, subject, trustAnchor, metadataType); err == nil {
			if !chain.Active {
				return nil, oidf.NewError(oidf.CodeTrustChainDisabled,
					fmt.Sprintf("the trust chain for %s was disabled at %s", subject, time.Unix(int64(chain.ModifiedAt), 0).UTC().Format(time.RFC3339)))
			}
			if !chain.IsExpired() {
				return chain, nil
			}
		}

		anchorConf, err := r.trustAnchorConfiguration(ctx, trustAnchor)
		if err != nil {
			return nil, err
		}

		built, err := r.builder.Build(ctx, subject, metadataType, anchorConf)
		if err != nil {
			return nil, err
		}

		now := timeutil.TimestampNow()
		chain := &oidf.TrustChain{
			Subject:            built.Subject,
			TrustAnchor:        built.TrustAnchor,
			MetadataType:       built.MetadataType,
			Chain:              built.Statements,
			PartiesInvolved:    built.PartiesInvolved,
			FinalMetadata:      built.FinalMetadata,
			ExpiresAt:          built.ExpiresAt,
			VerifiedTrustMarks: built.VerifiedTrustMarks,
			Status:             oidf.TrustChainStatusValid,
			Active:             true,
			CreatedAt:          now,
			ModifiedAt:         now,
		}

		if err := r.chains.Save(ctx, chain); err != nil {
			return nil, err
		}

		return chain, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*oidf.TrustChain), nil
}

// trustAnchorConfiguration returns the anchor's parsed entity
// configuration, served from the entity info cache while fresh.
func (r *RelyingParty) trustAnchorConfiguration(ctx context.Context, trustAnchor string) (*entity.Configuration, error) {
	if info, err := r.entityInfo.Info(ctx, trustAnchor, trustAnchor); err == nil && !info.IsExpired() {
		conf, err := entity.New(info.JWT, r.jwx, r.fetcher, r.logger)
		if err == nil {
			return conf, nil
		}
		r.logger.Warn("discarding an unparsable cached trust anchor configuration",
			slog.String("trust_anchor", trustAnchor), slog.String("error", err.Error()))
	}

	token, err := r.fetcher.EntityConfiguration(ctx, trustAnchor)
	if err != nil {
		return nil, err
	}

	conf, err := entity.New(token, r.jwx, r.fetcher, r.logger)
	if err != nil {
		return nil, err
	}

	info := &oidf.CachedEntityInfo{
		Subject:   trustAnchor,
		Issuer:    trustAnchor,
		IssuedAt:  conf.IssuedAt(),
		ExpiresAt: conf.ExpiresAt(),
		Statement: conf.Payload(),
		JWT:       token,
	}
	if err := r.entityInfo.Save(ctx, info); err != nil {
		return nil, err
	}

	return conf, nil
}

// anchorFor resolves the trust anchor an authorize call should use and
// checks it against the configured allow list.
func (r *RelyingParty) anchorFor(provider, trustAnchor string, profile oidf.Profile) (string, error) {
	anchor := trustAnchor
	if anchor == "" {
		anchor = r.config.providersFor(profile)[provider]
	}
	if anchor == "" {
		anchor = r.config.DefaultTrustAnchor
	}

	if !slices.Contains(r.config.TrustAnchors, anchor) {
		return "", oidf.NewError(oidf.CodeInvalidTrustAnchor, fmt.Sprintf("%q is not a configured trust anchor", anchor))
	}

	return anchor, nil
}
