package rp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/spid-oidc/go-rp/internal/jwx"
	"github.com/spid-oidc/go-rp/internal/pkce"
	"github.com/spid-oidc/go-rp/internal/timeutil"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

// relyingPartyMetadata is the subset of the published openid_relying_party
// metadata the authorize flow reads back.
type relyingPartyMetadata struct {
	ClientID      string   `json:"client_id"`
	RedirectURIs  []string `json:"redirect_uris"`
	ResponseTypes []string `json:"response_types"`
}

// GetAuthorizeURL assembles the URL that starts an authentication flow
// against provider: it resolves the provider's trust chain through
// trustAnchor, persists the authorization request state and returns the
// provider's authorization endpoint carrying a signed request object.
//
// Empty arguments fall back to configuration: trustAnchor to the provider
// map or the default anchor, scope to "openid", profile to SPID, prompt to
// "consent login".
func (r *RelyingParty) GetAuthorizeURL(ctx context.Context, provider, trustAnchor, redirectURI, scope, profile, prompt string) (string, error) {
	if provider == "" {
		return "", oidf.NewError(oidf.CodeMissingProvider, "no provider given")
	}

	prof := oidf.ProfileSPID
	if profile == string(oidf.ProfileCIE) {
		prof = oidf.ProfileCIE
	}

	anchor, err := r.anchorFor(provider, trustAnchor, prof)
	if err != nil {
		return "", err
	}

	chain, err := r.resolveProviderChain(ctx, provider, anchor)
	if err != nil {
		return "", err
	}

	var providerMetadata map[string]any
	if err := json.Unmarshal(chain.FinalMetadata, &providerMetadata); err != nil || len(providerMetadata) == 0 {
		return "", oidf.NewError(oidf.CodeMissingMetadata, fmt.Sprintf("the provider metadata of %s is empty", provider))
	}

	authzEndpoint, _ := providerMetadata["authorization_endpoint"].(string)
	if authzEndpoint == "" {
		return "", oidf.NewError(oidf.CodeMissingMetadata, fmt.Sprintf("%s publishes no authorization_endpoint", provider))
	}

	providerJWKS, err := r.jwx.MetadataJWKSet(ctx, chain.FinalMetadata)
	if err != nil {
		return "", err
	}

	entityConf, entityMetadata, entityJWKS, err := r.relyingPartyEntity(ctx)
	if err != nil {
		return "", err
	}

	redirectURI = r.pickRedirectURI(redirectURI, entityMetadata.RedirectURIs)

	if scope == "" {
		scope = oidf.ScopeOpenID
	}
	if prompt == "" {
		prompt = oidf.DefaultPrompt
	}

	responseType := "code"
	if len(entityMetadata.ResponseTypes) > 0 {
		responseType = entityMetadata.ResponseTypes[0]
	}

	clientID := entityMetadata.ClientID
	if clientID == "" {
		clientID = entityConf.Subject
	}

	nonce := uuid.NewString()
	state := uuid.NewString()
	challenge := pkce.New()

	authzData := map[string]any{
		"scope":                 scope,
		"redirect_uri":          redirectURI,
		"response_type":         responseType,
		"nonce":                 nonce,
		"state":                 state,
		"client_id":             clientID,
		"endpoint":              authzEndpoint,
		"acr_values":            r.config.ACRValues[prof],
		"iat":                   timeutil.TimestampNow(),
		"aud":                   []string{chain.Subject, authzEndpoint},
		"claims":                requestedClaims(prof),
		"prompt":                prompt,
		"code_verifier":         challenge.Verifier,
		"code_challenge":        challenge.Challenge,
		"code_challenge_method": challenge.Method,
	}

	data, err := json.Marshal(authzData)
	if err != nil {
		return "", err
	}

	providerJWKSJSON, err := json.Marshal(providerJWKS)
	if err != nil {
		return "", err
	}

	record := &oidf.AuthRequest{
		ClientID:              clientID,
		State:                 state,
		Endpoint:              authzEndpoint,
		Provider:              chain.Subject,
		ProviderJWKS:          providerJWKSJSON,
		ProviderConfiguration: chain.FinalMetadata,
		Data:                  data,
	}
	if err := r.authRequests.Save(ctx, record); err != nil {
		return "", err
	}

	// The request object must not leak the verifier; it identifies the
	// relying party as both issuer and subject.
	delete(authzData, "code_verifier")
	authzData["iss"] = clientID
	authzData["sub"] = clientID

	requestObject, err := r.jwx.Sign(authzData, entityJWKS, nil)
	if err != nil {
		return "", err
	}

	delete(authzData, "iss")
	delete(authzData, "sub")
	authzData["request"] = requestObject

	authorizeURL, err := buildURL(authzEndpoint, authzData)
	if err != nil {
		return "", err
	}

	r.logger.Info("starting the authorization flow",
		slog.String("provider", chain.Subject), slog.String("state", state))

	return authorizeURL, nil
}

// relyingPartyEntity loads this relying party's persisted federation
// entity, its openid_relying_party metadata and its private key set.
func (r *RelyingParty) relyingPartyEntity(ctx context.Context) (*oidf.FederationEntity, relyingPartyMetadata, jose.JSONWebKeySet, error) {
	var empty jose.JSONWebKeySet

	entityConf, err := r.entities.EntityByType(ctx, oidf.EntityTypeOpenIDRelyingParty)
	if err != nil || !entityConf.Active {
		return nil, relyingPartyMetadata{}, empty, oidf.NewError(oidf.CodeMissingConfiguration, "the relying party is not onboarded or is inactive")
	}

	var metadataByType map[string]json.RawMessage
	if err := json.Unmarshal(entityConf.Metadata, &metadataByType); err != nil {
		return nil, relyingPartyMetadata{}, empty, oidf.Errorf(oidf.CodeMissingConfiguration, "could not parse the relying party metadata", err)
	}

	var metadata relyingPartyMetadata
	if err := json.Unmarshal(metadataByType[string(oidf.EntityTypeOpenIDRelyingParty)], &metadata); err != nil {
		return nil, relyingPartyMetadata{}, empty, oidf.Errorf(oidf.CodeMissingConfiguration, "could not parse the openid_relying_party metadata", err)
	}

	if len(metadata.RedirectURIs) == 0 {
		return nil, relyingPartyMetadata{}, empty, oidf.NewError(oidf.CodeMissingConfiguration, "the relying party has no redirect uris")
	}

	jwks, err := jwx.ParseJWKSet(entityConf.JWKS)
	if err != nil || len(jwks.Keys) == 0 {
		return nil, relyingPartyMetadata{}, empty, oidf.NewError(oidf.CodeMissingConfiguration, "the relying party has an invalid or empty jwks")
	}

	return entityConf, metadata, jwks, nil
}

// pickRedirectURI keeps the requested redirect uri only when the entity
// registered it; anything else falls back to the first registered one.
func (r *RelyingParty) pickRedirectURI(requested string, registered []string) string {
	if requested == "" {
		return registered[0]
	}

	if !slices.Contains(registered, requested) {
		r.logger.Warn("requested an unknown redirect uri, reverting to the default",
			slog.String("requested", requested), slog.String("default", registered[0]))
		return registered[0]
	}

	return requested
}

// requestedClaims returns the per-profile claims parameter of the
// authorization request.
func requestedClaims(profile oidf.Profile) map[string]any {
	if profile == oidf.ProfileCIE {
		return map[string]any{
			"id_token": map[string]any{
				"family_name": map[string]any{"essential": true},
				"email":       map[string]any{"essential": true},
			},
			"userinfo": map[string]any{
				"given_name":    map[string]any{},
				"family_name":   map[string]any{},
				"email":         map[string]any{},
				"fiscal_number": map[string]any{},
			},
		}
	}

	return map[string]any{
		"id_token": map[string]any{
			"https://attributes.spid.gov.it/familyName": map[string]any{"essential": true},
			"https://attributes.spid.gov.it/email":      map[string]any{"essential": true},
		},
		"userinfo": map[string]any{
			"https://attributes.spid.gov.it/name":         map[string]any{},
			"https://attributes.spid.gov.it/familyName":   map[string]any{},
			"https://attributes.spid.gov.it/email":        map[string]any{},
			"https://attributes.spid.gov.it/fiscalNumber": map[string]any{},
		},
	}
}

// buildURL appends every parameter to the endpoint, JSON-encoding the non
// string ones. The request object both carries and duplicates the
// parameters for provider compatibility.
func buildURL(endpoint string, params map[string]any) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", oidf.Errorf(oidf.CodeMissingMetadata, fmt.Sprintf("invalid authorization endpoint %q", endpoint), err)
	}

	values := parsed.Query()
	for name, value := range params {
		if s, ok := value.(string); ok {
			values.Set(name, s)
			continue
		}

		encoded, err := json.Marshal(value)
		if err != nil {
			return "", err
		}
		values.Set(name, string(encoded))
	}

	parsed.RawQuery = values.Encode()
	return parsed.String(), nil
}
