package rp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/spid-oidc/go-rp/internal/jwx"
	"github.com/spid-oidc/go-rp/internal/timeutil"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

// GetWellKnownData produces the relying party's federation well-known
// document. Until the entity is persisted the call walks the onboarding
// state machine: no key material yields a fresh key pair to configure, keys
// without trust marks yield the self-assertion to submit for accreditation,
// keys plus trust marks complete the onboarding and persist the entity.
func (r *RelyingParty) GetWellKnownData(ctx context.Context, requestURL string, jsonMode bool) (*oidf.WellKnownData, error) {
	sub, err := r.subjectFromURL(requestURL)
	if err != nil {
		return nil, err
	}

	r.entityMu.Lock()
	defer r.entityMu.Unlock()

	entityConf, err := r.entities.Entity(ctx, sub)
	if err == nil {
		return r.renderEntity(entityConf, jsonMode)
	}

	return r.prepareOnboardingData(ctx, sub, jsonMode)
}

// subjectFromURL extracts the subject as the portion of the request URL
// before the well-known path and requires it to match the configured client
// id.
func (r *RelyingParty) subjectFromURL(requestURL string) (string, error) {
	index := strings.Index(requestURL, oidf.WellKnownPath)
	if index < 0 {
		return "", oidf.NewError(oidf.CodeMismatchedSubject, fmt.Sprintf("%q is not a federation well-known url", requestURL))
	}

	sub := strings.TrimSuffix(requestURL[:index], "/")
	clientID := strings.TrimSuffix(r.config.ClientID, "/")
	if sub != clientID {
		return "", oidf.NewError(oidf.CodeMismatchedSubject, fmt.Sprintf("subject %q does not match the configured client id %q", sub, clientID))
	}

	return clientID, nil
}

// renderEntity publishes the self-assertion of an already onboarded entity.
func (r *RelyingParty) renderEntity(entityConf *oidf.FederationEntity, jsonMode bool) (*oidf.WellKnownData, error) {
	jwks, err := jwx.ParseJWKSet(entityConf.JWKS)
	if err != nil {
		return nil, oidf.Errorf(oidf.CodeMissingConfiguration, "the stored entity jwks is invalid", err)
	}

	var metadata json.RawMessage = entityConf.Metadata

	iat := timeutil.TimestampNow()
	doc := map[string]any{
		"iss":             entityConf.Subject,
		"sub":             entityConf.Subject,
		"iat":             iat,
		"exp":             iat + entityConf.DefaultExpireMinutes*60,
		"jwks":            jwx.PublicJWKS(jwks),
		"metadata":        metadata,
		"authority_hints": entityConf.AuthorityHints,
	}
	if len(entityConf.TrustMarks) > 0 {
		doc["trust_marks"] = json.RawMessage(entityConf.TrustMarks)
	}

	return r.renderWellKnown(oidf.StepComplete, doc, jwks, jsonMode)
}

// prepareOnboardingData serves the progressive onboarding states for an
// entity that is not persisted yet.
func (r *RelyingParty) prepareOnboardingData(ctx context.Context, sub string, jsonMode bool) (*oidf.WellKnownData, error) {
	if r.config.JWK == "" {
		key, err := jwx.NewRSAKey()
		if err != nil {
			return nil, err
		}

		body, err := json.MarshalIndent(key.Public(), "", "  ")
		if err != nil {
			return nil, err
		}

		return &oidf.WellKnownData{
			Step:        oidf.StepOnlyJWKS,
			Body:        string(body),
			ContentType: "application/json",
		}, nil
	}

	var key jose.JSONWebKey
	if err := json.Unmarshal([]byte(r.config.JWK), &key); err != nil {
		return nil, oidf.Errorf(oidf.CodeInvalidConfiguration, "the configured jwk is invalid", err)
	}

	jwks := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key}}
	publicJWKS := jwx.PublicJWKS(jwks)

	metadata := map[string]any{
		string(oidf.EntityTypeOpenIDRelyingParty): map[string]any{
			"jwks":                      publicJWKS,
			"application_type":          r.config.ApplicationType,
			"client_name":               r.config.ApplicationName,
			"client_id":                 sub,
			"client_registration_types": []string{oidf.ClientRegistrationTypeAutomatic},
			"contacts":                  r.config.Contacts,
			"grant_types":               supportedGrantTypes,
			"response_types":            supportedResponseTypes,
			"redirect_uris":             r.config.RedirectURIs,
		},
	}

	iat := timeutil.TimestampNow()
	doc := map[string]any{
		"iss":             sub,
		"sub":             sub,
		"iat":             iat,
		"exp":             iat + r.config.DefaultExpireMinutes*60,
		"jwks":            publicJWKS,
		"metadata":        metadata,
		"authority_hints": []string{r.config.DefaultTrustAnchor},
	}

	step := oidf.StepIntermediate

	if strings.TrimSpace(r.config.TrustMarks) != "" {
		trustMarks := json.RawMessage(r.config.TrustMarks)
		if !json.Valid(trustMarks) {
			return nil, oidf.NewError(oidf.CodeInvalidConfiguration, "the configured trust marks are not valid json")
		}

		doc["trust_marks"] = trustMarks

		// With the trust marks every element is available to store this
		// relying party as a federation entity.
		step = oidf.StepComplete

		jwksJSON, err := json.Marshal(jwks)
		if err != nil {
			return nil, err
		}
		metadataJSON, err := json.Marshal(metadata)
		if err != nil {
			return nil, err
		}

		entityConf := &oidf.FederationEntity{
			Subject:              sub,
			EntityType:           oidf.EntityTypeOpenIDRelyingParty,
			JWKS:                 jwksJSON,
			Metadata:             metadataJSON,
			AuthorityHints:       []string{r.config.DefaultTrustAnchor},
			TrustMarks:           trustMarks,
			TrustMarksIssuers:    json.RawMessage("{}"),
			Constraints:          json.RawMessage("{}"),
			DefaultExpireMinutes: r.config.DefaultExpireMinutes,
			DefaultSignatureAlg:  r.config.DefaultSignatureAlg,
			Active:               true,
		}
		if err := r.entities.Save(ctx, entityConf); err != nil {
			return nil, err
		}
	}

	return r.renderWellKnown(step, doc, jwks, jsonMode)
}

func (r *RelyingParty) renderWellKnown(step oidf.OnboardingStep, doc map[string]any, jwks jose.JSONWebKeySet, jsonMode bool) (*oidf.WellKnownData, error) {
	if jsonMode {
		body, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}

		return &oidf.WellKnownData{
			Step:        step,
			Body:        string(body),
			ContentType: "application/json",
		}, nil
	}

	signed, err := r.jwx.Sign(doc, jwks, nil)
	if err != nil {
		return nil, err
	}

	return &oidf.WellKnownData{
		Step:        step,
		Body:        signed,
		ContentType: oidf.EntityStatementContentType,
	}, nil
}
