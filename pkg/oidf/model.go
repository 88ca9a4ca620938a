package oidf

import (
	"encoding/json"
	"time"
)

// CachedEntityInfo is the persistent projection of a fetched entity
// statement, keyed by (subject, issuer). For an entity configuration the
// subject and the issuer coincide; for a subordinate statement the issuer
// is the superior that signed it.
type CachedEntityInfo struct {
	Subject    string          `json:"sub"`
	Issuer     string          `json:"iss"`
	IssuedAt   int             `json:"iat"`
	ExpiresAt  int             `json:"exp"`
	Statement  json.RawMessage `json:"statement"`
	JWT        string          `json:"jwt"`
	ModifiedAt int             `json:"modified_at"`
}

func (i CachedEntityInfo) IsExpired() bool {
	return int64(i.ExpiresAt) < time.Now().Unix()
}

// TrustChainStatus is the outcome recorded for a resolved chain.
type TrustChainStatus string

const (
	TrustChainStatusValid   TrustChainStatus = "valid"
	TrustChainStatusInvalid TrustChainStatus = "invalid"
)

// TrustChain is a resolved sequence of signed statements linking a subject
// to a trust anchor for one metadata type. The chain is ordered subject to
// anchor: the first element is the subject's entity configuration, the last
// the trust anchor's.
type TrustChain struct {
	Subject            string           `json:"sub"`
	TrustAnchor        string           `json:"trust_anchor"`
	MetadataType       EntityType       `json:"metadata_type"`
	Chain              []string         `json:"chain"`
	PartiesInvolved    []string         `json:"parties_involved"`
	FinalMetadata      json.RawMessage  `json:"final_metadata"`
	ExpiresAt          int              `json:"exp"`
	VerifiedTrustMarks json.RawMessage  `json:"verified_trust_marks,omitempty"`
	Status             TrustChainStatus `json:"status"`
	Active             bool             `json:"active"`
	CreatedAt          int              `json:"created_at"`
	ModifiedAt         int              `json:"modified_at"`
}

func (tc TrustChain) IsExpired() bool {
	return int64(tc.ExpiresAt) < time.Now().Unix()
}

// FederationEntity is the relying party's own published identity. The JWKS
// field carries private key material and must never be exposed as is; the
// public projection is produced when the well-known document is rendered.
type FederationEntity struct {
	Subject              string             `json:"sub"`
	EntityType           EntityType         `json:"entity_type"`
	JWKS                 json.RawMessage    `json:"jwks"`
	Metadata             json.RawMessage    `json:"metadata"`
	AuthorityHints       []string           `json:"authority_hints"`
	TrustMarks           json.RawMessage    `json:"trust_marks,omitempty"`
	TrustMarksIssuers    json.RawMessage    `json:"trust_marks_issuers,omitempty"`
	Constraints          json.RawMessage    `json:"constraints,omitempty"`
	DefaultExpireMinutes int                `json:"default_expire_minutes"`
	DefaultSignatureAlg  SignatureAlgorithm `json:"default_signature_alg"`
	Active               bool               `json:"active"`
	ModifiedAt           int                `json:"modified_at"`
}

// AuthRequest records one outgoing authorization request before the user is
// redirected. Data holds the full parameter object including the PKCE
// code_verifier; the record is retrieved by state when the provider calls
// back.
type AuthRequest struct {
	ClientID              string          `json:"client_id"`
	State                 string          `json:"state"`
	Endpoint              string          `json:"endpoint"`
	Provider              string          `json:"provider"`
	ProviderJWKS          json.RawMessage `json:"provider_jwks"`
	ProviderConfiguration json.RawMessage `json:"provider_configuration"`
	Data                  json.RawMessage `json:"data"`
	CreatedAt             int             `json:"created_at"`
}

// OnboardingStep tracks how far the relying party got through federation
// onboarding.
type OnboardingStep string

const (
	// StepOnlyJWKS means no key material was configured: the response body
	// is a freshly generated JWK the operator must copy back into the
	// configuration.
	StepOnlyJWKS OnboardingStep = "jwks_only"
	// StepIntermediate means keys are configured but no trust marks were
	// issued yet: the body is the self-assertion to submit to a federation
	// authority.
	StepIntermediate OnboardingStep = "intermediate"
	// StepComplete means the entity is fully onboarded and persisted.
	StepComplete OnboardingStep = "complete"
)

// WellKnownData is the rendering of the relying party's well-known
// document, either as pretty JSON or as a compact JWS.
type WellKnownData struct {
	Step        OnboardingStep `json:"step"`
	Body        string         `json:"body"`
	ContentType string         `json:"content_type"`
}

// AllowedTrustMark is one entry of the trust-mark allow list: a trust mark
// identifier paired with the anchor whose keys must vouch for it.
type AllowedTrustMark struct {
	ID          string `json:"id"`
	TrustAnchor string `json:"trust-anchor"`
}
