// Package entity models parsed entity statements of an OpenID Federation
// and the verification state accumulated while walking a trust chain.
package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/go-jose/go-jose/v4"

	"github.com/spid-oidc/go-rp/internal/fetch"
	"github.com/spid-oidc/go-rp/internal/jwx"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

// TrustMarkRef is one element of the trust_marks claim: the mark identifier
// together with its signed form.
type TrustMarkRef struct {
	ID        string `json:"id"`
	TrustMark string `json:"trust_mark"`
}

// Statement is the payload of an entity statement. Only the claims the core
// acts on are typed; the raw payload is kept alongside so that unknown
// members survive round trips.
type Statement struct {
	Issuer         string                     `json:"iss"`
	Subject        string                     `json:"sub"`
	IssuedAt       int                        `json:"iat"`
	ExpiresAt      int                        `json:"exp"`
	JWKS           *jose.JSONWebKeySet        `json:"jwks,omitempty"`
	AuthorityHints []string                   `json:"authority_hints,omitempty"`
	Metadata       map[string]json.RawMessage `json:"metadata,omitempty"`
	MetadataPolicy map[string]json.RawMessage `json:"metadata_policy,omitempty"`
	Constraints    json.RawMessage            `json:"constraints,omitempty"`
	TrustMarks     []TrustMarkRef             `json:"trust_marks,omitempty"`
}

type federationEntityMetadata struct {
	FetchEndpoint    string `json:"federation_fetch_endpoint"`
	ListEndpoint     string `json:"federation_list_endpoint"`
	ResolveEndpoint  string `json:"federation_resolve_endpoint"`
	OrganizationName string `json:"organization_name"`
}

// Configuration is a parsed entity configuration: the self-signed statement
// a federation participant publishes about itself. The struct is immutable
// after construction except for the verification state gathered by the
// chain walk. A Configuration is owned by the walk that created it and is
// not safe for concurrent use.
type Configuration struct {
	token   string
	raw     json.RawMessage
	stmt    Statement
	jwks    jose.JSONWebKeySet
	kids    []string
	svc     *jwx.Service
	fetcher *fetch.Client
	logger  *slog.Logger

	valid               bool
	verifiedSuperiors   map[string]*Configuration
	failedSuperiors     map[string]*Configuration
	verifiedBySuperiors map[string]*Configuration
	verifiedDescendants map[string]json.RawMessage
	failedDescendants   map[string]json.RawMessage
	descendantJWTs      map[string]string
}

// New parses token as an entity configuration without verifying it.
// The embedded jwks claim is mandatory; when absent at payload level the
// entity's own metadata blocks are searched for an inline set.
func New(token string, svc *jwx.Service, fetcher *fetch.Client, logger *slog.Logger) (*Configuration, error) {
	if logger == nil {
		logger = slog.Default()
	}

	raw, err := jwx.FastParsePayload(token)
	if err != nil {
		return nil, err
	}

	var stmt Statement
	if err := json.Unmarshal(raw, &stmt); err != nil {
		return nil, oidf.Errorf(oidf.CodeParseError, "could not parse the entity statement payload", err)
	}

	if stmt.Subject == "" || stmt.Issuer == "" {
		return nil, oidf.NewError(oidf.CodeParseError, "entity configuration without sub or iss")
	}
	if stmt.Issuer != stmt.Subject {
		return nil, oidf.NewError(oidf.CodeParseError, fmt.Sprintf("entity configuration for %s issued by %s", stmt.Subject, stmt.Issuer))
	}
	if stmt.ExpiresAt <= stmt.IssuedAt {
		return nil, oidf.NewError(oidf.CodeParseError, fmt.Sprintf("entity configuration for %s already expired at issue time", stmt.Subject))
	}

	jwks, err := extractJWKS(stmt)
	if err != nil {
		return nil, err
	}

	return &Configuration{
		token:               token,
		raw:                 raw,
		stmt:                stmt,
		jwks:                jwks,
		kids:                jwx.Kids(jwks),
		svc:                 svc,
		fetcher:             fetcher,
		logger:              logger,
		verifiedSuperiors:   map[string]*Configuration{},
		failedSuperiors:     map[string]*Configuration{},
		verifiedBySuperiors: map[string]*Configuration{},
		verifiedDescendants: map[string]json.RawMessage{},
		failedDescendants:   map[string]json.RawMessage{},
		descendantJWTs:      map[string]string{},
	}, nil
}

func extractJWKS(stmt Statement) (jose.JSONWebKeySet, error) {
	if stmt.JWKS != nil && len(stmt.JWKS.Keys) > 0 {
		return *stmt.JWKS, nil
	}

	for _, block := range stmt.Metadata {
		var fields struct {
			JWKS *jose.JSONWebKeySet `json:"jwks"`
		}
		if err := json.Unmarshal(block, &fields); err != nil {
			continue
		}
		if fields.JWKS != nil && len(fields.JWKS.Keys) > 0 {
			return *fields.JWKS, nil
		}
	}

	return jose.JSONWebKeySet{}, oidf.NewError(oidf.CodeMissingJWKS, fmt.Sprintf("missing jwks in the statement for %s", stmt.Subject))
}

func (c *Configuration) Subject() string   { return c.stmt.Subject }
func (c *Configuration) Issuer() string    { return c.stmt.Issuer }
func (c *Configuration) IssuedAt() int     { return c.stmt.IssuedAt }
func (c *Configuration) ExpiresAt() int    { return c.stmt.ExpiresAt }
func (c *Configuration) JWT() string       { return c.token }
func (c *Configuration) Valid() bool       { return c.valid }

func (c *Configuration) Payload() json.RawMessage      { return c.raw }
func (c *Configuration) JWKS() jose.JSONWebKeySet      { return c.jwks }
func (c *Configuration) AuthorityHints() []string      { return slices.Clone(c.stmt.AuthorityHints) }
func (c *Configuration) TrustMarks() []TrustMarkRef    { return slices.Clone(c.stmt.TrustMarks) }
func (c *Configuration) Constraints() json.RawMessage  { return c.stmt.Constraints }

// Metadata returns the metadata block published for the given entity type,
// or nil when the entity publishes none.
func (c *Configuration) Metadata(entityType oidf.EntityType) json.RawMessage {
	return c.stmt.Metadata[string(entityType)]
}

// FederationFetchEndpoint returns the fetch endpoint advertised in the
// federation_entity metadata, or an empty string.
func (c *Configuration) FederationFetchEndpoint() string {
	block := c.Metadata(oidf.EntityTypeFederationEntity)
	if block == nil {
		return ""
	}

	var meta federationEntityMetadata
	if err := json.Unmarshal(block, &meta); err != nil {
		return ""
	}

	return meta.FetchEndpoint
}

// ValidateItself verifies the stored statement under the entity's own key
// set and records the outcome.
func (c *Configuration) ValidateItself() bool {
	if _, err := c.svc.Verify(c.token, c.jwks); err != nil {
		c.logger.Warn("entity configuration failed self validation",
			slog.String("sub", c.stmt.Subject), slog.String("error", err.Error()))
		return false
	}

	c.valid = true
	return true
}

// ValidateDescendant verifies a statement this entity issued about one of
// its subordinates: the kid referenced by the statement must belong to this
// entity's key set.
func (c *Configuration) ValidateDescendant(token string) error {
	parsed, err := jwx.FastParse(token)
	if err != nil {
		return err
	}

	kid, _ := parsed.Header["kid"].(string)
	if !slices.Contains(c.kids, kid) {
		return oidf.NewError(oidf.CodeUnknownKid, fmt.Sprintf("statement kid %q is not among the keys of %s", kid, c.stmt.Subject))
	}

	if _, err := c.svc.Verify(token, c.jwks); err != nil {
		return err
	}

	return nil
}

// ValidateBySuperior checks that superior vouches for this entity through
// the given subordinate statement: the superior must be self valid, the
// statement must verify under the superior's keys, and the key set embedded
// in the statement must verify this entity's own configuration. A success
// is recorded on both sides; a failure only among the superior's failed
// descendants. The method never fails hard.
func (c *Configuration) ValidateBySuperior(token string, superior *Configuration) bool {
	payload, err := jwx.FastParsePayload(token)
	if err != nil {
		c.logger.Warn("malformed subordinate statement",
			slog.String("sub", c.stmt.Subject), slog.String("error", err.Error()))
		return false
	}

	valid := false
	if superior.ValidateItself() {
		if err := superior.ValidateDescendant(token); err != nil {
			c.logger.Warn("subordinate statement failed validation",
				slog.String("sub", c.stmt.Subject),
				slog.String("superior", superior.Subject()),
				slog.String("error", err.Error()))
		} else {
			var stmt Statement
			if err := json.Unmarshal(payload, &stmt); err == nil && stmt.JWKS != nil && len(stmt.JWKS.Keys) > 0 {
				if _, err := c.svc.Verify(c.token, *stmt.JWKS); err == nil {
					valid = true
				}
			}
		}
	}

	if !valid {
		superior.failedDescendants[c.stmt.Subject] = payload
		c.logger.Warn("entity failed validation by superior",
			slog.String("sub", c.stmt.Subject), slog.String("superior", superior.Subject()))
		return false
	}

	superior.verifiedDescendants[c.stmt.Subject] = payload
	superior.descendantJWTs[c.stmt.Subject] = token
	c.verifiedBySuperiors[superior.Subject()] = superior
	c.valid = true
	return true
}

// GetSuperiors resolves this entity's authority hints into validated
// superior configurations, fetching each hint's well-known document. Known
// configurations (typically the trust anchor) are reused without a fetch.
// When maxHints caps the walk the later hints are preferred. Individual
// failures are logged and skipped, never aborting the whole walk.
func (c *Configuration) GetSuperiors(ctx context.Context, maxHints int, known []*Configuration) []*Configuration {
	hints := slices.Clone(c.stmt.AuthorityHints)

	if maxHints > 0 && len(hints) > maxHints {
		c.logger.Warn("authority hints over the configured maximum, ignoring the first ones",
			slog.String("sub", c.stmt.Subject),
			slog.Int("hints", len(hints)), slog.Int("max", maxHints))
		hints = hints[len(hints)-maxHints:]
	}

	var superiors []*Configuration

	for _, conf := range known {
		if !slices.Contains(hints, conf.Subject()) {
			continue
		}
		hints = slices.DeleteFunc(hints, func(h string) bool { return h == conf.Subject() })
		c.verifiedSuperiors[conf.Subject()] = conf
		superiors = append(superiors, conf)
	}

	for _, hint := range hints {
		token, err := c.fetcher.EntityConfiguration(ctx, hint)
		if err != nil {
			c.logger.Warn("could not fetch the superior entity configuration",
				slog.String("authority", hint), slog.String("error", err.Error()))
			continue
		}

		superior, err := New(token, c.svc, c.fetcher, c.logger)
		if err != nil {
			c.logger.Warn("could not parse the superior entity configuration",
				slog.String("authority", hint), slog.String("error", err.Error()))
			continue
		}

		if !superior.ValidateItself() {
			c.failedSuperiors[superior.Subject()] = superior
			continue
		}

		c.verifiedSuperiors[superior.Subject()] = superior
		superiors = append(superiors, superior)
	}

	return superiors
}

// ValidateBySuperiors asks each superior for its statement about this
// entity and validates it. Superiors that already vouched for the entity
// are skipped.
func (c *Configuration) ValidateBySuperiors(ctx context.Context, superiors []*Configuration) map[string]*Configuration {
	for _, superior := range superiors {
		if _, ok := c.verifiedBySuperiors[superior.Subject()]; ok {
			continue
		}

		endpoint := superior.FederationFetchEndpoint()
		if endpoint == "" {
			c.logger.Warn("missing federation_fetch_endpoint in federation_entity metadata",
				slog.String("sub", c.stmt.Subject), slog.String("superior", superior.Subject()))
			continue
		}

		token, err := c.fetcher.EntityStatement(ctx, endpoint, c.stmt.Subject)
		if err != nil {
			c.logger.Warn("could not fetch the subordinate statement",
				slog.String("sub", c.stmt.Subject),
				slog.String("superior", superior.Subject()),
				slog.String("error", err.Error()))
			continue
		}

		c.ValidateBySuperior(token, superior)
	}

	return c.verifiedBySuperiors
}

// VerifiedBySuperiors returns the superiors that vouched for this entity.
func (c *Configuration) VerifiedBySuperiors() map[string]*Configuration {
	return c.verifiedBySuperiors
}

// DescendantStatementJWT returns the verified statement this entity issued
// about the given subject.
func (c *Configuration) DescendantStatementJWT(subject string) (string, bool) {
	token, ok := c.descendantJWTs[subject]
	return token, ok
}

// DescendantPolicy returns the metadata policy for the given entity type
// carried by the verified statement about subject, or nil.
func (c *Configuration) DescendantPolicy(subject string, entityType oidf.EntityType) json.RawMessage {
	payload, ok := c.verifiedDescendants[subject]
	if !ok {
		return nil
	}

	var stmt Statement
	if err := json.Unmarshal(payload, &stmt); err != nil {
		return nil
	}

	return stmt.MetadataPolicy[string(entityType)]
}
