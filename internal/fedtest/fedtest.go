// Package fedtest spins up a miniature federation over httptest for the
// packages that exercise trust chain resolution: a single server hosts any
// number of entities, each publishing its entity configuration and, when it
// has subordinates, a federation fetch endpoint.
package fedtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/spid-oidc/go-rp/pkg/oidf"
)

// Entity is one federation participant served by the test server.
type Entity struct {
	Name           string
	Subject        string
	Key            jose.JSONWebKey
	AuthorityHints []string
	Metadata       map[string]any
	TrustMarks     []map[string]any
	ExpiresIn      time.Duration

	subordinates map[string]*Entity
	policies     map[string]map[string]any
}

// PublicJWKS returns the entity's public key set, the shape embedded in its
// statements.
func (e *Entity) PublicJWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{e.Key.Public()}}
}

// Federation hosts entities under a shared httptest server. Entities are
// addressed as <server-url>/<name>.
type Federation struct {
	Server *httptest.Server

	t        *testing.T
	entities map[string]*Entity
	hits     map[string]int
}

func New(t *testing.T) *Federation {
	t.Helper()

	f := &Federation{
		t:        t,
		entities: map[string]*Entity{},
		hits:     map[string]int{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)

	return f
}

// AddEntity registers a participant. Hints are the subjects of its
// superiors and may reference entities added later.
func (f *Federation) AddEntity(name string, hints []string) *Entity {
	f.t.Helper()

	entity := &Entity{
		Name:           name,
		Subject:        f.Server.URL + "/" + name,
		Key:            NewKey(f.t),
		AuthorityHints: hints,
		ExpiresIn:      time.Hour,
		subordinates:   map[string]*Entity{},
		policies:       map[string]map[string]any{},
	}
	f.entities[name] = entity

	return entity
}

// AddSubordinate makes superior vouch for descendant, optionally attaching
// a metadata_policy document to the subordinate statement.
func (f *Federation) AddSubordinate(superior, descendant *Entity, policy map[string]any) {
	superior.subordinates[descendant.Subject] = descendant
	if policy != nil {
		superior.policies[descendant.Subject] = policy
	}
}

// WellKnownHits counts how often an entity's configuration was fetched.
func (f *Federation) WellKnownHits(name string) int {
	return f.hits[name+"/"+oidf.WellKnownPath]
}

func (f *Federation) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	f.hits[path]++

	name, rest, _ := strings.Cut(path, "/")
	entity, ok := f.entities[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch rest {
	case oidf.WellKnownPath:
		f.serveStatement(w, f.entityConfiguration(entity))
	case "fetch":
		descendant, ok := entity.subordinates[r.URL.Query().Get("sub")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		f.serveStatement(w, f.subordinateStatement(entity, descendant))
	default:
		http.NotFound(w, r)
	}
}

func (f *Federation) serveStatement(w http.ResponseWriter, statement string) {
	w.Header().Set("Content-Type", oidf.EntityStatementContentType)
	w.Write([]byte(statement))
}

func (f *Federation) entityConfiguration(entity *Entity) string {
	f.t.Helper()

	now := time.Now().Unix()
	claims := map[string]any{
		"iss":  entity.Subject,
		"sub":  entity.Subject,
		"iat":  now - 10,
		"exp":  now + int64(entity.ExpiresIn.Seconds()),
		"jwks": entity.PublicJWKS(),
	}
	if len(entity.AuthorityHints) > 0 {
		claims["authority_hints"] = entity.AuthorityHints
	}
	if len(entity.TrustMarks) > 0 {
		claims["trust_marks"] = entity.TrustMarks
	}

	metadata := map[string]any{}
	for name, block := range entity.Metadata {
		metadata[name] = block
	}
	if len(entity.subordinates) > 0 {
		metadata["federation_entity"] = map[string]any{
			"federation_fetch_endpoint": entity.Subject + "/fetch",
			"organization_name":         entity.Name,
		}
	}
	if len(metadata) > 0 {
		claims["metadata"] = metadata
	}

	return Sign(f.t, entity.Key, claims)
}

func (f *Federation) subordinateStatement(superior, descendant *Entity) string {
	f.t.Helper()

	now := time.Now().Unix()
	claims := map[string]any{
		"iss":  superior.Subject,
		"sub":  descendant.Subject,
		"iat":  now - 10,
		"exp":  now + int64(superior.ExpiresIn.Seconds()),
		"jwks": descendant.PublicJWKS(),
	}
	if policy, ok := superior.policies[descendant.Subject]; ok {
		claims["metadata_policy"] = policy
	}

	return Sign(f.t, superior.Key, claims)
}

// NewKey generates an RSA signing key with a random kid.
func NewKey(t *testing.T) jose.JSONWebKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("could not generate a key: %v", err)
	}

	return jose.JSONWebKey{
		Key:       key,
		KeyID:     uuid.NewString(),
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// Sign produces a compact JWS over claims with the given key.
func Sign(t *testing.T, key jose.JSONWebKey, claims any) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.SignatureAlgorithm(key.Algorithm), Key: key},
		(&jose.SignerOptions{}).WithType("entity-statement+jwt"),
	)
	if err != nil {
		t.Fatalf("could not build a signer: %v", err)
	}

	signed, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("could not sign the claims: %v", err)
	}

	return signed
}

// SignTrustMark issues a signed trust mark of the given id for sub.
func SignTrustMark(t *testing.T, issuer *Entity, sub, id string) map[string]any {
	t.Helper()

	now := time.Now().Unix()
	mark := Sign(t, issuer.Key, map[string]any{
		"iss": issuer.Subject,
		"sub": sub,
		"iat": now - 10,
		"exp": now + 3600,
		"id":  id,
	})

	return map[string]any{
		"id":         id,
		"trust_mark": mark,
	}
}

// MarshalJWKS is a convenience for tests that persist key sets.
func MarshalJWKS(t *testing.T, jwks jose.JSONWebKeySet) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(jwks)
	if err != nil {
		t.Fatalf("could not marshal the jwks: %v", err)
	}

	return data
}
