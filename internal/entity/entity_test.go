package entity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spid-oidc/go-rp/internal/entity"
	"github.com/spid-oidc/go-rp/internal/fedtest"
	"github.com/spid-oidc/go-rp/internal/fetch"
	"github.com/spid-oidc/go-rp/internal/jwx"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

func testService() *jwx.Service {
	return jwx.New("", nil, nil)
}

func newConfiguration(t *testing.T, e *fedtest.Entity) *entity.Configuration {
	t.Helper()

	fetcher := fetch.New(nil, 0, nil)
	token, err := fetcher.EntityConfiguration(context.Background(), e.Subject)
	require.Nil(t, err)

	conf, err := entity.New(token, testService(), fetcher, nil)
	require.Nil(t, err)

	return conf
}

func TestNew(t *testing.T) {
	// Given.
	key := fedtest.NewKey(t)
	now := time.Now().Unix()
	token := fedtest.Sign(t, key, map[string]any{
		"iss":  "https://op.example",
		"sub":  "https://op.example",
		"iat":  now,
		"exp":  now + 600,
		"jwks": map[string]any{"keys": []any{key.Public()}},
		"metadata": map[string]any{
			"openid_provider": map[string]any{"issuer": "https://op.example"},
		},
		"authority_hints": []string{"https://ta.example"},
	})

	// When.
	conf, err := entity.New(token, testService(), nil, nil)

	// Then.
	require.Nil(t, err)
	assert.Equal(t, "https://op.example", conf.Subject())
	assert.Equal(t, []string{"https://ta.example"}, conf.AuthorityHints())
	assert.NotNil(t, conf.Metadata(oidf.EntityTypeOpenIDProvider))
	assert.Nil(t, conf.Metadata(oidf.EntityTypeOpenIDRelyingParty))
	assert.False(t, conf.Valid())
}

func TestNewMissingJWKS(t *testing.T) {
	// Given.
	key := fedtest.NewKey(t)
	now := time.Now().Unix()
	token := fedtest.Sign(t, key, map[string]any{
		"iss": "https://op.example",
		"sub": "https://op.example",
		"iat": now,
		"exp": now + 600,
	})

	// When.
	_, err := entity.New(token, testService(), nil, nil)

	// Then.
	assert.True(t, oidf.HasCode(err, oidf.CodeMissingJWKS))
}

func TestNewIssuerMismatch(t *testing.T) {
	// Given an entity configuration whose issuer is not its subject.
	key := fedtest.NewKey(t)
	now := time.Now().Unix()
	token := fedtest.Sign(t, key, map[string]any{
		"iss":  "https://other.example",
		"sub":  "https://op.example",
		"iat":  now,
		"exp":  now + 600,
		"jwks": map[string]any{"keys": []any{key.Public()}},
	})

	// When.
	_, err := entity.New(token, testService(), nil, nil)

	// Then.
	assert.True(t, oidf.HasCode(err, oidf.CodeParseError))
}

func TestValidateItself(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	op := f.AddEntity("op", nil)

	conf := newConfiguration(t, op)

	// When / Then.
	assert.True(t, conf.ValidateItself())
	assert.True(t, conf.Valid())
}

func TestValidateItselfForeignKeys(t *testing.T) {
	// Given a statement signed by one key but embedding another key set
	// under the same kid.
	signer := fedtest.NewKey(t)
	embedded := fedtest.NewKey(t)
	embedded.KeyID = signer.KeyID

	now := time.Now().Unix()
	token := fedtest.Sign(t, signer, map[string]any{
		"iss":  "https://op.example",
		"sub":  "https://op.example",
		"iat":  now,
		"exp":  now + 600,
		"jwks": map[string]any{"keys": []any{embedded.Public()}},
	})

	conf, err := entity.New(token, testService(), nil, nil)
	require.Nil(t, err)

	// When / Then.
	assert.False(t, conf.ValidateItself())
}

func TestValidateDescendant(t *testing.T) {
	// Given a superior and a statement it issued about a descendant.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	leaf := f.AddEntity("leaf", []string{ta.Subject})
	f.AddSubordinate(ta, leaf, nil)

	taConf := newConfiguration(t, ta)

	fetcher := fetch.New(nil, 0, nil)
	statement, err := fetcher.EntityStatement(context.Background(), ta.Subject+"/fetch", leaf.Subject)
	require.Nil(t, err)

	// When / Then.
	assert.Nil(t, taConf.ValidateDescendant(statement))
}

func TestValidateDescendantUnknownKid(t *testing.T) {
	// Given a statement signed by a key the superior does not publish.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	taConf := newConfiguration(t, ta)

	foreign := fedtest.Sign(t, fedtest.NewKey(t), map[string]any{"iss": ta.Subject, "sub": "https://leaf.example"})

	// When.
	err := taConf.ValidateDescendant(foreign)

	// Then.
	assert.True(t, oidf.HasCode(err, oidf.CodeUnknownKid))
}

func TestGetSuperiorsAndValidateBySuperiors(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	leaf := f.AddEntity("leaf", []string{ta.Subject})
	f.AddSubordinate(ta, leaf, nil)

	leafConf := newConfiguration(t, leaf)

	// When.
	superiors := leafConf.GetSuperiors(context.Background(), 10, nil)

	// Then.
	require.Len(t, superiors, 1)
	assert.Equal(t, ta.Subject, superiors[0].Subject())

	// When.
	verified := leafConf.ValidateBySuperiors(context.Background(), superiors)

	// Then.
	require.Contains(t, verified, ta.Subject)
	assert.True(t, leafConf.Valid())

	statement, ok := superiors[0].DescendantStatementJWT(leaf.Subject)
	assert.True(t, ok)
	assert.NotEmpty(t, statement)
}

func TestGetSuperiorsPrefersLaterHints(t *testing.T) {
	// Given an entity with two hints and a cap of one: only the later hint
	// must be resolved.
	f := fedtest.New(t)
	first := f.AddEntity("first", nil)
	second := f.AddEntity("second", nil)
	leaf := f.AddEntity("leaf", []string{first.Subject, second.Subject})

	leafConf := newConfiguration(t, leaf)

	// When.
	superiors := leafConf.GetSuperiors(context.Background(), 1, nil)

	// Then.
	require.Len(t, superiors, 1)
	assert.Equal(t, second.Subject, superiors[0].Subject())
	assert.Equal(t, 0, f.WellKnownHits("first"))
}

func TestGetSuperiorsReusesKnownConfigurations(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	leaf := f.AddEntity("leaf", []string{ta.Subject})
	f.AddSubordinate(ta, leaf, nil)

	taConf := newConfiguration(t, ta)
	leafConf := newConfiguration(t, leaf)
	taHits := f.WellKnownHits("ta")

	// When.
	superiors := leafConf.GetSuperiors(context.Background(), 10, []*entity.Configuration{taConf})

	// Then the known configuration is reused without a new fetch.
	require.Len(t, superiors, 1)
	assert.Same(t, taConf, superiors[0])
	assert.Equal(t, taHits, f.WellKnownHits("ta"))
}

func TestValidateBySuperiorRecordsFailure(t *testing.T) {
	// Given a subordinate statement embedding keys that cannot verify the
	// descendant's configuration.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	leaf := f.AddEntity("leaf", []string{ta.Subject})

	taConf := newConfiguration(t, ta)
	leafConf := newConfiguration(t, leaf)

	untrustedKey := fedtest.NewKey(t)
	statement := fedtest.Sign(t, ta.Key, map[string]any{
		"iss":  ta.Subject,
		"sub":  leaf.Subject,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Unix() + 600,
		"jwks": map[string]any{"keys": []any{untrustedKey.Public()}},
	})

	// When.
	valid := leafConf.ValidateBySuperior(statement, taConf)

	// Then.
	assert.False(t, valid)
	assert.False(t, leafConf.Valid())
	assert.Empty(t, leafConf.VerifiedBySuperiors())
}

func TestFederationFetchEndpoint(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	leaf := f.AddEntity("leaf", []string{ta.Subject})
	f.AddSubordinate(ta, leaf, nil)

	taConf := newConfiguration(t, ta)
	leafConf := newConfiguration(t, leaf)

	// Then.
	assert.Equal(t, ta.Subject+"/fetch", taConf.FederationFetchEndpoint())
	assert.Empty(t, leafConf.FederationFetchEndpoint())
}
