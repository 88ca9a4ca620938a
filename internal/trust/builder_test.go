package trust_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spid-oidc/go-rp/internal/entity"
	"github.com/spid-oidc/go-rp/internal/fedtest"
	"github.com/spid-oidc/go-rp/internal/fetch"
	"github.com/spid-oidc/go-rp/internal/jwx"
	"github.com/spid-oidc/go-rp/internal/trust"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

func newBuilder(t *testing.T) *trust.Builder {
	t.Helper()

	return &trust.Builder{
		JWX:     jwx.New("", nil, nil),
		Fetcher: fetch.New(nil, 0, nil),
	}
}

func anchorConfiguration(t *testing.T, b *trust.Builder, ta *fedtest.Entity) *entity.Configuration {
	t.Helper()

	token, err := b.Fetcher.EntityConfiguration(context.Background(), ta.Subject)
	require.Nil(t, err)

	conf, err := entity.New(token, b.JWX, b.Fetcher, nil)
	require.Nil(t, err)

	return conf
}

func providerMetadata(subject string) map[string]any {
	return map[string]any{
		"issuer":                 subject,
		"authorization_endpoint": subject + "/authorize",
		"token_endpoint":         subject + "/token",
	}
}

func TestBuildDirectChain(t *testing.T) {
	// Given a provider directly subordinated to the trust anchor.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	op := f.AddEntity("op", []string{ta.Subject})
	op.Metadata = map[string]any{"openid_provider": providerMetadata(op.Subject)}
	f.AddSubordinate(ta, op, nil)

	b := newBuilder(t)
	anchor := anchorConfiguration(t, b, ta)

	// When.
	chain, err := b.Build(context.Background(), op.Subject, oidf.EntityTypeOpenIDProvider, anchor)

	// Then.
	require.Nil(t, err)
	assert.Equal(t, op.Subject, chain.Subject)
	assert.Equal(t, ta.Subject, chain.TrustAnchor)
	assert.Equal(t, []string{op.Subject, ta.Subject}, chain.PartiesInvolved)
	// Subject configuration, anchor statement about the subject, anchor
	// configuration.
	assert.Len(t, chain.Statements, 3)

	var metadata map[string]any
	require.Nil(t, json.Unmarshal(chain.FinalMetadata, &metadata))
	assert.Equal(t, op.Subject+"/authorize", metadata["authorization_endpoint"])
}

func TestBuildChainThroughIntermediate(t *testing.T) {
	// Given op -> intermediate -> trust anchor.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	im := f.AddEntity("im", []string{ta.Subject})
	op := f.AddEntity("op", []string{im.Subject})
	op.Metadata = map[string]any{"openid_provider": providerMetadata(op.Subject)}
	f.AddSubordinate(ta, im, nil)
	f.AddSubordinate(im, op, nil)

	b := newBuilder(t)
	anchor := anchorConfiguration(t, b, ta)

	// When.
	chain, err := b.Build(context.Background(), op.Subject, oidf.EntityTypeOpenIDProvider, anchor)

	// Then.
	require.Nil(t, err)
	assert.Equal(t, []string{op.Subject, im.Subject, ta.Subject}, chain.PartiesInvolved)
	assert.Len(t, chain.Statements, 4)
}

func TestBuildChainExpiryIsTheMinimum(t *testing.T) {
	// Given an intermediate whose statements expire first.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	im := f.AddEntity("im", []string{ta.Subject})
	im.ExpiresIn = 30 * time.Minute
	op := f.AddEntity("op", []string{im.Subject})
	op.Metadata = map[string]any{"openid_provider": providerMetadata(op.Subject)}
	f.AddSubordinate(ta, im, nil)
	f.AddSubordinate(im, op, nil)

	b := newBuilder(t)
	anchor := anchorConfiguration(t, b, ta)

	// When.
	chain, err := b.Build(context.Background(), op.Subject, oidf.EntityTypeOpenIDProvider, anchor)

	// Then.
	require.Nil(t, err)
	limit := time.Now().Add(30 * time.Minute).Unix()
	assert.LessOrEqual(t, int64(chain.ExpiresAt), limit+5)
	assert.Greater(t, int64(chain.ExpiresAt), time.Now().Unix())
}

func TestBuildAppliesMetadataPolicies(t *testing.T) {
	// Given a trust anchor constraining the provider metadata.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	op := f.AddEntity("op", []string{ta.Subject})
	metadata := providerMetadata(op.Subject)
	metadata["grant_types_supported"] = []string{"authorization_code", "implicit"}
	op.Metadata = map[string]any{"openid_provider": metadata}
	f.AddSubordinate(ta, op, map[string]any{
		"openid_provider": map[string]any{
			"grant_types_supported": map[string]any{
				"subset_of": []string{"authorization_code", "refresh_token"},
			},
			"scopes_supported": map[string]any{
				"add": []string{"openid"},
			},
		},
	})

	b := newBuilder(t)
	anchor := anchorConfiguration(t, b, ta)

	// When.
	chain, err := b.Build(context.Background(), op.Subject, oidf.EntityTypeOpenIDProvider, anchor)

	// Then.
	require.Nil(t, err)

	var final map[string]any
	require.Nil(t, json.Unmarshal(chain.FinalMetadata, &final))
	assert.Equal(t, []any{"authorization_code"}, final["grant_types_supported"])
	assert.Equal(t, []any{"openid"}, final["scopes_supported"])
	assert.Equal(t, op.Subject+"/authorize", final["authorization_endpoint"])
}

func TestBuildMissingMetadata(t *testing.T) {
	// Given a subject that publishes no openid_provider metadata.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	op := f.AddEntity("op", []string{ta.Subject})
	f.AddSubordinate(ta, op, nil)

	b := newBuilder(t)
	anchor := anchorConfiguration(t, b, ta)

	// When.
	_, err := b.Build(context.Background(), op.Subject, oidf.EntityTypeOpenIDProvider, anchor)

	// Then.
	assert.True(t, oidf.HasCode(err, oidf.CodeMissingMetadata))
}

func TestBuildNoPathToAnchor(t *testing.T) {
	// Given a subject whose only superior does not lead to the anchor.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	other := f.AddEntity("other", nil)
	op := f.AddEntity("op", []string{other.Subject})
	op.Metadata = map[string]any{"openid_provider": providerMetadata(op.Subject)}

	b := newBuilder(t)
	anchor := anchorConfiguration(t, b, ta)

	// When.
	_, err := b.Build(context.Background(), op.Subject, oidf.EntityTypeOpenIDProvider, anchor)

	// Then.
	assert.True(t, oidf.HasCode(err, oidf.CodeInvalidTrustChain))
}

func TestBuildDetectsCycles(t *testing.T) {
	// Given two intermediates hinting at each other with no anchor path.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	a := f.AddEntity("a", nil)
	bEnt := f.AddEntity("b", []string{a.Subject})
	a.AuthorityHints = []string{bEnt.Subject}
	op := f.AddEntity("op", []string{a.Subject})
	op.Metadata = map[string]any{"openid_provider": providerMetadata(op.Subject)}
	f.AddSubordinate(a, op, nil)
	f.AddSubordinate(a, bEnt, nil)
	f.AddSubordinate(bEnt, a, nil)

	b := newBuilder(t)
	anchor := anchorConfiguration(t, b, ta)

	// When.
	_, err := b.Build(context.Background(), op.Subject, oidf.EntityTypeOpenIDProvider, anchor)

	// Then the walk terminates with a failure instead of looping.
	assert.True(t, oidf.HasCode(err, oidf.CodeInvalidTrustChain))
}

func TestBuildRespectsMaxPathLen(t *testing.T) {
	// Given a two hop chain and a path limit of one.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	im := f.AddEntity("im", []string{ta.Subject})
	op := f.AddEntity("op", []string{im.Subject})
	op.Metadata = map[string]any{"openid_provider": providerMetadata(op.Subject)}
	f.AddSubordinate(ta, im, nil)
	f.AddSubordinate(im, op, nil)

	b := newBuilder(t)
	b.MaxPathLen = 1
	anchor := anchorConfiguration(t, b, ta)

	// When.
	_, err := b.Build(context.Background(), op.Subject, oidf.EntityTypeOpenIDProvider, anchor)

	// Then.
	assert.True(t, oidf.HasCode(err, oidf.CodeInvalidTrustChain))
}

func TestBuildWithAllowedTrustMarks(t *testing.T) {
	// Given a provider carrying a trust mark issued by the anchor.
	markID := "https://ta.example/trust-marks/public"

	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	op := f.AddEntity("op", []string{ta.Subject})
	op.Metadata = map[string]any{"openid_provider": providerMetadata(op.Subject)}
	op.TrustMarks = []map[string]any{fedtest.SignTrustMark(t, ta, op.Subject, markID)}
	f.AddSubordinate(ta, op, nil)

	b := newBuilder(t)
	anchor := anchorConfiguration(t, b, ta)
	b.AllowedTrustMarks = []oidf.AllowedTrustMark{{ID: markID, TrustAnchor: ta.Subject}}

	// When.
	chain, err := b.Build(context.Background(), op.Subject, oidf.EntityTypeOpenIDProvider, anchor)

	// Then.
	require.Nil(t, err)
	assert.NotEmpty(t, chain.VerifiedTrustMarks)

	var marks []map[string]any
	require.Nil(t, json.Unmarshal(chain.VerifiedTrustMarks, &marks))
	require.Len(t, marks, 1)
	assert.Equal(t, markID, marks[0]["id"])
}

func TestBuildRejectsMissingTrustMarks(t *testing.T) {
	// Given an allow list but a provider without trust marks.
	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	op := f.AddEntity("op", []string{ta.Subject})
	op.Metadata = map[string]any{"openid_provider": providerMetadata(op.Subject)}
	f.AddSubordinate(ta, op, nil)

	b := newBuilder(t)
	anchor := anchorConfiguration(t, b, ta)
	b.AllowedTrustMarks = []oidf.AllowedTrustMark{{ID: "https://ta.example/trust-marks/public"}}

	// When.
	_, err := b.Build(context.Background(), op.Subject, oidf.EntityTypeOpenIDProvider, anchor)

	// Then.
	assert.True(t, oidf.HasCode(err, oidf.CodeInvalidTrustChain))
}

func TestBuildRejectsForgedTrustMark(t *testing.T) {
	// Given a trust mark signed by a key the federation does not know.
	markID := "https://ta.example/trust-marks/public"

	f := fedtest.New(t)
	ta := f.AddEntity("ta", nil)
	op := f.AddEntity("op", []string{ta.Subject})
	op.Metadata = map[string]any{"openid_provider": providerMetadata(op.Subject)}
	f.AddSubordinate(ta, op, nil)

	forger := &fedtest.Entity{Subject: ta.Subject, Key: fedtest.NewKey(t)}
	op.TrustMarks = []map[string]any{fedtest.SignTrustMark(t, forger, op.Subject, markID)}

	b := newBuilder(t)
	anchor := anchorConfiguration(t, b, ta)
	b.AllowedTrustMarks = []oidf.AllowedTrustMark{{ID: markID, TrustAnchor: ta.Subject}}

	// When.
	_, err := b.Build(context.Background(), op.Subject, oidf.EntityTypeOpenIDProvider, anchor)

	// Then.
	assert.True(t, oidf.HasCode(err, oidf.CodeInvalidTrustChain))
}
