package pkce_test

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spid-oidc/go-rp/internal/pkce"
)

func TestNew(t *testing.T) {
	// When.
	pair := pkce.New()

	// Then.
	assert.GreaterOrEqual(t, len(pair.Verifier), 43)
	assert.LessOrEqual(t, len(pair.Verifier), 128)
	assert.Equal(t, pkce.ChallengeMethodS256, pair.Method)

	hash := sha256.Sum256([]byte(pair.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), pair.Challenge)
}

func TestNewIsRandom(t *testing.T) {
	// When.
	one := pkce.New()
	two := pkce.New()

	// Then.
	assert.NotEqual(t, one.Verifier, two.Verifier)
}
