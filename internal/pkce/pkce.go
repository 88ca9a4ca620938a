// Package pkce implements Proof Key for Code Exchange (RFC 7636) with the
// S256 challenge method.
package pkce

import (
	"github.com/spid-oidc/go-rp/internal/hashutil"
	"github.com/spid-oidc/go-rp/internal/strutil"
)

const ChallengeMethodS256 = "S256"

// verifierLength is within the 43-128 character range RFC 7636 imposes.
const verifierLength = 64

type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// New generates a fresh code verifier and its S256 challenge.
func New() Pair {
	verifier := strutil.Random(verifierLength)
	return Pair{
		Verifier:  verifier,
		Challenge: hashutil.Thumbprint(verifier),
		Method:    ChallengeMethodS256,
	}
}
