package rp

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/spid-oidc/go-rp/pkg/oidf"
)

const (
	defaultApplicationType   = "web"
	defaultExpireMinutes     = 48 * 60
	defaultRequestTimeout    = 10 * time.Second
	defaultMaxAuthorityHints = 10
	defaultMaxPathLen        = 10
)

// supportedGrantTypes and supportedResponseTypes are what the SPID/CIE
// federation profile admits for an automatically registered relying party.
var (
	supportedGrantTypes    = []string{"refresh_token", "authorization_code"}
	supportedResponseTypes = []string{"code"}
)

// Config is the whole configuration surface of the relying party core.
// Loading it from files or the environment is the embedding application's
// job.
type Config struct {
	// ClientID is the relying party's subject URL inside the federation.
	ClientID        string
	ApplicationName string
	ApplicationType string
	Contacts        []string
	RedirectURIs    []string

	// TrustAnchors is the set of anchors trusted out of band. Every chain
	// must terminate at one of them.
	TrustAnchors       []string
	DefaultTrustAnchor string

	// SPIDProviders and CIEProviders map a provider URL to the anchor its
	// chains are resolved through when the caller passes none.
	SPIDProviders map[string]string
	CIEProviders  map[string]string

	// ACRValues holds the authentication context requested per profile.
	ACRValues map[oidf.Profile]string

	// TrustMarks is the JSON array of trust marks issued to this relying
	// party, empty until onboarding completes.
	TrustMarks string

	// JWK is the relying party's private signing key as a JSON string. An
	// empty value triggers the first onboarding step.
	JWK string

	DefaultExpireMinutes int
	DefaultSignatureAlg  oidf.SignatureAlgorithm
	AllowedSigningAlgs   []oidf.SignatureAlgorithm
	MaxAuthorityHints    int
	MaxPathLen           int
	AllowedTrustMarks    []oidf.AllowedTrustMark

	RequestTimeout time.Duration
	FetchRetries   int
}

func (c *Config) setDefaults() {
	if c.ApplicationType == "" {
		c.ApplicationType = defaultApplicationType
	}
	if c.DefaultTrustAnchor == "" && len(c.TrustAnchors) > 0 {
		c.DefaultTrustAnchor = c.TrustAnchors[0]
	}
	if c.DefaultExpireMinutes <= 0 {
		c.DefaultExpireMinutes = defaultExpireMinutes
	}
	if c.DefaultSignatureAlg == "" {
		c.DefaultSignatureAlg = oidf.RS256
	}
	if len(c.AllowedSigningAlgs) == 0 {
		c.AllowedSigningAlgs = slices.Clone(oidf.SupportedSigningAlgs)
	}
	if c.MaxAuthorityHints <= 0 {
		c.MaxAuthorityHints = defaultMaxAuthorityHints
	}
	if c.MaxPathLen <= 0 {
		c.MaxPathLen = defaultMaxPathLen
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}

	if c.ACRValues == nil {
		c.ACRValues = map[oidf.Profile]string{}
	}
	if c.ACRValues[oidf.ProfileSPID] == "" {
		c.ACRValues[oidf.ProfileSPID] = oidf.ACRSpidL2
	}
	if c.ACRValues[oidf.ProfileCIE] == "" {
		c.ACRValues[oidf.ProfileCIE] = oidf.ACRCieL2
	}
}

func (c Config) validate() error {
	if c.ClientID == "" {
		return oidf.NewError(oidf.CodeInvalidConfiguration, "client_id is mandatory")
	}
	if parsed, err := url.Parse(c.ClientID); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return oidf.NewError(oidf.CodeInvalidConfiguration, fmt.Sprintf("client_id %q is not a valid url", c.ClientID))
	}

	if len(c.RedirectURIs) == 0 {
		return oidf.NewError(oidf.CodeInvalidConfiguration, "at least one redirect uri is required")
	}

	if len(c.TrustAnchors) == 0 {
		return oidf.NewError(oidf.CodeInvalidConfiguration, "at least one trust anchor is required")
	}

	if !slices.Contains(c.TrustAnchors, c.DefaultTrustAnchor) {
		return oidf.NewError(oidf.CodeInvalidConfiguration, fmt.Sprintf("the default trust anchor %q is not among the trust anchors", c.DefaultTrustAnchor))
	}

	for _, alg := range c.AllowedSigningAlgs {
		if !slices.Contains(oidf.SupportedSigningAlgs, alg) {
			return oidf.NewError(oidf.CodeInvalidConfiguration, fmt.Sprintf("signing algorithm %q is not supported", alg))
		}
	}

	if !slices.Contains(c.AllowedSigningAlgs, c.DefaultSignatureAlg) {
		return oidf.NewError(oidf.CodeInvalidConfiguration, fmt.Sprintf("the default signing algorithm %q is not allowed", c.DefaultSignatureAlg))
	}

	return nil
}

// providersFor returns the provider to anchor map of a profile.
func (c Config) providersFor(profile oidf.Profile) map[string]string {
	if profile == oidf.ProfileCIE {
		return c.CIEProviders
	}
	return c.SPIDProviders
}
