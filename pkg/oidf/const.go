// Package oidf holds the shared types of the OpenID Federation relying
// party core: entity statements, trust chains, the error taxonomy and the
// storage contracts consumed by the orchestrator.
package oidf

// SignatureAlgorithm is a JWS signature algorithm identifier.
type SignatureAlgorithm string

const (
	RS256 SignatureAlgorithm = "RS256" // RSASSA-PKCS-v1.5 using SHA-256
	RS384 SignatureAlgorithm = "RS384" // RSASSA-PKCS-v1.5 using SHA-384
	RS512 SignatureAlgorithm = "RS512" // RSASSA-PKCS-v1.5 using SHA-512
	ES256 SignatureAlgorithm = "ES256" // ECDSA using P-256 and SHA-256
	ES384 SignatureAlgorithm = "ES384" // ECDSA using P-384 and SHA-384
	ES512 SignatureAlgorithm = "ES512" // ECDSA using P-521 and SHA-512
)

// SupportedSigningAlgs is the closed set of algorithms the federation
// profile admits for entity statements and request objects.
var SupportedSigningAlgs = []SignatureAlgorithm{
	RS256, RS384, RS512, ES256, ES384, ES512,
}

// EntityType identifies a metadata block inside an entity statement.
type EntityType string

const (
	EntityTypeOpenIDProvider     EntityType = "openid_provider"
	EntityTypeOpenIDRelyingParty EntityType = "openid_relying_party"
	EntityTypeFederationEntity   EntityType = "federation_entity"
)

// Profile selects the identity ecosystem a provider belongs to.
type Profile string

const (
	ProfileSPID Profile = "spid"
	ProfileCIE  Profile = "cie"
)

// Authentication context class references for the Italian public identity
// schemes.
const (
	ACRSpidL1 = "https://www.spid.gov.it/SpidL1"
	ACRSpidL2 = "https://www.spid.gov.it/SpidL2"
	ACRSpidL3 = "https://www.spid.gov.it/SpidL3"
	ACRCieL1  = "https://www.spid.gov.it/SpidL1"
	ACRCieL2  = "https://www.spid.gov.it/SpidL2"
	ACRCieL3  = "https://www.spid.gov.it/SpidL3"
)

const (
	// WellKnownPath is the path suffix where every federation participant
	// publishes its entity configuration.
	WellKnownPath = ".well-known/openid-federation"

	// EntityStatementContentType is the media type of a signed entity
	// statement.
	EntityStatementContentType = "application/entity-statement+jwt"

	// ClientRegistrationTypeAutomatic is the only client registration type
	// the federation profile uses.
	ClientRegistrationTypeAutomatic = "automatic"
)

const (
	ScopeOpenID   = "openid"
	DefaultPrompt = "consent login"
)
