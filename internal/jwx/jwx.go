// Package jwx concentrates every JOSE operation of the relying party core:
// unverified fast parsing, JWK set handling, compact JWS signing and
// verification under the configured algorithm allow list.
package jwx

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/spid-oidc/go-rp/pkg/oidf"
)

// Token is the outcome of an unverified parse: the decoded header and
// payload of a compact JWS.
type Token struct {
	Header  map[string]any
	Payload map[string]any
}

// Service performs signing and verification with a fixed policy: the
// default signature algorithm comes from configuration, verification always
// consults the allow list.
type Service struct {
	defaultAlg  oidf.SignatureAlgorithm
	allowedAlgs []jose.SignatureAlgorithm
	httpClient  *http.Client
}

func New(defaultAlg oidf.SignatureAlgorithm, allowedAlgs []oidf.SignatureAlgorithm, httpClient *http.Client) *Service {
	if defaultAlg == "" {
		defaultAlg = oidf.RS256
	}
	if len(allowedAlgs) == 0 {
		allowedAlgs = oidf.SupportedSigningAlgs
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	joseAlgs := make([]jose.SignatureAlgorithm, 0, len(allowedAlgs))
	for _, alg := range allowedAlgs {
		joseAlgs = append(joseAlgs, jose.SignatureAlgorithm(alg))
	}

	return &Service{
		defaultAlg:  defaultAlg,
		allowedAlgs: joseAlgs,
		httpClient:  httpClient,
	}
}

// FastParse decodes the header and payload segments of a compact JWS
// without verifying the signature. Used wherever the payload is needed
// before key selection.
func FastParse(token string) (Token, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return Token{}, oidf.NewError(oidf.CodeParseError, "malformed compact jwt")
	}

	header, err := decodeSegment(parts[0])
	if err != nil {
		return Token{}, err
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return Token{}, err
	}

	return Token{Header: header, Payload: payload}, nil
}

// FastParsePayload returns the raw decoded payload segment of a compact
// JWS, without verification.
func FastParsePayload(token string) (json.RawMessage, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, oidf.NewError(oidf.CodeParseError, "malformed compact jwt")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, oidf.Errorf(oidf.CodeParseError, "could not decode jwt payload", err)
	}

	if !json.Valid(decoded) {
		return nil, oidf.NewError(oidf.CodeParseError, "jwt payload is not valid json")
	}

	return decoded, nil
}

func decodeSegment(segment string) (map[string]any, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return nil, oidf.Errorf(oidf.CodeParseError, "could not decode jwt segment", err)
	}

	var result map[string]any
	if err := json.Unmarshal(decoded, &result); err != nil {
		return nil, oidf.Errorf(oidf.CodeParseError, "could not parse jwt segment", err)
	}

	return result, nil
}

// ParseJWKSet parses a JWK set from either a JSON object with a "keys"
// member or a bare JSON array of keys.
func ParseJWKSet(data []byte) (jose.JSONWebKeySet, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return jose.JSONWebKeySet{}, oidf.NewError(oidf.CodeParseError, "empty jwk set")
	}

	if trimmed[0] == '[' {
		wrapped := append([]byte(`{"keys":`), trimmed...)
		wrapped = append(wrapped, '}')
		trimmed = wrapped
	}

	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(trimmed, &jwks); err != nil {
		return jose.JSONWebKeySet{}, oidf.Errorf(oidf.CodeParseError, "could not parse jwk set", err)
	}

	return jwks, nil
}

// MetadataJWKSet extracts the key set referenced by a metadata block:
// an inline "jwks" member wins, otherwise "jwks_uri" is downloaded.
func (s *Service) MetadataJWKSet(ctx context.Context, metadata json.RawMessage) (jose.JSONWebKeySet, error) {
	var fields struct {
		JWKS    json.RawMessage `json:"jwks"`
		JWKSURI string          `json:"jwks_uri"`
	}
	if err := json.Unmarshal(metadata, &fields); err != nil {
		return jose.JSONWebKeySet{}, oidf.Errorf(oidf.CodeParseError, "could not parse metadata", err)
	}

	if len(fields.JWKS) != 0 {
		return ParseJWKSet(fields.JWKS)
	}

	if fields.JWKSURI != "" {
		return s.fetchJWKSet(ctx, fields.JWKSURI)
	}

	return jose.JSONWebKeySet{}, oidf.NewError(oidf.CodeMissingJWKS, "metadata has neither jwks nor jwks_uri")
}

func (s *Service) fetchJWKSet(ctx context.Context, uri string) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, oidf.Errorf(oidf.CodeMissingJWKS, "invalid jwks_uri", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, oidf.Errorf(oidf.CodeMissingJWKS, fmt.Sprintf("could not download jwks from %s", uri), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, oidf.NewError(oidf.CodeMissingJWKS, fmt.Sprintf("jwks endpoint %s returned status %d", uri, resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return jose.JSONWebKeySet{}, oidf.Errorf(oidf.CodeMissingJWKS, "could not read jwks response", err)
	}

	return ParseJWKSet(body)
}

// Sign serializes claims as JSON and signs them with the first key of the
// set. The JWS header carries both alg and kid.
func (s *Service) Sign(claims any, jwks jose.JSONWebKeySet, opts *jose.SignerOptions) (string, error) {
	key, err := FirstKey(jwks)
	if err != nil {
		return "", err
	}

	alg := jose.SignatureAlgorithm(s.defaultAlg)
	if key.Algorithm != "" {
		alg = jose.SignatureAlgorithm(key.Algorithm)
	}

	if opts == nil {
		opts = &jose.SignerOptions{}
	}
	if _, ok := opts.ExtraHeaders[jose.HeaderType]; !ok {
		opts = opts.WithType("JWT")
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return "", oidf.Errorf(oidf.CodeParseError, "could not build the signer", err)
	}

	jws, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", oidf.Errorf(oidf.CodeParseError, "could not sign the claims", err)
	}

	return jws, nil
}

// Verify checks the compact JWS against the key referenced by its kid
// header and returns the verified payload. The alg header must belong to
// the configured allow list; anything else is rejected before any key
// lookup.
func (s *Service) Verify(token string, jwks jose.JSONWebKeySet) (json.RawMessage, error) {
	parsed, err := FastParse(token)
	if err != nil {
		return nil, err
	}

	alg, _ := parsed.Header["alg"].(string)
	if !slices.Contains(s.allowedAlgs, jose.SignatureAlgorithm(alg)) {
		return nil, oidf.NewError(oidf.CodeUnsupportedAlgorithm, fmt.Sprintf("signature algorithm %q is not allowed", alg))
	}

	kid, _ := parsed.Header["kid"].(string)
	keys := jwks.Key(kid)
	if len(keys) == 0 {
		return nil, oidf.NewError(oidf.CodeUnknownKid, fmt.Sprintf("no key with kid %q in the jwk set", kid))
	}

	jws, err := jose.ParseSigned(token, s.allowedAlgs)
	if err != nil {
		return nil, oidf.Errorf(oidf.CodeParseError, "could not parse the jws", err)
	}

	payload, err := jws.Verify(publicKey(keys[0]))
	if err != nil {
		return nil, oidf.Errorf(oidf.CodeParseError, "invalid jws signature", err)
	}

	return payload, nil
}

// NewRSAKey generates a 2048 bit RSA signing key with a random kid, for
// relying party onboarding.
func NewRSAKey() (jose.JSONWebKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return jose.JSONWebKey{}, err
	}

	return jose.JSONWebKey{
		Key:       key,
		KeyID:     uuid.NewString(),
		Algorithm: string(oidf.RS256),
		Use:       "sig",
	}, nil
}

// FirstKey returns the first key of the set.
func FirstKey(jwks jose.JSONWebKeySet) (jose.JSONWebKey, error) {
	if len(jwks.Keys) == 0 {
		return jose.JSONWebKey{}, oidf.NewError(oidf.CodeMissingJWKS, "jwk set is empty")
	}
	return jwks.Keys[0], nil
}

// PublicJWKS projects the set onto its public attributes.
func PublicJWKS(jwks jose.JSONWebKeySet) jose.JSONWebKeySet {
	public := jose.JSONWebKeySet{}
	for _, key := range jwks.Keys {
		if key.IsPublic() {
			public.Keys = append(public.Keys, key)
			continue
		}
		public.Keys = append(public.Keys, key.Public())
	}
	return public
}

// Kids lists the key identifiers present in the set.
func Kids(jwks jose.JSONWebKeySet) []string {
	kids := make([]string, 0, len(jwks.Keys))
	for _, key := range jwks.Keys {
		kids = append(kids, key.KeyID)
	}
	return kids
}

func publicKey(key jose.JSONWebKey) jose.JSONWebKey {
	if key.IsPublic() {
		return key
	}
	return key.Public()
}
