package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-jose/go-jose/v4"

	"github.com/spid-oidc/go-rp/internal/entity"
	"github.com/spid-oidc/go-rp/internal/jwx"
	"github.com/spid-oidc/go-rp/internal/timeutil"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

// verifyTrustMarks enforces the allowed trust marks configuration: when the
// allow list is non empty the subject must carry at least one trust mark
// whose id and anchor pair is allowed and whose signature verifies under
// keys vouched for by the anchor. The verified marks are returned as a JSON
// array.
func (b *Builder) verifyTrustMarks(ctx context.Context, subject *entity.Configuration, anchor *entity.Configuration) (json.RawMessage, error) {
	if len(b.AllowedTrustMarks) == 0 {
		return nil, nil
	}

	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	marks := subject.TrustMarks()
	if len(marks) == 0 {
		return nil, oidf.NewError(oidf.CodeInvalidTrustChain, fmt.Sprintf("%s carries no trust marks but an allow list is configured", subject.Subject()))
	}

	issuerKeys := map[string]jose.JSONWebKeySet{}
	var verified []entity.TrustMarkRef

	for _, ref := range marks {
		parsed, err := jwx.FastParse(ref.TrustMark)
		if err != nil {
			logger.Warn("malformed trust mark", slog.String("sub", subject.Subject()), slog.String("error", err.Error()))
			continue
		}

		id, _ := parsed.Payload["id"].(string)
		if id == "" {
			id = ref.ID
		}
		issuer, _ := parsed.Payload["iss"].(string)

		if !b.isAllowedTrustMark(id, anchor.Subject()) {
			continue
		}

		if exp, ok := parsed.Payload["exp"].(float64); ok && int(exp) < timeutil.TimestampNow() {
			logger.Warn("expired trust mark", slog.String("sub", subject.Subject()), slog.String("id", id))
			continue
		}

		keys, ok := issuerKeys[issuer]
		if !ok {
			keys, err = b.trustMarkIssuerKeys(ctx, issuer, anchor)
			if err != nil {
				logger.Warn("could not resolve the trust mark issuer",
					slog.String("issuer", issuer), slog.String("error", err.Error()))
				continue
			}
			issuerKeys[issuer] = keys
		}

		if _, err := b.JWX.Verify(ref.TrustMark, keys); err != nil {
			logger.Warn("trust mark signature did not verify",
				slog.String("sub", subject.Subject()), slog.String("id", id), slog.String("error", err.Error()))
			continue
		}

		verified = append(verified, ref)
	}

	if len(verified) == 0 {
		return nil, oidf.NewError(oidf.CodeInvalidTrustChain, fmt.Sprintf("none of the trust marks of %s is allowed and verified", subject.Subject()))
	}

	return json.Marshal(verified)
}

func (b *Builder) isAllowedTrustMark(id, anchor string) bool {
	for _, allowed := range b.AllowedTrustMarks {
		if allowed.ID != id {
			continue
		}
		if allowed.TrustAnchor == "" || allowed.TrustAnchor == anchor {
			return true
		}
	}
	return false
}

// trustMarkIssuerKeys resolves the key set of a trust mark issuer. The
// anchor's own keys serve directly; any other issuer must publish an entity
// configuration the anchor vouches for through a subordinate statement.
func (b *Builder) trustMarkIssuerKeys(ctx context.Context, issuer string, anchor *entity.Configuration) (jose.JSONWebKeySet, error) {
	if issuer == "" || issuer == anchor.Subject() {
		return anchor.JWKS(), nil
	}

	token, err := b.Fetcher.EntityConfiguration(ctx, issuer)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	issuerEC, err := entity.New(token, b.JWX, b.Fetcher, b.Logger)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	if !issuerEC.ValidateItself() {
		return jose.JSONWebKeySet{}, oidf.NewError(oidf.CodeInvalidTrustChain, fmt.Sprintf("the configuration of trust mark issuer %s does not verify", issuer))
	}

	verified := issuerEC.ValidateBySuperiors(ctx, []*entity.Configuration{anchor})
	if _, ok := verified[anchor.Subject()]; !ok {
		return jose.JSONWebKeySet{}, oidf.NewError(oidf.CodeInvalidTrustChain, fmt.Sprintf("trust mark issuer %s is not vouched for by %s", issuer, anchor.Subject()))
	}

	return issuerEC.JWKS(), nil
}
