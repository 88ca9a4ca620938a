package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spid-oidc/go-rp/internal/entity"
	"github.com/spid-oidc/go-rp/internal/fetch"
	"github.com/spid-oidc/go-rp/internal/jwx"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

const (
	defaultMaxPathLen        = 10
	defaultMaxAuthorityHints = 10
)

// Builder walks from a subject upward through authority hints until the
// trust anchor vouches for the path, then merges the metadata policies
// found along the way.
type Builder struct {
	JWX               *jwx.Service
	Fetcher           *fetch.Client
	Logger            *slog.Logger
	MaxAuthorityHints int
	MaxPathLen        int
	AllowedTrustMarks []oidf.AllowedTrustMark
}

// Chain is the artifact of a successful build, ready to be persisted as an
// oidf.TrustChain.
type Chain struct {
	Subject            string
	TrustAnchor        string
	MetadataType       oidf.EntityType
	Statements         []string
	PartiesInvolved    []string
	FinalMetadata      json.RawMessage
	ExpiresAt          int
	VerifiedTrustMarks json.RawMessage
}

// Build resolves the trust chain of subject up to anchor for the given
// metadata type. The anchor configuration is axiomatically trusted: the
// caller is responsible for having checked it against the configured trust
// anchors.
func (b *Builder) Build(ctx context.Context, subject string, metadataType oidf.EntityType, anchor *entity.Configuration) (*Chain, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPathLen := b.MaxPathLen
	if maxPathLen <= 0 {
		maxPathLen = defaultMaxPathLen
	}
	maxHints := b.MaxAuthorityHints
	if maxHints <= 0 {
		maxHints = defaultMaxAuthorityHints
	}

	if !anchor.ValidateItself() {
		return nil, oidf.NewError(oidf.CodeInvalidTrustChain, fmt.Sprintf("the trust anchor configuration of %s does not verify", anchor.Subject()))
	}

	token, err := b.Fetcher.EntityConfiguration(ctx, subject)
	if err != nil {
		return nil, oidf.Errorf(oidf.CodeInvalidTrustChain, fmt.Sprintf("could not fetch the entity configuration of %s", subject), err)
	}

	subjectEC, err := entity.New(token, b.JWX, b.Fetcher, logger)
	if err != nil {
		return nil, err
	}

	if !subjectEC.ValidateItself() {
		return nil, oidf.NewError(oidf.CodeInvalidTrustChain, fmt.Sprintf("the entity configuration of %s does not verify under its own keys", subject))
	}

	if subjectEC.Metadata(metadataType) == nil {
		return nil, oidf.NewError(oidf.CodeMissingMetadata, fmt.Sprintf("%s publishes no metadata of type %s", subject, metadataType))
	}

	verifiedMarks, err := b.verifyTrustMarks(ctx, subjectEC, anchor)
	if err != nil {
		return nil, err
	}

	statements := []string{subjectEC.JWT()}
	parties := []string{subjectEC.Subject()}
	var policies []Policy

	cur := subjectEC
	visited := map[string]bool{subject: true}
	done := false

	for hop := 0; hop < maxPathLen && !done; hop++ {
		superiors := cur.GetSuperiors(ctx, maxHints, []*entity.Configuration{anchor})

		advanced := false
		for _, superior := range orderedSuperiors(superiors, anchor) {
			if visited[superior.Subject()] && superior.Subject() != anchor.Subject() {
				continue
			}

			verified := cur.ValidateBySuperiors(ctx, []*entity.Configuration{superior})
			if _, ok := verified[superior.Subject()]; !ok {
				continue
			}

			statement, ok := superior.DescendantStatementJWT(cur.Subject())
			if !ok {
				continue
			}

			policy, err := ParsePolicy(superior.DescendantPolicy(cur.Subject(), metadataType))
			if err != nil {
				return nil, err
			}

			statements = append(statements, statement)
			parties = append(parties, superior.Subject())
			policies = append(policies, policy)

			if superior.Subject() == anchor.Subject() {
				statements = append(statements, anchor.JWT())
				done = true
			} else {
				visited[superior.Subject()] = true
				cur = superior
			}

			advanced = true
			break
		}

		if !advanced {
			return nil, oidf.NewError(oidf.CodeInvalidTrustChain, fmt.Sprintf("no verified path from %s towards %s", subject, anchor.Subject()))
		}
	}

	if !done {
		return nil, oidf.NewError(oidf.CodeInvalidTrustChain, fmt.Sprintf("trust chain for %s exceeded the maximum path length %d", subject, maxPathLen))
	}

	finalMetadata, err := mergeMetadata(subjectEC, metadataType, policies)
	if err != nil {
		return nil, err
	}

	expiresAt, err := chainExpiry(statements)
	if err != nil {
		return nil, err
	}

	logger.Info("trust chain resolved",
		slog.String("sub", subject),
		slog.String("trust_anchor", anchor.Subject()),
		slog.Int("statements", len(statements)))

	return &Chain{
		Subject:            subject,
		TrustAnchor:        anchor.Subject(),
		MetadataType:       metadataType,
		Statements:         statements,
		PartiesInvolved:    parties,
		FinalMetadata:      finalMetadata,
		ExpiresAt:          expiresAt,
		VerifiedTrustMarks: verifiedMarks,
	}, nil
}

// orderedSuperiors prefers the trust anchor over any other verified
// superior so the walk terminates as soon as the anchor is reachable.
func orderedSuperiors(superiors []*entity.Configuration, anchor *entity.Configuration) []*entity.Configuration {
	ordered := make([]*entity.Configuration, 0, len(superiors))
	for _, superior := range superiors {
		if superior.Subject() == anchor.Subject() {
			ordered = append(ordered, superior)
		}
	}
	for _, superior := range superiors {
		if superior.Subject() != anchor.Subject() {
			ordered = append(ordered, superior)
		}
	}
	return ordered
}

// mergeMetadata applies the collected policies in trust anchor to subject
// order on the subject's own metadata block.
func mergeMetadata(subject *entity.Configuration, metadataType oidf.EntityType, policies []Policy) (json.RawMessage, error) {
	var merged Policy
	var err error

	for i := len(policies) - 1; i >= 0; i-- {
		if policies[i] == nil {
			continue
		}
		merged, err = merged.Merge(policies[i])
		if err != nil {
			return nil, oidf.Errorf(oidf.CodeInvalidTrustChain, "could not merge the metadata policies", err)
		}
	}

	var metadata map[string]any
	if err := json.Unmarshal(subject.Metadata(metadataType), &metadata); err != nil {
		return nil, oidf.Errorf(oidf.CodeParseError, fmt.Sprintf("could not parse the %s metadata of %s", metadataType, subject.Subject()), err)
	}

	if merged != nil {
		metadata, err = merged.Apply(metadata)
		if err != nil {
			return nil, oidf.Errorf(oidf.CodeInvalidTrustChain, "could not apply the metadata policies", err)
		}
	}

	if len(metadata) == 0 {
		return nil, oidf.NewError(oidf.CodeMissingMetadata, fmt.Sprintf("the merged %s metadata of %s is empty", metadataType, subject.Subject()))
	}

	return json.Marshal(metadata)
}

// chainExpiry computes the chain expiry as the minimum exp among all its
// statements.
func chainExpiry(statements []string) (int, error) {
	expiry := 0
	for _, statement := range statements {
		parsed, err := jwx.FastParse(statement)
		if err != nil {
			return 0, err
		}
		exp, ok := parsed.Payload["exp"].(float64)
		if !ok {
			return 0, oidf.NewError(oidf.CodeParseError, "statement without exp claim in the trust chain")
		}
		if expiry == 0 || int(exp) < expiry {
			expiry = int(exp)
		}
	}
	return expiry, nil
}
