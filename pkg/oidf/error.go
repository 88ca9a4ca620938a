package oidf

import (
	"errors"
	"fmt"
)

// Code classifies a failure of the relying party core. The codes mirror the
// semantic kinds of the federation flow rather than transport details.
type Code string

const (
	CodeFetchFailed          Code = "fetch_failed"
	CodeParseError           Code = "parse_error"
	CodeUnknownKid           Code = "unknown_kid"
	CodeUnsupportedAlgorithm Code = "unsupported_algorithm"
	CodeMissingJWKS          Code = "missing_jwks"
	CodeInvalidTrustAnchor   Code = "invalid_trust_anchor"
	CodeMissingProvider      Code = "missing_provider"
	CodeTrustChainDisabled   Code = "trust_chain_disabled"
	CodeInvalidTrustChain    Code = "invalid_trust_chain"
	CodeMissingMetadata      Code = "missing_metadata"
	CodeMismatchedSubject    Code = "mismatched_subject"
	CodeMissingConfiguration Code = "missing_configuration"
	CodeConflictingState     Code = "conflicting_state"
	CodeInvalidConfiguration Code = "invalid_configuration"
)

// ErrNotFound is returned by storage managers when no row matches the
// requested key.
var ErrNotFound = errors.New("entity not found")

type Error struct {
	Code        Code   `json:"error"`
	Description string `json:"error_description"`
	wrapped     error
}

func NewError(code Code, desc string) Error {
	return Error{
		Code:        code,
		Description: desc,
	}
}

// Errorf wraps err so that callers can still reach the cause through
// errors.Unwrap while classifying it under code.
func Errorf(code Code, desc string, err error) Error {
	return Error{
		Code:        code,
		Description: desc,
		wrapped:     err,
	}
}

func (err Error) Error() string {
	return fmt.Sprintf("%s %s", err.Code, err.Description)
}

func (err Error) Unwrap() error {
	return err.wrapped
}

// HasCode reports whether the first Error found in err's chain (err itself
// or an error it wraps) carries the given code. Errors wrapped inside that
// first Error are not consulted.
func HasCode(err error, code Code) bool {
	var oidfErr Error
	if !errors.As(err, &oidfErr) {
		return false
	}
	return oidfErr.Code == code
}
