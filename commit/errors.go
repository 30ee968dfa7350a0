package commit

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/meow-io/go-convo/errs"
)

// Error is a payload-free validation failure. A commit that fails validation fails the same way
// every time, so none of these are retryable.
type Error string

func (e Error) Error() string {
	return "commit: " + string(e)
}

func (e Error) IsRetryable() bool {
	return false
}

const (
	ErrActorCouldNotBeFound    = Error("actor could not be found")
	ErrActorNotMember          = Error("actor is not a member of the group")
	ErrSubjectDoesNotExist     = Error("subject is not a member of the group")
	ErrMultipleActors          = Error("commit contains changes from multiple actors")
	ErrMissingGroupMembership  = Error("group membership extension is missing")
	ErrMissingMutableMetadata  = Error("mutable metadata extension is missing")
	ErrMissingGroupMetadata    = Error("immutable metadata extension is missing")
	ErrSequenceIDDecreased     = Error("sequence id can only increase")
	ErrNoPSKSupport            = Error("pre-shared key proposals are not supported")
	ErrInsufficientPermissions = Error("actor has insufficient permissions")
)

func hexIDs(ids [][]byte) string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, hex.EncodeToString(id))
	}
	return strings.Join(out, ",")
}

// UnexpectedInstallationAddedError lists installations whose addition the commit and the identity
// logs disagree on.
type UnexpectedInstallationAddedError struct {
	Installations [][]byte
}

func (e *UnexpectedInstallationAddedError) Error() string {
	return fmt.Sprintf("commit: unexpected installations added: [%s]", hexIDs(e.Installations))
}

func (e *UnexpectedInstallationAddedError) IsRetryable() bool {
	return false
}

type UnexpectedInstallationsRemovedError struct {
	Installations [][]byte
}

func (e *UnexpectedInstallationsRemovedError) Error() string {
	return fmt.Sprintf("commit: unexpected installations removed: [%s]", hexIDs(e.Installations))
}

func (e *UnexpectedInstallationsRemovedError) IsRetryable() bool {
	return false
}

// InboxValidationFailedError means a participant's installation is not in its inbox's association
// state at the sequence id the group admits.
type InboxValidationFailedError struct {
	InboxID string
}

func (e *InboxValidationFailedError) Error() string {
	return "commit: inbox validation failed for " + e.InboxID
}

func (e *InboxValidationFailedError) IsRetryable() bool {
	return false
}

type InvalidVersionFormatError struct {
	Version string
}

func (e *InvalidVersionFormatError) Error() string {
	return "commit: invalid version format: " + e.Version
}

func (e *InvalidVersionFormatError) IsRetryable() bool {
	return false
}

type ProtocolVersionTooLowError struct {
	MinimumVersion string
}

func (e *ProtocolVersionTooLowError) Error() string {
	return fmt.Sprintf("commit: minimum supported protocol version %s exceeds current version", e.MinimumVersion)
}

func (e *ProtocolVersionTooLowError) IsRetryable() bool {
	return false
}

type TooManyCharactersError struct {
	Field  string
	Length int
}

func (e *TooManyCharactersError) Error() string {
	return fmt.Sprintf("commit: %s must be at most %d characters", e.Field, e.Length)
}

func (e *TooManyCharactersError) IsRetryable() bool {
	return false
}

// InstallationDiffError wraps failures loading identity state. It is retryable when the
// underlying failure is.
type InstallationDiffError struct {
	Err error
}

func (e *InstallationDiffError) Error() string {
	return "commit: error computing installation diff: " + e.Err.Error()
}

func (e *InstallationDiffError) Unwrap() error {
	return e.Err
}

func (e *InstallationDiffError) IsRetryable() bool {
	return errs.IsRetryable(e.Err)
}
