package association

import "fmt"

// Error is a payload-free association failure. None of them are retryable: the same update
// applied to the same state fails the same way.
type Error string

func (e Error) Error() string {
	return "association: " + string(e)
}

func (e Error) IsRetryable() bool {
	return false
}

const (
	ErrNotCreated                   = Error("inbox has not been created")
	ErrMultipleCreate               = Error("inbox may only be created once")
	ErrMissingExistingMember        = Error("signer is not an existing member")
	ErrNewMemberIDSignatureMismatch = Error("new member signature does not match new member identifier")
	ErrReplay                       = Error("signature has already been used")
	ErrEmptyUpdate                  = Error("identity update has no actions")
	ErrInvalidSignature             = Error("signature is invalid")
	ErrUnknownSigner                = Error("signature from a signer the request does not need")
	ErrMissingSignatures            = Error("signature request is missing signatures")
	ErrMissingIdentityUpdate        = Error("identity update is missing from the local log")
)

type MemberNotAllowedError struct {
	Existing MemberKind
	New      MemberKind
}

func (e *MemberNotAllowedError) Error() string {
	return fmt.Sprintf("association: %s is not allowed to add %s", e.Existing, e.New)
}

func (e *MemberNotAllowedError) IsRetryable() bool {
	return false
}

type ChainIDMismatchError struct {
	Expected uint64
	Actual   uint64
}

func (e *ChainIDMismatchError) Error() string {
	return fmt.Sprintf("association: chain id mismatch, expected %d got %d", e.Expected, e.Actual)
}

func (e *ChainIDMismatchError) IsRetryable() bool {
	return false
}

type SignatureNotAllowedError struct {
	Kind   SignatureKind
	Member MemberKind
}

func (e *SignatureNotAllowedError) Error() string {
	return fmt.Sprintf("association: %s signatures are not allowed for %s members", e.Kind, e.Member)
}

func (e *SignatureNotAllowedError) IsRetryable() bool {
	return false
}

type InboxIDMismatchError struct {
	Expected string
	Actual   string
}

func (e *InboxIDMismatchError) Error() string {
	return fmt.Sprintf("association: inbox id mismatch, expected %s got %s", e.Expected, e.Actual)
}

func (e *InboxIDMismatchError) IsRetryable() bool {
	return false
}
