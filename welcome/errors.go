package welcome

import (
	"encoding/hex"
	"fmt"
	"strings"
)

type Error string

func (e Error) Error() string {
	return "welcome: " + string(e)
}

func (e Error) IsRetryable() bool {
	return false
}

const (
	ErrWelcomeAlreadyProcessed = Error("group is already active at this epoch or later")
	ErrMissingGroupMembership  = Error("welcome has no group membership extension")
	ErrMissingGroupMetadata    = Error("welcome has no group metadata extension")
	ErrNoOneshotHandler        = Error("no handler for oneshot conversations")
)

// MembershipMismatchError means the tree a welcome delivers is not the one the group membership
// extension and the identity logs describe.
type MembershipMismatchError struct {
	Missing    [][]byte
	Unexpected [][]byte
	Unknown    []string
}

func (e *MembershipMismatchError) Error() string {
	enc := func(keys [][]byte) string {
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, hex.EncodeToString(k))
		}
		return strings.Join(out, ",")
	}
	return fmt.Sprintf("welcome: initial membership mismatch, missing=[%s] unexpected=[%s] unknown inboxes=[%s]",
		enc(e.Missing), enc(e.Unexpected), strings.Join(e.Unknown, ","))
}

func (e *MembershipMismatchError) IsRetryable() bool {
	return false
}
