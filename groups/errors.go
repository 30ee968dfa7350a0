package groups

// Error is a malformed stored or received value. Decoding it again gives the same result, so none
// of these are retryable.
type Error string

func (e Error) Error() string {
	return "groups: " + string(e)
}

func (e Error) IsRetryable() bool {
	return false
}

const (
	ErrUnknownConversationType = Error("unknown conversation type")
)
