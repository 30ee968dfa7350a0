// Wire encoding for everything convo persists or sends: identity updates, group extensions,
// welcomes and envelopes. Messages are plain structs encoded as protocol buffers by field order.
package wire

import (
	"fmt"

	"go.dedis.ch/protobuf"
)

// DecodeError is returned for malformed bytes. Decoding the same bytes again will fail again.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: error decoding %s: %s", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) IsRetryable() bool {
	return false
}

func Encode(structPtr interface{}) ([]byte, error) {
	b, err := protobuf.Encode(structPtr)
	if err != nil {
		return nil, fmt.Errorf("wire: error encoding %T: %w", structPtr, err)
	}
	return b, nil
}

func Decode(b []byte, structPtr interface{}) error {
	if err := protobuf.Decode(b, structPtr); err != nil {
		return &DecodeError{Type: fmt.Sprintf("%T", structPtr), Err: err}
	}
	return nil
}
