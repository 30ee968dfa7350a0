package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"golang.org/x/crypto/hkdf"
)

// A random 32 byte secret.
func NewSecret() []byte {
	return nacl.NewKey()[:]
}

// DeriveSecret expands secret into a new 32 byte secret bound to label and context.
func DeriveSecret(secret []byte, label string, context []byte) ([]byte, error) {
	info := Concat([]byte("convo "+label), context)
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), out); err != nil {
		return nil, fmt.Errorf("crypto: error deriving %s: %w", label, err)
	}
	return out, nil
}

// Concat joins parts with a length prefix on each so different splits never collide.
func Concat(parts ...[]byte) []byte {
	msg := []byte{}
	for _, m := range parts {
		msg = binary.BigEndian.AppendUint64(msg, uint64(len(m)))
		msg = append(msg, m...)
	}
	return msg
}

func Hash(parts ...[]byte) []byte {
	h := sha256.Sum256(Concat(parts...))
	return h[:]
}
