package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	zeroNonce12 = make([]byte, chacha20poly1305.NonceSize)

	ErrShortCiphertext = errors.New("crypto: ciphertext too short")
)

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// A fresh x25519 key pair for sealing welcomes to an installation.
func NewInitKey() (pub, priv []byte) {
	p := nacl.NewKey()
	return scalarmult.Base(p)[:], p[:]
}

func PublicInitKey(priv []byte) []byte {
	return scalarmult.Base(SliceToKey(priv))[:]
}

// SealTo encrypts msg to the holder of the private half of pub. The result carries a single use
// ephemeral public key ahead of the ciphertext.
func SealTo(pub, msg, ad []byte) ([]byte, error) {
	if len(pub) != 32 {
		return nil, fmt.Errorf("crypto: expected init key of length 32, got %d", len(pub))
	}
	ephPriv := nacl.NewKey()
	ephPub := scalarmult.Base(ephPriv)
	key := box.Precompute(SliceToKey(pub), ephPriv)
	enc, err := encryptWithNonce(key[:], zeroNonce12, msg, ad)
	if err != nil {
		return nil, err
	}
	return append(ephPub[:], enc...), nil
}

func OpenWith(priv, sealed, ad []byte) ([]byte, error) {
	if len(sealed) < 32 {
		return nil, ErrShortCiphertext
	}
	key := box.Precompute(SliceToKey(sealed[:32]), SliceToKey(priv))
	return decryptWithNonce(key[:], zeroNonce12, sealed[32:], ad)
}

// EncryptWithKey encrypts under a long lived key, so each message gets a random nonce which is
// prepended to the ciphertext.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, err
	}
	enc, err := encryptWithNonce(key, nonce, msg, ad)
	if err != nil {
		return nil, err
	}
	return append(nonce, enc...), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(enc) < chacha20poly1305.NonceSize {
		return nil, ErrShortCiphertext
	}
	return decryptWithNonce(key, enc[:chacha20poly1305.NonceSize], enc[chacha20poly1305.NonceSize:], ad)
}

func encryptWithNonce(key, nonce, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, nonce, msg, ad), nil
}

func decryptWithNonce(key, nonce, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, nonce, enc, ad)
}
