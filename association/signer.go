package association

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

type Signer interface {
	Identifier() MemberIdentifier
	Sign(text string) (UnverifiedSignature, error)
}

// InstallationSigner signs with an installation's ed25519 key.
type InstallationSigner struct {
	key ed25519.PrivateKey
}

func NewInstallationSigner(key ed25519.PrivateKey) *InstallationSigner {
	return &InstallationSigner{key: key}
}

func GenerateInstallationSigner() (*InstallationSigner, error) {
	_, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewInstallationSigner(priv), nil
}

// Deterministic keys for scenarios and tests.
func InstallationSignerFromSeed(seed string) *InstallationSigner {
	h := sha256.Sum256([]byte("installation:" + seed))
	return NewInstallationSigner(ed25519.NewKeyFromSeed(h[:]))
}

func (s *InstallationSigner) PublicKey() []byte {
	return []byte(s.key.Public().(ed25519.PublicKey))
}

func (s *InstallationSigner) PrivateKey() ed25519.PrivateKey {
	return s.key
}

func (s *InstallationSigner) Identifier() MemberIdentifier {
	return NewInstallation(s.PublicKey())
}

func (s *InstallationSigner) Sign(text string) (UnverifiedSignature, error) {
	return UnverifiedSignature{
		Kind:      SignatureKindInstallationKey,
		Bytes:     ed25519.Sign(s.key, []byte(text)),
		PublicKey: s.PublicKey(),
	}, nil
}

// WalletSigner produces EIP-191 personal signatures.
type WalletSigner struct {
	key  *ecdsa.PrivateKey
	kind SignatureKind
}

func GenerateWalletSigner() (*WalletSigner, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("association: error generating wallet key: %w", err)
	}
	return &WalletSigner{key: key, kind: SignatureKindErc191}, nil
}

func WalletSignerFromSeed(seed string) (*WalletSigner, error) {
	h := sha256.Sum256([]byte("wallet:" + seed))
	key, err := ethcrypto.ToECDSA(h[:])
	if err != nil {
		return nil, fmt.Errorf("association: error making wallet key: %w", err)
	}
	return &WalletSigner{key: key, kind: SignatureKindErc191}, nil
}

// AsLegacy signs the same way but marks signatures as legacy delegated.
func (w *WalletSigner) AsLegacy() *WalletSigner {
	return &WalletSigner{key: w.key, kind: SignatureKindLegacyDelegated}
}

func (w *WalletSigner) Address() string {
	return ethcrypto.PubkeyToAddress(w.key.PublicKey).Hex()
}

func (w *WalletSigner) Identifier() MemberIdentifier {
	return NewEthereum(w.Address())
}

func (w *WalletSigner) Sign(text string) (UnverifiedSignature, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(text)), w.key)
	if err != nil {
		return UnverifiedSignature{}, fmt.Errorf("association: error signing: %w", err)
	}
	sig[64] += 27
	return UnverifiedSignature{Kind: w.kind, Bytes: sig}, nil
}
