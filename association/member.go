package association

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

type MemberKind uint32

const (
	MemberKindEthereum     MemberKind = 1
	MemberKindInstallation MemberKind = 2
)

func (k MemberKind) String() string {
	switch k {
	case MemberKindEthereum:
		return "ethereum"
	case MemberKindInstallation:
		return "installation"
	}
	return fmt.Sprintf("unknown(%d)", uint32(k))
}

// MemberIdentifier is either a lowercase 0x-prefixed wallet address or the hex encoding of an
// installation's public signature key. It is comparable and used as a map key.
type MemberIdentifier struct {
	Kind  MemberKind
	Value string
}

func NewEthereum(address string) MemberIdentifier {
	return MemberIdentifier{Kind: MemberKindEthereum, Value: strings.ToLower(address)}
}

func NewInstallation(key []byte) MemberIdentifier {
	return MemberIdentifier{Kind: MemberKindInstallation, Value: hex.EncodeToString(key)}
}

func (m MemberIdentifier) IsInstallation() bool {
	return m.Kind == MemberKindInstallation
}

// InstallationKey returns the raw key bytes of an installation identifier, or nil.
func (m MemberIdentifier) InstallationKey() []byte {
	if m.Kind != MemberKindInstallation {
		return nil
	}
	b, err := hex.DecodeString(m.Value)
	if err != nil {
		return nil
	}
	return b
}

func (m MemberIdentifier) String() string {
	return fmt.Sprintf("%s:%s", m.Kind, m.Value)
}

func compareIdentifiers(a, b MemberIdentifier) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Value, b.Value)
}

// GenerateInboxID derives the inbox id an account creates with a given nonce.
func GenerateInboxID(account MemberIdentifier, nonce uint64) string {
	h := sha256.New()
	h.Write([]byte(account.Value))
	h.Write(binary.BigEndian.AppendUint64(nil, nonce))
	return hex.EncodeToString(h.Sum(nil))
}

type Member struct {
	Identifier        MemberIdentifier
	AddedByEntity     *MemberIdentifier
	ClientTimestampNs uint64
	AddedOnChainID    *uint64
	IsCreator         bool
}

func (m Member) Kind() MemberKind {
	return m.Identifier.Kind
}

func (m Member) addedBy(parent MemberIdentifier) bool {
	return m.AddedByEntity != nil && *m.AddedByEntity == parent
}
