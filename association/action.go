package association

import "fmt"

type SignatureKind uint32

const (
	SignatureKindErc191          SignatureKind = 1
	SignatureKindErc1271         SignatureKind = 2
	SignatureKindInstallationKey SignatureKind = 3
	SignatureKindLegacyDelegated SignatureKind = 4
)

func (k SignatureKind) String() string {
	switch k {
	case SignatureKindErc191:
		return "erc191"
	case SignatureKindErc1271:
		return "erc1271"
	case SignatureKindInstallationKey:
		return "installation-key"
	case SignatureKindLegacyDelegated:
		return "legacy-delegated"
	}
	return fmt.Sprintf("unknown(%d)", uint32(k))
}

// A signature whose signer has already been established cryptographically.
type VerifiedSignature struct {
	Signer  MemberIdentifier
	Kind    SignatureKind
	Bytes   []byte
	ChainID *uint64
}

func NewVerifiedSignature(signer MemberIdentifier, kind SignatureKind, b []byte, chainID *uint64) VerifiedSignature {
	return VerifiedSignature{Signer: signer, Kind: kind, Bytes: b, ChainID: chainID}
}

// Action is one of CreateInbox, AddAssociation, RevokeAssociation or ChangeRecoveryIdentity.
type Action interface {
	apply(state *AssociationState, clientTimestampNs uint64) (*AssociationState, error)
	Signatures() []VerifiedSignature
}

type CreateInbox struct {
	Nonce                      uint64
	AccountIdentifier          MemberIdentifier
	InitialIdentifierSignature VerifiedSignature
}

func (a *CreateInbox) Signatures() []VerifiedSignature {
	return []VerifiedSignature{a.InitialIdentifierSignature}
}

type AddAssociation struct {
	NewMemberIdentifier     MemberIdentifier
	NewMemberSignature      VerifiedSignature
	ExistingMemberSignature VerifiedSignature
}

func (a *AddAssociation) Signatures() []VerifiedSignature {
	return []VerifiedSignature{a.ExistingMemberSignature, a.NewMemberSignature}
}

type RevokeAssociation struct {
	RecoveryIdentifierSignature VerifiedSignature
	RevokedMember               MemberIdentifier
}

func (a *RevokeAssociation) Signatures() []VerifiedSignature {
	return []VerifiedSignature{a.RecoveryIdentifierSignature}
}

type ChangeRecoveryIdentity struct {
	RecoveryIdentifierSignature VerifiedSignature
	NewRecoveryIdentifier       MemberIdentifier
}

func (a *ChangeRecoveryIdentity) Signatures() []VerifiedSignature {
	return []VerifiedSignature{a.RecoveryIdentifierSignature}
}

// IdentityUpdate is a batch of actions applied atomically: if one action fails, none apply.
type IdentityUpdate struct {
	InboxID           string
	ClientTimestampNs uint64
	Actions           []Action
}

func NewIdentityUpdate(inboxID string, clientTimestampNs uint64, actions ...Action) *IdentityUpdate {
	return &IdentityUpdate{InboxID: inboxID, ClientTimestampNs: clientTimestampNs, Actions: actions}
}
