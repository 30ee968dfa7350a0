package association

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
	"github.com/meow-io/go-convo/errs"
)

// SmartContractVerifier checks ERC-1271 signatures against a wallet contract on a given chain.
type SmartContractVerifier interface {
	IsValidSignature(ctx context.Context, account string, chainID, blockNumber uint64, hash, signature []byte) (bool, error)
}

// UnverifiedSignature is a signature as received from the network. Installation signatures carry
// their public key, smart contract signatures carry the account and chain, wallet signatures
// carry nothing extra since the signer is recovered from the signature itself.
type UnverifiedSignature struct {
	Kind        SignatureKind
	Bytes       []byte
	PublicKey   []byte
	Account     string
	HasChainID  bool
	ChainID     uint64
	BlockNumber uint64
}

// Verify establishes who produced the signature over text.
func (s *UnverifiedSignature) Verify(ctx context.Context, text string, scv SmartContractVerifier) (VerifiedSignature, error) {
	switch s.Kind {
	case SignatureKindInstallationKey:
		if len(s.PublicKey) != ed25519.PublicKeySize {
			return VerifiedSignature{}, ErrInvalidSignature
		}
		if !ed25519.Verify(ed25519.PublicKey(s.PublicKey), []byte(text), s.Bytes) {
			return VerifiedSignature{}, ErrInvalidSignature
		}
		return NewVerifiedSignature(NewInstallation(s.PublicKey), s.Kind, s.Bytes, nil), nil
	case SignatureKindErc191, SignatureKindLegacyDelegated:
		address, err := recoverAddress(text, s.Bytes)
		if err != nil {
			return VerifiedSignature{}, err
		}
		return NewVerifiedSignature(NewEthereum(address), s.Kind, s.Bytes, nil), nil
	case SignatureKindErc1271:
		if !s.HasChainID {
			return VerifiedSignature{}, fmt.Errorf("association: smart contract signature for %s has no chain id: %w", s.Account, ErrInvalidSignature)
		}
		if scv == nil {
			return VerifiedSignature{}, fmt.Errorf("association: no smart contract verifier for %s: %w", s.Account, ErrInvalidSignature)
		}
		ok, err := scv.IsValidSignature(ctx, s.Account, s.ChainID, s.BlockNumber, accounts.TextHash([]byte(text)), s.Bytes)
		if err != nil {
			return VerifiedSignature{}, &errs.Transient{Op: "association: verifying smart contract signature", Err: err}
		}
		if !ok {
			return VerifiedSignature{}, ErrInvalidSignature
		}
		chainID := s.ChainID
		return NewVerifiedSignature(NewEthereum(s.Account), s.Kind, s.Bytes, &chainID), nil
	}
	return VerifiedSignature{}, fmt.Errorf("association: unknown signature kind %d: %w", s.Kind, ErrInvalidSignature)
}

// recoverAddress recovers the signer of an EIP-191 personal message. V may be 0/1 or 27/28.
func recoverAddress(text string, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", ErrInvalidSignature
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(text)), normalized)
	if err != nil {
		return "", fmt.Errorf("association: %s: %w", err, ErrInvalidSignature)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

type UnverifiedCreateInbox struct {
	Nonce                      uint64
	AccountIdentifier          string
	InitialIdentifierSignature UnverifiedSignature
}

type UnverifiedAddAssociation struct {
	NewMemberKind           uint32
	NewMemberIdentifier     string
	NewMemberSignature      UnverifiedSignature
	ExistingMemberSignature UnverifiedSignature
}

type UnverifiedRevokeAssociation struct {
	RevokedMemberKind           uint32
	RevokedMember               string
	RecoveryIdentifierSignature UnverifiedSignature
}

type UnverifiedChangeRecoveryIdentity struct {
	NewRecoveryIdentifier       string
	RecoveryIdentifierSignature UnverifiedSignature
}

// UnverifiedAction has exactly one field set.
type UnverifiedAction struct {
	CreateInbox            *UnverifiedCreateInbox
	AddAssociation         *UnverifiedAddAssociation
	RevokeAssociation      *UnverifiedRevokeAssociation
	ChangeRecoveryIdentity *UnverifiedChangeRecoveryIdentity
}

// UnverifiedIdentityUpdate is the form identity updates take on the wire and at rest.
type UnverifiedIdentityUpdate struct {
	InboxID           string
	ClientTimestampNs uint64
	Actions           []UnverifiedAction
}

type unsignedAction struct {
	Type              string `json:"type"`
	Nonce             uint64 `json:"nonce,string,omitempty"`
	Account           string `json:"account_identifier,omitempty"`
	NewMember         string `json:"new_member_identifier,omitempty"`
	RevokedMember     string `json:"revoked_member,omitempty"`
	NewRecovery       string `json:"new_recovery_identifier,omitempty"`
	NewMemberKind     string `json:"new_member_kind,omitempty"`
	RevokedMemberKind string `json:"revoked_member_kind,omitempty"`
}

type unsignedUpdate struct {
	InboxID           string           `json:"inbox_id"`
	ClientTimestampNs uint64           `json:"client_timestamp_ns,string"`
	Actions           []unsignedAction `json:"actions"`
}

// SignatureText is the RFC 8785 canonical JSON of the update without its signatures. Every
// signer in the update signs this same text.
func (u *UnverifiedIdentityUpdate) SignatureText() (string, error) {
	return signatureText(u.InboxID, u.ClientTimestampNs, u.Actions)
}

func signatureText(inboxID string, clientTimestampNs uint64, actions []UnverifiedAction) (string, error) {
	unsigned := unsignedUpdate{InboxID: inboxID, ClientTimestampNs: clientTimestampNs, Actions: []unsignedAction{}}
	for _, a := range actions {
		switch {
		case a.CreateInbox != nil:
			unsigned.Actions = append(unsigned.Actions, unsignedAction{Type: "create_inbox", Nonce: a.CreateInbox.Nonce, Account: a.CreateInbox.AccountIdentifier})
		case a.AddAssociation != nil:
			unsigned.Actions = append(unsigned.Actions, unsignedAction{Type: "add_association", NewMember: a.AddAssociation.NewMemberIdentifier, NewMemberKind: MemberKind(a.AddAssociation.NewMemberKind).String()})
		case a.RevokeAssociation != nil:
			unsigned.Actions = append(unsigned.Actions, unsignedAction{Type: "revoke_association", RevokedMember: a.RevokeAssociation.RevokedMember, RevokedMemberKind: MemberKind(a.RevokeAssociation.RevokedMemberKind).String()})
		case a.ChangeRecoveryIdentity != nil:
			unsigned.Actions = append(unsigned.Actions, unsignedAction{Type: "change_recovery_identifier", NewRecovery: a.ChangeRecoveryIdentity.NewRecoveryIdentifier})
		default:
			return "", fmt.Errorf("association: empty action in update for %s", inboxID)
		}
	}
	b, err := json.Marshal(unsigned)
	if err != nil {
		return "", fmt.Errorf("association: error marshaling signature text: %w", err)
	}
	canonical, err := jcs.Transform(b)
	if err != nil {
		return "", fmt.Errorf("association: error canonicalizing signature text: %w", err)
	}
	return string(canonical), nil
}

// ToVerified checks every signature in the update and produces the verified update.
func (u *UnverifiedIdentityUpdate) ToVerified(ctx context.Context, scv SmartContractVerifier) (*IdentityUpdate, error) {
	text, err := u.SignatureText()
	if err != nil {
		return nil, err
	}
	verify := func(s UnverifiedSignature) (VerifiedSignature, error) {
		return s.Verify(ctx, text, scv)
	}

	actions := make([]Action, 0, len(u.Actions))
	for _, a := range u.Actions {
		switch {
		case a.CreateInbox != nil:
			sig, err := verify(a.CreateInbox.InitialIdentifierSignature)
			if err != nil {
				return nil, err
			}
			actions = append(actions, &CreateInbox{
				Nonce:                      a.CreateInbox.Nonce,
				AccountIdentifier:          NewEthereum(a.CreateInbox.AccountIdentifier),
				InitialIdentifierSignature: sig,
			})
		case a.AddAssociation != nil:
			existing, err := verify(a.AddAssociation.ExistingMemberSignature)
			if err != nil {
				return nil, err
			}
			added, err := verify(a.AddAssociation.NewMemberSignature)
			if err != nil {
				return nil, err
			}
			actions = append(actions, &AddAssociation{
				NewMemberIdentifier:     MemberIdentifier{Kind: MemberKind(a.AddAssociation.NewMemberKind), Value: a.AddAssociation.NewMemberIdentifier},
				NewMemberSignature:      added,
				ExistingMemberSignature: existing,
			})
		case a.RevokeAssociation != nil:
			sig, err := verify(a.RevokeAssociation.RecoveryIdentifierSignature)
			if err != nil {
				return nil, err
			}
			actions = append(actions, &RevokeAssociation{
				RecoveryIdentifierSignature: sig,
				RevokedMember:               MemberIdentifier{Kind: MemberKind(a.RevokeAssociation.RevokedMemberKind), Value: a.RevokeAssociation.RevokedMember},
			})
		case a.ChangeRecoveryIdentity != nil:
			sig, err := verify(a.ChangeRecoveryIdentity.RecoveryIdentifierSignature)
			if err != nil {
				return nil, err
			}
			actions = append(actions, &ChangeRecoveryIdentity{
				RecoveryIdentifierSignature: sig,
				NewRecoveryIdentifier:       NewEthereum(a.ChangeRecoveryIdentity.NewRecoveryIdentifier),
			})
		}
	}
	return NewIdentityUpdate(u.InboxID, u.ClientTimestampNs, actions...), nil
}
