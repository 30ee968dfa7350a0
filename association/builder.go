package association

import (
	"context"
	"fmt"
)

type signatureField int

const (
	fieldInitial signatureField = iota
	fieldExisting
	fieldNew
	fieldRecovery
)

type signatureSlot struct {
	signer MemberIdentifier
	field  signatureField
	sig    *UnverifiedSignature
}

type pendingAction struct {
	action UnverifiedAction
	slots  []*signatureSlot
}

// SignatureRequestBuilder collects actions for one identity update before it is signed.
type SignatureRequestBuilder struct {
	inboxID           string
	clientTimestampNs uint64
	actions           []*pendingAction
}

func NewSignatureRequestBuilder(inboxID string, clientTimestampNs uint64) *SignatureRequestBuilder {
	return &SignatureRequestBuilder{inboxID: inboxID, clientTimestampNs: clientTimestampNs}
}

func (b *SignatureRequestBuilder) CreateInbox(account MemberIdentifier, nonce uint64) *SignatureRequestBuilder {
	b.actions = append(b.actions, &pendingAction{
		action: UnverifiedAction{CreateInbox: &UnverifiedCreateInbox{Nonce: nonce, AccountIdentifier: account.Value}},
		slots:  []*signatureSlot{{signer: account, field: fieldInitial}},
	})
	return b
}

func (b *SignatureRequestBuilder) AddAssociation(newMember, existingMember MemberIdentifier) *SignatureRequestBuilder {
	b.actions = append(b.actions, &pendingAction{
		action: UnverifiedAction{AddAssociation: &UnverifiedAddAssociation{NewMemberKind: uint32(newMember.Kind), NewMemberIdentifier: newMember.Value}},
		slots: []*signatureSlot{
			{signer: existingMember, field: fieldExisting},
			{signer: newMember, field: fieldNew},
		},
	})
	return b
}

func (b *SignatureRequestBuilder) RevokeAssociation(recovery, revoked MemberIdentifier) *SignatureRequestBuilder {
	b.actions = append(b.actions, &pendingAction{
		action: UnverifiedAction{RevokeAssociation: &UnverifiedRevokeAssociation{RevokedMemberKind: uint32(revoked.Kind), RevokedMember: revoked.Value}},
		slots:  []*signatureSlot{{signer: recovery, field: fieldRecovery}},
	})
	return b
}

func (b *SignatureRequestBuilder) ChangeRecoveryIdentity(recovery, newRecovery MemberIdentifier) *SignatureRequestBuilder {
	b.actions = append(b.actions, &pendingAction{
		action: UnverifiedAction{ChangeRecoveryIdentity: &UnverifiedChangeRecoveryIdentity{NewRecoveryIdentifier: newRecovery.Value}},
		slots:  []*signatureSlot{{signer: recovery, field: fieldRecovery}},
	})
	return b
}

func (b *SignatureRequestBuilder) Build() (*SignatureRequest, error) {
	actions := make([]UnverifiedAction, len(b.actions))
	for i, a := range b.actions {
		actions[i] = a.action
	}
	text, err := signatureText(b.inboxID, b.clientTimestampNs, actions)
	if err != nil {
		return nil, err
	}
	return &SignatureRequest{
		inboxID:           b.inboxID,
		clientTimestampNs: b.clientTimestampNs,
		signatureText:     text,
		actions:           b.actions,
	}, nil
}

// SignatureRequest is an update waiting for its signatures.
type SignatureRequest struct {
	inboxID           string
	clientTimestampNs uint64
	signatureText     string
	actions           []*pendingAction
}

func (r *SignatureRequest) InboxID() string {
	return r.inboxID
}

func (r *SignatureRequest) SignatureText() string {
	return r.signatureText
}

func (r *SignatureRequest) MissingSignatures() []MemberIdentifier {
	seen := map[MemberIdentifier]bool{}
	out := []MemberIdentifier{}
	for _, a := range r.actions {
		for _, s := range a.slots {
			if s.sig == nil && !seen[s.signer] {
				seen[s.signer] = true
				out = append(out, s.signer)
			}
		}
	}
	return out
}

func (r *SignatureRequest) IsReady() bool {
	return len(r.MissingSignatures()) == 0
}

// AddSignature verifies sig and fills every slot waiting on its signer.
func (r *SignatureRequest) AddSignature(ctx context.Context, sig UnverifiedSignature, scv SmartContractVerifier) error {
	verified, err := sig.Verify(ctx, r.signatureText, scv)
	if err != nil {
		return err
	}
	filled := false
	for _, a := range r.actions {
		for _, s := range a.slots {
			if s.sig == nil && s.signer == verified.Signer {
				sigCopy := sig
				s.sig = &sigCopy
				filled = true
			}
		}
	}
	if !filled {
		return fmt.Errorf("association: %s: %w", verified.Signer, ErrUnknownSigner)
	}
	return nil
}

// Sign asks each signer to sign the request text and adds the result.
func (r *SignatureRequest) Sign(ctx context.Context, scv SmartContractVerifier, signers ...Signer) error {
	for _, signer := range signers {
		sig, err := signer.Sign(r.signatureText)
		if err != nil {
			return err
		}
		if err := r.AddSignature(ctx, sig, scv); err != nil {
			return err
		}
	}
	return nil
}

func (r *SignatureRequest) BuildIdentityUpdate() (*UnverifiedIdentityUpdate, error) {
	if !r.IsReady() {
		return nil, fmt.Errorf("association: %v: %w", r.MissingSignatures(), ErrMissingSignatures)
	}
	update := &UnverifiedIdentityUpdate{InboxID: r.inboxID, ClientTimestampNs: r.clientTimestampNs}
	for _, a := range r.actions {
		action := a.action
		for _, s := range a.slots {
			switch {
			case action.CreateInbox != nil:
				c := *action.CreateInbox
				c.InitialIdentifierSignature = *s.sig
				action.CreateInbox = &c
			case action.AddAssociation != nil:
				c := *action.AddAssociation
				if s.field == fieldExisting {
					c.ExistingMemberSignature = *s.sig
				} else {
					c.NewMemberSignature = *s.sig
				}
				action.AddAssociation = &c
			case action.RevokeAssociation != nil:
				c := *action.RevokeAssociation
				c.RecoveryIdentifierSignature = *s.sig
				action.RevokeAssociation = &c
			case action.ChangeRecoveryIdentity != nil:
				c := *action.ChangeRecoveryIdentity
				c.RecoveryIdentifierSignature = *s.sig
				action.ChangeRecoveryIdentity = &c
			}
		}
		update.Actions = append(update.Actions, action)
	}
	return update, nil
}
