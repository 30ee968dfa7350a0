// This package folds signed identity updates into the set of wallets and installations
// authorized to act for an inbox.
package association

// ApplyUpdate applies every action of update in order, each one validated against the state as
// left by the actions before it. A nil state is only valid when the update creates the inbox.
func ApplyUpdate(state *AssociationState, update *IdentityUpdate) (*AssociationState, error) {
	if len(update.Actions) == 0 {
		return nil, ErrEmptyUpdate
	}
	current := state
	for _, action := range update.Actions {
		next, err := action.apply(current, update.ClientTimestampNs)
		if err != nil {
			return nil, err
		}
		current = next
	}
	if current == nil {
		return nil, ErrNotCreated
	}
	if current.inboxID != update.InboxID {
		return nil, &InboxIDMismatchError{Expected: current.inboxID, Actual: update.InboxID}
	}
	return current, nil
}

// FoldAll builds a state from scratch. The first update must create the inbox.
func FoldAll(updates []*IdentityUpdate) (*AssociationState, error) {
	var state *AssociationState
	for _, update := range updates {
		next, err := ApplyUpdate(state, update)
		if err != nil {
			return nil, err
		}
		state = next
	}
	if state == nil {
		return nil, ErrNotCreated
	}
	return state, nil
}

func (a *CreateInbox) apply(state *AssociationState, clientTimestampNs uint64) (*AssociationState, error) {
	if state != nil {
		return nil, ErrMultipleCreate
	}
	sig := a.InitialIdentifierSignature
	if sig.Signer != a.AccountIdentifier {
		return nil, ErrMissingExistingMember
	}
	if err := checkSignatureKind(sig); err != nil {
		return nil, err
	}
	if a.AccountIdentifier.IsInstallation() {
		return nil, &MemberNotAllowedError{Existing: MemberKindInstallation, New: MemberKindInstallation}
	}

	return newState(GenerateInboxID(a.AccountIdentifier, a.Nonce), Member{
		Identifier:        a.AccountIdentifier,
		ClientTimestampNs: clientTimestampNs,
		AddedOnChainID:    chainIDFor(sig),
		IsCreator:         true,
	}), nil
}

func (a *AddAssociation) apply(state *AssociationState, clientTimestampNs uint64) (*AssociationState, error) {
	if state == nil {
		return nil, ErrNotCreated
	}
	existing := a.ExistingMemberSignature
	if err := checkSignatureKind(existing); err != nil {
		return nil, err
	}
	if err := checkSignatureKind(a.NewMemberSignature); err != nil {
		return nil, err
	}
	if a.NewMemberSignature.Signer != a.NewMemberIdentifier {
		return nil, ErrNewMemberIDSignatureMismatch
	}

	if existing.Kind == SignatureKindLegacyDelegated {
		if state.HasSeenSignature(existing.Bytes) {
			return nil, ErrReplay
		}
		if !a.NewMemberIdentifier.IsInstallation() {
			return nil, &MemberNotAllowedError{Existing: existing.Signer.Kind, New: a.NewMemberIdentifier.Kind}
		}
	}

	if existing.Signer.IsInstallation() && a.NewMemberIdentifier.IsInstallation() {
		return nil, &MemberNotAllowedError{Existing: MemberKindInstallation, New: MemberKindInstallation}
	}

	existingMember, ok := state.Get(existing.Signer)
	if !ok {
		return nil, ErrMissingExistingMember
	}
	if err := verifyChainID(existingMember, existing); err != nil {
		return nil, err
	}

	addedBy := existing.Signer
	next := state.withMember(Member{
		Identifier:        a.NewMemberIdentifier,
		AddedByEntity:     &addedBy,
		ClientTimestampNs: clientTimestampNs,
		AddedOnChainID:    chainIDFor(a.NewMemberSignature),
	})
	if existing.Kind == SignatureKindLegacyDelegated {
		next = next.withSeenSignatures(existing.Bytes)
	}
	return next, nil
}

func (a *RevokeAssociation) apply(state *AssociationState, _ uint64) (*AssociationState, error) {
	if state == nil {
		return nil, ErrNotCreated
	}
	if err := verifyRecoverySigner(state, a.RecoveryIdentifierSignature); err != nil {
		return nil, err
	}
	return state.withoutMembers(state.descendants(a.RevokedMember)), nil
}

func (a *ChangeRecoveryIdentity) apply(state *AssociationState, _ uint64) (*AssociationState, error) {
	if state == nil {
		return nil, ErrNotCreated
	}
	if err := verifyRecoverySigner(state, a.RecoveryIdentifierSignature); err != nil {
		return nil, err
	}
	return state.withRecoveryIdentifier(a.NewRecoveryIdentifier), nil
}

func verifyRecoverySigner(state *AssociationState, sig VerifiedSignature) error {
	if err := checkSignatureKind(sig); err != nil {
		return err
	}
	if sig.Signer != state.recoveryIdentifier {
		return ErrMissingExistingMember
	}
	if member, ok := state.Get(sig.Signer); ok {
		return verifyChainID(member, sig)
	}
	return nil
}

func checkSignatureKind(sig VerifiedSignature) error {
	switch sig.Kind {
	case SignatureKindInstallationKey:
		if sig.Signer.Kind == MemberKindInstallation {
			return nil
		}
	case SignatureKindErc191, SignatureKindErc1271, SignatureKindLegacyDelegated:
		if sig.Signer.Kind == MemberKindEthereum {
			return nil
		}
	}
	return &SignatureNotAllowedError{Kind: sig.Kind, Member: sig.Signer.Kind}
}

func chainIDFor(sig VerifiedSignature) *uint64 {
	if sig.Kind != SignatureKindErc1271 || sig.ChainID == nil {
		return nil
	}
	id := *sig.ChainID
	return &id
}

// Smart contract wallets are bound to the chain they were added on.
func verifyChainID(member Member, sig VerifiedSignature) error {
	if sig.Kind != SignatureKindErc1271 || member.AddedOnChainID == nil {
		return nil
	}
	expected := *member.AddedOnChainID
	if sig.ChainID == nil {
		return &ChainIDMismatchError{Expected: expected, Actual: 0}
	}
	if *sig.ChainID != expected {
		return &ChainIDMismatchError{Expected: expected, Actual: *sig.ChainID}
	}
	return nil
}
