package association

import (
	crypto_rand "crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

var testTimestamp uint64

func randBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := crypto_rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func randEthereum() MemberIdentifier {
	return NewEthereum("0x" + hex.EncodeToString(randBytes(20)))
}

func randInstallation() MemberIdentifier {
	return NewInstallation(randBytes(32))
}

func verified(signer MemberIdentifier) VerifiedSignature {
	kind := SignatureKindErc191
	if signer.IsInstallation() {
		kind = SignatureKindInstallationKey
	}
	return NewVerifiedSignature(signer, kind, randBytes(32), nil)
}

func update(inboxID string, actions ...Action) *IdentityUpdate {
	testTimestamp++
	return NewIdentityUpdate(inboxID, testTimestamp, actions...)
}

func createAction(account MemberIdentifier) *CreateInbox {
	return &CreateInbox{Nonce: 0, AccountIdentifier: account, InitialIdentifierSignature: verified(account)}
}

func addAction(existing, added MemberIdentifier) *AddAssociation {
	return &AddAssociation{
		NewMemberIdentifier:     added,
		NewMemberSignature:      verified(added),
		ExistingMemberSignature: verified(existing),
	}
}

func revokeAction(recovery, revoked MemberIdentifier) *RevokeAssociation {
	return &RevokeAssociation{RecoveryIdentifierSignature: verified(recovery), RevokedMember: revoked}
}

func newTestState(t *testing.T) (*AssociationState, MemberIdentifier) {
	account := randEthereum()
	state, err := FoldAll([]*IdentityUpdate{update(GenerateInboxID(account, 0), createAction(account))})
	require.Nil(t, err)
	return state, account
}

func TestCreateInbox(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	require.Equal(GenerateInboxID(account, 0), state.InboxID())
	require.Equal(account, state.RecoveryIdentifier())
	require.Len(state.Members(), 1)
	m, ok := state.Get(account)
	require.True(ok)
	require.True(m.IsCreator)
	require.Nil(m.AddedByEntity)
}

func TestCreateInboxWrongSigner(t *testing.T) {
	require := require.New(t)
	account := randEthereum()
	action := createAction(account)
	action.InitialIdentifierSignature = verified(randEthereum())
	_, err := ApplyUpdate(nil, update(GenerateInboxID(account, 0), action))
	require.ErrorIs(err, ErrMissingExistingMember)
}

func TestCreateInboxWrongInboxID(t *testing.T) {
	require := require.New(t)
	account := randEthereum()
	_, err := ApplyUpdate(nil, update("not-the-inbox", createAction(account)))
	var mismatch *InboxIDMismatchError
	require.ErrorAs(err, &mismatch)
	require.Equal("not-the-inbox", mismatch.Actual)
}

func TestFoldAllRequiresCreate(t *testing.T) {
	require := require.New(t)
	_, err := FoldAll(nil)
	require.ErrorIs(err, ErrNotCreated)

	account := randEthereum()
	_, err = FoldAll([]*IdentityUpdate{update(GenerateInboxID(account, 0), addAction(account, randInstallation()))})
	require.ErrorIs(err, ErrNotCreated)
}

func TestMultipleCreate(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	_, err := ApplyUpdate(state, update(state.InboxID(), createAction(account)))
	require.ErrorIs(err, ErrMultipleCreate)
}

func TestCreateAndAddInOneUpdate(t *testing.T) {
	require := require.New(t)
	account := randEthereum()
	installation := randInstallation()
	state, err := FoldAll([]*IdentityUpdate{update(GenerateInboxID(account, 0), createAction(account), addAction(account, installation))})
	require.Nil(err)
	require.Len(state.Members(), 2)
	m, ok := state.Get(installation)
	require.True(ok)
	require.Equal(account, *m.AddedByEntity)
	require.False(m.IsCreator)
	require.Len(state.InstallationIDs(), 1)
	require.True(state.HasInstallation(installation.InstallationKey()))
}

func TestInstallationCanAddWallet(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	installation := randInstallation()
	state, err := ApplyUpdate(state, update(state.InboxID(), addAction(account, installation)))
	require.Nil(err)

	wallet := randEthereum()
	state, err = ApplyUpdate(state, update(state.InboxID(), addAction(installation, wallet)))
	require.Nil(err)
	require.Len(state.Members(), 3)
	require.Len(state.MembersByParent(installation), 1)
}

func TestInstallationCannotAddInstallation(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	installation := randInstallation()
	state, err := ApplyUpdate(state, update(state.InboxID(), addAction(account, installation)))
	require.Nil(err)

	_, err = ApplyUpdate(state, update(state.InboxID(), addAction(installation, randInstallation())))
	var notAllowed *MemberNotAllowedError
	require.ErrorAs(err, &notAllowed)
	require.Equal(MemberKindInstallation, notAllowed.Existing)
	require.Equal(MemberKindInstallation, notAllowed.New)
}

func TestAddRequiresExistingMember(t *testing.T) {
	require := require.New(t)
	state, _ := newTestState(t)
	_, err := ApplyUpdate(state, update(state.InboxID(), addAction(randEthereum(), randInstallation())))
	require.ErrorIs(err, ErrMissingExistingMember)
}

func TestNewMemberSignatureMismatch(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	action := addAction(account, randInstallation())
	action.NewMemberSignature = verified(randInstallation())
	_, err := ApplyUpdate(state, update(state.InboxID(), action))
	require.ErrorIs(err, ErrNewMemberIDSignatureMismatch)
}

func TestSignatureKindMustMatchSigner(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	action := addAction(account, randInstallation())
	action.ExistingMemberSignature.Kind = SignatureKindInstallationKey
	_, err := ApplyUpdate(state, update(state.InboxID(), action))
	var notAllowed *SignatureNotAllowedError
	require.ErrorAs(err, &notAllowed)
}

func TestRevokeCascades(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	installation := randInstallation()
	state, err := ApplyUpdate(state, update(state.InboxID(), addAction(account, installation)))
	require.Nil(err)

	state, err = ApplyUpdate(state, update(state.InboxID(), revokeAction(account, account)))
	require.Nil(err)
	require.Len(state.Members(), 0)
}

func TestRevokeRemovesOnlySubtree(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	installation := randInstallation()
	wallet := randEthereum()
	walletInstallation := randInstallation()
	nested := randEthereum()
	state, err := ApplyUpdate(state, update(state.InboxID(),
		addAction(account, installation),
		addAction(account, wallet),
		addAction(wallet, walletInstallation),
		addAction(walletInstallation, nested),
	))
	require.Nil(err)
	require.Len(state.Members(), 5)

	next, err := ApplyUpdate(state, update(state.InboxID(), revokeAction(account, wallet)))
	require.Nil(err)
	require.Len(next.Members(), 2)
	_, ok := next.Get(installation)
	require.True(ok)
	_, ok = next.Get(nested)
	require.False(ok)

	// the previous snapshot is untouched
	require.Len(state.Members(), 5)
}

func TestRevokeRequiresRecoveryIdentifier(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	installation := randInstallation()
	state, err := ApplyUpdate(state, update(state.InboxID(), addAction(account, installation)))
	require.Nil(err)

	_, err = ApplyUpdate(state, update(state.InboxID(), revokeAction(randEthereum(), account)))
	require.ErrorIs(err, ErrMissingExistingMember)
}

func TestChangeRecoveryIdentity(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	newRecovery := randEthereum()
	state, err := ApplyUpdate(state, update(state.InboxID(), &ChangeRecoveryIdentity{
		RecoveryIdentifierSignature: verified(account),
		NewRecoveryIdentifier:       newRecovery,
	}))
	require.Nil(err)
	require.Equal(newRecovery, state.RecoveryIdentifier())
	_, ok := state.Get(account)
	require.True(ok)

	_, err = ApplyUpdate(state, update(state.InboxID(), revokeAction(account, account)))
	require.ErrorIs(err, ErrMissingExistingMember)

	state, err = ApplyUpdate(state, update(state.InboxID(), revokeAction(newRecovery, account)))
	require.Nil(err)
	require.Len(state.Members(), 0)
}

func TestFailedUpdateIsAtomic(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	_, err := ApplyUpdate(state, update(state.InboxID(),
		addAction(account, randInstallation()),
		addAction(randEthereum(), randInstallation()),
	))
	require.ErrorIs(err, ErrMissingExistingMember)
	require.Len(state.Members(), 1)
}

func TestActionsSeePriorActionsInSameUpdate(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	wallet := randEthereum()
	installation := randInstallation()
	state, err := ApplyUpdate(state, update(state.InboxID(),
		addAction(account, wallet),
		addAction(wallet, installation),
	))
	require.Nil(err)
	require.Len(state.Members(), 3)
}

func TestLegacySignatureReplay(t *testing.T) {
	require := require.New(t)
	account := randEthereum()
	legacy := NewVerifiedSignature(account, SignatureKindLegacyDelegated, randBytes(65), nil)
	first := randInstallation()
	state, err := FoldAll([]*IdentityUpdate{update(GenerateInboxID(account, 0),
		&CreateInbox{AccountIdentifier: account, InitialIdentifierSignature: legacy},
		&AddAssociation{NewMemberIdentifier: first, NewMemberSignature: verified(first), ExistingMemberSignature: legacy},
	)})
	require.Nil(err)
	require.Len(state.Members(), 2)
	require.True(state.HasSeenSignature(legacy.Bytes))

	second := randInstallation()
	_, err = ApplyUpdate(state, update(state.InboxID(),
		&AddAssociation{NewMemberIdentifier: second, NewMemberSignature: verified(second), ExistingMemberSignature: legacy},
	))
	require.ErrorIs(err, ErrReplay)
}

func TestSmartContractChainIDBinding(t *testing.T) {
	require := require.New(t)
	initialChain := uint64(1)
	otherChain := uint64(2)
	account := randEthereum()
	state, err := FoldAll([]*IdentityUpdate{update(GenerateInboxID(account, 0), &CreateInbox{
		AccountIdentifier:          account,
		InitialIdentifierSignature: NewVerifiedSignature(account, SignatureKindErc1271, randBytes(32), &initialChain),
	})})
	require.Nil(err)

	wrongChain := NewVerifiedSignature(account, SignatureKindErc1271, randBytes(32), &otherChain)
	installation := randInstallation()
	actions := []Action{
		&AddAssociation{NewMemberIdentifier: installation, NewMemberSignature: verified(installation), ExistingMemberSignature: wrongChain},
		&RevokeAssociation{RecoveryIdentifierSignature: wrongChain, RevokedMember: account},
		&ChangeRecoveryIdentity{RecoveryIdentifierSignature: wrongChain, NewRecoveryIdentifier: randEthereum()},
	}
	for _, action := range actions {
		_, err := ApplyUpdate(state, update(state.InboxID(), action))
		var mismatch *ChainIDMismatchError
		require.ErrorAs(err, &mismatch)
		require.Equal(uint64(1), mismatch.Expected)
		require.Equal(uint64(2), mismatch.Actual)
	}

	// a valid action earlier in the same update does not save it
	sameChain := NewVerifiedSignature(account, SignatureKindErc1271, randBytes(32), &initialChain)
	_, err = ApplyUpdate(state, update(state.InboxID(),
		&AddAssociation{NewMemberIdentifier: installation, NewMemberSignature: verified(installation), ExistingMemberSignature: sameChain},
		&ChangeRecoveryIdentity{RecoveryIdentifierSignature: wrongChain, NewRecoveryIdentifier: randEthereum()},
	))
	var mismatch *ChainIDMismatchError
	require.ErrorAs(err, &mismatch)
}

func TestMemberCountTracksAddsAndRevokes(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	installations := []MemberIdentifier{}
	for i := 0; i < 6; i++ {
		installation := randInstallation()
		installations = append(installations, installation)
		next, err := ApplyUpdate(state, update(state.InboxID(), addAction(account, installation)))
		require.Nil(err)
		state = next
	}
	for _, installation := range installations[:2] {
		next, err := ApplyUpdate(state, update(state.InboxID(), revokeAction(account, installation)))
		require.Nil(err)
		state = next
	}
	require.Len(state.Members(), 1+6-2)
	require.Equal(account, state.RecoveryIdentifier())
}

func TestDiff(t *testing.T) {
	require := require.New(t)
	state, account := newTestState(t)
	a := randInstallation()
	b := randInstallation()
	withA, err := ApplyUpdate(state, update(state.InboxID(), addAction(account, a)))
	require.Nil(err)
	withB, err := ApplyUpdate(withA, update(state.InboxID(), revokeAction(account, a), addAction(account, b)))
	require.Nil(err)

	diff := withA.Diff(withB)
	require.Equal([]MemberIdentifier{b}, diff.NewMembers)
	require.Equal([]MemberIdentifier{a}, diff.RemovedMembers)
	require.Equal([][]byte{b.InstallationKey()}, diff.NewInstallations())
	require.Equal([][]byte{a.InstallationKey()}, diff.RemovedInstallations())

	all := withB.AsDiff()
	require.Len(all.NewMembers, 2)
	require.Len(all.NewInstallations(), 1)
}

func TestStateEncoding(t *testing.T) {
	require := require.New(t)
	account := randEthereum()
	legacy := NewVerifiedSignature(account, SignatureKindLegacyDelegated, randBytes(65), nil)
	installation := randInstallation()
	state, err := FoldAll([]*IdentityUpdate{update(GenerateInboxID(account, 0),
		&CreateInbox{AccountIdentifier: account, InitialIdentifierSignature: legacy},
		&AddAssociation{NewMemberIdentifier: installation, NewMemberSignature: verified(installation), ExistingMemberSignature: legacy},
	)})
	require.Nil(err)

	b, err := state.Encode()
	require.Nil(err)
	decoded, err := DecodeState(b)
	require.Nil(err)
	require.Equal(state.InboxID(), decoded.InboxID())
	require.Equal(state.RecoveryIdentifier(), decoded.RecoveryIdentifier())
	require.Equal(state.Members(), decoded.Members())
	require.True(decoded.HasSeenSignature(legacy.Bytes))
}
