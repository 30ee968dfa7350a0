package association

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/meow-io/go-convo/errs"
	"github.com/stretchr/testify/require"
)

type staticVerifier struct {
	valid []byte
	err   error
	calls int
}

func (v *staticVerifier) IsValidSignature(_ context.Context, _ string, _, _ uint64, _, signature []byte) (bool, error) {
	v.calls++
	if v.err != nil {
		return false, v.err
	}
	return bytes.Equal(v.valid, signature), nil
}

func signedCreate(t *testing.T, wallet *WalletSigner, installation *InstallationSigner) *UnverifiedIdentityUpdate {
	require := require.New(t)
	inboxID := GenerateInboxID(wallet.Identifier(), 0)
	req, err := NewSignatureRequestBuilder(inboxID, 1).
		CreateInbox(wallet.Identifier(), 0).
		AddAssociation(installation.Identifier(), wallet.Identifier()).
		Build()
	require.Nil(err)
	require.Len(req.MissingSignatures(), 2)
	require.Nil(req.Sign(context.Background(), nil, wallet, installation))
	require.True(req.IsReady())
	u, err := req.BuildIdentityUpdate()
	require.Nil(err)
	return u
}

func TestSignatureRequestRoundTrip(t *testing.T) {
	require := require.New(t)
	wallet, err := WalletSignerFromSeed("alice")
	require.Nil(err)
	installation := InstallationSignerFromSeed("alice-phone")

	u := signedCreate(t, wallet, installation)
	b, err := u.Encode()
	require.Nil(err)
	decoded, err := DecodeIdentityUpdate(b)
	require.Nil(err)

	verifiedUpdate, err := decoded.ToVerified(context.Background(), nil)
	require.Nil(err)
	state, err := FoldAll([]*IdentityUpdate{verifiedUpdate})
	require.Nil(err)
	require.Len(state.Members(), 2)
	require.True(state.HasInstallation(installation.PublicKey()))
	require.Equal(wallet.Identifier(), state.RecoveryIdentifier())
}

func TestSignatureTextIsCanonical(t *testing.T) {
	require := require.New(t)
	wallet, err := WalletSignerFromSeed("bob")
	require.Nil(err)
	req, err := NewSignatureRequestBuilder("inbox", 12).CreateInbox(wallet.Identifier(), 3).Build()
	require.Nil(err)
	require.Equal(`{"actions":[{"account_identifier":"`+wallet.Identifier().Value+`","nonce":"3","type":"create_inbox"}],"client_timestamp_ns":"12","inbox_id":"inbox"}`, req.SignatureText())
}

func TestTamperedUpdateFailsVerification(t *testing.T) {
	require := require.New(t)
	wallet, err := GenerateWalletSigner()
	require.Nil(err)
	installation, err := GenerateInstallationSigner()
	require.Nil(err)

	u := signedCreate(t, wallet, installation)
	u.ClientTimestampNs++
	_, err = u.ToVerified(context.Background(), nil)
	require.ErrorIs(err, ErrInvalidSignature)
}

func TestUnknownSigner(t *testing.T) {
	require := require.New(t)
	wallet, err := GenerateWalletSigner()
	require.Nil(err)
	other, err := GenerateWalletSigner()
	require.Nil(err)
	req, err := NewSignatureRequestBuilder(GenerateInboxID(wallet.Identifier(), 0), 1).CreateInbox(wallet.Identifier(), 0).Build()
	require.Nil(err)
	err = req.Sign(context.Background(), nil, other)
	require.ErrorIs(err, ErrUnknownSigner)
	_, err = req.BuildIdentityUpdate()
	require.ErrorIs(err, ErrMissingSignatures)
}

func TestSmartContractSignature(t *testing.T) {
	require := require.New(t)
	account := "0xAbC0000000000000000000000000000000000001"
	accountID := NewEthereum(account)
	scv := &staticVerifier{valid: []byte{9, 9, 9}}

	req, err := NewSignatureRequestBuilder(GenerateInboxID(accountID, 0), 1).CreateInbox(accountID, 0).Build()
	require.Nil(err)
	require.Nil(req.AddSignature(context.Background(), UnverifiedSignature{
		Kind: SignatureKindErc1271, Bytes: []byte{9, 9, 9}, Account: account, HasChainID: true, ChainID: 10,
	}, scv))
	u, err := req.BuildIdentityUpdate()
	require.Nil(err)

	verifiedUpdate, err := u.ToVerified(context.Background(), scv)
	require.Nil(err)
	state, err := FoldAll([]*IdentityUpdate{verifiedUpdate})
	require.Nil(err)
	m, ok := state.Get(accountID)
	require.True(ok)
	require.Equal(uint64(10), *m.AddedOnChainID)

	scv.err = errors.New("rpc unavailable")
	_, err = u.ToVerified(context.Background(), scv)
	require.NotNil(err)
	require.True(errs.IsRetryable(err))

	scv.err = nil
	scv.valid = []byte{1}
	_, err = u.ToVerified(context.Background(), scv)
	require.ErrorIs(err, ErrInvalidSignature)
	require.False(errs.IsRetryable(err))
}
