package commit

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/meow-io/go-convo/api/memory"
	"github.com/meow-io/go-convo/association"
	"github.com/meow-io/go-convo/errs"
	"github.com/meow-io/go-convo/groups"
	"github.com/meow-io/go-convo/identity"
	"github.com/meow-io/go-convo/internal/test"
	"github.com/meow-io/go-convo/membership"
	"github.com/meow-io/go-convo/mls"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testMember struct {
	inboxID      string
	seq          uint64
	identity     *mls.Identity
	wallet       *association.WalletSigner
	installation *association.InstallationSigner
}

type fixture struct {
	validator *Validator
	manager   *identity.Manager
	alice     *testMember
	bob       *testMember
	immutable []byte
}

func newMember(t *testing.T, m *identity.Manager, seed string) *testMember {
	require := require.New(t)
	wallet, err := association.WalletSignerFromSeed(seed)
	require.Nil(err)
	installation := association.InstallationSignerFromSeed(seed + "-1")
	inboxID := association.GenerateInboxID(wallet.Identifier(), 0)
	req, err := association.NewSignatureRequestBuilder(inboxID, 1).
		CreateInbox(wallet.Identifier(), 0).
		AddAssociation(installation.Identifier(), wallet.Identifier()).
		Build()
	require.Nil(err)
	require.Nil(req.Sign(context.Background(), nil, wallet, installation))
	u, err := req.BuildIdentityUpdate()
	require.Nil(err)
	seq, err := m.PublishIdentityUpdate(context.Background(), u)
	require.Nil(err)
	return &testMember{
		inboxID:      inboxID,
		seq:          seq,
		identity:     mls.NewIdentity(inboxID, installation.PrivateKey()),
		wallet:       wallet,
		installation: installation,
	}
}

func newFixture(t *testing.T) *fixture {
	require := require.New(t)
	c := test.NewTestConfig("commit")
	node := memory.NewNode(test.NewTestConfig("node"), 1)
	t.Cleanup(node.Shutdown)
	d := test.NewTestDatabase(c)
	t.Cleanup(func() {
		_ = d.Shutdown()
	})
	m, err := identity.NewManager(c, d, node, nil)
	require.Nil(err)

	f := &fixture{validator: NewValidator(c, m), manager: m}
	f.alice = newMember(t, m, "alice")
	f.bob = newMember(t, m, "bob")
	f.immutable, err = (&groups.ImmutableMetadata{
		CreatorInboxID:   f.alice.inboxID,
		ConversationType: uint32(groups.ConversationTypeGroup),
	}).Encode()
	require.Nil(err)
	return f
}

func (f *fixture) extensions(t *testing.T, members *membership.GroupMembership, mutable *groups.MutableMetadata) mls.Extensions {
	require := require.New(t)
	mb, err := members.Encode()
	require.Nil(err)
	mu, err := mutable.Encode()
	require.Nil(err)
	return mls.Extensions{Membership: mb, MutableMetadata: mu, ImmutableMetadata: f.immutable}
}

func (f *fixture) aliceOnly(t *testing.T) *mls.Group {
	ext := f.extensions(t, membership.New().With(f.alice.inboxID, f.alice.seq), groups.NewMutableMetadata(f.alice.inboxID))
	return mls.NewGroup(f.alice.identity, []byte("group"), ext)
}

// withBob returns alice's group after bob has been added.
func (f *fixture) withBob(t *testing.T) *mls.Group {
	require := require.New(t)
	g := f.aliceOnly(t)
	ext := f.extensions(t, f.members(true), groups.NewMutableMetadata(f.alice.inboxID))
	pending, err := g.CreateCommit(f.alice.identity, mls.CommitOptions{Add: []*mls.KeyPackage{f.bob.identity.KeyPackage()}, Extensions: &ext})
	require.Nil(err)
	require.Nil(g.MergeStagedCommit(pending.Staged))
	return g
}

func (f *fixture) members(withBob bool) *membership.GroupMembership {
	m := membership.New().With(f.alice.inboxID, f.alice.seq)
	if withBob {
		m = m.With(f.bob.inboxID, f.bob.seq)
	}
	return m
}

func TestValidAddCommit(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	g := f.aliceOnly(t)

	ext := f.extensions(t, f.members(true), groups.NewMutableMetadata(f.alice.inboxID))
	pending, err := g.CreateCommit(f.alice.identity, mls.CommitOptions{Add: []*mls.KeyPackage{f.bob.identity.KeyPackage()}, Extensions: &ext})
	require.Nil(err)

	vc, err := f.validator.Validate(context.Background(), g, pending.Staged)
	require.Nil(err)
	require.Equal(f.alice.inboxID, vc.Actor.InboxID)
	require.True(vc.Actor.IsCreator)
	require.True(vc.Actor.IsSuperAdmin)
	require.Len(vc.AddedInboxes, 1)
	require.Equal(f.bob.inboxID, vc.AddedInboxes[0].InboxID)
	require.Empty(vc.RemovedInboxes)
	require.True(vc.InstallationsChanged)
	require.False(vc.IsEmpty())
	require.Equal([]string{f.bob.inboxID}, vc.GroupUpdated().AddedInboxes)
}

func TestUnexpectedInstallations(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	g := f.aliceOnly(t)

	// key package without a membership change
	pending, err := g.CreateCommit(f.alice.identity, mls.CommitOptions{Add: []*mls.KeyPackage{f.bob.identity.KeyPackage()}})
	require.Nil(err)
	_, err = f.validator.Validate(context.Background(), g, pending.Staged)
	added := &UnexpectedInstallationAddedError{}
	require.True(errors.As(err, &added))
	require.Equal([][]byte{f.bob.identity.InstallationKey()}, added.Installations)

	// membership change without a key package
	ext := f.extensions(t, f.members(true), groups.NewMutableMetadata(f.alice.inboxID))
	pending, err = g.CreateCommit(f.alice.identity, mls.CommitOptions{Extensions: &ext})
	require.Nil(err)
	_, err = f.validator.Validate(context.Background(), g, pending.Staged)
	require.True(errors.As(err, &added))
	require.False(errs.IsRetryable(err))
}

func TestRemovals(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	g := f.withBob(t)
	aliceLeaf, ok := g.MemberByInstallation(f.alice.identity.InstallationKey())
	require.True(ok)
	bobLeaf, ok := g.MemberByInstallation(f.bob.identity.InstallationKey())
	require.True(ok)

	onlyBob := f.extensions(t, membership.New().With(f.bob.inboxID, f.bob.seq), groups.NewMutableMetadata(f.alice.inboxID))
	staged, err := g.StageCommit(&mls.Commit{
		Epoch:     g.Epoch,
		Committer: bobLeaf.Index,
		Proposals: []mls.Proposal{
			{Kind: uint32(mls.ProposalRemove), Sender: bobLeaf.Index, Removed: aliceLeaf.Index},
			{Kind: uint32(mls.ProposalGroupContextExtensions), Sender: bobLeaf.Index, Extensions: onlyBob},
		},
	})
	require.Nil(err)
	_, err = f.validator.Validate(context.Background(), g, staged)
	require.True(errors.Is(err, ErrInsufficientPermissions))

	// leaving is allowed for anyone
	onlyAlice := f.extensions(t, f.members(false), groups.NewMutableMetadata(f.alice.inboxID))
	staged, err = g.StageCommit(&mls.Commit{
		Epoch:     g.Epoch,
		Committer: bobLeaf.Index,
		Proposals: []mls.Proposal{
			{Kind: uint32(mls.ProposalRemove), Sender: bobLeaf.Index, Removed: bobLeaf.Index},
			{Kind: uint32(mls.ProposalGroupContextExtensions), Sender: bobLeaf.Index, Extensions: onlyAlice},
		},
	})
	require.Nil(err)
	vc, err := f.validator.Validate(context.Background(), g, staged)
	require.Nil(err)
	require.Equal(f.bob.inboxID, vc.Actor.InboxID)
	require.Len(vc.RemovedInboxes, 1)
	require.Equal(f.bob.inboxID, vc.RemovedInboxes[0].InboxID)

	// the creator may remove others
	pending, err := g.CreateCommit(f.alice.identity, mls.CommitOptions{Remove: [][]byte{f.bob.identity.InstallationKey()}, Extensions: &onlyAlice})
	require.Nil(err)
	vc, err = f.validator.Validate(context.Background(), g, pending.Staged)
	require.Nil(err)
	require.Equal(f.alice.inboxID, vc.Actor.InboxID)
}

func TestRemovalsMustMatchMembership(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	g := f.withBob(t)

	// bob stays in the membership but loses his installation
	pending, err := g.CreateCommit(f.alice.identity, mls.CommitOptions{Remove: [][]byte{f.bob.identity.InstallationKey()}})
	require.Nil(err)
	_, err = f.validator.Validate(context.Background(), g, pending.Staged)
	removed := &UnexpectedInstallationsRemovedError{}
	require.True(errors.As(err, &removed))
	require.Equal([][]byte{f.bob.identity.InstallationKey()}, removed.Installations)
	require.False(errs.IsRetryable(err))

	// bob leaves the membership but keeps his installation
	onlyAlice := f.extensions(t, f.members(false), groups.NewMutableMetadata(f.alice.inboxID))
	pending, err = g.CreateCommit(f.alice.identity, mls.CommitOptions{Extensions: &onlyAlice})
	require.Nil(err)
	_, err = f.validator.Validate(context.Background(), g, pending.Staged)
	require.True(errors.As(err, &removed))
	require.Equal([][]byte{f.bob.identity.InstallationKey()}, removed.Installations)
}

func TestRevokedInstallationCannotCommit(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	req, err := association.NewSignatureRequestBuilder(f.bob.inboxID, 2).
		RevokeAssociation(f.bob.wallet.Identifier(), f.bob.installation.Identifier()).
		Build()
	require.Nil(err)
	require.Nil(req.Sign(ctx, nil, f.bob.wallet))
	u, err := req.BuildIdentityUpdate()
	require.Nil(err)
	revokedAt, err := f.manager.PublishIdentityUpdate(ctx, u)
	require.Nil(err)
	require.Greater(revokedAt, f.bob.seq)

	// a tree that admits bob's revoked installation at the revoking sequence id
	g := f.aliceOnly(t)
	stale := f.extensions(t, membership.New().With(f.alice.inboxID, f.alice.seq).With(f.bob.inboxID, revokedAt), groups.NewMutableMetadata(f.alice.inboxID))
	pending, err := g.CreateCommit(f.alice.identity, mls.CommitOptions{Add: []*mls.KeyPackage{f.bob.identity.KeyPackage()}, Extensions: &stale})
	require.Nil(err)
	require.Nil(g.MergeStagedCommit(pending.Staged))
	bobLeaf, ok := g.MemberByInstallation(f.bob.identity.InstallationKey())
	require.True(ok)

	renamed := groups.NewMutableMetadata(f.alice.inboxID)
	renamed.Set(groups.FieldGroupName, "cats")
	ext := stale
	ext.MutableMetadata, err = renamed.Encode()
	require.Nil(err)
	staged, err := g.StageCommit(&mls.Commit{
		Epoch:     g.Epoch,
		Committer: bobLeaf.Index,
		Proposals: []mls.Proposal{{Kind: uint32(mls.ProposalGroupContextExtensions), Sender: bobLeaf.Index, Extensions: ext}},
	})
	require.Nil(err)
	_, err = f.validator.Validate(ctx, g, staged)
	failed := &InboxValidationFailedError{}
	require.True(errors.As(err, &failed))
	require.Equal(f.bob.inboxID, failed.InboxID)
	require.False(errs.IsRetryable(err))

	// the same installation as the subject of an update proposal
	aliceLeaf, ok := g.MemberByInstallation(f.alice.identity.InstallationKey())
	require.True(ok)
	staged, err = g.StageCommit(&mls.Commit{
		Epoch:     g.Epoch,
		Committer: aliceLeaf.Index,
		Proposals: []mls.Proposal{
			{Kind: uint32(mls.ProposalUpdate), Sender: aliceLeaf.Index, Leaf: f.bob.identity.Leaf()},
		},
	})
	require.Nil(err)
	_, err = f.validator.Validate(ctx, g, staged)
	require.True(errors.As(err, &failed))
	require.Equal(f.bob.inboxID, failed.InboxID)
}

func TestActorRules(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	g := f.withBob(t)

	staged, err := g.StageCommit(&mls.Commit{
		Epoch:     g.Epoch,
		Committer: 0,
		Proposals: []mls.Proposal{
			{Kind: uint32(mls.ProposalUpdate), Sender: 0, Leaf: f.alice.identity.Leaf()},
			{Kind: uint32(mls.ProposalUpdate), Sender: 1, Leaf: f.bob.identity.Leaf()},
		},
	})
	require.Nil(err)
	_, err = f.validator.Validate(context.Background(), g, staged)
	require.True(errors.Is(err, ErrMultipleActors))

	staged, err = g.StageCommit(&mls.Commit{Epoch: g.Epoch, Committer: 0})
	require.Nil(err)
	_, err = f.validator.Validate(context.Background(), g, staged)
	require.True(errors.Is(err, ErrActorCouldNotBeFound))

	// path from alice but proposals from bob
	staged, err = g.StageCommit(&mls.Commit{
		Epoch:     g.Epoch,
		Committer: 0,
		Proposals: []mls.Proposal{{Kind: uint32(mls.ProposalUpdate), Sender: 1, Leaf: f.bob.identity.Leaf()}},
		HasPath:   true,
		PathLeaf:  f.alice.identity.Leaf(),
	})
	require.Nil(err)
	_, err = f.validator.Validate(context.Background(), g, staged)
	require.True(errors.Is(err, ErrMultipleActors))

	staged, err = g.StageCommit(&mls.Commit{
		Epoch:     g.Epoch,
		Committer: 0,
		Proposals: []mls.Proposal{{Kind: uint32(mls.ProposalPreSharedKey), Sender: 0, PSKID: []byte("psk")}},
	})
	require.Nil(err)
	_, err = f.validator.Validate(context.Background(), g, staged)
	require.True(errors.Is(err, ErrNoPSKSupport))
}

func TestMembershipRules(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	g := f.aliceOnly(t)

	decreased := f.extensions(t, membership.New().With(f.alice.inboxID, f.alice.seq-1), groups.NewMutableMetadata(f.alice.inboxID))
	pending, err := g.CreateCommit(f.alice.identity, mls.CommitOptions{Extensions: &decreased})
	require.Nil(err)
	_, err = f.validator.Validate(context.Background(), g, pending.Staged)
	require.True(errors.Is(err, ErrSequenceIDDecreased))

	missing := g.Extensions
	missing.Membership = nil
	pending, err = g.CreateCommit(f.alice.identity, mls.CommitOptions{Extensions: &missing})
	require.Nil(err)
	_, err = f.validator.Validate(context.Background(), g, pending.Staged)
	require.True(errors.Is(err, ErrMissingGroupMembership))
}

func TestMetadataRules(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	g := f.aliceOnly(t)

	commitMetadata := func(key, value string) error {
		mutable := groups.NewMutableMetadata(f.alice.inboxID)
		mutable.Set(key, value)
		ext := f.extensions(t, f.members(false), mutable)
		pending, err := g.CreateCommit(f.alice.identity, mls.CommitOptions{Extensions: &ext})
		require.Nil(err)
		vc, err := f.validator.Validate(context.Background(), g, pending.Staged)
		if err == nil {
			require.Len(vc.Metadata.FieldChanges, 1)
			require.Equal(key, vc.Metadata.FieldChanges[0].FieldName)
		}
		return err
	}

	require.Nil(commitMetadata(groups.FieldGroupName, "cats"))

	err := commitMetadata(groups.FieldGroupName, strings.Repeat("a", groups.MaxGroupNameLength+1))
	tooMany := &TooManyCharactersError{}
	require.True(errors.As(err, &tooMany))
	require.Equal(groups.MaxGroupNameLength, tooMany.Length)

	err = commitMetadata(groups.FieldMinSupportedProtocolVersion, "9.0.0")
	tooLow := &ProtocolVersionTooLowError{}
	require.True(errors.As(err, &tooLow))

	err = commitMetadata(groups.FieldMinSupportedProtocolVersion, "1.0")
	invalid := &InvalidVersionFormatError{}
	require.True(errors.As(err, &invalid))

	require.Nil(commitMetadata(groups.FieldMinSupportedProtocolVersion, "0.9.0"))
}

func TestAdminChangesNeedSuperAdmin(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	g := f.withBob(t)
	bobLeaf, ok := g.MemberByInstallation(f.bob.identity.InstallationKey())
	require.True(ok)

	promoted := groups.NewMutableMetadata(f.alice.inboxID)
	promoted.AdminList = append(promoted.AdminList, f.bob.inboxID)
	ext := f.extensions(t, f.members(true), promoted)

	staged, err := g.StageCommit(&mls.Commit{
		Epoch:     g.Epoch,
		Committer: bobLeaf.Index,
		Proposals: []mls.Proposal{{Kind: uint32(mls.ProposalGroupContextExtensions), Sender: bobLeaf.Index, Extensions: ext}},
	})
	require.Nil(err)
	_, err = f.validator.Validate(context.Background(), g, staged)
	require.True(errors.Is(err, ErrInsufficientPermissions))

	pending, err := g.CreateCommit(f.alice.identity, mls.CommitOptions{Extensions: &ext})
	require.Nil(err)
	vc, err := f.validator.Validate(context.Background(), g, pending.Staged)
	require.Nil(err)
	require.Len(vc.Metadata.AdminsAdded, 1)
	require.Equal(f.bob.inboxID, vc.Metadata.AdminsAdded[0].InboxID)
}

type failingIdentities struct {
	err error
}

func (f *failingIdentities) GetInstallationDiff(context.Context, *membership.GroupMembership, *membership.GroupMembership, membership.MembershipDiff) (*identity.InstallationDiff, error) {
	return nil, f.err
}

func (f *failingIdentities) GetAssociationState(context.Context, string, *uint64) (*association.AssociationState, error) {
	return nil, f.err
}

func TestInstallationDiffErrorsKeepRetryability(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	g := f.aliceOnly(t)
	ext := f.extensions(t, f.members(true), groups.NewMutableMetadata(f.alice.inboxID))
	pending, err := g.CreateCommit(f.alice.identity, mls.CommitOptions{Add: []*mls.KeyPackage{f.bob.identity.KeyPackage()}, Extensions: &ext})
	require.Nil(err)

	transient := NewValidator(test.NewTestConfig("commit"), &failingIdentities{err: &errs.Transient{Op: "query", Err: errors.New("timeout")}})
	_, err = transient.Validate(context.Background(), g, pending.Staged)
	diffErr := &InstallationDiffError{}
	require.True(errors.As(err, &diffErr))
	require.True(errs.IsRetryable(err))

	fatal := NewValidator(test.NewTestConfig("commit"), &failingIdentities{err: association.ErrMissingIdentityUpdate})
	_, err = fatal.Validate(context.Background(), g, pending.Staged)
	require.True(errors.As(err, &diffErr))
	require.False(errs.IsRetryable(err))
}

func TestParseVersion(t *testing.T) {
	require := require.New(t)
	v, err := ParseVersion("1.2.3-rc1")
	require.Nil(err)
	require.Equal(Version{Major: 1, Minor: 2, Patch: 3, Suffix: "rc1"}, v)

	older, err := ParseVersion("1.2.3")
	require.Nil(err)
	require.Equal(-1, older.Compare(v))
	newer, err := ParseVersion("1.10.0")
	require.Nil(err)
	require.Equal(1, newer.Compare(v))

	for _, bad := range []string{"1.2", "1.2.3.4", "a.b.c", ""} {
		_, err := ParseVersion(bad)
		require.NotNil(err, bad)
	}
}
