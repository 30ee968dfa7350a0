package convo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-convo/api"
	"github.com/meow-io/go-convo/api/memory"
	"github.com/meow-io/go-convo/association"
	"github.com/meow-io/go-convo/config"
	"github.com/meow-io/go-convo/events"
	"github.com/meow-io/go-convo/groups"
	"github.com/meow-io/go-convo/icebox"
	"github.com/meow-io/go-convo/ids"
	"github.com/meow-io/go-convo/internal/test"
	"github.com/meow-io/go-convo/membership"
	"github.com/meow-io/go-convo/mls"
	"github.com/meow-io/go-convo/welcome"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newNode(t *testing.T) *memory.Node {
	n := memory.NewNode(test.NewTestConfig("node"), 1)
	t.Cleanup(n.Shutdown)
	return n
}

func newClient(t *testing.T, node api.Client, seed string, opts ...config.Option) *Client {
	require := require.New(t)
	opts = append([]config.Option{
		config.WithRootDir(t.TempDir()),
		config.WithLoggingPrefix(seed),
		config.WithIdentityFetchInitialIntervalMs(1),
	}, opts...)
	c, err := NewClient(config.NewConfig(opts...), node, WithInstallationSigner(association.InstallationSignerFromSeed(seed)))
	require.Nil(err)
	require.True(c.New())
	key, err := c.NewKey("password")
	require.Nil(err)
	require.Nil(c.Initialize(key))
	require.True(c.Running())

	wallet, err := association.WalletSignerFromSeed(seed)
	require.Nil(err)
	inboxID, err := c.Register(context.Background(), wallet)
	require.Nil(err)
	require.Equal(inboxID, c.InboxID())
	t.Cleanup(func() {
		_ = c.Shutdown()
	})
	return c
}

func contents(messages []*groups.StoredMessage) []string {
	out := []string{}
	for _, m := range messages {
		if m.Kind == groups.MessageKindApplication {
			out = append(out, string(m.DecryptedMessageBytes))
		}
	}
	return out
}

func joinOnly(t *testing.T, c *Client) *groups.StoredGroup {
	require := require.New(t)
	results, err := c.SyncWelcomes(context.Background())
	require.Nil(err)
	require.Len(results, 1)
	require.Equal(welcome.OutcomeCreated, results[0].Outcome)
	return results[0].Group
}

func TestCreateGroupAndExchangeMessages(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	node := newNode(t)
	alice := newClient(t, node, "alice")
	bob := newClient(t, node, "bob")

	g, err := alice.CreateGroup(ctx, GroupOptions{Name: "cats"}, bob.InboxID())
	require.Nil(err)
	_, err = alice.Send(ctx, g.ID, []byte("hello"))
	require.Nil(err)

	joined := joinOnly(t, bob)
	require.Equal(g.ID, joined.ID)
	require.Equal(groups.MembershipStatePending, joined.MembershipState)
	n, err := bob.SyncGroup(ctx, g.ID)
	require.Nil(err)
	require.Equal(1, n)
	_, err = bob.Send(ctx, g.ID, []byte("hi alice"))
	require.Nil(err)

	_, err = alice.SyncGroup(ctx, g.ID)
	require.Nil(err)
	messages, err := alice.Messages(g.ID)
	require.Nil(err)
	require.Equal([]string{"hello", "hi alice"}, contents(messages))
	require.Equal(groups.MessageKindMembershipChange, messages[0].Kind)
	update, err := groups.DecodeGroupUpdated(messages[0].DecryptedMessageBytes)
	require.Nil(err)
	require.Equal([]string{bob.InboxID()}, update.AddedInboxes)

	messages, err = bob.Messages(g.ID)
	require.Nil(err)
	require.Equal([]string{"hello", "hi alice"}, contents(messages))
	for _, m := range messages {
		require.Equal(groups.DeliveryStatusPublished, m.DeliveryStatus)
	}

	// resyncing stores nothing twice
	_, err = bob.SyncGroup(ctx, g.ID)
	require.Nil(err)
	again, err := bob.Messages(g.ID)
	require.Nil(err)
	require.Len(again, len(messages))
}

func TestNewConversationStartsWithCreator(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	node := newNode(t)
	alice := newClient(t, node, "alice")
	bob := newClient(t, node, "bob")

	g, err := alice.CreateGroup(ctx, GroupOptions{})
	require.Nil(err)
	mg, _, err := alice.loadGroup(g.ID)
	require.Nil(err)
	require.NotEmpty(mg.Extensions.Membership)
	members, err := membership.Decode(mg.Extensions.Membership)
	require.Nil(err)
	latest, err := alice.identities.LatestSequenceIDs([]string{alice.InboxID()})
	require.Nil(err)
	seq, ok := members.Get(alice.InboxID())
	require.True(ok)
	require.Equal(latest[alice.InboxID()], seq)

	require.Nil(alice.AddMembers(ctx, g.ID, bob.InboxID()))
	joined := joinOnly(t, bob)
	require.Equal(g.ID, joined.ID)
}

func TestRemovedMemberCannotSend(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	node := newNode(t)
	alice := newClient(t, node, "alice")
	bob := newClient(t, node, "bob")

	g, err := alice.CreateGroup(ctx, GroupOptions{}, bob.InboxID())
	require.Nil(err)
	joinOnly(t, bob)
	require.Nil(alice.RemoveMembers(ctx, g.ID, bob.InboxID()))

	_, err = bob.SyncGroup(ctx, g.ID)
	require.Nil(err)
	messages, err := bob.Messages(g.ID)
	require.Nil(err)
	last := messages[len(messages)-1]
	update, err := groups.DecodeGroupUpdated(last.DecryptedMessageBytes)
	require.Nil(err)
	require.Equal([]string{bob.InboxID()}, update.RemovedInboxes)

	_, err = bob.Send(ctx, g.ID, []byte("still here?"))
	require.True(errors.Is(err, mls.ErrRemovedFromGroup))
}

func TestLeaveAndReadd(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	node := newNode(t)
	alice := newClient(t, node, "alice")
	bob := newClient(t, node, "bob")

	g, err := alice.CreateGroup(ctx, GroupOptions{}, bob.InboxID())
	require.Nil(err)
	joinOnly(t, bob)
	require.Nil(bob.LeaveGroup(ctx, g.ID))
	stored, err := bob.Group(g.ID)
	require.Nil(err)
	require.Equal(groups.MembershipStatePendingRemove, stored.MembershipState)

	_, err = alice.SyncGroup(ctx, g.ID)
	require.Nil(err)
	require.Nil(alice.AddMembers(ctx, g.ID, bob.InboxID()))
	rejoined := joinOnly(t, bob)
	require.Equal(groups.MembershipStateAllowed, rejoined.MembershipState)
}

func TestDMIsReused(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	node := newNode(t)
	alice := newClient(t, node, "alice")
	bob := newClient(t, node, "bob")

	dm, err := alice.CreateDM(ctx, bob.InboxID())
	require.Nil(err)
	require.Equal(groups.ConversationTypeDm, dm.ConversationType)
	again, err := alice.CreateDM(ctx, bob.InboxID())
	require.Nil(err)
	require.Equal(dm.ID, again.ID)

	require.Nil(bob.SetConsent(groups.InboxConsent(alice.InboxID(), groups.ConsentStateAllowed)))
	joined := joinOnly(t, bob)
	require.Equal(groups.DmID(alice.InboxID(), bob.InboxID()), *joined.DmID)
	state, err := bob.Consent(groups.ConsentTypeConversationID, groups.GroupConsentEntity(dm.ID))
	require.Nil(err)
	require.Equal(groups.ConsentStateAllowed, state)

	// dms never grow beyond their two members
	carol := newClient(t, node, "carol")
	require.NotNil(alice.AddMembers(ctx, dm.ID, carol.InboxID()))
}

func TestFutureEpochEnvelopeIsIcedUntilItsCommit(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	node := newNode(t)
	alice := newClient(t, node, "alice")
	bob := newClient(t, node, "bob")
	carol := newClient(t, node, "carol")

	g, err := alice.CreateGroup(ctx, GroupOptions{}, bob.InboxID())
	require.Nil(err)
	joinOnly(t, bob)
	require.Nil(alice.AddMembers(ctx, g.ID, carol.InboxID()))
	_, err = alice.Send(ctx, g.ID, []byte("late"))
	require.Nil(err)

	var after ids.Cursor
	require.Nil(bob.DB.RunReadOnly("cursor", func() error {
		after, err = bob.groups.LatestCursor(g.ID, groups.EntityKindCommitMessage)
		return err
	}))
	envelopes, err := node.QueryAt(ctx, api.GroupTopic(g.ID), after)
	require.Nil(err)
	require.Len(envelopes, 2)
	commitEnv, messageEnv := envelopes[0], envelopes[1]
	require.Equal([]ids.Cursor{commitEnv.Cursor}, messageEnv.DependsOn)

	unlock := bob.commitLock.Lock(g.ID)
	defer unlock()
	mg, _, err := bob.loadGroup(g.ID)
	require.Nil(err)
	iced, err := bob.processEnvelope(ctx, mg, messageEnv)
	require.Nil(err)
	require.True(iced)
	var waiting []*icebox.OrphanedEnvelope
	require.Nil(bob.DB.RunReadOnly("iced", func() error {
		waiting, err = bob.icebox.IcedForGroup(g.ID)
		return err
	}))
	require.Len(waiting, 1)

	iced, err = bob.processEnvelope(ctx, mg, commitEnv)
	require.Nil(err)
	require.False(iced)
	messages, err := bob.Messages(g.ID)
	require.Nil(err)
	require.Equal([]string{"late"}, contents(messages))
	require.Nil(bob.DB.RunReadOnly("iced", func() error {
		waiting, err = bob.icebox.IcedForGroup(g.ID)
		return err
	}))
	require.Len(waiting, 0)
}

func TestWelcomeForNewerVersionPausesGroup(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	node := newNode(t)
	alice := newClient(t, node, "alice")
	bob := newClient(t, node, "bob", config.WithLibraryVersion("0.9.0"))

	g, err := alice.CreateGroup(ctx, GroupOptions{})
	require.Nil(err)
	require.Nil(alice.UpdateMetadata(ctx, g.ID, groups.FieldMinSupportedProtocolVersion, "1.0.0"))
	require.Nil(alice.AddMembers(ctx, g.ID, bob.InboxID()))

	joined := joinOnly(t, bob)
	require.True(joined.IsPaused())
	_, err = bob.Send(ctx, g.ID, []byte("hello"))
	require.True(errors.Is(err, ErrGroupPaused))
}

func TestDeleteMessageEmitsEvent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	node := newNode(t)
	alice := newClient(t, node, "alice")

	g, err := alice.CreateGroup(ctx, GroupOptions{})
	require.Nil(err)
	sent, err := alice.Send(ctx, g.ID, []byte("oops"))
	require.Nil(err)

	sub := alice.Events()
	defer sub.Close()
	deleted, err := alice.DeleteMessage(sent.ID)
	require.Nil(err)
	require.True(deleted)
	deleted, err = alice.DeleteMessage(sent.ID)
	require.Nil(err)
	require.False(deleted)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	event, err := sub.Recv(waitCtx)
	require.Nil(err)
	require.Equal(events.KindMessageDeleted, event.Kind)
	require.Equal(sent.ID, event.Message.ID)

	messages, err := alice.Messages(g.ID)
	require.Nil(err)
	require.Empty(contents(messages))
}

func TestDisappearingMessagesExpire(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	node := newNode(t)
	alice := newClient(t, node, "alice")

	g, err := alice.CreateGroup(ctx, GroupOptions{DisappearFromNs: 1, DisappearInNs: 1})
	require.Nil(err)
	_, err = alice.Send(ctx, g.ID, []byte("gone soon"))
	require.Nil(err)
	time.Sleep(time.Millisecond)
	n, err := alice.DeleteExpiredMessages()
	require.Nil(err)
	require.Equal(int64(1), n)
}

func TestReopenKeepsRegistration(t *testing.T) {
	require := require.New(t)
	node := newNode(t)
	root := t.TempDir()
	c := config.NewConfig(config.WithRootDir(root), config.WithLoggingPrefix("reopen"))

	first, err := NewClient(c, node)
	require.Nil(err)
	key, err := first.NewKey("password")
	require.Nil(err)
	require.Nil(first.Initialize(key))
	wallet, err := association.WalletSignerFromSeed("reopen")
	require.Nil(err)
	inboxID, err := first.Register(context.Background(), wallet)
	require.Nil(err)
	_, err = first.Register(context.Background(), wallet)
	require.True(errors.Is(err, ErrAlreadyRegistered))
	installation := first.InstallationKey()
	require.Nil(first.Shutdown())

	second, err := NewClient(config.NewConfig(config.WithRootDir(root), config.WithLoggingPrefix("reopen")), node)
	require.Nil(err)
	require.True(second.Initialized())
	key, err = second.NewKey("password")
	require.Nil(err)
	require.Nil(second.Open(key))
	defer func() {
		_ = second.Shutdown()
	}()
	require.Equal(inboxID, second.InboxID())
	require.Equal(installation, second.InstallationKey())
}

func TestStreamAllMessages(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	node := newNode(t)
	alice := newClient(t, node, "alice")
	bob := newClient(t, node, "bob")
	carol := newClient(t, node, "carol")

	stream, err := carol.StreamAllMessages(ctx)
	require.Nil(err)
	defer func() {
		stream.Close()
		<-stream.Done()
	}()
	<-stream.Ready()

	g, err := alice.CreateGroup(ctx, GroupOptions{Name: "three"}, bob.InboxID(), carol.InboxID())
	require.Nil(err)
	joinOnly(t, bob)
	_, err = alice.Send(ctx, g.ID, []byte("one"))
	require.Nil(err)
	_, err = bob.Send(ctx, g.ID, []byte("two"))
	require.Nil(err)
	_, err = alice.Send(ctx, g.ID, []byte("three"))
	require.Nil(err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	received := []*groups.StoredMessage{}
	for len(received) < 4 {
		m, err := stream.Next(waitCtx)
		require.Nil(err)
		received = append(received, m)
	}
	require.Equal(groups.MessageKindMembershipChange, received[0].Kind)
	require.Equal(alice.InboxID(), received[0].SenderInboxID)
	require.Equal([]string{"one", "two", "three"}, contents(received))

	// a dm started after the stream shows up on it too
	dm, err := bob.CreateDM(ctx, carol.InboxID())
	require.Nil(err)
	_, err = bob.Send(ctx, dm.ID, []byte("psst"))
	require.Nil(err)
	for {
		m, err := stream.Next(waitCtx)
		require.Nil(err)
		if string(m.DecryptedMessageBytes) == "psst" {
			require.Equal(dm.ID, m.GroupID)
			break
		}
	}

	stream.Close()
	<-stream.Done()
	_, err = stream.Next(ctx)
	require.True(errors.Is(err, ErrStreamClosed))
}
