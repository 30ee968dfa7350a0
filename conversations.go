package convo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/meow-io/go-convo/api"
	"github.com/meow-io/go-convo/commit"
	"github.com/meow-io/go-convo/errs"
	"github.com/meow-io/go-convo/events"
	"github.com/meow-io/go-convo/groups"
	"github.com/meow-io/go-convo/ids"
	"github.com/meow-io/go-convo/membership"
	"github.com/meow-io/go-convo/mls"
	"github.com/meow-io/go-convo/welcome"
	"github.com/meow-io/go-convo/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	groupEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convo_group_envelopes_total",
		Help: "Group envelopes handled by result",
	}, []string{"result"})
	messagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convo_messages_sent_total",
		Help: "Application messages published",
	})
)

var ErrCommitConflict = errors.New("convo: another commit was sequenced first")

// applicationMessage is the plaintext of every application message. The idempotency key makes
// the stored message id the same for the sender and every recipient.
type applicationMessage struct {
	Content        []byte
	IdempotencyKey []byte
}

type GroupOptions struct {
	Name            string
	Description     string
	DisappearFromNs int64
	DisappearInNs   int64
}

func (o GroupOptions) attributes() []groups.Attribute {
	attrs := []groups.Attribute{}
	if o.Name != "" {
		attrs = append(attrs, groups.Attribute{Key: groups.FieldGroupName, Value: o.Name})
	}
	if o.Description != "" {
		attrs = append(attrs, groups.Attribute{Key: groups.FieldDescription, Value: o.Description})
	}
	if o.DisappearFromNs > 0 && o.DisappearInNs > 0 {
		attrs = append(attrs,
			groups.Attribute{Key: groups.FieldMessageDisappearFromNs, Value: strconv.FormatInt(o.DisappearFromNs, 10)},
			groups.Attribute{Key: groups.FieldMessageDisappearInNs, Value: strconv.FormatInt(o.DisappearInNs, 10)},
		)
	}
	return attrs
}

// CreateGroup creates a group and adds the given inboxes in its first commit.
func (c *Client) CreateGroup(ctx context.Context, opts GroupOptions, inboxIDs ...string) (*groups.StoredGroup, error) {
	if err := c.requireRegistered(); err != nil {
		return nil, err
	}
	immutable := &groups.ImmutableMetadata{CreatorInboxID: c.identity.InboxID, ConversationType: uint32(groups.ConversationTypeGroup)}
	return c.createConversation(ctx, immutable, groups.NewMutableMetadata(c.identity.InboxID, opts.attributes()...), inboxIDs)
}

// CreateDM returns the existing dm with peerInboxID or creates one.
func (c *Client) CreateDM(ctx context.Context, peerInboxID string) (*groups.StoredGroup, error) {
	if err := c.requireRegistered(); err != nil {
		return nil, err
	}
	var existing *groups.StoredGroup
	if err := c.DB.RunReadOnly("find dm", func() error {
		var err error
		existing, err = c.groups.FindDm(groups.DmID(c.identity.InboxID, peerInboxID))
		return err
	}); err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	immutable := &groups.ImmutableMetadata{
		CreatorInboxID:   c.identity.InboxID,
		ConversationType: uint32(groups.ConversationTypeDm),
		DmMembers:        []string{c.identity.InboxID, peerInboxID},
	}
	return c.createConversation(ctx, immutable, groups.NewMutableMetadata(c.identity.InboxID), []string{peerInboxID})
}

func (c *Client) createConversation(ctx context.Context, immutable *groups.ImmutableMetadata, mutable *groups.MutableMetadata, inboxIDs []string) (*groups.StoredGroup, error) {
	self := c.identity.InboxID
	if err := c.identities.LoadIdentityUpdates(ctx, []string{self}); err != nil {
		return nil, err
	}
	latest, err := c.identities.LatestSequenceIDs([]string{self})
	if err != nil {
		return nil, err
	}
	creatorSeq, ok := latest[self]
	if !ok {
		return nil, fmt.Errorf("convo: creating conversation: %w", ErrInboxNotFound)
	}
	id := ids.NewID()
	groupID := id[:]
	members, err := membership.New().With(self, creatorSeq).Encode()
	if err != nil {
		return nil, err
	}
	mutableBytes, err := mutable.Encode()
	if err != nil {
		return nil, err
	}
	immutableBytes, err := immutable.Encode()
	if err != nil {
		return nil, err
	}
	g := mls.NewGroup(c.identity, groupID, mls.Extensions{Membership: members, MutableMetadata: mutableBytes, ImmutableMetadata: immutableBytes})
	state, err := g.Encode()
	if err != nil {
		return nil, err
	}

	stored := &groups.StoredGroup{
		ID:               groupID,
		CreatedAtNs:      c.clock.CurrentTimeNs(),
		MembershipState:  groups.MembershipStateAllowed,
		AddedByInboxID:   c.identity.InboxID,
		ConversationType: immutable.Type(),
	}
	if dmID, ok := immutable.DmID(); ok {
		stored.DmID = &dmID
	}
	if fromNs, inNs, ok := mutable.DisappearingSettings(); ok {
		stored.MessageDisappearFromNs = &fromNs
		stored.MessageDisappearInNs = &inNs
	}
	consent := groups.GroupConsent(groupID, groups.ConsentStateAllowed)
	if err := c.DB.Run("create group", func() error {
		if err := c.groups.InsertOrReplaceGroup(stored); err != nil {
			return err
		}
		if err := c.groups.SaveGroupState(groupID, g.Epoch, state); err != nil {
			return err
		}
		if err := c.groups.SetConsent(consent); err != nil {
			return err
		}
		c.DB.AfterCommit(func() {
			c.events.Publish(events.NewGroup(stored))
			c.events.Publish(events.PreferencesChanged(consent))
		})
		return nil
	}); err != nil {
		return nil, err
	}
	c.log.Debugf("created %s %x", stored.ConversationType, groupID)

	if len(inboxIDs) == 0 {
		return stored, nil
	}
	if err := c.AddMembers(ctx, groupID, inboxIDs...); err != nil {
		return stored, err
	}
	return stored, nil
}

// AddMembers admits inboxes at their latest known sequence ids. Inboxes already in the group are
// moved up to their latest sequence id, which adds any installations they gained.
func (c *Client) AddMembers(ctx context.Context, groupID []byte, inboxIDs ...string) error {
	if err := c.requireRegistered(); err != nil {
		return err
	}
	unlock := c.commitLock.Lock(groupID)
	defer unlock()

	g, err := c.prepareCommit(ctx, groupID)
	if err != nil {
		return err
	}
	if err := c.identities.LoadIdentityUpdates(ctx, inboxIDs); err != nil {
		return err
	}
	latest, err := c.identities.LatestSequenceIDs(inboxIDs)
	if err != nil {
		return err
	}
	old, err := membership.Decode(g.Extensions.Membership)
	if err != nil {
		return err
	}
	next := old
	for _, id := range inboxIDs {
		seq, ok := latest[id]
		if !ok {
			return fmt.Errorf("convo: adding %s: %w", id, ErrInboxNotFound)
		}
		next = next.With(id, seq)
	}
	return c.commitMembership(ctx, g, old, next)
}

// RemoveMembers removes inboxes with all of their installations.
func (c *Client) RemoveMembers(ctx context.Context, groupID []byte, inboxIDs ...string) error {
	if err := c.requireRegistered(); err != nil {
		return err
	}
	unlock := c.commitLock.Lock(groupID)
	defer unlock()

	g, err := c.prepareCommit(ctx, groupID)
	if err != nil {
		return err
	}
	old, err := membership.Decode(g.Extensions.Membership)
	if err != nil {
		return err
	}
	return c.commitMembership(ctx, g, old, old.Without(inboxIDs...))
}

// LeaveGroup removes this inbox from the group. The group stays pending removal until the
// commit is seen, and a later welcome can re-add it.
func (c *Client) LeaveGroup(ctx context.Context, groupID []byte) error {
	if err := c.requireRegistered(); err != nil {
		return err
	}
	if err := c.RemoveMembers(ctx, groupID, c.identity.InboxID); err != nil {
		return err
	}
	return c.DB.Run("leave group", func() error {
		return c.groups.UpdateMembershipState(groupID, groups.MembershipStatePendingRemove)
	})
}

// UpdateMetadata sets one mutable metadata attribute.
func (c *Client) UpdateMetadata(ctx context.Context, groupID []byte, key, value string) error {
	if err := c.requireRegistered(); err != nil {
		return err
	}
	unlock := c.commitLock.Lock(groupID)
	defer unlock()

	g, err := c.prepareCommit(ctx, groupID)
	if err != nil {
		return err
	}
	mutable, err := groups.DecodeMutableMetadata(g.Extensions.MutableMetadata)
	if err != nil {
		return err
	}
	mutable = mutable.Clone()
	mutable.Set(key, value)
	encoded, err := mutable.Encode()
	if err != nil {
		return err
	}
	ext := g.Extensions
	ext.MutableMetadata = encoded
	_, err = c.publishCommit(ctx, g, mls.CommitOptions{Extensions: &ext})
	return err
}

// prepareCommit brings the group up to date so a new commit builds on the latest epoch.
// Callers hold the group's commit lock.
func (c *Client) prepareCommit(ctx context.Context, groupID []byte) (*mls.Group, error) {
	if _, err := c.syncGroupLocked(ctx, groupID); err != nil {
		return nil, err
	}
	g, stored, err := c.loadGroup(groupID)
	if err != nil {
		return nil, err
	}
	if stored.IsPaused() {
		return nil, ErrGroupPaused
	}
	return g, nil
}

// commitMembership turns a membership change into adds and removes of installations, publishes
// the commit and welcomes every added installation.
func (c *Client) commitMembership(ctx context.Context, g *mls.Group, old, next *membership.GroupMembership) error {
	diff := old.Diff(next)
	if diff.Empty() {
		return nil
	}
	installations, err := c.identities.GetInstallationDiff(ctx, old, next, diff)
	if err != nil {
		return err
	}

	keyPackages := []*mls.KeyPackage{}
	failed := [][]byte{}
	for _, key := range installations.AddedInstallations {
		if _, ok := g.MemberByInstallation(key); ok {
			continue
		}
		kp, err := c.fetchKeyPackage(ctx, key)
		if err != nil {
			if errs.IsRetryable(err) {
				return err
			}
			c.log.Warnf("installation %x has no usable key package, marking failed: %s", key, err)
			failed = append(failed, key)
			continue
		}
		keyPackages = append(keyPackages, kp)
	}
	removals := [][]byte{}
	for _, key := range installations.RemovedInstallations {
		if _, ok := g.MemberByInstallation(key); ok {
			removals = append(removals, key)
		}
	}

	encoded, err := next.WithFailedInstallations(failed...).Encode()
	if err != nil {
		return err
	}
	ext := g.Extensions
	ext.Membership = encoded
	pending, err := c.publishCommit(ctx, g, mls.CommitOptions{Add: keyPackages, Remove: removals, Extensions: &ext})
	if err != nil {
		return err
	}
	return c.sendWelcomes(ctx, pending)
}

func (c *Client) fetchKeyPackage(ctx context.Context, installationKey []byte) (*mls.KeyPackage, error) {
	var raw [][]byte
	if err := c.retry(ctx, func() error {
		var err error
		raw, err = c.api.FetchKeyPackages(ctx, [][]byte{installationKey})
		if errors.Is(err, api.ErrNotFound) {
			return &errs.Fatal{Err: err}
		}
		return err
	}); err != nil {
		return nil, err
	}
	if len(raw) != 1 {
		return nil, &errs.Fatal{Err: api.ErrNotFound}
	}
	kp, err := mls.DecodeKeyPackage(raw[0])
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(kp.Leaf.SignatureKey, installationKey) {
		return nil, mls.ErrInvalidKeyPackage
	}
	return kp, nil
}

type pendingCommit struct {
	*mls.PendingCommit
	cursor ids.Cursor
}

// publishCommit creates, validates and publishes a commit, then merges it once everything
// sequenced before it has been processed. A commit from someone else sequenced first wins and
// this one is abandoned with a retryable error.
func (c *Client) publishCommit(ctx context.Context, g *mls.Group, opts mls.CommitOptions) (*pendingCommit, error) {
	pending, err := g.CreateCommit(c.identity, opts)
	if err != nil {
		return nil, err
	}
	validated, err := c.validator.Validate(ctx, g, pending.Staged)
	if err != nil {
		return nil, err
	}

	var after ids.Cursor
	if err := c.DB.RunReadOnly("group cursor", func() error {
		var err error
		after, err = c.groups.LatestCursor(g.ID, groups.EntityKindCommitMessage)
		return err
	}); err != nil {
		return nil, err
	}
	dependsOn, err := c.epochDependency(g.ID)
	if err != nil {
		return nil, err
	}

	topic := api.GroupTopic(g.ID)
	var cursor ids.Cursor
	if err := c.retry(ctx, func() error {
		var err error
		cursor, err = c.api.Publish(ctx, topic, pending.Message, dependsOn)
		return err
	}); err != nil {
		return nil, fmt.Errorf("convo: publishing commit: %w", err)
	}

	var envelopes []*api.Envelope
	if err := c.retry(ctx, func() error {
		var err error
		envelopes, err = c.api.QueryAt(ctx, topic, after)
		return err
	}); err != nil {
		return nil, err
	}
	createdNs := c.clock.CurrentTimeNs()
	for _, env := range envelopes {
		if env.Cursor == cursor {
			createdNs = env.CreatedNs
			break
		}
		if _, err := c.processEnvelope(ctx, g, env); err != nil {
			return nil, err
		}
		if g.Epoch != pending.Staged.FromEpoch {
			return nil, &errs.Transient{Op: "convo: commit", Err: ErrCommitConflict}
		}
	}

	committer, _ := g.MemberAt(g.OwnIndex)
	if err := g.MergeStagedCommit(pending.Staged); err != nil {
		return nil, err
	}
	if err := c.storeCommit(ctx, g, validated, committer, cursor, createdNs); err != nil {
		return nil, err
	}
	return &pendingCommit{PendingCommit: pending, cursor: cursor}, nil
}

func (c *Client) sendWelcomes(ctx context.Context, pending *pendingCommit) error {
	if len(pending.Welcomes) == 0 {
		return nil
	}
	inputs := make([]api.WelcomeMessageInput, 0, len(pending.Welcomes))
	for _, w := range pending.Welcomes {
		payload, err := (&welcome.Payload{Data: w.Data, MessageCursor: pending.cursor}).Encode()
		if err != nil {
			return err
		}
		inputs = append(inputs, api.WelcomeMessageInput{InstallationKey: w.InstallationKey, Data: payload})
	}
	return c.retry(ctx, func() error {
		_, err := c.api.SendWelcomeMessages(ctx, inputs)
		return err
	})
}

// epochDependency is the commit that opened the group's current epoch. Messages sent in the epoch
// depend on it.
func (c *Client) epochDependency(groupID []byte) ([]ids.Cursor, error) {
	var cursor ids.Cursor
	if err := c.DB.RunReadOnly("epoch commit", func() error {
		var err error
		cursor, err = c.groups.LatestCursor(groupID, groups.EntityKindEpochCommit)
		return err
	}); err != nil {
		return nil, err
	}
	if cursor.IsZero() {
		return nil, nil
	}
	return []ids.Cursor{cursor}, nil
}

// Send encrypts content for the group's current epoch and publishes it.
func (c *Client) Send(ctx context.Context, groupID []byte, content []byte) (*groups.StoredMessage, error) {
	if err := c.requireRegistered(); err != nil {
		return nil, err
	}
	unlock := c.commitLock.Lock(groupID)
	defer unlock()

	g, err := c.prepareCommit(ctx, groupID)
	if err != nil {
		return nil, err
	}
	key := ids.NewID()
	body, err := wire.Encode(&applicationMessage{Content: content, IdempotencyKey: key[:]})
	if err != nil {
		return nil, err
	}
	framed, err := g.Encrypt(c.identity, body)
	if err != nil {
		return nil, err
	}

	message := &groups.StoredMessage{
		ID:                    groups.MessageID(groupID, content, key[:]),
		GroupID:               groupID,
		DecryptedMessageBytes: content,
		SentAtNs:              c.clock.CurrentTimeNs(),
		Kind:                  groups.MessageKindApplication,
		SenderInboxID:         c.identity.InboxID,
		SenderInstallationID:  c.identity.InstallationKey(),
		DeliveryStatus:        groups.DeliveryStatusUnpublished,
	}
	if err := c.DB.Run("store outgoing message", func() error {
		if _, err := c.groups.InsertMessage(message); err != nil {
			return err
		}
		c.DB.AfterCommit(func() {
			c.events.Publish(events.NewMessage(message))
		})
		return nil
	}); err != nil {
		return nil, err
	}

	dependsOn, err := c.epochDependency(groupID)
	if err != nil {
		return nil, err
	}
	var cursor ids.Cursor
	if err := c.retry(ctx, func() error {
		var err error
		cursor, err = c.api.Publish(ctx, api.GroupTopic(groupID), framed, dependsOn)
		return err
	}); err != nil {
		return message, fmt.Errorf("convo: publishing message: %w", err)
	}
	if err := c.DB.Run("mark published", func() error {
		return c.groups.MarkPublished(message.ID, cursor)
	}); err != nil {
		return message, err
	}
	messagesSent.Inc()
	seq, originator := cursor.SequenceID, cursor.OriginatorID
	message.SequenceID = &seq
	message.OriginatorID = &originator
	message.DeliveryStatus = groups.DeliveryStatusPublished
	return message, nil
}

// SyncGroup fetches and processes everything published to the group since the last sync and
// returns how many envelopes were handled.
func (c *Client) SyncGroup(ctx context.Context, groupID []byte) (int, error) {
	if err := c.requireRegistered(); err != nil {
		return 0, err
	}
	unlock := c.commitLock.Lock(groupID)
	defer unlock()
	return c.syncGroupLocked(ctx, groupID)
}

// SyncAllGroups syncs welcomes and then every group. It stops at the first retryable failure.
func (c *Client) SyncAllGroups(ctx context.Context) error {
	if _, err := c.SyncWelcomes(ctx); err != nil {
		return err
	}
	all, err := c.Groups()
	if err != nil {
		return err
	}
	for _, g := range all {
		if _, err := c.SyncGroup(ctx, g.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) syncGroupLocked(ctx context.Context, groupID []byte) (int, error) {
	g, _, err := c.loadGroup(groupID)
	if err != nil {
		return 0, err
	}
	if !g.IsActive() {
		return 0, nil
	}
	var after ids.Cursor
	if err := c.DB.RunReadOnly("group cursor", func() error {
		var err error
		after, err = c.groups.LatestCursor(groupID, groups.EntityKindCommitMessage)
		return err
	}); err != nil {
		return 0, err
	}
	var envelopes []*api.Envelope
	if err := c.retry(ctx, func() error {
		var err error
		envelopes, err = c.api.QueryAt(ctx, api.GroupTopic(groupID), after)
		return err
	}); err != nil {
		return 0, err
	}
	for i, env := range envelopes {
		if _, err := c.processEnvelope(ctx, g, env); err != nil {
			return i, err
		}
	}
	return len(envelopes), nil
}

// processEnvelope handles one group envelope and reports whether it was iced. Anything that can
// never be processed is skipped and the cursor moves past it. A retryable failure leaves the
// cursor where it is.
func (c *Client) processEnvelope(ctx context.Context, g *mls.Group, env *api.Envelope) (bool, error) {
	processed, err := g.ProcessMessage(env.Payload)
	switch {
	case errors.Is(err, mls.ErrEpochInFuture):
		groupEnvelopes.WithLabelValues("iced").Inc()
		return true, c.ice(g.ID, env)
	case err != nil && errs.IsRetryable(err):
		groupEnvelopes.WithLabelValues("retry").Inc()
		return false, err
	case err != nil:
		groupEnvelopes.WithLabelValues("skipped").Inc()
		c.log.Debugf("skipping %s in group %x: %s", env.Cursor, g.ID, err)
		return false, c.advanceGroupCursor(g.ID, env.Cursor)
	case processed.Commit != nil:
		return false, c.processCommit(ctx, g, env, processed.Commit)
	default:
		return false, c.processApplication(g, env, processed.Application)
	}
}

func (c *Client) processCommit(ctx context.Context, g *mls.Group, env *api.Envelope, staged *mls.StagedCommit) error {
	validated, err := c.validator.Validate(ctx, g, staged)
	if err != nil {
		if errs.IsRetryable(err) {
			groupEnvelopes.WithLabelValues("retry").Inc()
			return err
		}
		groupEnvelopes.WithLabelValues("rejected").Inc()
		return c.advanceGroupCursor(g.ID, env.Cursor)
	}
	if staged.RemovesInstallation(c.identity.InstallationKey()) {
		c.log.Infof("removed from group %x by %s", g.ID, validated.Actor.InboxID)
	}
	if err := g.MergeStagedCommit(staged); err != nil {
		if errs.IsRetryable(err) {
			return err
		}
		groupEnvelopes.WithLabelValues("rejected").Inc()
		return c.advanceGroupCursor(g.ID, env.Cursor)
	}
	groupEnvelopes.WithLabelValues("commit").Inc()
	return c.storeCommit(ctx, g, validated, staged.Committer, env.Cursor, env.CreatedNs)
}

// storeCommit persists a merged commit with its transcript entry and then retries everything
// that was waiting on it.
func (c *Client) storeCommit(ctx context.Context, g *mls.Group, validated *commit.ValidatedCommit, committer mls.Member, cursor ids.Cursor, createdNs int64) error {
	state, err := g.Encode()
	if err != nil {
		return err
	}
	mutable, err := groups.DecodeMutableMetadata(g.Extensions.MutableMetadata)
	if err != nil {
		return err
	}
	var message *groups.StoredMessage
	if !validated.IsEmpty() {
		body, err := validated.GroupUpdated().Encode()
		if err != nil {
			return err
		}
		seq, originator := cursor.SequenceID, cursor.OriginatorID
		message = &groups.StoredMessage{
			ID:                    groups.MessageID(g.ID, body, []byte(cursor.String())),
			GroupID:               g.ID,
			DecryptedMessageBytes: body,
			SentAtNs:              createdNs,
			Kind:                  groups.MessageKindMembershipChange,
			SenderInboxID:         validated.Actor.InboxID,
			SenderInstallationID:  committer.Leaf.SignatureKey,
			SequenceID:            &seq,
			OriginatorID:          &originator,
			DeliveryStatus:        groups.DeliveryStatusPublished,
		}
	}

	if err := c.DB.Run("store commit", func() error {
		if err := c.groups.SaveGroupState(g.ID, g.Epoch, state); err != nil {
			return err
		}
		if message != nil {
			inserted, err := c.groups.InsertMessage(message)
			if err != nil {
				return err
			}
			if inserted {
				c.DB.AfterCommit(func() {
					c.events.Publish(events.NewMessage(message))
				})
			}
		}
		if len(validated.Metadata.FieldChanges) > 0 {
			if err := c.applyMetadata(g.ID, mutable); err != nil {
				return err
			}
		}
		if _, err := c.groups.UpdateCursor(g.ID, groups.EntityKindCommitMessage, cursor); err != nil {
			return err
		}
		_, err := c.groups.UpdateCursor(g.ID, groups.EntityKindEpochCommit, cursor)
		return err
	}); err != nil {
		return err
	}
	return c.thaw(ctx, g, cursor)
}

// must be called inside db.Run
func (c *Client) applyMetadata(groupID []byte, mutable *groups.MutableMetadata) error {
	if fromNs, inNs, ok := mutable.DisappearingSettings(); ok {
		if err := c.groups.SetDisappearingSettings(groupID, &fromNs, &inNs); err != nil {
			return err
		}
	} else if err := c.groups.SetDisappearingSettings(groupID, nil, nil); err != nil {
		return err
	}
	minimum, ok := mutable.Get(groups.FieldMinSupportedProtocolVersion)
	if !ok {
		return c.groups.SetPausedForVersion(groupID, nil)
	}
	required, err := commit.ParseVersion(minimum)
	if err != nil {
		return err
	}
	current, err := commit.ParseVersion(c.config.LibraryVersion)
	if err != nil {
		return err
	}
	if required.Compare(current) > 0 {
		c.log.Warnf("group %x requires version %s, pausing", groupID, minimum)
		return c.groups.SetPausedForVersion(groupID, &minimum)
	}
	return c.groups.SetPausedForVersion(groupID, nil)
}

func (c *Client) processApplication(g *mls.Group, env *api.Envelope, app *mls.ApplicationMessage) error {
	body := &applicationMessage{}
	if err := wire.Decode(app.Content, body); err != nil {
		groupEnvelopes.WithLabelValues("skipped").Inc()
		c.log.Debugf("skipping undecodable message %s in group %x: %s", env.Cursor, g.ID, err)
		return c.advanceGroupCursor(g.ID, env.Cursor)
	}
	seq, originator := env.Cursor.SequenceID, env.Cursor.OriginatorID
	sentAt := env.CreatedNs
	if sentAt == 0 {
		sentAt = c.clock.CurrentTimeNs()
	}
	message := &groups.StoredMessage{
		ID:                    groups.MessageID(g.ID, body.Content, body.IdempotencyKey),
		GroupID:               g.ID,
		DecryptedMessageBytes: body.Content,
		SentAtNs:              sentAt,
		Kind:                  groups.MessageKindApplication,
		SenderInboxID:         app.Sender.Leaf.InboxID,
		SenderInstallationID:  app.Sender.Leaf.SignatureKey,
		SequenceID:            &seq,
		OriginatorID:          &originator,
		DeliveryStatus:        groups.DeliveryStatusPublished,
	}
	groupEnvelopes.WithLabelValues("application").Inc()
	return c.DB.Run("store message", func() error {
		inserted, err := c.groups.InsertMessage(message)
		if err != nil {
			return err
		}
		if inserted {
			c.DB.AfterCommit(func() {
				c.events.Publish(events.NewMessage(message))
			})
		} else if err := c.groups.MarkPublished(message.ID, env.Cursor); err != nil {
			return err
		}
		_, err = c.groups.UpdateCursor(g.ID, groups.EntityKindCommitMessage, env.Cursor)
		return err
	})
}

func (c *Client) advanceGroupCursor(groupID []byte, cursor ids.Cursor) error {
	return c.DB.Run("advance group cursor", func() error {
		_, err := c.groups.UpdateCursor(groupID, groups.EntityKindCommitMessage, cursor)
		return err
	})
}

func (c *Client) loadGroup(groupID []byte) (*mls.Group, *groups.StoredGroup, error) {
	var state []byte
	var stored *groups.StoredGroup
	if err := c.DB.RunReadOnly("load group", func() error {
		var err error
		if stored, err = c.groups.FindGroup(groupID); err != nil {
			return err
		}
		state, _, err = c.groups.GroupState(groupID)
		return err
	}); err != nil {
		return nil, nil, err
	}
	if stored == nil || state == nil {
		return nil, nil, fmt.Errorf("convo: group %x: %w", groupID, ErrGroupNotFound)
	}
	g, err := mls.DecodeGroup(state)
	if err != nil {
		return nil, nil, err
	}
	return g, stored, nil
}
