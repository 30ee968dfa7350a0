// This package turns welcome envelopes into stored groups. A welcome is processed at most once per
// cursor, and a welcome that can never be processed is skipped permanently rather than retried.
package welcome

import (
	"context"
	"errors"

	"github.com/meow-io/go-convo/api"
	"github.com/meow-io/go-convo/clock"
	"github.com/meow-io/go-convo/commit"
	"github.com/meow-io/go-convo/config"
	"github.com/meow-io/go-convo/errs"
	"github.com/meow-io/go-convo/events"
	"github.com/meow-io/go-convo/groups"
	"github.com/meow-io/go-convo/ids"
	"github.com/meow-io/go-convo/internal/db"
	"github.com/meow-io/go-convo/mls"
	"github.com/meow-io/go-convo/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var welcomesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convo_welcomes_processed_total",
	Help: "Welcome envelopes processed by outcome",
}, []string{"outcome"})

// Payload is the body of a welcome envelope: the sealed group state and the cursor of the commit
// that added the recipient.
type Payload struct {
	Data          []byte
	MessageCursor ids.Cursor
}

func (p *Payload) Encode() ([]byte, error) {
	return wire.Encode(p)
}

func DecodePayload(b []byte) (*Payload, error) {
	p := &Payload{}
	if err := wire.Decode(b, p); err != nil {
		return nil, err
	}
	return p, nil
}

type Outcome int

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeAlreadyProcessed
	OutcomeOneshot
	OutcomeFailedForever
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeAlreadyProcessed:
		return "already_processed"
	case OutcomeOneshot:
		return "oneshot"
	case OutcomeFailedForever:
		return "failed_forever"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	// Group is nil for oneshot and failed welcomes, and for already processed welcomes whose
	// group arrived some other way.
	Group *groups.StoredGroup
	MLS   *mls.Group
	// Reason is set when the welcome was skipped.
	Reason error
}

// OneshotHandler consumes oneshot conversations, which are never stored as groups.
type OneshotHandler interface {
	HandleOneshot(group *mls.Group, welcomer mls.Member) error
}

type Option func(*Processor)

func WithOneshotHandler(h OneshotHandler) Option {
	return func(p *Processor) {
		p.oneshot = h
	}
}

// WithCommitLock shares the lock that serializes other writers of a group's state.
func WithCommitLock(l *groups.CommitLock) Option {
	return func(p *Processor) {
		p.commitLock = l
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Processor) {
		p.clock = c
	}
}

type Processor struct {
	config     *config.Config
	log        *zap.SugaredLogger
	db         *db.Database
	groups     *groups.Store
	identity   *mls.Identity
	validator  MembershipValidator
	events     *events.Broadcast[events.Event]
	oneshot    OneshotHandler
	clock      clock.Clock
	commitLock *groups.CommitLock
}

func NewProcessor(c *config.Config, store *groups.Store, identity *mls.Identity, validator MembershipValidator, broadcast *events.Broadcast[events.Event], opts ...Option) *Processor {
	p := &Processor{
		config:     c,
		log:        c.Logger("welcome/processor"),
		db:         store.Database,
		groups:     store,
		identity:   identity,
		validator:  validator,
		events:     broadcast,
		clock:      clock.NewSystemClock(),
		commitLock: groups.NewCommitLock(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process handles one welcome envelope. When incrementCursor is set a welcome failing with a
// non-retryable error still advances the welcome cursor so it is never attempted again; such
// failures after decryption and validation are reported as OutcomeFailedForever instead of an
// error.
func (p *Processor) Process(ctx context.Context, env *api.Envelope, incrementCursor bool) (*Result, error) {
	result, err := p.process(ctx, env, incrementCursor)
	if err != nil {
		welcomesProcessed.WithLabelValues("error").Inc()
		return nil, err
	}
	welcomesProcessed.WithLabelValues(result.Outcome.String()).Inc()
	return result, nil
}

func (p *Processor) process(ctx context.Context, env *api.Envelope, incrementCursor bool) (*Result, error) {
	installationKey := p.identity.InstallationKey()

	var existing *groups.StoredGroup
	processed := false
	if err := p.db.RunReadOnly("welcome processed check", func() error {
		lastSeq, err := p.groups.LastCursor(installationKey, groups.EntityKindWelcome, env.Cursor.OriginatorID)
		if err != nil {
			return err
		}
		if lastSeq < env.Cursor.SequenceID {
			return nil
		}
		processed = true
		existing, err = p.groups.FindGroupByWelcome(env.Cursor)
		return err
	}); err != nil {
		return nil, err
	}
	if processed {
		p.log.Debugf("welcome %s already processed", env.Cursor)
		return &Result{Outcome: OutcomeAlreadyProcessed, Group: existing}, nil
	}

	group, welcomer, err := p.decryptAndValidate(ctx, env)
	if err != nil {
		if incrementCursor && !errs.IsRetryable(err) {
			p.log.Warnf("skipping welcome %s which failed validation: %s", env.Cursor, err)
			if cerr := p.db.Run("advance welcome cursor", func() error {
				_, err := p.groups.UpdateCursor(installationKey, groups.EntityKindWelcome, env.Cursor)
				return err
			}); cerr != nil {
				return nil, cerr
			}
		}
		return nil, err
	}

	unlock := p.commitLock.Lock(group.ID)
	defer unlock()

	result := &Result{}
	err = p.db.Run("process welcome", func() error {
		existing, err := p.groups.FindGroup(group.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			current, err := p.currentGroup(existing.ID)
			if err != nil {
				return err
			}
			if current != nil && current.IsActive() && current.Epoch >= group.Epoch {
				p.log.Infof("welcome %s for group %x at epoch %d is stale, local epoch is %d", env.Cursor, group.ID, group.Epoch, current.Epoch)
				*result = Result{Outcome: OutcomeAlreadyProcessed, Group: existing, Reason: ErrWelcomeAlreadyProcessed}
				return p.advanceWelcomeCursor(env, incrementCursor)
			}
		}

		serr := p.db.Savepoint("store welcomed group", func() error {
			return p.store(env, group, welcomer, existing, result)
		})
		if serr != nil {
			if !incrementCursor || errs.IsRetryable(serr) {
				return serr
			}
			p.log.Warnf("welcome %s failed forever: %s", env.Cursor, serr)
			*result = Result{Outcome: OutcomeFailedForever, Reason: serr}
		}
		return p.advanceWelcomeCursor(env, incrementCursor)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Processor) advanceWelcomeCursor(env *api.Envelope, incrementCursor bool) error {
	if !incrementCursor {
		return nil
	}
	_, err := p.groups.UpdateCursor(p.identity.InstallationKey(), groups.EntityKindWelcome, env.Cursor)
	return err
}

func (p *Processor) decryptAndValidate(ctx context.Context, env *api.Envelope) (*mls.Group, mls.Member, error) {
	payload, err := DecodePayload(env.Payload)
	if err != nil {
		return nil, mls.Member{}, err
	}
	group, welcomer, err := mls.JoinFromWelcome(p.identity, payload.Data)
	if err != nil {
		return nil, mls.Member{}, err
	}
	if err := p.validator.ValidateInitialMembership(ctx, group); err != nil {
		return nil, mls.Member{}, err
	}
	return group, welcomer, nil
}

func (p *Processor) currentGroup(id []byte) (*mls.Group, error) {
	state, _, err := p.groups.GroupState(id)
	if err != nil || state == nil {
		return nil, err
	}
	return mls.DecodeGroup(state)
}

// store runs inside a savepoint. Any error rolls back everything it wrote.
func (p *Processor) store(env *api.Envelope, group *mls.Group, welcomer mls.Member, existing *groups.StoredGroup, result *Result) error {
	payload, err := DecodePayload(env.Payload)
	if err != nil {
		return err
	}
	if len(group.Extensions.ImmutableMetadata) == 0 || len(group.Extensions.MutableMetadata) == 0 {
		return ErrMissingGroupMetadata
	}
	immutable, err := groups.DecodeImmutableMetadata(group.Extensions.ImmutableMetadata)
	if err != nil {
		return err
	}
	mutable, err := groups.DecodeMutableMetadata(group.Extensions.MutableMetadata)
	if err != nil {
		return err
	}

	if immutable.Type() == groups.ConversationTypeOneshot {
		if p.oneshot == nil {
			return ErrNoOneshotHandler
		}
		if err := p.oneshot.HandleOneshot(group, welcomer); err != nil {
			return err
		}
		*result = Result{Outcome: OutcomeOneshot, MLS: group}
		return nil
	}

	seq := env.Cursor.SequenceID
	originator := env.Cursor.OriginatorID
	stored := &groups.StoredGroup{
		ID:               group.ID,
		CreatedAtNs:      p.clock.CurrentTimeNs(),
		MembershipState:  groups.MembershipStatePending,
		AddedByInboxID:   welcomer.Leaf.InboxID,
		SequenceID:       &seq,
		OriginatorID:     &originator,
		ConversationType: immutable.Type(),
	}
	if welcomer.Leaf.InboxID == p.identity.InboxID {
		stored.MembershipState = groups.MembershipStateAllowed
	}

	readded := false
	if existing != nil {
		stored.CreatedAtNs = existing.CreatedAtNs
		var previous uint64
		if existing.SequenceID != nil {
			previous = *existing.SequenceID
		}
		if existing.MembershipState == groups.MembershipStatePendingRemove && seq > previous {
			p.log.Infof("re-added to group %x by %s", group.ID, welcomer.Leaf.InboxID)
			readded = true
			stored.MembershipState = groups.MembershipStateAllowed
		} else {
			stored.MembershipState = existing.MembershipState
		}
	}

	if dmID, ok := immutable.DmID(); ok {
		stored.DmID = &dmID
	}
	if fromNs, inNs, ok := mutable.DisappearingSettings(); ok {
		stored.MessageDisappearFromNs = &fromNs
		stored.MessageDisappearInNs = &inNs
	}
	if minimum, ok := mutable.Get(groups.FieldMinSupportedProtocolVersion); ok {
		paused, err := p.requiresUpgrade(minimum)
		if err != nil {
			return err
		}
		if paused {
			p.log.Warnf("group %x requires version %s, pausing", group.ID, minimum)
			stored.PausedForVersion = &minimum
		}
	}

	consent, err := p.stitchDmConsent(stored, immutable)
	if err != nil {
		return err
	}

	if err := p.groups.InsertOrReplaceGroup(stored); err != nil {
		return err
	}
	encoded, err := group.Encode()
	if err != nil {
		return err
	}
	if err := p.groups.SaveGroupState(group.ID, group.Epoch, encoded); err != nil {
		return err
	}

	message, err := p.transcriptMessage(env, group, welcomer)
	if err != nil {
		return err
	}
	if _, err := p.groups.InsertMessage(message); err != nil {
		return err
	}

	switch {
	case readded:
		consent = []*groups.ConsentRecord{groups.GroupConsent(group.ID, groups.ConsentStateUnknown)}
	case immutable.CreatorInboxID == p.identity.InboxID:
		consent = append(consent, groups.GroupConsent(group.ID, groups.ConsentStateAllowed))
	}
	if err := p.groups.SetConsent(consent...); err != nil {
		return err
	}

	if !payload.MessageCursor.IsZero() {
		if _, err := p.groups.UpdateCursor(group.ID, groups.EntityKindCommitMessage, payload.MessageCursor); err != nil {
			return err
		}
		if _, err := p.groups.UpdateCursor(group.ID, groups.EntityKindEpochCommit, payload.MessageCursor); err != nil {
			return err
		}
	}

	p.db.AfterCommit(func() {
		p.events.Publish(events.NewGroup(stored))
		p.events.Publish(events.NewMessage(message))
		if len(consent) > 0 {
			p.events.Publish(events.PreferencesChanged(consent...))
		}
	})
	*result = Result{Outcome: OutcomeCreated, Group: stored, MLS: group}
	return nil
}

func (p *Processor) requiresUpgrade(minimum string) (bool, error) {
	required, err := commit.ParseVersion(minimum)
	if err != nil {
		return false, err
	}
	current, err := commit.ParseVersion(p.config.LibraryVersion)
	if err != nil {
		return false, err
	}
	return required.Compare(current) > 0, nil
}

// stitchDmConsent carries consent from an earlier conversation with the same dm id, or from the
// peer inbox, over to a newly welcomed dm.
func (p *Processor) stitchDmConsent(stored *groups.StoredGroup, immutable *groups.ImmutableMetadata) ([]*groups.ConsentRecord, error) {
	if stored.DmID == nil {
		return nil, nil
	}
	prior, err := p.groups.FindDm(*stored.DmID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		state, err := p.groups.Consent(groups.ConsentTypeConversationID, groups.GroupConsentEntity(prior.ID))
		if err != nil {
			return nil, err
		}
		if state != groups.ConsentStateUnknown {
			return []*groups.ConsentRecord{groups.GroupConsent(stored.ID, state)}, nil
		}
	}
	for _, member := range immutable.DmMembers {
		if member == p.identity.InboxID {
			continue
		}
		state, err := p.groups.Consent(groups.ConsentTypeInboxID, member)
		if err != nil {
			return nil, err
		}
		if state != groups.ConsentStateUnknown {
			return []*groups.ConsentRecord{groups.GroupConsent(stored.ID, state)}, nil
		}
	}
	return nil, nil
}

func (p *Processor) transcriptMessage(env *api.Envelope, group *mls.Group, welcomer mls.Member) (*groups.StoredMessage, error) {
	update := &groups.GroupUpdated{
		InitiatedByInboxID: welcomer.Leaf.InboxID,
		AddedInboxes:       []string{p.identity.InboxID},
		RemovedInboxes:     []string{},
	}
	body, err := update.Encode()
	if err != nil {
		return nil, err
	}
	sentAt := env.CreatedNs
	if sentAt == 0 {
		sentAt = p.clock.CurrentTimeNs()
	}
	seq := env.Cursor.SequenceID
	originator := env.Cursor.OriginatorID
	return &groups.StoredMessage{
		ID:                    groups.MessageID(group.ID, body, []byte(env.Cursor.String())),
		GroupID:               group.ID,
		DecryptedMessageBytes: body,
		SentAtNs:              sentAt,
		Kind:                  groups.MessageKindMembershipChange,
		SenderInboxID:         welcomer.Leaf.InboxID,
		SenderInstallationID:  welcomer.Leaf.SignatureKey,
		SequenceID:            &seq,
		OriginatorID:          &originator,
		DeliveryStatus:        groups.DeliveryStatusPublished,
	}, nil
}

// IsSkipped reports whether a result means the welcome will not produce a group.
func (r *Result) IsSkipped() bool {
	return r.Outcome == OutcomeFailedForever || errors.Is(r.Reason, ErrWelcomeAlreadyProcessed)
}
