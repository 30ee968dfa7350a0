// This package keeps the local log of identity updates for every inbox convo has seen, folds it
// into association states and caches the results by (inbox, sequence id).
package identity

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/meow-io/go-convo/api"
	"github.com/meow-io/go-convo/association"
	"github.com/meow-io/go-convo/config"
	"github.com/meow-io/go-convo/errs"
	"github.com/meow-io/go-convo/internal/db"
	"github.com/meow-io/go-convo/membership"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

var (
	identityUpdatesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convo_identity_updates_fetched_total",
		Help: "Identity updates downloaded from the network",
	})
	associationCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convo_association_cache_lookups_total",
		Help: "Association state cache lookups by result",
	}, []string{"result"})
	identityFetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convo_identity_fetch_retries_total",
		Help: "Retried identity update fetches",
	})
)

// InstallationDiff is the set of installations a membership change is expected to add and remove.
type InstallationDiff struct {
	AddedInstallations   [][]byte
	RemovedInstallations [][]byte
}

type Manager struct {
	config   *config.Config
	db       *database
	log      *zap.SugaredLogger
	client   api.Client
	verifier association.SmartContractVerifier
}

func NewManager(c *config.Config, d *db.Database, client api.Client, verifier association.SmartContractVerifier) (*Manager, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, err
	}
	return &Manager{
		config:   c,
		db:       database,
		log:      c.Logger("identity"),
		client:   client,
		verifier: verifier,
	}, nil
}

func (m *Manager) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(m.config.IdentityFetchInitialIntervalMs) * time.Millisecond
	b.MaxElapsedTime = time.Duration(m.config.RequestTimeoutMs) * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(b, m.config.IdentityFetchMaxRetries), ctx)
}

// retry runs op until it succeeds, fails with a non retryable error, or runs out of attempts.
func (m *Manager) retry(ctx context.Context, label string, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			identityFetchRetries.Inc()
		}
		err := op()
		if err == nil {
			return nil
		}
		if !errs.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		m.log.Debugf("retrying %s after attempt %d: %s", label, attempt, err)
		return err
	}, m.backOff(ctx))
}

// LoadIdentityUpdates downloads every update newer than what is stored locally for each inbox.
func (m *Manager) LoadIdentityUpdates(ctx context.Context, inboxIDs []string) error {
	if len(inboxIDs) == 0 {
		return nil
	}
	var existing map[string]uint64
	if err := m.db.Run("latest identity sequence ids", func() error {
		var err error
		existing, err = m.db.latestSequenceIDs(inboxIDs)
		return err
	}); err != nil {
		return &errs.Transient{Op: "identity: load", Err: err}
	}

	filters := make([]api.IdentityUpdatesFilter, 0, len(inboxIDs))
	for _, id := range inboxIDs {
		filters = append(filters, api.IdentityUpdatesFilter{InboxID: id, SequenceID: existing[id]})
	}

	var results []api.InboxIdentityUpdates
	if err := m.retry(ctx, "get identity updates", func() error {
		var err error
		results, err = m.client.GetIdentityUpdatesV2(ctx, filters)
		return err
	}); err != nil {
		return fmt.Errorf("identity: error fetching identity updates: %w", err)
	}

	toStore := []*StoredIdentityUpdate{}
	for _, r := range results {
		for _, u := range r.Updates {
			payload, err := u.Update.Encode()
			if err != nil {
				return err
			}
			toStore = append(toStore, &StoredIdentityUpdate{
				InboxID:           r.InboxID,
				SequenceID:        u.SequenceID,
				ServerTimestampNs: u.ServerTimestampNs,
				Payload:           payload,
			})
		}
	}
	if len(toStore) == 0 {
		return nil
	}
	identityUpdatesFetched.Add(float64(len(toStore)))
	m.log.Debugf("storing %d identity updates for %d inboxes", len(toStore), len(inboxIDs))
	return m.db.Run("store identity updates", func() error {
		return m.db.insertOrIgnoreIdentityUpdates(toStore)
	})
}

// FilterInboxIDsNeedingUpdates returns the inboxes whose local log ends before the sequence id
// the caller needs.
func (m *Manager) FilterInboxIDsNeedingUpdates(required map[string]uint64) ([]string, error) {
	inboxIDs := maps.Keys(required)
	slices.Sort(inboxIDs)
	var existing map[string]uint64
	if err := m.db.RunReadOnly("filter identity updates", func() error {
		var err error
		existing, err = m.db.latestSequenceIDs(inboxIDs)
		return err
	}); err != nil {
		return nil, err
	}

	needed := []string{}
	for _, id := range inboxIDs {
		if seq, ok := existing[id]; ok && seq >= required[id] {
			continue
		}
		needed = append(needed, id)
	}
	return needed, nil
}

// LatestSequenceIDs returns the last sequence id stored for each inbox. Inboxes with no stored
// updates are absent from the result.
func (m *Manager) LatestSequenceIDs(inboxIDs []string) (map[string]uint64, error) {
	var out map[string]uint64
	err := m.db.RunReadOnly("latest sequence ids", func() error {
		var err error
		out, err = m.db.latestSequenceIDs(inboxIDs)
		return err
	})
	return out, err
}

// GetLatestAssociationState fetches any new updates for the inbox and folds the complete log.
func (m *Manager) GetLatestAssociationState(ctx context.Context, inboxID string) (*association.AssociationState, error) {
	if err := m.LoadIdentityUpdates(ctx, []string{inboxID}); err != nil {
		return nil, err
	}
	return m.GetAssociationState(ctx, inboxID, nil)
}

// GetAssociationState folds the local log for inboxID up to and including toSequenceID, or the
// whole log when it is nil. Results are cached by the sequence id of the last update applied.
func (m *Manager) GetAssociationState(ctx context.Context, inboxID string, toSequenceID *uint64) (*association.AssociationState, error) {
	var updates []*StoredIdentityUpdate
	var cached []byte
	if err := m.db.RunReadOnly("get association state", func() error {
		var err error
		updates, err = m.db.identityUpdates(inboxID, nil, toSequenceID)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		cached, err = m.db.readFromCache(inboxID, updates[len(updates)-1].SequenceID)
		return err
	}); err != nil {
		return nil, err
	}

	if len(updates) == 0 {
		return nil, fmt.Errorf("identity: no updates for %s: %w", inboxID, association.ErrMissingIdentityUpdate)
	}
	last := updates[len(updates)-1].SequenceID
	if toSequenceID != nil && *toSequenceID != last {
		return nil, fmt.Errorf("identity: expected %s to reach %d, found %d: %w", inboxID, *toSequenceID, last, association.ErrMissingIdentityUpdate)
	}

	if cached != nil {
		associationCacheLookups.WithLabelValues("hit").Inc()
		return association.DecodeState(cached)
	}
	associationCacheLookups.WithLabelValues("miss").Inc()

	verified, err := m.verifyUpdates(ctx, updates)
	if err != nil {
		return nil, err
	}
	state, err := association.FoldAll(verified)
	if err != nil {
		return nil, err
	}
	if err := m.writeToCache(inboxID, last, state); err != nil {
		return nil, err
	}
	return state, nil
}

// GetAssociationStateDiff returns what changed in an inbox between two points of its log. With no
// starting point every member of the state at toSequenceID is new.
func (m *Manager) GetAssociationStateDiff(ctx context.Context, inboxID string, fromSequenceID, toSequenceID *uint64) (association.AssociationStateDiff, error) {
	m.log.Debugf("computing diff for %s from %v to %v", inboxID, fromSequenceID, toSequenceID)
	if fromSequenceID == nil {
		state, err := m.GetAssociationState(ctx, inboxID, toSequenceID)
		if err != nil {
			return association.AssociationStateDiff{}, err
		}
		return state.AsDiff(), nil
	}

	initial, err := m.GetAssociationState(ctx, inboxID, fromSequenceID)
	if err != nil {
		return association.AssociationStateDiff{}, err
	}

	var incremental []*StoredIdentityUpdate
	if err := m.db.RunReadOnly("get incremental identity updates", func() error {
		var err error
		incremental, err = m.db.identityUpdates(inboxID, fromSequenceID, toSequenceID)
		return err
	}); err != nil {
		return association.AssociationStateDiff{}, err
	}
	if len(incremental) == 0 {
		return initial.Diff(initial), nil
	}
	last := incremental[len(incremental)-1].SequenceID
	if toSequenceID != nil && last != *toSequenceID {
		m.log.Errorf("did not find the expected last sequence id for %s, expected %d found %d", inboxID, *toSequenceID, last)
		return association.AssociationStateDiff{}, fmt.Errorf("identity: %s ends at %d: %w", inboxID, last, association.ErrMissingIdentityUpdate)
	}

	verified, err := m.verifyUpdates(ctx, incremental)
	if err != nil {
		return association.AssociationStateDiff{}, err
	}
	final := initial
	for _, u := range verified {
		if final, err = association.ApplyUpdate(final, u); err != nil {
			return association.AssociationStateDiff{}, err
		}
	}
	if err := m.writeToCache(inboxID, last, final); err != nil {
		return association.AssociationStateDiff{}, err
	}
	return initial.Diff(final), nil
}

// GetInstallationDiff resolves a membership change into installations. Added and updated inboxes
// contribute the installations their logs gained and lost over the admitted range. Removed inboxes
// contribute every installation they had when they were removed.
func (m *Manager) GetInstallationDiff(ctx context.Context, old, next *membership.GroupMembership, diff membership.MembershipDiff) (*InstallationDiff, error) {
	addedAndUpdated := append(slices.Clone(diff.AddedInboxes), diff.UpdatedInboxes...)

	required := make(map[string]uint64, len(addedAndUpdated))
	for _, id := range addedAndUpdated {
		seq, _ := next.Get(id)
		required[id] = seq
	}
	needed, err := m.FilterInboxIDsNeedingUpdates(required)
	if err != nil {
		return nil, err
	}
	if err := m.LoadIdentityUpdates(ctx, needed); err != nil {
		return nil, err
	}

	added := newKeySet()
	removed := newKeySet()
	for _, id := range addedAndUpdated {
		var from *uint64
		if seq, ok := old.Get(id); ok && seq != 0 {
			from = &seq
		}
		to, _ := next.Get(id)
		stateDiff, err := m.GetAssociationStateDiff(ctx, id, from, &to)
		if err != nil {
			return nil, err
		}
		added.add(stateDiff.NewInstallations()...)
		removed.add(stateDiff.RemovedInstallations()...)
	}

	for _, id := range diff.RemovedInboxes {
		seq, _ := old.Get(id)
		state, err := m.GetAssociationState(ctx, id, &seq)
		if err != nil {
			return nil, err
		}
		removed.add(state.AsDiff().NewInstallations()...)
	}

	return &InstallationDiff{
		AddedInstallations:   added.sorted(),
		RemovedInstallations: removed.sorted(),
	}, nil
}

// PublishIdentityUpdate sends a signed update to the network and stores it locally once it has
// been sequenced.
func (m *Manager) PublishIdentityUpdate(ctx context.Context, update *association.UnverifiedIdentityUpdate) (uint64, error) {
	seq, err := m.client.PublishIdentityUpdate(ctx, update)
	if err != nil {
		return 0, fmt.Errorf("identity: error publishing update for %s: %w", update.InboxID, err)
	}
	if err := m.LoadIdentityUpdates(ctx, []string{update.InboxID}); err != nil {
		return 0, err
	}
	return seq, nil
}

func (m *Manager) verifyUpdates(ctx context.Context, stored []*StoredIdentityUpdate) ([]*association.IdentityUpdate, error) {
	verified := make([]*association.IdentityUpdate, 0, len(stored))
	for _, s := range stored {
		u, err := association.DecodeIdentityUpdate(s.Payload)
		if err != nil {
			return nil, err
		}
		v, err := u.ToVerified(ctx, m.verifier)
		if err != nil {
			return nil, err
		}
		verified = append(verified, v)
	}
	return verified, nil
}

func (m *Manager) writeToCache(inboxID string, sequenceID uint64, state *association.AssociationState) error {
	b, err := state.Encode()
	if err != nil {
		return err
	}
	return m.db.Run("write association cache", func() error {
		return m.db.writeToCache(inboxID, sequenceID, b)
	})
}

type keySet map[string][]byte

func newKeySet() keySet {
	return keySet{}
}

func (s keySet) add(keys ...[]byte) {
	for _, k := range keys {
		s[string(k)] = k
	}
}

func (s keySet) sorted() [][]byte {
	out := maps.Values(s)
	slices.SortFunc(out, bytes.Compare)
	return out
}
