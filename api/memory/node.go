// This package is an in-process network node. It sequences everything published to it under a
// single originator id and fans envelopes out to subscribers in sequence order.
package memory

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/meow-io/go-convo/api"
	"github.com/meow-io/go-convo/association"
	"github.com/meow-io/go-convo/clock"
	"github.com/meow-io/go-convo/config"
	"github.com/meow-io/go-convo/errs"
	"github.com/meow-io/go-convo/ids"
	"go.uber.org/zap"
)

var ErrUnavailable = errors.New("memory: node unavailable")

type inbox struct {
	state   *association.AssociationState
	updates []api.IdentityUpdateLog
}

type Node struct {
	config       *config.Config
	log          *zap.SugaredLogger
	clock        clock.Clock
	originatorID uint32
	verifier     association.SmartContractVerifier

	lock        sync.Mutex
	sequence    uint64
	topics      map[string][]*api.Envelope
	inboxes     map[string]*inbox
	identifiers map[association.MemberIdentifier]string
	keyPackages map[string][]byte
	subscribers map[uuid.UUID]*subscription
	failures    int
	finished    sync.WaitGroup
}

type Option func(*Node)

func WithSmartContractVerifier(v association.SmartContractVerifier) Option {
	return func(n *Node) {
		n.verifier = v
	}
}

func WithClock(c clock.Clock) Option {
	return func(n *Node) {
		n.clock = c
	}
}

func NewNode(c *config.Config, originatorID uint32, opts ...Option) *Node {
	n := &Node{
		config:       c,
		log:          c.Logger("api/memory"),
		clock:        clock.NewSystemClock(),
		originatorID: originatorID,
		topics:       make(map[string][]*api.Envelope),
		inboxes:      make(map[string]*inbox),
		identifiers:  make(map[association.MemberIdentifier]string),
		keyPackages:  make(map[string][]byte),
		subscribers:  make(map[uuid.UUID]*subscription),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// FailNext makes the next count calls fail with a retryable error.
func (n *Node) FailNext(count int) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.failures = count
}

func (n *Node) Shutdown() {
	n.lock.Lock()
	subs := make([]*subscription, 0, len(n.subscribers))
	for _, s := range n.subscribers {
		subs = append(subs, s)
	}
	n.lock.Unlock()
	for _, s := range subs {
		s.Close()
	}
	n.finished.Wait()
}

// must hold lock
func (n *Node) checkAvailable(op string) error {
	if n.failures > 0 {
		n.failures--
		return &errs.Transient{Op: "memory: " + op, Err: ErrUnavailable}
	}
	return nil
}

// must hold lock
func (n *Node) nextCursor() ids.Cursor {
	n.sequence++
	return ids.NewCursor(n.sequence, n.originatorID)
}

func (n *Node) PublishIdentityUpdate(ctx context.Context, update *association.UnverifiedIdentityUpdate) (uint64, error) {
	verified, err := update.ToVerified(ctx, n.verifier)
	if err != nil {
		return 0, err
	}

	n.lock.Lock()
	defer n.lock.Unlock()
	if err := n.checkAvailable("publish identity update"); err != nil {
		return 0, err
	}

	ib, ok := n.inboxes[update.InboxID]
	if !ok {
		ib = &inbox{}
	}
	next, err := association.ApplyUpdate(ib.state, verified)
	if err != nil {
		return 0, fmt.Errorf("memory: rejecting identity update for %s: %w", update.InboxID, err)
	}

	var diff association.AssociationStateDiff
	if ib.state == nil {
		diff = next.AsDiff()
	} else {
		diff = ib.state.Diff(next)
	}
	for _, id := range diff.RemovedMembers {
		delete(n.identifiers, id)
	}
	for _, id := range diff.NewMembers {
		n.identifiers[id] = update.InboxID
	}

	cursor := n.nextCursor()
	ib.state = next
	ib.updates = append(ib.updates, api.IdentityUpdateLog{
		SequenceID:        cursor.SequenceID,
		ServerTimestampNs: n.clock.CurrentTimeNs(),
		Update:            update,
	})
	n.inboxes[update.InboxID] = ib
	n.log.Debugf("sequenced identity update for %s at %s", update.InboxID, cursor)
	return cursor.SequenceID, nil
}

func (n *Node) GetIdentityUpdatesV2(ctx context.Context, filters []api.IdentityUpdatesFilter) ([]api.InboxIdentityUpdates, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if err := n.checkAvailable("get identity updates"); err != nil {
		return nil, err
	}

	out := make([]api.InboxIdentityUpdates, 0, len(filters))
	for _, f := range filters {
		res := api.InboxIdentityUpdates{InboxID: f.InboxID, Updates: []api.IdentityUpdateLog{}}
		if ib, ok := n.inboxes[f.InboxID]; ok {
			for _, u := range ib.updates {
				if u.SequenceID > f.SequenceID {
					res.Updates = append(res.Updates, u)
				}
			}
		}
		out = append(out, res)
	}
	return out, nil
}

func (n *Node) GetInboxIDs(ctx context.Context, identifiers []association.MemberIdentifier) (map[association.MemberIdentifier]string, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if err := n.checkAvailable("get inbox ids"); err != nil {
		return nil, err
	}
	out := make(map[association.MemberIdentifier]string)
	for _, id := range identifiers {
		if inboxID, ok := n.identifiers[id]; ok {
			out[id] = inboxID
		}
	}
	return out, nil
}

func (n *Node) UploadKeyPackage(ctx context.Context, installationKey, keyPackage []byte) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	if err := n.checkAvailable("upload key package"); err != nil {
		return err
	}
	if len(keyPackage) == 0 {
		return api.ErrInvalidKeyPackage
	}
	n.keyPackages[hex.EncodeToString(installationKey)] = bytes.Clone(keyPackage)
	return nil
}

func (n *Node) FetchKeyPackages(ctx context.Context, installationKeys [][]byte) ([][]byte, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if err := n.checkAvailable("fetch key packages"); err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(installationKeys))
	for _, k := range installationKeys {
		kp, ok := n.keyPackages[hex.EncodeToString(k)]
		if !ok {
			return nil, fmt.Errorf("memory: key package for %x: %w", k, api.ErrNotFound)
		}
		out = append(out, kp)
	}
	return out, nil
}

func (n *Node) SendWelcomeMessages(ctx context.Context, welcomes []api.WelcomeMessageInput) ([]ids.Cursor, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if err := n.checkAvailable("send welcome messages"); err != nil {
		return nil, err
	}
	cursors := make([]ids.Cursor, 0, len(welcomes))
	for _, w := range welcomes {
		e := n.appendEnvelope(api.WelcomeTopic(w.InstallationKey), w.Data, nil)
		cursors = append(cursors, e.Cursor)
	}
	return cursors, nil
}

func (n *Node) QueryWelcomeMessages(ctx context.Context, installationKey []byte, after ids.Cursor) ([]*api.Envelope, error) {
	return n.QueryAt(ctx, api.WelcomeTopic(installationKey), after)
}

func (n *Node) Publish(ctx context.Context, topic api.Topic, payload []byte, dependsOn []ids.Cursor) (ids.Cursor, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if err := n.checkAvailable("publish"); err != nil {
		return ids.Cursor{}, err
	}
	return n.appendEnvelope(topic, payload, dependsOn).Cursor, nil
}

func (n *Node) QueryAt(ctx context.Context, topic api.Topic, after ids.Cursor) ([]*api.Envelope, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if err := n.checkAvailable("query"); err != nil {
		return nil, err
	}
	out := make([]*api.Envelope, 0)
	for _, e := range n.topics[topic.Key()] {
		if ids.CompareCursors(e.Cursor, after) > 0 {
			out = append(out, e)
		}
	}
	return out, nil
}

// Appends to the topic log and hands the envelope to every subscriber while still holding the
// node lock, so subscribers observe sequence order. Must hold lock.
func (n *Node) appendEnvelope(topic api.Topic, payload []byte, dependsOn []ids.Cursor) *api.Envelope {
	e := &api.Envelope{
		Cursor:    n.nextCursor(),
		Topic:     topic,
		Payload:   bytes.Clone(payload),
		DependsOn: dependsOn,
		CreatedNs: n.clock.CurrentTimeNs(),
	}
	n.topics[topic.Key()] = append(n.topics[topic.Key()], e)
	for _, s := range n.subscribers {
		s.enqueue(e)
	}
	return e
}
