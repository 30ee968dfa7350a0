// This package defines the network capability convo consumes. Every envelope the network hands
// back is framed by a cursor assigned by the originator node that sequenced it.
package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/meow-io/go-convo/association"
	"github.com/meow-io/go-convo/ids"
)

type TopicKind uint32

const (
	TopicGroupMessages   TopicKind = 1
	TopicWelcomeMessages TopicKind = 2
	TopicIdentityUpdates TopicKind = 3
)

type Topic struct {
	Kind TopicKind
	ID   []byte
}

func GroupTopic(groupID []byte) Topic {
	return Topic{Kind: TopicGroupMessages, ID: groupID}
}

func WelcomeTopic(installationKey []byte) Topic {
	return Topic{Kind: TopicWelcomeMessages, ID: installationKey}
}

func (t Topic) Key() string {
	return fmt.Sprintf("%d/%s", t.Kind, hex.EncodeToString(t.ID))
}

func (t Topic) String() string {
	return t.Key()
}

// Envelope is an opaque payload plus its framing.
type Envelope struct {
	Cursor    ids.Cursor
	Topic     Topic
	Payload   []byte
	DependsOn []ids.Cursor
	CreatedNs int64
}

type IdentityUpdateLog struct {
	SequenceID        uint64
	ServerTimestampNs int64
	Update            *association.UnverifiedIdentityUpdate
}

// Requests updates for InboxID with a sequence id strictly greater than SequenceID.
type IdentityUpdatesFilter struct {
	InboxID    string
	SequenceID uint64
}

type InboxIdentityUpdates struct {
	InboxID string
	Updates []IdentityUpdateLog
}

type WelcomeMessageInput struct {
	InstallationKey []byte
	Data            []byte
}

var (
	ErrNotFound          = errors.New("api: not found")
	ErrInvalidKeyPackage = errors.New("api: invalid key package")
)

type Client interface {
	PublishIdentityUpdate(ctx context.Context, update *association.UnverifiedIdentityUpdate) (uint64, error)
	GetIdentityUpdatesV2(ctx context.Context, filters []IdentityUpdatesFilter) ([]InboxIdentityUpdates, error)
	// Returns the inbox an identifier is currently associated with, if any.
	GetInboxIDs(ctx context.Context, identifiers []association.MemberIdentifier) (map[association.MemberIdentifier]string, error)
	UploadKeyPackage(ctx context.Context, installationKey, keyPackage []byte) error
	FetchKeyPackages(ctx context.Context, installationKeys [][]byte) ([][]byte, error)
	SendWelcomeMessages(ctx context.Context, welcomes []WelcomeMessageInput) ([]ids.Cursor, error)
	QueryWelcomeMessages(ctx context.Context, installationKey []byte, after ids.Cursor) ([]*Envelope, error)
	Publish(ctx context.Context, topic Topic, payload []byte, dependsOn []ids.Cursor) (ids.Cursor, error)
	// QueryAt returns envelopes on topic sequenced after the given cursor, in order.
	QueryAt(ctx context.Context, topic Topic, after ids.Cursor) ([]*Envelope, error)
	Subscribe(ctx context.Context, topics ...Topic) (Subscription, error)
}

// Subscription delivers envelopes for its topics in the order the network sequenced them. The
// channel closes when the subscription's context ends or Close is called.
type Subscription interface {
	Envelopes() <-chan *Envelope
	AddTopics(topics ...Topic) error
	Close()
}
