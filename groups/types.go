package groups

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/meow-io/go-convo/crypto"
	"github.com/meow-io/go-convo/ids"
)

type MembershipState int

const (
	MembershipStateAllowed       MembershipState = 1
	MembershipStateRejected      MembershipState = 2
	MembershipStatePending       MembershipState = 3
	MembershipStatePendingRemove MembershipState = 4
)

func (s MembershipState) String() string {
	switch s {
	case MembershipStateAllowed:
		return "allowed"
	case MembershipStateRejected:
		return "rejected"
	case MembershipStatePending:
		return "pending"
	case MembershipStatePendingRemove:
		return "pending_remove"
	}
	return fmt.Sprintf("membership_state(%d)", int(s))
}

type ConversationType int

const (
	ConversationTypeGroup   ConversationType = 1
	ConversationTypeDm      ConversationType = 2
	ConversationTypeSync    ConversationType = 3
	ConversationTypeOneshot ConversationType = 4
)

func (c ConversationType) String() string {
	switch c {
	case ConversationTypeGroup:
		return "group"
	case ConversationTypeDm:
		return "dm"
	case ConversationTypeSync:
		return "sync"
	case ConversationTypeOneshot:
		return "oneshot"
	}
	return fmt.Sprintf("conversation_type(%d)", int(c))
}

// EntityKind names the log a cursor tracks.
type EntityKind int

const (
	EntityKindWelcome            EntityKind = 1
	EntityKindApplicationMessage EntityKind = 2
	EntityKindIdentityUpdate     EntityKind = 3
	EntityKindCommitMessage      EntityKind = 7
	// the commit that opened a group's current epoch
	EntityKindEpochCommit EntityKind = 8
)

type MessageKind int

const (
	MessageKindApplication      MessageKind = 1
	MessageKindMembershipChange MessageKind = 2
)

type DeliveryStatus int

const (
	DeliveryStatusUnpublished DeliveryStatus = 1
	DeliveryStatusPublished   DeliveryStatus = 2
	DeliveryStatusFailed      DeliveryStatus = 3
)

type ConsentState int

const (
	ConsentStateUnknown ConsentState = 0
	ConsentStateAllowed ConsentState = 1
	ConsentStateDenied  ConsentState = 2
)

func (c ConsentState) String() string {
	switch c {
	case ConsentStateAllowed:
		return "allowed"
	case ConsentStateDenied:
		return "denied"
	}
	return "unknown"
}

type ConsentType int

const (
	ConsentTypeConversationID ConsentType = 1
	ConsentTypeInboxID        ConsentType = 2
)

type StoredGroup struct {
	ID                     []byte           `db:"id"`
	CreatedAtNs            int64            `db:"created_at_ns"`
	MembershipState        MembershipState  `db:"membership_state"`
	AddedByInboxID         string           `db:"added_by_inbox_id"`
	SequenceID             *uint64          `db:"sequence_id"`
	OriginatorID           *uint32          `db:"originator_id"`
	ConversationType       ConversationType `db:"conversation_type"`
	DmID                   *string          `db:"dm_id"`
	MessageDisappearFromNs *int64           `db:"message_disappear_from_ns"`
	MessageDisappearInNs   *int64           `db:"message_disappear_in_ns"`
	PausedForVersion       *string          `db:"paused_for_version"`
	MaybeForked            bool             `db:"maybe_forked"`
	ForkDetails            string           `db:"fork_details"`
}

// WelcomeCursor is the cursor of the welcome which created the group, if any.
func (g *StoredGroup) WelcomeCursor() (ids.Cursor, bool) {
	if g.SequenceID == nil || g.OriginatorID == nil {
		return ids.Cursor{}, false
	}
	return ids.NewCursor(*g.SequenceID, *g.OriginatorID), true
}

func (g *StoredGroup) IsPaused() bool {
	return g.PausedForVersion != nil
}

// DmID is stable for a pair of inboxes regardless of who created the conversation.
func DmID(a, b string) string {
	members := []string{strings.ToLower(a), strings.ToLower(b)}
	sort.Strings(members)
	return "dm:" + members[0] + ":" + members[1]
}

type StoredMessage struct {
	ID                    []byte         `db:"id"`
	GroupID               []byte         `db:"group_id"`
	DecryptedMessageBytes []byte         `db:"decrypted_message_bytes"`
	SentAtNs              int64          `db:"sent_at_ns"`
	Kind                  MessageKind    `db:"kind"`
	SenderInboxID         string         `db:"sender_inbox_id"`
	SenderInstallationID  []byte         `db:"sender_installation_id"`
	SequenceID            *uint64        `db:"sequence_id"`
	OriginatorID          *uint32        `db:"originator_id"`
	DeliveryStatus        DeliveryStatus `db:"delivery_status"`
	Deleted               bool           `db:"deleted"`
}

// MessageID is derived from the group, the content and an idempotency key so redelivery of the
// same envelope produces the same row.
func MessageID(groupID, content, idempotencyKey []byte) []byte {
	return crypto.Hash(groupID, content, idempotencyKey)
}

type ConsentRecord struct {
	EntityType ConsentType  `db:"entity_type"`
	Entity     string       `db:"entity"`
	State      ConsentState `db:"state"`
}

// GroupConsentEntity is the consent entity naming a conversation.
func GroupConsentEntity(groupID []byte) string {
	return hex.EncodeToString(groupID)
}

func GroupConsent(groupID []byte, state ConsentState) *ConsentRecord {
	return &ConsentRecord{EntityType: ConsentTypeConversationID, Entity: GroupConsentEntity(groupID), State: state}
}

func InboxConsent(inboxID string, state ConsentState) *ConsentRecord {
	return &ConsentRecord{EntityType: ConsentTypeInboxID, Entity: inboxID, State: state}
}
