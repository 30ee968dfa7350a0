package events

import "github.com/meow-io/go-convo/groups"

type Kind int

const (
	KindNewGroup Kind = iota + 1
	KindNewMessage
	KindPreferencesChanged
	KindMessageDeleted
)

func (k Kind) String() string {
	switch k {
	case KindNewGroup:
		return "new_group"
	case KindNewMessage:
		return "new_message"
	case KindPreferencesChanged:
		return "preferences_changed"
	case KindMessageDeleted:
		return "message_deleted"
	}
	return "unknown"
}

// Event is emitted after the change it describes has been committed to storage.
type Event struct {
	Kind        Kind
	Group       *groups.StoredGroup
	Message     *groups.StoredMessage
	Preferences []*groups.ConsentRecord
}

func NewGroup(g *groups.StoredGroup) Event {
	return Event{Kind: KindNewGroup, Group: g}
}

func NewMessage(m *groups.StoredMessage) Event {
	return Event{Kind: KindNewMessage, Message: m}
}

func PreferencesChanged(records ...*groups.ConsentRecord) Event {
	return Event{Kind: KindPreferencesChanged, Preferences: records}
}

func MessageDeleted(m *groups.StoredMessage) Event {
	return Event{Kind: KindMessageDeleted, Message: m}
}
