package groups

import (
	"fmt"
	"strconv"

	"github.com/meow-io/go-convo/wire"
	"golang.org/x/exp/slices"
)

const (
	FieldGroupName                   = "group_name"
	FieldDescription                 = "description"
	FieldGroupImageURLSquare         = "group_image_url_square"
	FieldMessageDisappearFromNs      = "message_disappear_from_ns"
	FieldMessageDisappearInNs        = "message_disappear_in_ns"
	FieldMinSupportedProtocolVersion = "minimum_supported_protocol_version"
	FieldAppData                     = "app_data"

	MaxGroupNameLength   = 100
	MaxDescriptionLength = 1000
	MaxImageURLLength    = 2048
	MaxAppDataLength     = 8192
)

// FieldLimits maps attribute names to their maximum length in bytes.
var FieldLimits = map[string]int{
	FieldGroupName:           MaxGroupNameLength,
	FieldDescription:         MaxDescriptionLength,
	FieldGroupImageURLSquare: MaxImageURLLength,
	FieldAppData:             MaxAppDataLength,
}

type Attribute struct {
	Key   string
	Value string
}

// MutableMetadata is carried as a group context extension and may change with any commit.
// Attributes are kept sorted by key so equal metadata encodes to equal bytes.
type MutableMetadata struct {
	Attributes     []Attribute
	AdminList      []string
	SuperAdminList []string
}

func NewMutableMetadata(creatorInboxID string, attrs ...Attribute) *MutableMetadata {
	m := &MutableMetadata{AdminList: []string{}, SuperAdminList: []string{creatorInboxID}}
	for _, a := range attrs {
		m.Set(a.Key, a.Value)
	}
	return m
}

func (m *MutableMetadata) Get(key string) (string, bool) {
	for _, a := range m.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

func (m *MutableMetadata) Set(key, value string) {
	i, found := slices.BinarySearchFunc(m.Attributes, key, func(a Attribute, k string) int {
		switch {
		case a.Key < k:
			return -1
		case a.Key > k:
			return 1
		}
		return 0
	})
	if found {
		m.Attributes[i].Value = value
		return
	}
	m.Attributes = slices.Insert(m.Attributes, i, Attribute{Key: key, Value: value})
}

func (m *MutableMetadata) Clone() *MutableMetadata {
	return &MutableMetadata{
		Attributes:     slices.Clone(m.Attributes),
		AdminList:      slices.Clone(m.AdminList),
		SuperAdminList: slices.Clone(m.SuperAdminList),
	}
}

func (m *MutableMetadata) IsAdmin(inboxID string) bool {
	return slices.Contains(m.AdminList, inboxID)
}

func (m *MutableMetadata) IsSuperAdmin(inboxID string) bool {
	return slices.Contains(m.SuperAdminList, inboxID)
}

// DisappearingSettings returns the message expiry settings when both are set and positive.
func (m *MutableMetadata) DisappearingSettings() (fromNs, inNs int64, ok bool) {
	from, ok1 := m.Get(FieldMessageDisappearFromNs)
	in, ok2 := m.Get(FieldMessageDisappearInNs)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	f, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	i, err := strconv.ParseInt(in, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return f, i, f > 0 && i > 0
}

func (m *MutableMetadata) Encode() ([]byte, error) {
	return wire.Encode(m)
}

func DecodeMutableMetadata(b []byte) (*MutableMetadata, error) {
	m := &MutableMetadata{}
	if err := wire.Decode(b, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ImmutableMetadata is fixed when the group is created.
type ImmutableMetadata struct {
	CreatorInboxID   string
	ConversationType uint32
	DmMembers        []string
}

func (m *ImmutableMetadata) Type() ConversationType {
	return ConversationType(m.ConversationType)
}

func (m *ImmutableMetadata) DmID() (string, bool) {
	if m.Type() != ConversationTypeDm || len(m.DmMembers) != 2 {
		return "", false
	}
	return DmID(m.DmMembers[0], m.DmMembers[1]), true
}

func (m *ImmutableMetadata) Encode() ([]byte, error) {
	return wire.Encode(m)
}

func DecodeImmutableMetadata(b []byte) (*ImmutableMetadata, error) {
	m := &ImmutableMetadata{}
	if err := wire.Decode(b, m); err != nil {
		return nil, err
	}
	if m.Type() < ConversationTypeGroup || m.Type() > ConversationTypeOneshot {
		return nil, fmt.Errorf("groups: conversation type %d: %w", m.ConversationType, ErrUnknownConversationType)
	}
	return m, nil
}

type MetadataFieldChange struct {
	FieldName string
	HasOld    bool
	OldValue  string
	HasNew    bool
	NewValue  string
}

// FieldChanges lists attributes whose values differ between old and next, ordered by key.
func FieldChanges(old, next *MutableMetadata) []MetadataFieldChange {
	keys := []string{}
	for _, a := range old.Attributes {
		keys = append(keys, a.Key)
	}
	for _, a := range next.Attributes {
		if !slices.Contains(keys, a.Key) {
			keys = append(keys, a.Key)
		}
	}
	slices.Sort(keys)

	changes := []MetadataFieldChange{}
	for _, k := range keys {
		ov, hasOld := old.Get(k)
		nv, hasNew := next.Get(k)
		if hasOld == hasNew && ov == nv {
			continue
		}
		changes = append(changes, MetadataFieldChange{FieldName: k, HasOld: hasOld, OldValue: ov, HasNew: hasNew, NewValue: nv})
	}
	return changes
}

// GroupUpdated is the transcript entry stored for every membership or metadata change.
type GroupUpdated struct {
	InitiatedByInboxID string
	AddedInboxes       []string
	RemovedInboxes     []string
	MetadataChanges    []MetadataFieldChange
}

func (g *GroupUpdated) Encode() ([]byte, error) {
	return wire.Encode(g)
}

func DecodeGroupUpdated(b []byte) (*GroupUpdated, error) {
	g := &GroupUpdated{}
	if err := wire.Decode(b, g); err != nil {
		return nil, err
	}
	return g, nil
}
