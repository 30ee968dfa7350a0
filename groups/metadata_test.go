package groups

import (
	"errors"
	"testing"

	"github.com/meow-io/go-convo/errs"
	"github.com/stretchr/testify/require"
)

func TestMutableMetadataFieldChanges(t *testing.T) {
	require := require.New(t)
	old := NewMutableMetadata("alice", Attribute{FieldGroupName, "cats"}, Attribute{FieldDescription, "about cats"})
	next := old.Clone()
	next.Set(FieldGroupName, "dogs")
	next.Set(FieldAppData, "x")

	require.Equal([]MetadataFieldChange{
		{FieldName: FieldAppData, HasNew: true, NewValue: "x"},
		{FieldName: FieldGroupName, HasOld: true, OldValue: "cats", HasNew: true, NewValue: "dogs"},
	}, FieldChanges(old, next))
	require.Empty(FieldChanges(old, old.Clone()))

	// insertion order does not change the encoding
	a := NewMutableMetadata("alice", Attribute{"b", "2"}, Attribute{"a", "1"})
	b := NewMutableMetadata("alice", Attribute{"a", "1"}, Attribute{"b", "2"})
	ab, err := a.Encode()
	require.Nil(err)
	bb, err := b.Encode()
	require.Nil(err)
	require.Equal(ab, bb)
	require.True(a.IsSuperAdmin("alice"))
	require.False(a.IsAdmin("alice"))
}

func TestDisappearingSettings(t *testing.T) {
	require := require.New(t)
	m := NewMutableMetadata("alice")
	_, _, ok := m.DisappearingSettings()
	require.False(ok)
	m.Set(FieldMessageDisappearFromNs, "10")
	m.Set(FieldMessageDisappearInNs, "20")
	from, in, ok := m.DisappearingSettings()
	require.True(ok)
	require.Equal(int64(10), from)
	require.Equal(int64(20), in)
}

func TestImmutableMetadata(t *testing.T) {
	require := require.New(t)
	m := &ImmutableMetadata{CreatorInboxID: "alice", ConversationType: uint32(ConversationTypeDm), DmMembers: []string{"bob", "alice"}}
	b, err := m.Encode()
	require.Nil(err)
	decoded, err := DecodeImmutableMetadata(b)
	require.Nil(err)
	dmID, ok := decoded.DmID()
	require.True(ok)
	require.Equal(DmID("alice", "bob"), dmID)

	bad, err := (&ImmutableMetadata{ConversationType: 9}).Encode()
	require.Nil(err)
	_, err = DecodeImmutableMetadata(bad)
	require.NotNil(err)
}

func TestUnknownConversationTypeIsNotRetryable(t *testing.T) {
	require := require.New(t)
	b, err := (&ImmutableMetadata{CreatorInboxID: "alice", ConversationType: 9}).Encode()
	require.Nil(err)
	_, err = DecodeImmutableMetadata(b)
	require.True(errors.Is(err, ErrUnknownConversationType))
	require.False(errs.IsRetryable(err))
}
