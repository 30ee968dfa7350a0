// This package models which inboxes are in a group, and up to which identity update of each
// inbox the group has admitted.
package membership

import (
	"bytes"

	"github.com/meow-io/go-convo/wire"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// GroupMembership maps inbox ids to the highest identity update sequence id admitted into the
// group. It is carried in the group's extensions and replaced, never edited, by commits.
type GroupMembership struct {
	members             map[string]uint64
	failedInstallations [][]byte
}

type Entry struct {
	InboxID    string
	SequenceID uint64
}

func New() *GroupMembership {
	return &GroupMembership{members: map[string]uint64{}}
}

func FromEntries(entries ...Entry) *GroupMembership {
	m := New()
	for _, e := range entries {
		m.members[e.InboxID] = e.SequenceID
	}
	return m
}

func (m *GroupMembership) Clone() *GroupMembership {
	return &GroupMembership{
		members:             maps.Clone(m.members),
		failedInstallations: slices.Clone(m.failedInstallations),
	}
}

// With returns a copy with inboxID admitted up to sequenceID.
func (m *GroupMembership) With(inboxID string, sequenceID uint64) *GroupMembership {
	n := m.Clone()
	n.members[inboxID] = sequenceID
	return n
}

func (m *GroupMembership) Without(inboxIDs ...string) *GroupMembership {
	n := m.Clone()
	for _, id := range inboxIDs {
		delete(n.members, id)
	}
	return n
}

// WithFailedInstallations records installations whose key packages could not be used when
// the membership was written. They are expected to be absent from the tree.
func (m *GroupMembership) WithFailedInstallations(ids ...[]byte) *GroupMembership {
	n := m.Clone()
	for _, id := range ids {
		if !n.IsFailedInstallation(id) {
			n.failedInstallations = append(n.failedInstallations, id)
		}
	}
	return n
}

func (m *GroupMembership) Get(inboxID string) (uint64, bool) {
	seq, ok := m.members[inboxID]
	return seq, ok
}

func (m *GroupMembership) Len() int {
	return len(m.members)
}

func (m *GroupMembership) InboxIDs() []string {
	ids := maps.Keys(m.members)
	slices.Sort(ids)
	return ids
}

func (m *GroupMembership) Entries() []Entry {
	out := make([]Entry, 0, len(m.members))
	for _, id := range m.InboxIDs() {
		out = append(out, Entry{InboxID: id, SequenceID: m.members[id]})
	}
	return out
}

func (m *GroupMembership) FailedInstallations() [][]byte {
	return slices.Clone(m.failedInstallations)
}

func (m *GroupMembership) IsFailedInstallation(id []byte) bool {
	return slices.ContainsFunc(m.failedInstallations, func(f []byte) bool {
		return bytes.Equal(f, id)
	})
}

func (m *GroupMembership) Equal(other *GroupMembership) bool {
	return maps.Equal(m.members, other.members)
}

// MembershipDiff is the change between two snapshots. Updated inboxes stayed in the group but
// their sequence id changed.
type MembershipDiff struct {
	AddedInboxes   []string
	RemovedInboxes []string
	UpdatedInboxes []string
}

func (d MembershipDiff) Empty() bool {
	return len(d.AddedInboxes) == 0 && len(d.RemovedInboxes) == 0 && len(d.UpdatedInboxes) == 0
}

func (m *GroupMembership) Diff(next *GroupMembership) MembershipDiff {
	d := MembershipDiff{AddedInboxes: []string{}, RemovedInboxes: []string{}, UpdatedInboxes: []string{}}
	for _, id := range m.InboxIDs() {
		nextSeq, ok := next.members[id]
		switch {
		case !ok:
			d.RemovedInboxes = append(d.RemovedInboxes, id)
		case nextSeq != m.members[id]:
			d.UpdatedInboxes = append(d.UpdatedInboxes, id)
		}
	}
	for _, id := range next.InboxIDs() {
		if _, ok := m.members[id]; !ok {
			d.AddedInboxes = append(d.AddedInboxes, id)
		}
	}
	return d
}

type membershipWire struct {
	Members             []Entry
	FailedInstallations [][]byte
}

func (m *GroupMembership) Encode() ([]byte, error) {
	return wire.Encode(&membershipWire{Members: m.Entries(), FailedInstallations: m.failedInstallations})
}

func Decode(b []byte) (*GroupMembership, error) {
	w := membershipWire{}
	if err := wire.Decode(b, &w); err != nil {
		return nil, err
	}
	m := FromEntries(w.Members...)
	m.failedInstallations = w.FailedInstallations
	return m, nil
}
