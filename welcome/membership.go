package welcome

import (
	"bytes"
	"context"
	"slices"

	"github.com/meow-io/go-convo/association"
	"github.com/meow-io/go-convo/membership"
	"github.com/meow-io/go-convo/mls"
)

// MembershipValidator checks the tree a welcome delivers before the group is stored.
type MembershipValidator interface {
	ValidateInitialMembership(ctx context.Context, group *mls.Group) error
}

// NoopValidator accepts every welcome.
type NoopValidator struct{}

func (NoopValidator) ValidateInitialMembership(context.Context, *mls.Group) error {
	return nil
}

type Identities interface {
	FilterInboxIDsNeedingUpdates(required map[string]uint64) ([]string, error)
	LoadIdentityUpdates(ctx context.Context, inboxIDs []string) error
	GetAssociationState(ctx context.Context, inboxID string, toSequenceID *uint64) (*association.AssociationState, error)
}

// IdentityValidator requires the tree to hold exactly the installations each member inbox had at
// the sequence id the membership extension records, less installations marked as failed.
type IdentityValidator struct {
	identities Identities
}

func NewIdentityValidator(identities Identities) *IdentityValidator {
	return &IdentityValidator{identities: identities}
}

func (v *IdentityValidator) ValidateInitialMembership(ctx context.Context, group *mls.Group) error {
	if len(group.Extensions.Membership) == 0 {
		return ErrMissingGroupMembership
	}
	m, err := membership.Decode(group.Extensions.Membership)
	if err != nil {
		return err
	}

	required := map[string]uint64{}
	for _, e := range m.Entries() {
		required[e.InboxID] = e.SequenceID
	}
	needed, err := v.identities.FilterInboxIDsNeedingUpdates(required)
	if err != nil {
		return err
	}
	if err := v.identities.LoadIdentityUpdates(ctx, needed); err != nil {
		return err
	}

	expected := map[string][]byte{}
	for _, e := range m.Entries() {
		seq := e.SequenceID
		state, err := v.identities.GetAssociationState(ctx, e.InboxID, &seq)
		if err != nil {
			return err
		}
		for _, id := range state.InstallationIDs() {
			if !m.IsFailedInstallation(id) {
				expected[string(id)] = id
			}
		}
	}

	mismatch := &MembershipMismatchError{}
	actual := map[string]bool{}
	for _, member := range group.ExportTree() {
		key := member.Leaf.SignatureKey
		actual[string(key)] = true
		if _, ok := required[member.Leaf.InboxID]; !ok {
			mismatch.Unknown = append(mismatch.Unknown, member.Leaf.InboxID)
		}
		if _, ok := expected[string(key)]; !ok {
			mismatch.Unexpected = append(mismatch.Unexpected, key)
		}
	}
	for k, id := range expected {
		if !actual[k] {
			mismatch.Missing = append(mismatch.Missing, id)
		}
	}
	if len(mismatch.Missing) == 0 && len(mismatch.Unexpected) == 0 && len(mismatch.Unknown) == 0 {
		return nil
	}
	slices.SortFunc(mismatch.Missing, bytes.Compare)
	slices.SortFunc(mismatch.Unexpected, bytes.Compare)
	slices.Sort(mismatch.Unknown)
	return mismatch
}
