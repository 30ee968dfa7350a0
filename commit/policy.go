package commit

import (
	"slices"

	"github.com/meow-io/go-convo/groups"
)

type Permission int

const (
	PermissionAllow Permission = iota + 1
	PermissionDeny
	PermissionAdminOnly
	PermissionSuperAdminOnly
)

func (p Permission) allows(actor Participant) bool {
	switch p {
	case PermissionAllow:
		return true
	case PermissionAdminOnly:
		return actor.IsAdmin || actor.IsSuperAdmin
	case PermissionSuperAdminOnly:
		return actor.IsSuperAdmin || actor.IsCreator
	}
	return false
}

// Policies decide which actors may make each kind of change.
type Policies struct {
	AddMember      Permission
	RemoveMember   Permission
	UpdateMetadata Permission
	UpdateAdmins   Permission
}

func DefaultPolicies(conversationType groups.ConversationType) Policies {
	if conversationType == groups.ConversationTypeDm {
		return Policies{
			AddMember:      PermissionDeny,
			RemoveMember:   PermissionDeny,
			UpdateMetadata: PermissionAllow,
			UpdateAdmins:   PermissionDeny,
		}
	}
	return Policies{
		AddMember:      PermissionAllow,
		RemoveMember:   PermissionAdminOnly,
		UpdateMetadata: PermissionAllow,
		UpdateAdmins:   PermissionSuperAdminOnly,
	}
}

// Evaluate reports whether the commit's actor may make every change in it.
func (p Policies) Evaluate(c *ValidatedCommit) bool {
	if len(c.AddedInboxes) > 0 && !p.AddMember.allows(c.Actor) && !c.addsOnlyDmMembers() {
		return false
	}
	for _, removed := range c.RemovedInboxes {
		// leaving is always allowed
		if removed.InboxID == c.Actor.InboxID && len(c.RemovedInboxes) == 1 {
			continue
		}
		if !p.RemoveMember.allows(c.Actor) {
			return false
		}
	}
	if len(c.Metadata.FieldChanges) > 0 && !p.UpdateMetadata.allows(c.Actor) {
		return false
	}
	m := c.Metadata
	if len(m.AdminsAdded)+len(m.AdminsRemoved)+len(m.SuperAdminsAdded)+len(m.SuperAdminsRemoved) > 0 && !p.UpdateAdmins.allows(c.Actor) {
		return false
	}
	return true
}

// a dm creator may bring in the two inboxes the dm was created for and nobody else
func (c *ValidatedCommit) addsOnlyDmMembers() bool {
	if len(c.DmMembers) == 0 {
		return false
	}
	for _, added := range c.AddedInboxes {
		if !slices.Contains(c.DmMembers, added.InboxID) {
			return false
		}
	}
	return true
}
