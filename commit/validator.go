// This package decides whether a staged commit may be merged. A commit is accepted only when the
// installations it adds and removes are exactly those the members' identity logs justify, every
// participant holds a current credential, and its actor has permission for each change.
package commit

import (
	"bytes"
	"context"
	"slices"

	"github.com/meow-io/go-convo/association"
	"github.com/meow-io/go-convo/config"
	"github.com/meow-io/go-convo/groups"
	"github.com/meow-io/go-convo/identity"
	"github.com/meow-io/go-convo/membership"
	"github.com/meow-io/go-convo/mls"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var commitsValidated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convo_commits_validated_total",
	Help: "Commits validated by result",
}, []string{"result"})

// Identities is the identity state commit validation consults.
type Identities interface {
	GetInstallationDiff(ctx context.Context, old, next *membership.GroupMembership, diff membership.MembershipDiff) (*identity.InstallationDiff, error)
	GetAssociationState(ctx context.Context, inboxID string, toSequenceID *uint64) (*association.AssociationState, error)
}

type Participant struct {
	InboxID        string
	InstallationID []byte
	IsCreator      bool
	IsAdmin        bool
	IsSuperAdmin   bool
}

type Inbox struct {
	InboxID      string
	IsCreator    bool
	IsAdmin      bool
	IsSuperAdmin bool
}

type MetadataInfo struct {
	FieldChanges       []groups.MetadataFieldChange
	AdminsAdded        []Inbox
	AdminsRemoved      []Inbox
	SuperAdminsAdded   []Inbox
	SuperAdminsRemoved []Inbox
	NumSuperAdmins     int
	MinimumVersion     string
}

func (m MetadataInfo) Empty() bool {
	return len(m.FieldChanges) == 0 && len(m.AdminsAdded) == 0 && len(m.AdminsRemoved) == 0 &&
		len(m.SuperAdminsAdded) == 0 && len(m.SuperAdminsRemoved) == 0
}

// ValidatedCommit summarizes a commit that passed every rule.
type ValidatedCommit struct {
	Actor                Participant
	AddedInboxes         []Inbox
	RemovedInboxes       []Inbox
	ReaddedInstallations [][]byte
	Metadata             MetadataInfo
	InstallationsChanged bool
	DmMembers            []string
}

func (c *ValidatedCommit) IsEmpty() bool {
	return len(c.AddedInboxes) == 0 && len(c.RemovedInboxes) == 0 && c.Metadata.Empty()
}

// GroupUpdated is the transcript entry describing the commit.
func (c *ValidatedCommit) GroupUpdated() *groups.GroupUpdated {
	u := &groups.GroupUpdated{
		InitiatedByInboxID: c.Actor.InboxID,
		AddedInboxes:       []string{},
		RemovedInboxes:     []string{},
		MetadataChanges:    c.Metadata.FieldChanges,
	}
	for _, i := range c.AddedInboxes {
		u.AddedInboxes = append(u.AddedInboxes, i.InboxID)
	}
	for _, i := range c.RemovedInboxes {
		u.RemovedInboxes = append(u.RemovedInboxes, i.InboxID)
	}
	return u
}

type Validator struct {
	config     *config.Config
	log        *zap.SugaredLogger
	identities Identities
}

func NewValidator(c *config.Config, identities Identities) *Validator {
	return &Validator{config: c, log: c.Logger("commit/validator"), identities: identities}
}

// Validate checks a commit staged against group and returns its summary.
func (v *Validator) Validate(ctx context.Context, group *mls.Group, staged *mls.StagedCommit) (*ValidatedCommit, error) {
	vc, err := v.validate(ctx, group, staged)
	if err != nil {
		commitsValidated.WithLabelValues("rejected").Inc()
		v.log.Warnf("rejecting commit for %x at epoch %d: %s", group.ID, group.Epoch, err)
		return nil, err
	}
	commitsValidated.WithLabelValues("accepted").Inc()
	return vc, nil
}

func (v *Validator) validate(ctx context.Context, group *mls.Group, staged *mls.StagedCommit) (*ValidatedCommit, error) {
	if len(group.Extensions.ImmutableMetadata) == 0 {
		return nil, ErrMissingGroupMetadata
	}
	immutable, err := groups.DecodeImmutableMetadata(group.Extensions.ImmutableMetadata)
	if err != nil {
		return nil, err
	}
	if len(group.Extensions.MutableMetadata) == 0 {
		return nil, ErrMissingMutableMetadata
	}
	mutable, err := groups.DecodeMutableMetadata(group.Extensions.MutableMetadata)
	if err != nil {
		return nil, err
	}

	metadata, err := extractMetadataChanges(immutable, mutable, group.Extensions.MutableMetadata, staged.NewExtensions.MutableMetadata)
	if err != nil {
		return nil, err
	}
	for _, change := range metadata.FieldChanges {
		if limit, ok := groups.FieldLimits[change.FieldName]; ok && change.HasNew && len(change.NewValue) > limit {
			return nil, &TooManyCharactersError{Field: change.FieldName, Length: limit}
		}
	}

	actor, err := extractActor(staged, immutable, mutable)
	if err != nil {
		return nil, err
	}
	if staged.HasPSKProposals() {
		return nil, ErrNoPSKSupport
	}

	changes, err := proposalChanges(staged, immutable, mutable)
	if err != nil {
		return nil, err
	}

	expected, err := v.expectedDiff(ctx, group, staged, immutable, mutable)
	if err != nil {
		return nil, err
	}

	installationsChanged := len(changes.added) > 0 || len(changes.removed) > 0
	failed := newInstallationSet(expected.next.FailedInstallations()...)
	readded := extractReaddedInstallations(actor, changes.added, changes.removed, failed)

	existing := newInstallationSet()
	for _, m := range staged.PreMembers {
		existing.add(m.Leaf.SignatureKey)
	}
	if err := expectedDiffMatchesCommit(expected.installations, changes.added, changes.removed, existing, failed); err != nil {
		return nil, err
	}

	for _, p := range append(changes.credentialsToVerify, actor) {
		// a member leaving is checked at the sequence id it was admitted with
		seq, ok := expected.next.Get(p.InboxID)
		if !ok {
			seq, ok = expected.old.Get(p.InboxID)
		}
		if !ok {
			return nil, ErrSubjectDoesNotExist
		}
		state, err := v.identities.GetAssociationState(ctx, p.InboxID, &seq)
		if err != nil {
			return nil, &InstallationDiffError{Err: err}
		}
		if !state.HasInstallation(p.InstallationID) {
			return nil, &InboxValidationFailedError{InboxID: p.InboxID}
		}
	}

	vc := &ValidatedCommit{
		Actor:                actor,
		AddedInboxes:         expected.addedInboxes,
		RemovedInboxes:       expected.removedInboxes,
		ReaddedInstallations: readded,
		Metadata:             metadata,
		InstallationsChanged: installationsChanged,
		DmMembers:            immutable.DmMembers,
	}

	if !DefaultPolicies(immutable.Type()).Evaluate(vc) {
		return nil, ErrInsufficientPermissions
	}

	if metadata.MinimumVersion != "" {
		current, err := ParseVersion(v.config.LibraryVersion)
		if err != nil {
			return nil, err
		}
		minimum, err := ParseVersion(metadata.MinimumVersion)
		if err != nil {
			return nil, err
		}
		v.log.Debugf("validating commit with minimum version %s, current version %s", metadata.MinimumVersion, v.config.LibraryVersion)
		if minimum.Compare(current) > 0 {
			return nil, &ProtocolVersionTooLowError{MinimumVersion: metadata.MinimumVersion}
		}
	}
	return vc, nil
}

func buildParticipant(leaf mls.LeafNode, immutable *groups.ImmutableMetadata, mutable *groups.MutableMetadata) Participant {
	return Participant{
		InboxID:        leaf.InboxID,
		InstallationID: leaf.SignatureKey,
		IsCreator:      leaf.InboxID == immutable.CreatorInboxID,
		IsAdmin:        mutable.IsAdmin(leaf.InboxID),
		IsSuperAdmin:   mutable.IsSuperAdmin(leaf.InboxID),
	}
}

func buildInbox(inboxID string, immutable *groups.ImmutableMetadata, mutable *groups.MutableMetadata) Inbox {
	return Inbox{
		InboxID:      inboxID,
		IsCreator:    inboxID == immutable.CreatorInboxID,
		IsAdmin:      mutable.IsAdmin(inboxID),
		IsSuperAdmin: mutable.IsSuperAdmin(inboxID),
	}
}

// extractActor finds the single installation responsible for the commit. Every proposal must come
// from the same leaf, and a path update must come from that leaf too.
func extractActor(staged *mls.StagedCommit, immutable *groups.ImmutableMetadata, mutable *groups.MutableMetadata) (Participant, error) {
	pathLeaf, hasPath := staged.PathLeaf()

	var author *uint32
	for _, p := range staged.QueuedProposals() {
		sender := p.Sender
		if author == nil {
			author = &sender
		} else if *author != sender {
			return Participant{}, ErrMultipleActors
		}
	}

	if hasPath && !bytes.Equal(pathLeaf.SignatureKey, staged.Committer.Leaf.SignatureKey) {
		return Participant{}, ErrMultipleActors
	}

	if hasPath && author != nil {
		proposer, ok := staged.PreMemberAt(*author)
		if !ok {
			return Participant{}, ErrActorCouldNotBeFound
		}
		if !bytes.Equal(pathLeaf.SignatureKey, proposer.Leaf.SignatureKey) {
			return Participant{}, ErrMultipleActors
		}
	}

	if hasPath {
		return buildParticipant(pathLeaf, immutable, mutable), nil
	}
	if author != nil {
		proposer, ok := staged.PreMemberAt(*author)
		if !ok {
			return Participant{}, ErrActorNotMember
		}
		return buildParticipant(proposer.Leaf, immutable, mutable), nil
	}
	return Participant{}, ErrActorCouldNotBeFound
}

type changes struct {
	added               installationSet
	removed             installationSet
	credentialsToVerify []Participant
}

// proposalChanges collects the installations the proposals actually add and remove, and the
// update subjects whose credentials need checking.
func proposalChanges(staged *mls.StagedCommit, immutable *groups.ImmutableMetadata, mutable *groups.MutableMetadata) (*changes, error) {
	c := &changes{added: newInstallationSet(), removed: newInstallationSet(), credentialsToVerify: []Participant{}}
	for _, p := range staged.QueuedProposals() {
		switch p.ProposalKind() {
		case mls.ProposalUpdate:
			c.credentialsToVerify = append(c.credentialsToVerify, buildParticipant(p.Leaf, immutable, mutable))
		case mls.ProposalAdd:
			c.added.add(p.KeyPackage.Leaf.SignatureKey)
		case mls.ProposalRemove:
			m, ok := staged.PreMemberAt(p.Removed)
			if !ok {
				return nil, ErrSubjectDoesNotExist
			}
			c.removed.add(m.Leaf.SignatureKey)
		}
	}
	return c, nil
}

type expectedDiff struct {
	old            *membership.GroupMembership
	next           *membership.GroupMembership
	installations  *identity.InstallationDiff
	addedInboxes   []Inbox
	removedInboxes []Inbox
}

// latestMembership prefers the membership proposed in the commit over the staged context.
func latestMembership(staged *mls.StagedCommit) (*membership.GroupMembership, error) {
	ext := staged.NewExtensions
	if proposed, ok := staged.GroupContextExtensions(); ok {
		ext = proposed
	}
	if len(ext.Membership) == 0 {
		return nil, ErrMissingGroupMembership
	}
	return membership.Decode(ext.Membership)
}

func (v *Validator) expectedDiff(ctx context.Context, group *mls.Group, staged *mls.StagedCommit, immutable *groups.ImmutableMetadata, mutable *groups.MutableMetadata) (*expectedDiff, error) {
	if len(group.Extensions.Membership) == 0 {
		return nil, ErrMissingGroupMembership
	}
	old, err := membership.Decode(group.Extensions.Membership)
	if err != nil {
		return nil, err
	}
	next, err := latestMembership(staged)
	if err != nil {
		return nil, err
	}
	diff := old.Diff(next)
	if err := validateMembershipDiff(old, next, diff); err != nil {
		return nil, err
	}

	e := &expectedDiff{old: old, next: next, addedInboxes: []Inbox{}, removedInboxes: []Inbox{}}
	for _, id := range diff.AddedInboxes {
		e.addedInboxes = append(e.addedInboxes, buildInbox(id, immutable, mutable))
	}
	for _, id := range diff.RemovedInboxes {
		e.removedInboxes = append(e.removedInboxes, buildInbox(id, immutable, mutable))
	}
	e.installations, err = v.identities.GetInstallationDiff(ctx, old, next, diff)
	if err != nil {
		return nil, &InstallationDiffError{Err: err}
	}
	return e, nil
}

func validateMembershipDiff(old, next *membership.GroupMembership, diff membership.MembershipDiff) error {
	for _, id := range diff.UpdatedInboxes {
		oldSeq, ok := old.Get(id)
		if !ok {
			return ErrSubjectDoesNotExist
		}
		newSeq, ok := next.Get(id)
		if !ok {
			return ErrSubjectDoesNotExist
		}
		if newSeq < oldSeq {
			return ErrSequenceIDDecreased
		}
	}
	return nil
}

// extractReaddedInstallations lets super admins remove and add the same installation in one
// commit, which is how forked installations are recovered. Readded installations are taken out
// of the sets before the expected diff is compared.
func extractReaddedInstallations(actor Participant, added, removed, failed installationSet) [][]byte {
	if !actor.IsSuperAdmin {
		return [][]byte{}
	}
	readded := newInstallationSet()
	for k, id := range added {
		if _, ok := removed[k]; ok {
			readded.add(id)
		}
	}
	for k := range readded {
		delete(added, k)
		delete(removed, k)
	}
	for k, id := range failed {
		if _, ok := removed[k]; ok {
			readded.add(id)
			delete(failed, k)
			delete(removed, k)
		}
	}
	return readded.sorted()
}

// expectedDiffMatchesCommit requires the proposals to add exactly the expected installations that
// are neither failed nor already in the tree, and to remove exactly the expected installations
// that are in the tree and not failed.
func expectedDiffMatchesCommit(expected *identity.InstallationDiff, added, removed, existing, failed installationSet) error {
	wantAdded := newInstallationSet()
	for _, id := range expected.AddedInstallations {
		if !failed.has(id) && !existing.has(id) {
			wantAdded.add(id)
		}
	}
	// re-adding a current member is a no-op, not an unexpected add
	for k, id := range added {
		if existing.has(id) && !wantAdded.has(id) {
			delete(added, k)
		}
	}
	if offending := added.symmetricDifference(wantAdded); len(offending) > 0 {
		return &UnexpectedInstallationAddedError{Installations: offending}
	}

	wantRemoved := newInstallationSet()
	for _, id := range expected.RemovedInstallations {
		if !failed.has(id) && existing.has(id) {
			wantRemoved.add(id)
		}
	}
	if offending := removed.symmetricDifference(wantRemoved); len(offending) > 0 {
		return &UnexpectedInstallationsRemovedError{Installations: offending}
	}
	return nil
}

func extractMetadataChanges(immutable *groups.ImmutableMetadata, old *groups.MutableMetadata, oldBytes, newBytes []byte) (MetadataInfo, error) {
	if len(newBytes) == 0 {
		return MetadataInfo{}, ErrMissingMutableMetadata
	}
	if bytes.Equal(oldBytes, newBytes) {
		minimum, _ := old.Get(groups.FieldMinSupportedProtocolVersion)
		return MetadataInfo{MinimumVersion: minimum, NumSuperAdmins: len(old.SuperAdminList)}, nil
	}
	next, err := groups.DecodeMutableMetadata(newBytes)
	if err != nil {
		return MetadataInfo{}, err
	}
	minimum, _ := next.Get(groups.FieldMinSupportedProtocolVersion)
	return MetadataInfo{
		FieldChanges:       groups.FieldChanges(old, next),
		AdminsAdded:        listAdded(old.AdminList, next.AdminList, immutable, old),
		AdminsRemoved:      listAdded(next.AdminList, old.AdminList, immutable, old),
		SuperAdminsAdded:   listAdded(old.SuperAdminList, next.SuperAdminList, immutable, old),
		SuperAdminsRemoved: listAdded(next.SuperAdminList, old.SuperAdminList, immutable, old),
		NumSuperAdmins:     len(next.SuperAdminList),
		MinimumVersion:     minimum,
	}, nil
}

// listAdded returns the inboxes in next that are not in old.
func listAdded(old, next []string, immutable *groups.ImmutableMetadata, mutable *groups.MutableMetadata) []Inbox {
	out := []Inbox{}
	for _, id := range next {
		if !slices.Contains(old, id) {
			out = append(out, buildInbox(id, immutable, mutable))
		}
	}
	return out
}

type installationSet map[string][]byte

func newInstallationSet(ids ...[]byte) installationSet {
	s := installationSet{}
	for _, id := range ids {
		s.add(id)
	}
	return s
}

func (s installationSet) add(id []byte) {
	s[string(id)] = id
}

func (s installationSet) has(id []byte) bool {
	_, ok := s[string(id)]
	return ok
}

func (s installationSet) sorted() [][]byte {
	out := make([][]byte, 0, len(s))
	for _, id := range s {
		out = append(out, id)
	}
	slices.SortFunc(out, bytes.Compare)
	return out
}

func (s installationSet) symmetricDifference(other installationSet) [][]byte {
	out := newInstallationSet()
	for k, id := range s {
		if _, ok := other[k]; !ok {
			out.add(id)
		}
	}
	for k, id := range other {
		if _, ok := s[k]; !ok {
			out.add(id)
		}
	}
	return out.sorted()
}
