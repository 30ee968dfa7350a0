package association

import (
	"encoding/hex"
	"sort"
)

// AssociationState is an immutable snapshot of who is authorized for an inbox. Every change
// returns a new value; nothing mutates a state once it has been returned.
type AssociationState struct {
	inboxID            string
	members            map[MemberIdentifier]Member
	recoveryIdentifier MemberIdentifier
	seenSignatures     map[string]struct{}
}

func newState(inboxID string, creator Member) *AssociationState {
	return &AssociationState{
		inboxID:            inboxID,
		members:            map[MemberIdentifier]Member{creator.Identifier: creator},
		recoveryIdentifier: creator.Identifier,
		seenSignatures:     map[string]struct{}{},
	}
}

func (s *AssociationState) clone() *AssociationState {
	members := make(map[MemberIdentifier]Member, len(s.members))
	for k, v := range s.members {
		members[k] = v
	}
	seen := make(map[string]struct{}, len(s.seenSignatures))
	for k := range s.seenSignatures {
		seen[k] = struct{}{}
	}
	return &AssociationState{
		inboxID:            s.inboxID,
		members:            members,
		recoveryIdentifier: s.recoveryIdentifier,
		seenSignatures:     seen,
	}
}

func (s *AssociationState) withMember(m Member) *AssociationState {
	n := s.clone()
	n.members[m.Identifier] = m
	return n
}

func (s *AssociationState) withoutMembers(ids []MemberIdentifier) *AssociationState {
	n := s.clone()
	for _, id := range ids {
		delete(n.members, id)
	}
	return n
}

func (s *AssociationState) withRecoveryIdentifier(id MemberIdentifier) *AssociationState {
	n := s.clone()
	n.recoveryIdentifier = id
	return n
}

func (s *AssociationState) withSeenSignatures(sigs ...[]byte) *AssociationState {
	n := s.clone()
	for _, sig := range sigs {
		n.seenSignatures[hex.EncodeToString(sig)] = struct{}{}
	}
	return n
}

func (s *AssociationState) InboxID() string {
	return s.inboxID
}

func (s *AssociationState) RecoveryIdentifier() MemberIdentifier {
	return s.recoveryIdentifier
}

func (s *AssociationState) Get(id MemberIdentifier) (Member, bool) {
	m, ok := s.members[id]
	return m, ok
}

func (s *AssociationState) HasSeenSignature(sig []byte) bool {
	_, ok := s.seenSignatures[hex.EncodeToString(sig)]
	return ok
}

// Members in identifier order.
func (s *AssociationState) Members() []Member {
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return compareIdentifiers(out[i].Identifier, out[j].Identifier) < 0
	})
	return out
}

func (s *AssociationState) MembersByKind(kind MemberKind) []Member {
	out := []Member{}
	for _, m := range s.Members() {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

func (s *AssociationState) MembersByParent(parent MemberIdentifier) []Member {
	out := []Member{}
	for _, m := range s.Members() {
		if m.addedBy(parent) {
			out = append(out, m)
		}
	}
	return out
}

// InstallationIDs returns the raw public keys of every installation member.
func (s *AssociationState) InstallationIDs() [][]byte {
	members := s.MembersByKind(MemberKindInstallation)
	out := make([][]byte, 0, len(members))
	for _, m := range members {
		out = append(out, m.Identifier.InstallationKey())
	}
	return out
}

func (s *AssociationState) HasInstallation(installationID []byte) bool {
	_, ok := s.members[NewInstallation(installationID)]
	return ok
}

// descendants walks the added-by edges breadth first starting at root, root included.
func (s *AssociationState) descendants(root MemberIdentifier) []MemberIdentifier {
	children := map[MemberIdentifier][]MemberIdentifier{}
	for _, m := range s.Members() {
		if m.AddedByEntity != nil {
			children[*m.AddedByEntity] = append(children[*m.AddedByEntity], m.Identifier)
		}
	}

	visited := map[MemberIdentifier]bool{root: true}
	queue := []MemberIdentifier{root}
	out := []MemberIdentifier{}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		out = append(out, current)
		for _, child := range children[current] {
			if !visited[child] {
				visited[child] = true
				queue = append(queue, child)
			}
		}
	}
	return out
}

// AssociationStateDiff lists members present on only one side of a comparison.
type AssociationStateDiff struct {
	NewMembers     []MemberIdentifier
	RemovedMembers []MemberIdentifier
}

// Diff returns what changed going from s to next.
func (s *AssociationState) Diff(next *AssociationState) AssociationStateDiff {
	d := AssociationStateDiff{NewMembers: []MemberIdentifier{}, RemovedMembers: []MemberIdentifier{}}
	for _, m := range next.Members() {
		if _, ok := s.members[m.Identifier]; !ok {
			d.NewMembers = append(d.NewMembers, m.Identifier)
		}
	}
	for _, m := range s.Members() {
		if _, ok := next.members[m.Identifier]; !ok {
			d.RemovedMembers = append(d.RemovedMembers, m.Identifier)
		}
	}
	return d
}

// AsDiff treats every current member as new.
func (s *AssociationState) AsDiff() AssociationStateDiff {
	d := AssociationStateDiff{NewMembers: []MemberIdentifier{}, RemovedMembers: []MemberIdentifier{}}
	for _, m := range s.Members() {
		d.NewMembers = append(d.NewMembers, m.Identifier)
	}
	return d
}

func (d AssociationStateDiff) NewInstallations() [][]byte {
	return installationKeys(d.NewMembers)
}

func (d AssociationStateDiff) RemovedInstallations() [][]byte {
	return installationKeys(d.RemovedMembers)
}

func installationKeys(ids []MemberIdentifier) [][]byte {
	out := [][]byte{}
	for _, id := range ids {
		if id.IsInstallation() {
			out = append(out, id.InstallationKey())
		}
	}
	return out
}
