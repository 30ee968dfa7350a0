package mls

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/meow-io/go-convo/crypto"
	"github.com/meow-io/go-convo/wire"
)

const (
	labelApplication = "application"
	labelHandshake   = "handshake"
	labelEpoch       = "epoch"
)

// Group is the local cryptographic state of one group at one epoch. OwnIndex is the leaf this
// installation occupies.
type Group struct {
	ID          []byte
	Epoch       uint64
	EpochSecret []byte
	Members     []Member
	NextIndex   uint32
	OwnIndex    uint32
	Extensions  Extensions
}

func NewGroup(identity *Identity, groupID []byte, extensions Extensions) *Group {
	return &Group{
		ID:          groupID,
		Epoch:       0,
		EpochSecret: crypto.NewSecret(),
		Members:     []Member{{Index: 0, Leaf: identity.Leaf()}},
		NextIndex:   1,
		OwnIndex:    0,
		Extensions:  extensions,
	}
}

func (g *Group) Encode() ([]byte, error) {
	return wire.Encode(g)
}

func DecodeGroup(b []byte) (*Group, error) {
	g := &Group{}
	if err := wire.Decode(b, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Group) MemberAt(index uint32) (Member, bool) {
	return memberAt(g.Members, index)
}

func (g *Group) MemberByInstallation(installationKey []byte) (Member, bool) {
	for _, m := range g.Members {
		if bytes.Equal(m.Leaf.SignatureKey, installationKey) {
			return m, true
		}
	}
	return Member{}, false
}

// IsActive reports whether this installation still holds a leaf.
func (g *Group) IsActive() bool {
	_, ok := g.MemberAt(g.OwnIndex)
	return ok
}

func (g *Group) InstallationKeys() [][]byte {
	out := make([][]byte, 0, len(g.Members))
	for _, m := range g.Members {
		out = append(out, m.Leaf.SignatureKey)
	}
	return out
}

// ExportTree returns a copy of the current leaves.
func (g *Group) ExportTree() []Member {
	return slices.Clone(g.Members)
}

// ExportSecret derives a secret bound to the current epoch.
func (g *Group) ExportSecret(label string, context []byte) ([]byte, error) {
	return g.key("exporter "+label, context)
}

func (g *Group) key(label string, context []byte) ([]byte, error) {
	return crypto.DeriveSecret(g.EpochSecret, label, crypto.Concat(g.ID, binary.BigEndian.AppendUint64(nil, g.Epoch), context))
}

func (g *Group) frame(identity *Identity, contentType uint32, plaintext []byte) ([]byte, error) {
	label := labelApplication
	if contentType == contentCommit {
		label = labelHandshake
	}
	key, err := g.key(label, nil)
	if err != nil {
		return nil, err
	}
	enc, err := crypto.EncryptWithKey(key, plaintext, g.ID)
	if err != nil {
		return nil, err
	}
	m := &framedMessage{
		GroupID:     g.ID,
		Epoch:       g.Epoch,
		ContentType: contentType,
		Sender:      g.OwnIndex,
		Content:     enc,
	}
	m.Signature = identity.sign(m.tbs())
	return wire.Encode(m)
}

// Encrypt frames an application message from this installation.
func (g *Group) Encrypt(identity *Identity, plaintext []byte) ([]byte, error) {
	if !g.IsActive() {
		return nil, ErrRemovedFromGroup
	}
	return g.frame(identity, contentApplication, plaintext)
}

type ApplicationMessage struct {
	Sender  Member
	Epoch   uint64
	Content []byte
}

// ProcessedMessage holds exactly one of an application message or a staged commit.
type ProcessedMessage struct {
	Application *ApplicationMessage
	Commit      *StagedCommit
}

// ProcessMessage authenticates and decrypts a framed message for the current epoch. Commits are
// staged, not merged.
func (g *Group) ProcessMessage(b []byte) (*ProcessedMessage, error) {
	m := &framedMessage{}
	if err := wire.Decode(b, m); err != nil {
		return nil, err
	}
	if !bytes.Equal(m.GroupID, g.ID) {
		return nil, ErrWrongGroup
	}
	switch {
	case m.Epoch < g.Epoch:
		return nil, fmt.Errorf("mls: message epoch %d, group epoch %d: %w", m.Epoch, g.Epoch, ErrEpochTooOld)
	case m.Epoch > g.Epoch:
		return nil, fmt.Errorf("mls: message epoch %d, group epoch %d: %w", m.Epoch, g.Epoch, ErrEpochInFuture)
	}
	sender, ok := g.MemberAt(m.Sender)
	if !ok {
		return nil, ErrUnknownSender
	}
	if !ed25519.Verify(sender.Leaf.SignatureKey, m.tbs(), m.Signature) {
		return nil, ErrInvalidSignature
	}

	label := labelApplication
	if m.ContentType == contentCommit {
		label = labelHandshake
	}
	key, err := g.key(label, nil)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.DecryptWithKey(key, m.Content, g.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting message: %s", ErrUndecryptable, err)
	}

	switch m.ContentType {
	case contentApplication:
		return &ProcessedMessage{Application: &ApplicationMessage{Sender: sender, Epoch: m.Epoch, Content: plaintext}}, nil
	case contentCommit:
		c := &Commit{}
		if err := wire.Decode(plaintext, c); err != nil {
			return nil, err
		}
		if c.Committer != m.Sender || c.Epoch != g.Epoch {
			return nil, ErrInvalidSignature
		}
		staged, err := g.stageCommit(c, plaintext)
		if err != nil {
			return nil, err
		}
		return &ProcessedMessage{Commit: staged}, nil
	}
	return nil, fmt.Errorf("mls: content type %d: %w", m.ContentType, ErrUnknownContentType)
}

// StagedCommit is a commit applied to a copy of the group. Nothing changes until it is merged.
type StagedCommit struct {
	Commit         *Commit
	Committer      Member
	PreMembers     []Member
	NewMembers     []Member
	OldExtensions  Extensions
	NewExtensions  Extensions
	FromEpoch      uint64
	NewEpochSecret []byte
	nextIndex      uint32
}

func (s *StagedCommit) QueuedProposals() []Proposal {
	return s.Commit.Proposals
}

// PathLeaf is the committer's refreshed leaf when the commit carries a path update.
func (s *StagedCommit) PathLeaf() (LeafNode, bool) {
	return s.Commit.PathLeaf, s.Commit.HasPath
}

// PreMemberAt resolves a leaf index against the tree before the commit.
func (s *StagedCommit) PreMemberAt(index uint32) (Member, bool) {
	return memberAt(s.PreMembers, index)
}

func (s *StagedCommit) HasPSKProposals() bool {
	for _, p := range s.Commit.Proposals {
		if p.ProposalKind() == ProposalPreSharedKey {
			return true
		}
	}
	return false
}

// GroupContextExtensions returns the extensions proposed by the commit, if any.
func (s *StagedCommit) GroupContextExtensions() (Extensions, bool) {
	for _, p := range s.Commit.Proposals {
		if p.ProposalKind() == ProposalGroupContextExtensions {
			return p.Extensions, true
		}
	}
	return Extensions{}, false
}

// RemovesInstallation reports whether installationKey has no leaf after the commit.
func (s *StagedCommit) RemovesInstallation(installationKey []byte) bool {
	for _, m := range s.NewMembers {
		if bytes.Equal(m.Leaf.SignatureKey, installationKey) {
			return false
		}
	}
	return true
}

// StageCommit applies an arbitrary commit to a copy of the group. Remove proposals naming an empty
// leaf are skipped here and left for validation to reject.
func (g *Group) StageCommit(c *Commit) (*StagedCommit, error) {
	raw, err := wire.Encode(c)
	if err != nil {
		return nil, err
	}
	return g.stageCommit(c, raw)
}

func (g *Group) stageCommit(c *Commit, raw []byte) (*StagedCommit, error) {
	committer, ok := g.MemberAt(c.Committer)
	if !ok {
		return nil, ErrUnknownSender
	}
	members := slices.Clone(g.Members)
	extensions := g.Extensions
	next := g.NextIndex

	replace := func(index uint32, leaf LeafNode) {
		for i := range members {
			if members[i].Index == index {
				members[i].Leaf = leaf
			}
		}
	}

	for _, p := range c.Proposals {
		switch p.ProposalKind() {
		case ProposalAdd:
			kp := p.KeyPackage
			if err := kp.Verify(); err != nil {
				return nil, err
			}
			members = append(members, Member{Index: next, Leaf: kp.Leaf})
			next++
		case ProposalRemove:
			members = slices.DeleteFunc(members, func(m Member) bool { return m.Index == p.Removed })
		case ProposalUpdate:
			replace(p.Sender, p.Leaf)
		case ProposalGroupContextExtensions:
			extensions = p.Extensions
		}
	}
	if c.HasPath {
		replace(c.Committer, c.PathLeaf)
	}
	slices.SortFunc(members, func(a, b Member) int {
		switch {
		case a.Index < b.Index:
			return -1
		case a.Index > b.Index:
			return 1
		}
		return 0
	})

	secret, err := crypto.DeriveSecret(g.EpochSecret, labelEpoch, crypto.Hash(g.ID, raw))
	if err != nil {
		return nil, err
	}
	return &StagedCommit{
		Commit:         c,
		Committer:      committer,
		PreMembers:     slices.Clone(g.Members),
		NewMembers:     members,
		OldExtensions:  g.Extensions,
		NewExtensions:  extensions,
		FromEpoch:      g.Epoch,
		NewEpochSecret: secret,
		nextIndex:      next,
	}, nil
}

// MergeStagedCommit advances the group to the staged epoch.
func (g *Group) MergeStagedCommit(s *StagedCommit) error {
	if s.FromEpoch != g.Epoch {
		return fmt.Errorf("mls: staged commit for epoch %d, group epoch %d: %w", s.FromEpoch, g.Epoch, ErrEpochTooOld)
	}
	g.Members = s.NewMembers
	g.Extensions = s.NewExtensions
	g.NextIndex = s.nextIndex
	g.EpochSecret = s.NewEpochSecret
	g.Epoch++
	return nil
}

type CommitOptions struct {
	Add        []*KeyPackage
	Remove     [][]byte
	Extensions *Extensions
}

// PendingCommit is a commit this installation created. Message goes to the group topic, Welcomes
// to each added installation, and Staged is merged once the message is accepted.
type PendingCommit struct {
	Message  []byte
	Welcomes []Welcome
	Staged   *StagedCommit
}

func (g *Group) CreateCommit(identity *Identity, opts CommitOptions) (*PendingCommit, error) {
	if !g.IsActive() {
		return nil, ErrRemovedFromGroup
	}
	proposals := []Proposal{}
	for _, kp := range opts.Add {
		proposals = append(proposals, Proposal{Kind: uint32(ProposalAdd), Sender: g.OwnIndex, KeyPackage: *kp})
	}
	for _, key := range opts.Remove {
		m, ok := g.MemberByInstallation(key)
		if !ok {
			return nil, fmt.Errorf("mls: removing %x: %w", key, ErrUnknownLeaf)
		}
		proposals = append(proposals, Proposal{Kind: uint32(ProposalRemove), Sender: g.OwnIndex, Removed: m.Index})
	}
	if opts.Extensions != nil {
		proposals = append(proposals, Proposal{Kind: uint32(ProposalGroupContextExtensions), Sender: g.OwnIndex, Extensions: *opts.Extensions})
	}

	c := &Commit{
		Epoch:     g.Epoch,
		Committer: g.OwnIndex,
		Proposals: proposals,
		HasPath:   true,
		PathLeaf:  identity.Leaf(),
	}
	raw, err := wire.Encode(c)
	if err != nil {
		return nil, err
	}
	staged, err := g.stageCommit(c, raw)
	if err != nil {
		return nil, err
	}
	message, err := g.frame(identity, contentCommit, raw)
	if err != nil {
		return nil, err
	}

	welcomes := make([]Welcome, 0, len(opts.Add))
	if len(opts.Add) > 0 {
		info, err := wire.Encode(&groupInfo{
			GroupID:     g.ID,
			Epoch:       g.Epoch + 1,
			EpochSecret: staged.NewEpochSecret,
			Members:     staged.NewMembers,
			NextIndex:   staged.nextIndex,
			Extensions:  staged.NewExtensions,
			Welcomer:    g.OwnIndex,
		})
		if err != nil {
			return nil, err
		}
		for _, kp := range opts.Add {
			sealed, err := crypto.SealTo(kp.Leaf.InitKey, info, kp.Leaf.SignatureKey)
			if err != nil {
				return nil, err
			}
			welcomes = append(welcomes, Welcome{InstallationKey: kp.Leaf.SignatureKey, Data: sealed})
		}
	}
	return &PendingCommit{Message: message, Welcomes: welcomes, Staged: staged}, nil
}

// JoinFromWelcome opens a welcome sealed to identity and returns the group with the member that
// sent it.
func JoinFromWelcome(identity *Identity, data []byte) (*Group, Member, error) {
	plaintext, err := crypto.OpenWith(identity.InitKey, data, identity.InstallationKey())
	if err != nil {
		return nil, Member{}, fmt.Errorf("%w: opening welcome: %s", ErrUndecryptable, err)
	}
	info := &groupInfo{}
	if err := wire.Decode(plaintext, info); err != nil {
		return nil, Member{}, err
	}
	g := &Group{
		ID:          info.GroupID,
		Epoch:       info.Epoch,
		EpochSecret: info.EpochSecret,
		Members:     info.Members,
		NextIndex:   info.NextIndex,
		Extensions:  info.Extensions,
	}
	own, ok := g.MemberByInstallation(identity.InstallationKey())
	if !ok {
		return nil, Member{}, ErrNotInWelcome
	}
	g.OwnIndex = own.Index
	welcomer, ok := g.MemberAt(info.Welcomer)
	if !ok {
		return nil, Member{}, ErrUnknownSender
	}
	return g, welcomer, nil
}

func memberAt(members []Member, index uint32) (Member, bool) {
	for _, m := range members {
		if m.Index == index {
			return m, true
		}
	}
	return Member{}, false
}
