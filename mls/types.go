// This package is a deliberately small group key agreement engine. It keeps a flat list of leaves
// instead of a ratchet tree and derives every epoch secret from the previous one and the commit
// that advanced it. It exists so commit validation and welcome processing have real staged
// commits, proposals and welcomes to work on.
package mls

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/meow-io/go-convo/crypto"
	"github.com/meow-io/go-convo/wire"
)

type Error string

func (e Error) Error() string {
	return "mls: " + string(e)
}

func (e Error) IsRetryable() bool {
	return false
}

const (
	ErrWrongGroup         = Error("message is for another group")
	ErrEpochTooOld        = Error("message is from a past epoch")
	ErrEpochInFuture      = Error("message is from a future epoch")
	ErrUnknownSender      = Error("sender is not a member of the group")
	ErrInvalidSignature   = Error("signature is invalid")
	ErrInvalidKeyPackage  = Error("key package signature is invalid")
	ErrNotInWelcome       = Error("welcome does not contain this installation")
	ErrUnknownLeaf        = Error("no member at leaf index")
	ErrRemovedFromGroup   = Error("this installation is not a member of the group")
	ErrUndecryptable      = Error("payload cannot be decrypted")
	ErrUnknownContentType = Error("unknown content type")
)

// LeafNode binds an installation's signature key to the inbox named in its credential.
type LeafNode struct {
	InboxID      string
	SignatureKey []byte
	InitKey      []byte
}

func (l LeafNode) tbs() []byte {
	return crypto.Concat([]byte("leaf"), []byte(l.InboxID), l.SignatureKey, l.InitKey)
}

type Member struct {
	Index uint32
	Leaf  LeafNode
}

// Extensions are the group context extensions. Their contents are opaque to the engine.
type Extensions struct {
	Membership        []byte
	MutableMetadata   []byte
	ImmutableMetadata []byte
}

func (e Extensions) Equal(other Extensions) bool {
	return bytes.Equal(e.Membership, other.Membership) &&
		bytes.Equal(e.MutableMetadata, other.MutableMetadata) &&
		bytes.Equal(e.ImmutableMetadata, other.ImmutableMetadata)
}

// Identity is the key material of one installation.
type Identity struct {
	InboxID    string
	SigningKey ed25519.PrivateKey
	InitKey    []byte
}

func NewIdentity(inboxID string, signingKey ed25519.PrivateKey) *Identity {
	_, initPriv := crypto.NewInitKey()
	return &Identity{InboxID: inboxID, SigningKey: signingKey, InitKey: initPriv}
}

func (i *Identity) InstallationKey() []byte {
	return []byte(i.SigningKey.Public().(ed25519.PublicKey))
}

func (i *Identity) Leaf() LeafNode {
	return LeafNode{InboxID: i.InboxID, SignatureKey: i.InstallationKey(), InitKey: crypto.PublicInitKey(i.InitKey)}
}

func (i *Identity) sign(msg []byte) []byte {
	return ed25519.Sign(i.SigningKey, msg)
}

type KeyPackage struct {
	Leaf      LeafNode
	Signature []byte
}

func (i *Identity) KeyPackage() *KeyPackage {
	leaf := i.Leaf()
	return &KeyPackage{Leaf: leaf, Signature: i.sign(leaf.tbs())}
}

func (k *KeyPackage) Verify() error {
	if len(k.Leaf.SignatureKey) != ed25519.PublicKeySize || !ed25519.Verify(k.Leaf.SignatureKey, k.Leaf.tbs(), k.Signature) {
		return ErrInvalidKeyPackage
	}
	return nil
}

func (k *KeyPackage) Encode() ([]byte, error) {
	return wire.Encode(k)
}

func DecodeKeyPackage(b []byte) (*KeyPackage, error) {
	k := &KeyPackage{}
	if err := wire.Decode(b, k); err != nil {
		return nil, err
	}
	if err := k.Verify(); err != nil {
		return nil, err
	}
	return k, nil
}

type ProposalKind uint32

const (
	ProposalAdd ProposalKind = iota + 1
	ProposalRemove
	ProposalUpdate
	ProposalPreSharedKey
	ProposalGroupContextExtensions
)

func (k ProposalKind) String() string {
	switch k {
	case ProposalAdd:
		return "add"
	case ProposalRemove:
		return "remove"
	case ProposalUpdate:
		return "update"
	case ProposalPreSharedKey:
		return "psk"
	case ProposalGroupContextExtensions:
		return "group_context_extensions"
	}
	return fmt.Sprintf("unknown(%d)", uint32(k))
}

// Proposal is one change queued in a commit. Only the fields for its kind are set.
type Proposal struct {
	Kind       uint32
	Sender     uint32
	KeyPackage KeyPackage
	Removed    uint32
	Leaf       LeafNode
	Extensions Extensions
	PSKID      []byte
}

func (p Proposal) ProposalKind() ProposalKind {
	return ProposalKind(p.Kind)
}

type Commit struct {
	Epoch     uint64
	Committer uint32
	Proposals []Proposal
	HasPath   bool
	PathLeaf  LeafNode
}

const (
	contentApplication uint32 = iota + 1
	contentCommit
)

// framedMessage is what travels on a group topic. Content is encrypted under a key derived from
// the epoch secret and signed by the sender's leaf.
type framedMessage struct {
	GroupID     []byte
	Epoch       uint64
	ContentType uint32
	Sender      uint32
	Content     []byte
	Signature   []byte
}

func (m *framedMessage) tbs() []byte {
	return crypto.Concat([]byte("framed"), m.GroupID, []byte(fmt.Sprint(m.Epoch)), []byte(fmt.Sprint(m.ContentType)), []byte(fmt.Sprint(m.Sender)), m.Content)
}

// groupInfo is sealed to each joiner's init key inside a welcome.
type groupInfo struct {
	GroupID     []byte
	Epoch       uint64
	EpochSecret []byte
	Members     []Member
	NextIndex   uint32
	Extensions  Extensions
	Welcomer    uint32
}

// Welcome is the sealed group info addressed to one installation.
type Welcome struct {
	InstallationKey []byte
	Data            []byte
}
