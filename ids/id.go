// This package defines the identifiers used throughout convo: random 16 byte ids for groups and
// messages, and the network cursor which orders every envelope.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

type ID [16]byte

func IDFromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return ID{}, fmt.Errorf("ids: expected 16 bytes, got %d", len(b))
	}
	return ID(b), nil
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// Cursor is the position of an envelope in the log of the originator which sequenced it.
type Cursor struct {
	SequenceID   uint64 `db:"sequence_id"`
	OriginatorID uint32 `db:"originator_id"`
}

func NewCursor(seq uint64, originator uint32) Cursor {
	return Cursor{SequenceID: seq, OriginatorID: originator}
}

func (c Cursor) String() string {
	return fmt.Sprintf("[sid(%d):oid(%d)]", c.SequenceID, c.OriginatorID)
}

func (c Cursor) IsZero() bool {
	return c.SequenceID == 0 && c.OriginatorID == 0
}

// Orders by sequence id, then originator.
func CompareCursors(a, b Cursor) int {
	switch {
	case a.SequenceID < b.SequenceID:
		return -1
	case a.SequenceID > b.SequenceID:
		return 1
	case a.OriginatorID < b.OriginatorID:
		return -1
	case a.OriginatorID > b.OriginatorID:
		return 1
	}
	return 0
}

type BySequence []Cursor

func (s BySequence) Len() int           { return len(s) }
func (s BySequence) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s BySequence) Less(i, j int) bool { return CompareCursors(s[i], s[j]) < 0 }
