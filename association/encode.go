package association

import (
	"github.com/meow-io/go-convo/wire"
)

type memberWire struct {
	Kind              uint32
	Value             string
	HasAddedBy        bool
	AddedByKind       uint32
	AddedByValue      string
	ClientTimestampNs uint64
	HasChainID        bool
	ChainID           uint64
	IsCreator         bool
}

type stateWire struct {
	InboxID        string
	RecoveryKind   uint32
	RecoveryValue  string
	Members        []memberWire
	SeenSignatures [][]byte
}

func (s *AssociationState) Encode() ([]byte, error) {
	w := stateWire{
		InboxID:       s.inboxID,
		RecoveryKind:  uint32(s.recoveryIdentifier.Kind),
		RecoveryValue: s.recoveryIdentifier.Value,
	}
	for _, m := range s.Members() {
		mw := memberWire{
			Kind:              uint32(m.Identifier.Kind),
			Value:             m.Identifier.Value,
			ClientTimestampNs: m.ClientTimestampNs,
			IsCreator:         m.IsCreator,
		}
		if m.AddedByEntity != nil {
			mw.HasAddedBy = true
			mw.AddedByKind = uint32(m.AddedByEntity.Kind)
			mw.AddedByValue = m.AddedByEntity.Value
		}
		if m.AddedOnChainID != nil {
			mw.HasChainID = true
			mw.ChainID = *m.AddedOnChainID
		}
		w.Members = append(w.Members, mw)
	}
	for sig := range s.seenSignatures {
		w.SeenSignatures = append(w.SeenSignatures, []byte(sig))
	}
	return wire.Encode(&w)
}

func DecodeState(b []byte) (*AssociationState, error) {
	w := stateWire{}
	if err := wire.Decode(b, &w); err != nil {
		return nil, err
	}
	s := &AssociationState{
		inboxID:            w.InboxID,
		members:            make(map[MemberIdentifier]Member, len(w.Members)),
		recoveryIdentifier: MemberIdentifier{Kind: MemberKind(w.RecoveryKind), Value: w.RecoveryValue},
		seenSignatures:     make(map[string]struct{}, len(w.SeenSignatures)),
	}
	for _, mw := range w.Members {
		m := Member{
			Identifier:        MemberIdentifier{Kind: MemberKind(mw.Kind), Value: mw.Value},
			ClientTimestampNs: mw.ClientTimestampNs,
			IsCreator:         mw.IsCreator,
		}
		if mw.HasAddedBy {
			m.AddedByEntity = &MemberIdentifier{Kind: MemberKind(mw.AddedByKind), Value: mw.AddedByValue}
		}
		if mw.HasChainID {
			chainID := mw.ChainID
			m.AddedOnChainID = &chainID
		}
		s.members[m.Identifier] = m
	}
	for _, sig := range w.SeenSignatures {
		s.seenSignatures[string(sig)] = struct{}{}
	}
	return s, nil
}

func (u *UnverifiedIdentityUpdate) Encode() ([]byte, error) {
	return wire.Encode(u)
}

func DecodeIdentityUpdate(b []byte) (*UnverifiedIdentityUpdate, error) {
	u := &UnverifiedIdentityUpdate{}
	if err := wire.Decode(b, u); err != nil {
		return nil, err
	}
	return u, nil
}
