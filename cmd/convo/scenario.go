package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/meow-io/go-convo/association"
	"github.com/meow-io/go-convo/ids"
	"gopkg.in/yaml.v3"
)

// stateScenario describes identity updates for one inbox. Members are named "wallet/<seed>" or
// "installation/<seed>" and get deterministic keys from their seed.
type stateScenario struct {
	Name    string       `yaml:"name"`
	Account string       `yaml:"account"`
	Nonce   uint64       `yaml:"nonce"`
	Updates []updateSpec `yaml:"updates"`
}

type updateSpec struct {
	TimestampNs uint64       `yaml:"timestamp_ns"`
	Actions     []actionSpec `yaml:"actions"`
}

type actionSpec struct {
	Create         *struct{}       `yaml:"create"`
	Add            *memberChange   `yaml:"add"`
	Revoke         *memberChange   `yaml:"revoke"`
	ChangeRecovery *recoveryChange `yaml:"change_recovery"`
}

type memberChange struct {
	Member string `yaml:"member"`
	By     string `yaml:"by"`
}

type recoveryChange struct {
	To string `yaml:"to"`
	By string `yaml:"by"`
}

// iceboxScenario lists envelopes to ice and the cursors to query. Cursors are written
// "<sequence>:<originator>".
type iceboxScenario struct {
	Name      string         `yaml:"name"`
	Envelopes []envelopeSpec `yaml:"envelopes"`
	Past      []string       `yaml:"past"`
	Future    []string       `yaml:"future"`
	Remove    []string       `yaml:"remove"`
}

type envelopeSpec struct {
	Cursor    string   `yaml:"cursor"`
	Group     string   `yaml:"group"`
	DependsOn []string `yaml:"depends_on"`
	Payload   string   `yaml:"payload"`
}

func loadScenario(path string, out interface{}) error {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return fmt.Errorf("error reading scenario: %w", err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("error parsing scenario %s: %w", path, err)
	}
	return nil
}

func parseCursor(s string) (ids.Cursor, error) {
	seq, originator, ok := strings.Cut(s, ":")
	if !ok {
		return ids.Cursor{}, fmt.Errorf("cursor %q is not <sequence>:<originator>", s)
	}
	sid, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return ids.Cursor{}, fmt.Errorf("cursor %q: %w", s, err)
	}
	oid, err := strconv.ParseUint(originator, 10, 32)
	if err != nil {
		return ids.Cursor{}, fmt.Errorf("cursor %q: %w", s, err)
	}
	return ids.NewCursor(sid, uint32(oid)), nil
}

func parseCursors(ss []string) ([]ids.Cursor, error) {
	out := make([]ids.Cursor, 0, len(ss))
	for _, s := range ss {
		c, err := parseCursor(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func formatCursor(c ids.Cursor) string {
	return fmt.Sprintf("%d:%d", c.SequenceID, c.OriginatorID)
}

// keyring maps scenario member names to signers and back.
type keyring struct {
	signers map[association.MemberIdentifier]association.Signer
	names   map[association.MemberIdentifier]string
}

func newKeyring() *keyring {
	return &keyring{
		signers: map[association.MemberIdentifier]association.Signer{},
		names:   map[association.MemberIdentifier]string{},
	}
}

func (k *keyring) resolve(name string) (association.MemberIdentifier, error) {
	kind, seed, ok := strings.Cut(name, "/")
	if !ok || seed == "" {
		return association.MemberIdentifier{}, fmt.Errorf("member %q is not wallet/<seed> or installation/<seed>", name)
	}
	var signer association.Signer
	switch kind {
	case "wallet":
		w, err := association.WalletSignerFromSeed(seed)
		if err != nil {
			return association.MemberIdentifier{}, err
		}
		signer = w
	case "installation":
		signer = association.InstallationSignerFromSeed(seed)
	default:
		return association.MemberIdentifier{}, fmt.Errorf("member %q has unknown kind %q", name, kind)
	}
	id := signer.Identifier()
	k.signers[id] = signer
	k.names[id] = name
	return id, nil
}

func (k *keyring) name(id association.MemberIdentifier) string {
	if n, ok := k.names[id]; ok {
		return n
	}
	return id.String()
}

// signersFor returns signers for every identifier, failing on one the scenario never named.
func (k *keyring) signersFor(identifiers []association.MemberIdentifier) ([]association.Signer, error) {
	out := make([]association.Signer, 0, len(identifiers))
	for _, id := range identifiers {
		s, ok := k.signers[id]
		if !ok {
			return nil, fmt.Errorf("no key for %s", id)
		}
		out = append(out, s)
	}
	return out, nil
}
