package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/meow-io/go-convo/association"
	"github.com/spf13/cobra"
)

func newStateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <scenario.yaml>",
		Short: "Fold a scenario's identity updates and print the association state",
		Long: `Builds, signs and applies each identity update of the scenario in order.
Rejected updates leave the state as it was and are reported with their error.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := &stateScenario{}
			if err := loadScenario(args[0], s); err != nil {
				return err
			}
			return runState(cmd.Context(), newPrinter(cmd, opts), s)
		},
	}
}

func runState(ctx context.Context, p *printer, s *stateScenario) error {
	keys := newKeyring()
	account, err := keys.resolve(s.Account)
	if err != nil {
		return err
	}
	inboxID := association.GenerateInboxID(account, s.Nonce)

	p.heading("%s", s.Name)
	if !p.text {
		p.line("inbox %s", inboxID)
	}

	var state *association.AssociationState
	rows := [][]string{}
	for i, u := range s.Updates {
		if u.TimestampNs == 0 {
			u.TimestampNs = uint64(i + 1)
		}
		update, desc, err := buildUpdate(ctx, keys, inboxID, account, s.Nonce, u)
		if err != nil {
			return fmt.Errorf("update %d: %w", i+1, err)
		}
		result := "applied"
		next, err := association.ApplyUpdate(state, update)
		if err != nil {
			result = err.Error()
		} else {
			state = next
		}
		rows = append(rows, []string{strconv.Itoa(i + 1), desc, result})
	}
	if err := p.table([]string{"#", "Actions", "Result"}, rows); err != nil {
		return err
	}

	p.heading("members")
	if state == nil {
		p.line("inbox not created")
		return nil
	}
	return p.table([]string{"Member", "Kind", "Added by", "Role"}, memberRows(keys, state))
}

func buildUpdate(ctx context.Context, keys *keyring, inboxID string, account association.MemberIdentifier, nonce uint64, u updateSpec) (*association.IdentityUpdate, string, error) {
	b := association.NewSignatureRequestBuilder(inboxID, u.TimestampNs)
	descs := []string{}
	memberOr := func(name string, fallback association.MemberIdentifier) (association.MemberIdentifier, error) {
		if name == "" {
			return fallback, nil
		}
		return keys.resolve(name)
	}

	for _, a := range u.Actions {
		switch {
		case a.Create != nil:
			b.CreateInbox(account, nonce)
			descs = append(descs, "create")
		case a.Add != nil:
			member, err := keys.resolve(a.Add.Member)
			if err != nil {
				return nil, "", err
			}
			by, err := memberOr(a.Add.By, account)
			if err != nil {
				return nil, "", err
			}
			b.AddAssociation(member, by)
			descs = append(descs, fmt.Sprintf("add %s by %s", keys.name(member), keys.name(by)))
		case a.Revoke != nil:
			member, err := keys.resolve(a.Revoke.Member)
			if err != nil {
				return nil, "", err
			}
			by, err := memberOr(a.Revoke.By, account)
			if err != nil {
				return nil, "", err
			}
			b.RevokeAssociation(by, member)
			descs = append(descs, fmt.Sprintf("revoke %s by %s", keys.name(member), keys.name(by)))
		case a.ChangeRecovery != nil:
			to, err := keys.resolve(a.ChangeRecovery.To)
			if err != nil {
				return nil, "", err
			}
			by, err := memberOr(a.ChangeRecovery.By, account)
			if err != nil {
				return nil, "", err
			}
			b.ChangeRecoveryIdentity(by, to)
			descs = append(descs, fmt.Sprintf("recovery %s by %s", keys.name(to), keys.name(by)))
		default:
			return nil, "", fmt.Errorf("action has no kind")
		}
	}

	req, err := b.Build()
	if err != nil {
		return nil, "", err
	}
	signers, err := keys.signersFor(req.MissingSignatures())
	if err != nil {
		return nil, "", err
	}
	if err := req.Sign(ctx, nil, signers...); err != nil {
		return nil, "", err
	}
	unverified, err := req.BuildIdentityUpdate()
	if err != nil {
		return nil, "", err
	}
	update, err := unverified.ToVerified(ctx, nil)
	if err != nil {
		return nil, "", err
	}
	return update, strings.Join(descs, "; "), nil
}

func memberRows(keys *keyring, state *association.AssociationState) [][]string {
	rows := [][]string{}
	for _, m := range state.Members() {
		addedBy := "-"
		if m.AddedByEntity != nil {
			addedBy = keys.name(*m.AddedByEntity)
		}
		roles := []string{}
		if m.IsCreator {
			roles = append(roles, "creator")
		}
		if m.Identifier == state.RecoveryIdentifier() {
			roles = append(roles, "recovery")
		}
		role := "-"
		if len(roles) > 0 {
			role = strings.Join(roles, ",")
		}
		rows = append(rows, []string{keys.name(m.Identifier), m.Kind().String(), addedBy, role})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i][0] < rows[j][0]
	})
	return rows
}
