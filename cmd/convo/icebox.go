package main

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/meow-io/go-convo/icebox"
	"github.com/meow-io/go-convo/ids"
	db "github.com/meow-io/go-convo/internal/db"
	"github.com/spf13/cobra"
)

func newIceboxCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "icebox <scenario.yaml>",
		Short: "Ice a scenario's envelopes and print their past and future dependants",
		Long: `Ices every envelope of the scenario into a throwaway store, removes the
envelopes listed under remove, then walks the dependency graph from each past
and future cursor.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := &iceboxScenario{}
			if err := loadScenario(args[0], s); err != nil {
				return err
			}
			return runIcebox(opts, newPrinter(cmd, opts), s)
		},
	}
}

func runIcebox(opts *rootOptions, p *printer, s *iceboxScenario) error {
	dir, cleanup, err := tempDir("icebox")
	if err != nil {
		return err
	}
	defer cleanup()
	c, err := opts.newConfig(dir, "icebox")
	if err != nil {
		return err
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, key); err != nil {
		return err
	}
	d, err := db.NewDatabase(c, path.Join(dir, "icebox"))
	if err != nil {
		return err
	}
	if err := d.Initialize(key); err != nil {
		return err
	}
	if err := d.Open(key); err != nil {
		return err
	}
	defer func() {
		_ = d.Shutdown()
	}()

	var store *icebox.Store
	if err := d.Lock("icebox setup", func() error {
		store, err = icebox.NewStore(c, d)
		return err
	}); err != nil {
		return err
	}

	orphans := make([]*icebox.OrphanedEnvelope, 0, len(s.Envelopes))
	for _, e := range s.Envelopes {
		cursor, err := parseCursor(e.Cursor)
		if err != nil {
			return err
		}
		deps, err := parseCursors(e.DependsOn)
		if err != nil {
			return err
		}
		orphans = append(orphans, &icebox.OrphanedEnvelope{
			Cursor:    cursor,
			DependsOn: deps,
			GroupID:   []byte(e.Group),
			Payload:   []byte(e.Payload),
		})
	}
	removed, err := parseCursors(s.Remove)
	if err != nil {
		return err
	}
	past, err := parseCursors(s.Past)
	if err != nil {
		return err
	}
	future, err := parseCursors(s.Future)
	if err != nil {
		return err
	}

	p.heading("%s", s.Name)
	return store.Run("icebox scenario", func() error {
		count, err := store.Ice(orphans)
		if err != nil {
			return err
		}
		p.line("iced %d envelopes", count)
		if len(removed) > 0 {
			if err := store.Remove(removed); err != nil {
				return err
			}
			p.line("removed %s", joinCursors(removed))
		}

		for _, cursor := range past {
			found, err := store.PastDependants([]ids.Cursor{cursor})
			if err != nil {
				return err
			}
			p.heading("past dependants of %s", formatCursor(cursor))
			if err := p.table(envelopeHeader, envelopeRows(found)); err != nil {
				return err
			}
		}
		for _, cursor := range future {
			found, err := store.FutureDependants([]ids.Cursor{cursor})
			if err != nil {
				return err
			}
			p.heading("future dependants of %s", formatCursor(cursor))
			if err := p.table(envelopeHeader, envelopeRows(found)); err != nil {
				return err
			}
		}
		return nil
	})
}

var envelopeHeader = []string{"Cursor", "Group", "Depends on", "Payload"}

func envelopeRows(envelopes []*icebox.OrphanedEnvelope) [][]string {
	rows := make([][]string, 0, len(envelopes))
	for _, e := range envelopes {
		deps := "-"
		if len(e.DependsOn) > 0 {
			deps = joinCursors(e.DependsOn)
		}
		rows = append(rows, []string{formatCursor(e.Cursor), string(e.GroupID), deps, fmt.Sprintf("%q", e.Payload)})
	}
	return rows
}

func joinCursors(cursors []ids.Cursor) string {
	out := make([]string, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, formatCursor(c))
	}
	return strings.Join(out, ",")
}
