// The icebox holds group envelopes that arrived before the envelopes they depend on. Envelopes and
// dependency edges are keyed by the full (sequence id, originator id) cursor, so a dependency on
// one originator is never satisfied by the same sequence id from another.
package icebox

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/meow-io/go-convo/config"
	"github.com/meow-io/go-convo/ids"
	"github.com/meow-io/go-convo/internal/db"
	"github.com/meow-io/go-convo/migration"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	envelopesIced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convo_icebox_envelopes_iced_total",
		Help: "Envelopes deferred until their dependencies arrive",
	})
	envelopesThawed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convo_icebox_envelopes_removed_total",
		Help: "Envelopes removed from the icebox after resolution",
	})
)

type OrphanedEnvelope struct {
	Cursor    ids.Cursor
	DependsOn []ids.Cursor
	GroupID   []byte
	Payload   []byte
}

type icedRow struct {
	SequenceID      uint64 `db:"sequence_id"`
	OriginatorID    uint32 `db:"originator_id"`
	GroupID         []byte `db:"group_id"`
	EnvelopePayload []byte `db:"envelope_payload"`
}

type edgeRow struct {
	EnvelopeSequenceID     uint64 `db:"envelope_sequence_id"`
	EnvelopeOriginatorID   uint32 `db:"envelope_originator_id"`
	DependencySequenceID   uint64 `db:"dependency_sequence_id"`
	DependencyOriginatorID uint32 `db:"dependency_originator_id"`
}

type Store struct {
	*db.Database
	log *zap.SugaredLogger
}

func NewStore(c *config.Config, d *db.Database) (*Store, error) {
	s := &Store{d, c.Logger("icebox")}

	if err := d.MigrateNoLock("_icebox", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE icebox (
						sequence_id INTEGER NOT NULL,
						originator_id INTEGER NOT NULL,
						group_id BLOB NOT NULL,
						envelope_payload BLOB NOT NULL,
						PRIMARY KEY (sequence_id, originator_id)
					);
					CREATE INDEX icebox_group_id ON icebox (group_id);

					CREATE TABLE icebox_dependencies (
						envelope_sequence_id INTEGER NOT NULL,
						envelope_originator_id INTEGER NOT NULL,
						dependency_sequence_id INTEGER NOT NULL,
						dependency_originator_id INTEGER NOT NULL,
						PRIMARY KEY (envelope_sequence_id, envelope_originator_id, dependency_sequence_id, dependency_originator_id)
					);
					CREATE INDEX icebox_dependencies_dependency ON icebox_dependencies (dependency_sequence_id, dependency_originator_id);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// Ice stores each orphan with its dependency edges and returns how many envelopes were new.
// Icing an envelope twice is a no-op.
func (s *Store) Ice(orphans []*OrphanedEnvelope) (int, error) {
	count := 0
	for _, o := range orphans {
		res, err := s.Tx.NamedExec("INSERT INTO icebox (sequence_id, originator_id, group_id, envelope_payload) VALUES (:sequence_id, :originator_id, :group_id, :envelope_payload) ON CONFLICT DO NOTHING", &icedRow{
			SequenceID:      o.Cursor.SequenceID,
			OriginatorID:    o.Cursor.OriginatorID,
			GroupID:         o.GroupID,
			EnvelopePayload: o.Payload,
		})
		if err != nil {
			return 0, fmt.Errorf("icebox: error icing %s: %w", o.Cursor, err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		count += int(inserted)

		for _, dep := range o.DependsOn {
			if _, err := s.Tx.NamedExec("INSERT INTO icebox_dependencies (envelope_sequence_id, envelope_originator_id, dependency_sequence_id, dependency_originator_id) VALUES (:envelope_sequence_id, :envelope_originator_id, :dependency_sequence_id, :dependency_originator_id) ON CONFLICT DO NOTHING", &edgeRow{
				EnvelopeSequenceID:     o.Cursor.SequenceID,
				EnvelopeOriginatorID:   o.Cursor.OriginatorID,
				DependencySequenceID:   dep.SequenceID,
				DependencyOriginatorID: dep.OriginatorID,
			}); err != nil {
				return 0, fmt.Errorf("icebox: error icing dependency of %s: %w", o.Cursor, err)
			}
		}
	}
	if count > 0 {
		envelopesIced.Add(float64(count))
		s.log.Debugf("iced %d envelopes", count)
	}
	return count, nil
}

// seeds renders cursors as a VALUES list usable as a CTE body.
func seeds(cursors []ids.Cursor) (string, []interface{}) {
	values := make([]string, 0, len(cursors))
	args := make([]interface{}, 0, len(cursors)*2)
	for _, c := range cursors {
		values = append(values, "(?, ?)")
		args = append(args, c.SequenceID, c.OriginatorID)
	}
	return "VALUES " + strings.Join(values, ", "), args
}

// PastDependants walks backward from cursors along dependency edges and returns every iced
// envelope on the way, the starting envelopes included when they are iced themselves.
func (s *Store) PastDependants(cursors []ids.Cursor) ([]*OrphanedEnvelope, error) {
	if len(cursors) == 0 {
		return []*OrphanedEnvelope{}, nil
	}
	start, args := seeds(cursors)
	query := `
		WITH RECURSIVE
			start(sequence_id, originator_id) AS (` + start + `),
			chain(sequence_id, originator_id) AS (
				SELECT sequence_id, originator_id FROM start
				UNION
				SELECT d.dependency_sequence_id, d.dependency_originator_id
				FROM icebox_dependencies d
				JOIN chain c ON d.envelope_sequence_id = c.sequence_id AND d.envelope_originator_id = c.originator_id
			)
		SELECT i.* FROM icebox i
		JOIN chain c ON i.sequence_id = c.sequence_id AND i.originator_id = c.originator_id
		ORDER BY i.sequence_id ASC, i.originator_id ASC`
	return s.query(query, args)
}

// FutureDependants walks forward from cursors and returns every iced envelope that transitively
// depends on one of them. The cursors themselves are never part of the result.
func (s *Store) FutureDependants(cursors []ids.Cursor) ([]*OrphanedEnvelope, error) {
	if len(cursors) == 0 {
		return []*OrphanedEnvelope{}, nil
	}
	start, args := seeds(cursors)
	query := `
		WITH RECURSIVE
			start(sequence_id, originator_id) AS (` + start + `),
			dependants(sequence_id, originator_id) AS (
				SELECT d.envelope_sequence_id, d.envelope_originator_id
				FROM icebox_dependencies d
				JOIN start s ON d.dependency_sequence_id = s.sequence_id AND d.dependency_originator_id = s.originator_id
				UNION
				SELECT d.envelope_sequence_id, d.envelope_originator_id
				FROM icebox_dependencies d
				JOIN dependants f ON d.dependency_sequence_id = f.sequence_id AND d.dependency_originator_id = f.originator_id
			)
		SELECT i.* FROM icebox i
		JOIN dependants f ON i.sequence_id = f.sequence_id AND i.originator_id = f.originator_id
		WHERE NOT EXISTS (SELECT 1 FROM start s WHERE s.sequence_id = i.sequence_id AND s.originator_id = i.originator_id)
		ORDER BY i.sequence_id ASC, i.originator_id ASC`
	return s.query(query, args)
}

// IcedForGroup lists every envelope waiting on a dependency in the group.
func (s *Store) IcedForGroup(groupID []byte) ([]*OrphanedEnvelope, error) {
	return s.query("SELECT * FROM icebox WHERE group_id = ? ORDER BY sequence_id ASC, originator_id ASC", []interface{}{groupID})
}

// Remove drops resolved envelopes together with their outgoing edges.
func (s *Store) Remove(cursors []ids.Cursor) error {
	removed := int64(0)
	for _, c := range cursors {
		res, err := s.Tx.Exec("DELETE FROM icebox WHERE sequence_id = ? AND originator_id = ?", c.SequenceID, c.OriginatorID)
		if err != nil {
			return fmt.Errorf("icebox: error removing %s: %w", c, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed += n
		if _, err := s.Tx.Exec("DELETE FROM icebox_dependencies WHERE envelope_sequence_id = ? AND envelope_originator_id = ?", c.SequenceID, c.OriginatorID); err != nil {
			return fmt.Errorf("icebox: error removing edges of %s: %w", c, err)
		}
	}
	envelopesThawed.Add(float64(removed))
	return nil
}

func (s *Store) query(query string, args []interface{}) ([]*OrphanedEnvelope, error) {
	var rows []*icedRow
	if err := s.Tx.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("icebox: error querying envelopes: %w", err)
	}
	out := make([]*OrphanedEnvelope, 0, len(rows))
	for _, r := range rows {
		var edges []*edgeRow
		if err := s.Tx.Select(&edges, "SELECT * FROM icebox_dependencies WHERE envelope_sequence_id = ? AND envelope_originator_id = ? ORDER BY dependency_sequence_id ASC, dependency_originator_id ASC", r.SequenceID, r.OriginatorID); err != nil {
			return nil, fmt.Errorf("icebox: error querying dependencies: %w", err)
		}
		deps := make([]ids.Cursor, 0, len(edges))
		for _, e := range edges {
			deps = append(deps, ids.NewCursor(e.DependencySequenceID, e.DependencyOriginatorID))
		}
		out = append(out, &OrphanedEnvelope{
			Cursor:    ids.NewCursor(r.SequenceID, r.OriginatorID),
			DependsOn: deps,
			GroupID:   r.GroupID,
			Payload:   r.EnvelopePayload,
		})
	}
	return out, nil
}
