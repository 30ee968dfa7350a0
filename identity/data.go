package identity

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-convo/internal/db"
	"github.com/meow-io/go-convo/migration"
)

type StoredIdentityUpdate struct {
	InboxID           string `db:"inbox_id"`
	SequenceID        uint64 `db:"sequence_id"`
	ServerTimestampNs int64  `db:"server_timestamp_ns"`
	OriginatorID      uint32 `db:"originator_id"`
	Payload           []byte `db:"payload"`
}

type cachedState struct {
	InboxID    string `db:"inbox_id"`
	SequenceID uint64 `db:"sequence_id"`
	State      []byte `db:"state"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_identity", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE identity_updates (
						inbox_id TEXT NOT NULL,
						sequence_id INTEGER NOT NULL,
						server_timestamp_ns INTEGER NOT NULL,
						originator_id INTEGER NOT NULL,
						payload BLOB NOT NULL,
						PRIMARY KEY (inbox_id, sequence_id)
					);

					CREATE TABLE association_state_cache (
						inbox_id TEXT NOT NULL,
						sequence_id INTEGER NOT NULL,
						state BLOB NOT NULL,
						PRIMARY KEY (inbox_id, sequence_id)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *database) insertOrIgnoreIdentityUpdates(updates []*StoredIdentityUpdate) error {
	for _, u := range updates {
		if _, err := d.Tx.NamedExec("INSERT INTO identity_updates (inbox_id, sequence_id, server_timestamp_ns, originator_id, payload) VALUES (:inbox_id, :sequence_id, :server_timestamp_ns, :originator_id, :payload) ON CONFLICT DO NOTHING", u); err != nil {
			return fmt.Errorf("identity: error inserting identity update: %w", err)
		}
	}
	return nil
}

// identityUpdates returns an inbox's updates with from < sequence_id <= to, in sequence order.
// A nil bound is open.
func (d *database) identityUpdates(inboxID string, from, to *uint64) ([]*StoredIdentityUpdate, error) {
	query := "SELECT * FROM identity_updates WHERE inbox_id = ?"
	args := []interface{}{inboxID}
	if from != nil {
		query += " AND sequence_id > ?"
		args = append(args, *from)
	}
	if to != nil {
		query += " AND sequence_id <= ?"
		args = append(args, *to)
	}
	query += " ORDER BY sequence_id ASC"

	var updates []*StoredIdentityUpdate
	if err := d.Tx.Select(&updates, query, args...); err != nil {
		return nil, fmt.Errorf("identity: error getting identity updates: %w", err)
	}
	return updates, nil
}

func (d *database) latestSequenceIDs(inboxIDs []string) (map[string]uint64, error) {
	out := make(map[string]uint64)
	if len(inboxIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In("SELECT inbox_id, MAX(sequence_id) AS sequence_id FROM identity_updates WHERE inbox_id IN (?) GROUP BY inbox_id", inboxIDs)
	if err != nil {
		return nil, fmt.Errorf("identity: error building latest sequence query: %w", err)
	}
	var rows []struct {
		InboxID    string `db:"inbox_id"`
		SequenceID uint64 `db:"sequence_id"`
	}
	if err := d.Tx.Select(&rows, d.Tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("identity: error getting latest sequence ids: %w", err)
	}
	for _, r := range rows {
		out[r.InboxID] = r.SequenceID
	}
	return out, nil
}

func (d *database) readFromCache(inboxID string, sequenceID uint64) ([]byte, error) {
	c := cachedState{}
	if err := d.Tx.Get(&c, "SELECT * FROM association_state_cache WHERE inbox_id = $1 AND sequence_id = $2", inboxID, sequenceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: error reading association cache: %w", err)
	}
	return c.State, nil
}

func (d *database) writeToCache(inboxID string, sequenceID uint64, state []byte) error {
	c := &cachedState{InboxID: inboxID, SequenceID: sequenceID, State: state}
	if _, err := d.Tx.NamedExec("INSERT INTO association_state_cache (inbox_id, sequence_id, state) VALUES (:inbox_id, :sequence_id, :state) ON CONFLICT DO NOTHING", c); err != nil {
		return fmt.Errorf("identity: error writing association cache: %w", err)
	}
	return nil
}

func (d *database) cachedStateCount(inboxID string) (int, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT COUNT(*) FROM association_state_cache WHERE inbox_id = $1", inboxID); err != nil {
		return 0, fmt.Errorf("identity: error counting cache entries: %w", err)
	}
	return count, nil
}
