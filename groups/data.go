package groups

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-convo/ids"
	"github.com/meow-io/go-convo/internal/db"
	"github.com/meow-io/go-convo/migration"
)

// Store holds groups, their transcripts, cursors and consent. Every method expects to be called
// inside db.Run.
type Store struct {
	*db.Database
}

func NewStore(internalDB *db.Database) (*Store, error) {
	s := &Store{internalDB}

	if err := internalDB.MigrateNoLock("_groups", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE groups (
						id BLOB PRIMARY KEY,
						created_at_ns INTEGER NOT NULL,
						membership_state INTEGER NOT NULL,
						added_by_inbox_id TEXT NOT NULL,
						sequence_id INTEGER,
						originator_id INTEGER,
						conversation_type INTEGER NOT NULL,
						dm_id TEXT,
						message_disappear_from_ns INTEGER,
						message_disappear_in_ns INTEGER,
						paused_for_version TEXT,
						maybe_forked INTEGER NOT NULL DEFAULT 0,
						fork_details TEXT NOT NULL DEFAULT ''
					);
					CREATE INDEX groups_welcome ON groups (sequence_id, originator_id);
					CREATE INDEX groups_dm_id ON groups (dm_id);

					CREATE TABLE group_states (
						group_id BLOB PRIMARY KEY,
						epoch INTEGER NOT NULL,
						state BLOB NOT NULL
					);

					CREATE TABLE group_messages (
						id BLOB PRIMARY KEY,
						group_id BLOB NOT NULL,
						decrypted_message_bytes BLOB NOT NULL,
						sent_at_ns INTEGER NOT NULL,
						kind INTEGER NOT NULL,
						sender_inbox_id TEXT NOT NULL,
						sender_installation_id BLOB NOT NULL,
						sequence_id INTEGER,
						originator_id INTEGER,
						delivery_status INTEGER NOT NULL,
						deleted INTEGER NOT NULL DEFAULT 0
					);
					CREATE INDEX group_messages_group ON group_messages (group_id, sent_at_ns);

					CREATE TABLE refresh_state (
						entity_id BLOB NOT NULL,
						entity_kind INTEGER NOT NULL,
						originator_id INTEGER NOT NULL,
						sequence_id INTEGER NOT NULL,
						PRIMARY KEY (entity_id, entity_kind, originator_id)
					);

					CREATE TABLE consent_records (
						entity_type INTEGER NOT NULL,
						entity TEXT NOT NULL,
						state INTEGER NOT NULL,
						PRIMARY KEY (entity_type, entity)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) FindGroup(id []byte) (*StoredGroup, error) {
	g := StoredGroup{}
	if err := s.Tx.Get(&g, "SELECT * FROM groups WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("groups: error getting group: %w", err)
	}
	return &g, nil
}

func (s *Store) FindGroupByWelcome(cursor ids.Cursor) (*StoredGroup, error) {
	g := StoredGroup{}
	if err := s.Tx.Get(&g, "SELECT * FROM groups WHERE sequence_id = $1 AND originator_id = $2", cursor.SequenceID, cursor.OriginatorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("groups: error getting group by welcome: %w", err)
	}
	return &g, nil
}

// FindDm returns the most recently created active conversation for a dm id.
func (s *Store) FindDm(dmID string) (*StoredGroup, error) {
	g := StoredGroup{}
	if err := s.Tx.Get(&g, "SELECT * FROM groups WHERE dm_id = $1 ORDER BY created_at_ns DESC LIMIT 1", dmID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("groups: error getting dm: %w", err)
	}
	return &g, nil
}

func (s *Store) Groups() ([]*StoredGroup, error) {
	var groups []*StoredGroup
	if err := s.Tx.Select(&groups, "SELECT * FROM groups ORDER BY created_at_ns ASC"); err != nil {
		return nil, fmt.Errorf("groups: error getting groups: %w", err)
	}
	return groups, nil
}

// InsertOrReplaceGroup writes the group, replacing any row with the same id.
func (s *Store) InsertOrReplaceGroup(g *StoredGroup) error {
	if _, err := s.Tx.NamedExec(`INSERT INTO groups (id, created_at_ns, membership_state, added_by_inbox_id, sequence_id, originator_id, conversation_type, dm_id, message_disappear_from_ns, message_disappear_in_ns, paused_for_version, maybe_forked, fork_details)
		VALUES (:id, :created_at_ns, :membership_state, :added_by_inbox_id, :sequence_id, :originator_id, :conversation_type, :dm_id, :message_disappear_from_ns, :message_disappear_in_ns, :paused_for_version, :maybe_forked, :fork_details)
		ON CONFLICT(id) DO UPDATE SET membership_state = :membership_state, added_by_inbox_id = :added_by_inbox_id, sequence_id = :sequence_id, originator_id = :originator_id, message_disappear_from_ns = :message_disappear_from_ns, message_disappear_in_ns = :message_disappear_in_ns, paused_for_version = :paused_for_version, maybe_forked = :maybe_forked, fork_details = :fork_details`, g); err != nil {
		return fmt.Errorf("groups: error upserting group: %w", err)
	}
	return nil
}

func (s *Store) UpdateMembershipState(id []byte, state MembershipState) error {
	if _, err := s.Tx.Exec("UPDATE groups SET membership_state = $1 WHERE id = $2", state, id); err != nil {
		return fmt.Errorf("groups: error updating membership state: %w", err)
	}
	return nil
}

func (s *Store) SetPausedForVersion(id []byte, version *string) error {
	if _, err := s.Tx.Exec("UPDATE groups SET paused_for_version = $1 WHERE id = $2", version, id); err != nil {
		return fmt.Errorf("groups: error updating paused version: %w", err)
	}
	return nil
}

func (s *Store) SetDisappearingSettings(id []byte, fromNs, inNs *int64) error {
	if _, err := s.Tx.Exec("UPDATE groups SET message_disappear_from_ns = $1, message_disappear_in_ns = $2 WHERE id = $3", fromNs, inNs, id); err != nil {
		return fmt.Errorf("groups: error updating disappearing settings: %w", err)
	}
	return nil
}

func (s *Store) MarkMaybeForked(id []byte, details string) error {
	if _, err := s.Tx.Exec("UPDATE groups SET maybe_forked = 1, fork_details = $1 WHERE id = $2", details, id); err != nil {
		return fmt.Errorf("groups: error marking fork: %w", err)
	}
	return nil
}

type groupState struct {
	GroupID []byte `db:"group_id"`
	Epoch   uint64 `db:"epoch"`
	State   []byte `db:"state"`
}

func (s *Store) SaveGroupState(groupID []byte, epoch uint64, state []byte) error {
	gs := &groupState{GroupID: groupID, Epoch: epoch, State: state}
	if _, err := s.Tx.NamedExec("INSERT INTO group_states (group_id, epoch, state) VALUES (:group_id, :epoch, :state) ON CONFLICT(group_id) DO UPDATE SET epoch = :epoch, state = :state", gs); err != nil {
		return fmt.Errorf("groups: error saving group state: %w", err)
	}
	return nil
}

// GroupState returns the encoded cryptographic state of a group, or nil if none is stored.
func (s *Store) GroupState(groupID []byte) ([]byte, uint64, error) {
	gs := groupState{}
	if err := s.Tx.Get(&gs, "SELECT * FROM group_states WHERE group_id = $1", groupID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("groups: error getting group state: %w", err)
	}
	return gs.State, gs.Epoch, nil
}

// InsertMessage stores m unless a message with the same id exists. Returns whether it was new.
func (s *Store) InsertMessage(m *StoredMessage) (bool, error) {
	res, err := s.Tx.NamedExec(`INSERT INTO group_messages (id, group_id, decrypted_message_bytes, sent_at_ns, kind, sender_inbox_id, sender_installation_id, sequence_id, originator_id, delivery_status, deleted)
		VALUES (:id, :group_id, :decrypted_message_bytes, :sent_at_ns, :kind, :sender_inbox_id, :sender_installation_id, :sequence_id, :originator_id, :delivery_status, :deleted)
		ON CONFLICT(id) DO NOTHING`, m)
	if err != nil {
		return false, fmt.Errorf("groups: error inserting message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("groups: error inserting message: %w", err)
	}
	return n == 1, nil
}

func (s *Store) MarkPublished(id []byte, cursor ids.Cursor) error {
	if _, err := s.Tx.Exec("UPDATE group_messages SET delivery_status = $1, sequence_id = $2, originator_id = $3 WHERE id = $4", DeliveryStatusPublished, cursor.SequenceID, cursor.OriginatorID, id); err != nil {
		return fmt.Errorf("groups: error marking message published: %w", err)
	}
	return nil
}

func (s *Store) Message(id []byte) (*StoredMessage, error) {
	m := StoredMessage{}
	if err := s.Tx.Get(&m, "SELECT * FROM group_messages WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("groups: error getting message: %w", err)
	}
	return &m, nil
}

// Messages lists the undeleted transcript of a group in the order it was sequenced.
func (s *Store) Messages(groupID []byte) ([]*StoredMessage, error) {
	var messages []*StoredMessage
	if err := s.Tx.Select(&messages, "SELECT * FROM group_messages WHERE group_id = $1 AND deleted = 0 ORDER BY sent_at_ns ASC, sequence_id ASC", groupID); err != nil {
		return nil, fmt.Errorf("groups: error getting messages: %w", err)
	}
	return messages, nil
}

func (s *Store) DeleteMessage(id []byte) (bool, error) {
	res, err := s.Tx.Exec("UPDATE group_messages SET deleted = 1 WHERE id = $1 AND deleted = 0", id)
	if err != nil {
		return false, fmt.Errorf("groups: error deleting message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("groups: error deleting message: %w", err)
	}
	return n == 1, nil
}

// DeleteExpiredMessages removes messages sent after fromNs that are older than inNs at nowNs.
func (s *Store) DeleteExpiredMessages(groupID []byte, fromNs, inNs, nowNs int64) (int64, error) {
	res, err := s.Tx.Exec("UPDATE group_messages SET deleted = 1 WHERE group_id = $1 AND kind = $2 AND deleted = 0 AND sent_at_ns >= $3 AND sent_at_ns + $4 <= $5", groupID, MessageKindApplication, fromNs, inNs, nowNs)
	if err != nil {
		return 0, fmt.Errorf("groups: error expiring messages: %w", err)
	}
	return res.RowsAffected()
}

// LastCursor returns the sequence id last processed for an entity's log from one originator.
func (s *Store) LastCursor(entityID []byte, kind EntityKind, originatorID uint32) (uint64, error) {
	var seq uint64
	if err := s.Tx.Get(&seq, "SELECT sequence_id FROM refresh_state WHERE entity_id = $1 AND entity_kind = $2 AND originator_id = $3", entityID, kind, originatorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("groups: error getting cursor: %w", err)
	}
	return seq, nil
}

// LatestCursor returns the highest cursor stored for an entity's log across all originators.
func (s *Store) LatestCursor(entityID []byte, kind EntityKind) (ids.Cursor, error) {
	c := ids.Cursor{}
	if err := s.Tx.Get(&c, "SELECT sequence_id, originator_id FROM refresh_state WHERE entity_id = $1 AND entity_kind = $2 ORDER BY sequence_id DESC, originator_id DESC LIMIT 1", entityID, kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ids.Cursor{}, nil
		}
		return ids.Cursor{}, fmt.Errorf("groups: error getting latest cursor: %w", err)
	}
	return c, nil
}

// UpdateCursor moves an entity's cursor forward. It never moves backward, and reports whether it
// moved.
func (s *Store) UpdateCursor(entityID []byte, kind EntityKind, cursor ids.Cursor) (bool, error) {
	res, err := s.Tx.Exec(`INSERT INTO refresh_state (entity_id, entity_kind, originator_id, sequence_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT(entity_id, entity_kind, originator_id) DO UPDATE SET sequence_id = excluded.sequence_id WHERE excluded.sequence_id > refresh_state.sequence_id`,
		entityID, kind, cursor.OriginatorID, cursor.SequenceID)
	if err != nil {
		return false, fmt.Errorf("groups: error updating cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("groups: error updating cursor: %w", err)
	}
	return n == 1, nil
}

func (s *Store) SetConsent(records ...*ConsentRecord) error {
	for _, r := range records {
		if _, err := s.Tx.NamedExec("INSERT INTO consent_records (entity_type, entity, state) VALUES (:entity_type, :entity, :state) ON CONFLICT(entity_type, entity) DO UPDATE SET state = :state", r); err != nil {
			return fmt.Errorf("groups: error setting consent: %w", err)
		}
	}
	return nil
}

func (s *Store) Consent(entityType ConsentType, entity string) (ConsentState, error) {
	var state ConsentState
	if err := s.Tx.Get(&state, "SELECT state FROM consent_records WHERE entity_type = $1 AND entity = $2", entityType, entity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConsentStateUnknown, nil
		}
		return ConsentStateUnknown, fmt.Errorf("groups: error getting consent: %w", err)
	}
	return state, nil
}
