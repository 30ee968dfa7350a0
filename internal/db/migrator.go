package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-convo/config"
	"github.com/meow-io/go-convo/migration"
	"go.uber.org/zap"
)

var (
	ErrTooManyMigrations = errors.New("db: more migrations applied than defined")
	ErrMigrationMismatch = errors.New("db: applied migration differs from its definition")
)

type appliedMigration struct {
	ID      int    `db:"id"`
	Version string `db:"version"`
}

// migrator tracks the migrations of one named store in its own table.
type migrator struct {
	db         *Database
	name       string
	tableName  string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
	lock       bool
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration, lock bool) *migrator {
	return &migrator{
		db:         db,
		log:        c.Logger(fmt.Sprintf("db/migrator%s", name)),
		name:       name,
		tableName:  fmt.Sprintf("_migrations%s", name),
		migrations: migrations,
		lock:       lock,
	}
}

// migrate checks the recorded migrations against the defined list, then applies the rest in order.
func (m *migrator) migrate() error {
	var applied []*appliedMigration
	if err := m.run(fmt.Sprintf("prepare %s migrator", m.name), func() error {
		if _, err := m.db.Tx.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INT8 NOT NULL,
				version VARCHAR(255) NOT NULL,
				PRIMARY KEY (id)
			);
		`, m.tableName)); err != nil {
			return err
		}
		return m.db.Tx.Select(&applied, fmt.Sprintf("SELECT id, version FROM %s ORDER BY id ASC", m.tableName))
	}); err != nil {
		return err
	}

	if len(applied) > len(m.migrations) {
		return fmt.Errorf("%s has %d, %d defined: %w", m.tableName, len(applied), len(m.migrations), ErrTooManyMigrations)
	}
	for i, a := range applied {
		if a.ID != i || a.Version != m.migrations[i].String() {
			return fmt.Errorf("%s id %d recorded as %q: %w", m.tableName, a.ID, a.Version, ErrMigrationMismatch)
		}
	}

	for idx, mig := range m.migrations[len(applied):] {
		if err := m.performMigration(idx+len(applied), mig); err != nil {
			return fmt.Errorf("db: error migrating %s: %w", m.name, err)
		}
	}
	return nil
}

func (m *migrator) performMigration(id int, mig *migration.Migration) error {
	return m.run(mig.String(), func() error {
		m.log.Debugf("applying %s", mig)
		if err := mig.Func(m.db.Tx.Tx); err != nil {
			return fmt.Errorf("error executing %s: %w", mig, err)
		}
		if _, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, version) VALUES ($1, $2)", m.tableName), id, mig.String()); err != nil {
			return fmt.Errorf("error recording %s: %w", mig, err)
		}
		return nil
	})
}

func (m *migrator) run(label string, f RunnerFunc) error {
	if m.lock {
		return m.db.Run(label, f)
	}
	return m.db.RunTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, f)
}
