package db_test

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	db "github.com/meow-io/go-convo/internal/db"
	"github.com/meow-io/go-convo/internal/test"
	"github.com/meow-io/go-convo/migration"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var errBoom = errors.New("boom")

func TestSavepointRollback(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.NewTestConfig("db"))
	defer func() { _ = d.Shutdown() }()

	require.Nil(d.Migrate("_test", []*migration.Migration{
		{
			Name: "create",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE things (id INTEGER PRIMARY KEY)")
				return err
			},
		},
	}))

	var fired []int
	require.Nil(d.Run("outer", func() error {
		if _, err := d.Tx.Exec("INSERT INTO things (id) VALUES (1)"); err != nil {
			return err
		}
		d.AfterCommit(func() { fired = append(fired, 1) })
		err := d.Savepoint("inner", func() error {
			if _, err := d.Tx.Exec("INSERT INTO things (id) VALUES (2)"); err != nil {
				return err
			}
			d.AfterCommit(func() { fired = append(fired, 2) })
			return errBoom
		})
		require.ErrorIs(err, errBoom)
		return d.Savepoint("kept", func() error {
			_, err := d.Tx.Exec("INSERT INTO things (id) VALUES (3)")
			return err
		})
	}))

	var found []int
	require.Nil(d.RunReadOnly("read", func() error {
		return d.Tx.Select(&found, "SELECT id FROM things ORDER BY id")
	}))
	require.Equal([]int{1, 3}, found)
	require.Equal([]int{1}, fired)
}

func TestRunRollsBack(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.NewTestConfig("db"))
	defer func() { _ = d.Shutdown() }()

	require.Nil(d.Migrate("_test", []*migration.Migration{
		{
			Name: "create",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE things (id INTEGER PRIMARY KEY)")
				return err
			},
		},
	}))

	err := d.Run("failing", func() error {
		if _, err := d.Tx.Exec("INSERT INTO things (id) VALUES (1)"); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(err, errBoom)

	var count int
	require.Nil(d.RunReadOnly("count", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM things")
	}))
	require.Equal(0, count)
}

func createTable(name string) *migration.Migration {
	return &migration.Migration{
		Name: "create " + name,
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE " + name + " (id INTEGER PRIMARY KEY)")
			return err
		},
	}
}

func TestMigrationsMustMatchHistory(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.NewTestConfig("db"))
	defer func() { _ = d.Shutdown() }()

	require.Nil(d.Migrate("_history", []*migration.Migration{createTable("a")}))
	// reapplying is a no-op
	require.Nil(d.Migrate("_history", []*migration.Migration{createTable("a")}))
	require.Nil(d.Migrate("_history", []*migration.Migration{createTable("a"), createTable("b")}))

	err := d.Migrate("_history", []*migration.Migration{createTable("z"), createTable("b")})
	require.ErrorIs(err, db.ErrMigrationMismatch)
	err = d.Migrate("_history", []*migration.Migration{createTable("a")})
	require.ErrorIs(err, db.ErrTooManyMigrations)
}

func TestOpenRequiresStateAndKey(t *testing.T) {
	require := require.New(t)
	c := test.NewTestConfig("db")
	d, err := db.NewDatabase(c, filepath.Join(t.TempDir(), "data"))
	require.Nil(err)
	require.False(d.Initialized())

	require.ErrorIs(d.Open(make([]byte, 32)), db.ErrWrongState)
	require.ErrorIs(d.Initialize(make([]byte, 16)), db.ErrKeyLength)
	require.ErrorIs(d.Run("early", func() error { return nil }), db.ErrNotOpen)

	require.Nil(d.Initialize(make([]byte, 32)))
	require.True(d.Initialized())
	require.Nil(d.Open(make([]byte, 32)))
	require.Nil(d.Shutdown())
}
