// Package db wraps the SQLCipher database every store shares. All access is serialized by one
// mutex: Run and RunReadOnly take it and open a transaction, Lock takes it alone.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-convo/config"
	"github.com/meow-io/go-convo/migration"
	// adds sqlcipher support
	sqlite3 "github.com/meow-io/go-sqlcipher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	stateNew = iota
	stateInitialized
	stateRunning

	driverName = "sqlite3_convo"
)

var (
	ErrNotOpen    = errors.New("db: database is not open")
	ErrWrongState = errors.New("db: database in wrong state")
	ErrKeyLength  = errors.New("db: key must be 32 bytes")

	savepointName = regexp.MustCompile(`[^a-zA-Z0-9_]`)

	lockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "convo_db_lock_wait_seconds",
		Help:    "Time spent waiting for the database lock",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
	transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convo_db_transactions_total",
		Help: "Transactions run, by outcome",
	}, []string{"result"})
)

type RunnerFunc func() error

type Database struct {
	Log  *zap.SugaredLogger
	Conn *sqlx.DB
	Tx   *sqlx.Tx

	config                *config.Config
	state                 int
	lock                  *sync.Mutex
	path                  string
	savepoints            int
	callbacks             []func()
	beforeCommitCallbacks []func() error
	ctx                   context.Context
	cancelFn              context.CancelFunc
}

func NewDatabase(c *config.Config, path string) (*Database, error) {
	log := c.Logger("db")
	log.Debugf("making database at %s", path)

	var state int

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			state = stateNew
		} else {
			return nil, err
		}
	} else {
		state = stateInitialized
	}

	ctx, cancelFn := context.WithCancel(context.TODO())
	db := &Database{
		Conn:     nil,
		Log:      log,
		lock:     &sync.Mutex{},
		config:   c,
		path:     path,
		state:    state,
		ctx:      ctx,
		cancelFn: cancelFn,
	}
	registerDriver()
	return db, nil
}

func (db *Database) checkOpenable(expected int, key []byte) error {
	if db.state != expected {
		return fmt.Errorf("expected %d got %d: %w", expected, db.state, ErrWrongState)
	}
	if len(key) != 32 {
		return fmt.Errorf("got %d bytes: %w", len(key), ErrKeyLength)
	}
	return nil
}

// Initialize creates the encrypted database file with key and closes it again.
func (db *Database) Initialize(key []byte) error {
	if err := db.checkOpenable(stateNew, key); err != nil {
		return err
	}

	conn, err := db.setupConnection(key)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		return err
	}
	db.state = stateInitialized
	return nil
}

func (db *Database) Initialized() bool {
	return db.state == stateInitialized
}

func (db *Database) Open(key []byte) error {
	if err := db.checkOpenable(stateInitialized, key); err != nil {
		return err
	}

	conn, err := db.setupConnection(key)
	if err != nil {
		return err
	}
	db.Conn = conn
	db.state = stateRunning
	return nil
}

func (db *Database) Shutdown() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.cancelFn()
	if db.Conn == nil {
		return nil
	}
	if err := db.Conn.Close(); err != nil {
		return err
	}
	db.Conn = nil
	ctx, cancelFn := context.WithCancel(context.TODO())
	db.ctx = ctx
	db.cancelFn = cancelFn
	db.state = stateInitialized
	return nil
}

func (db *Database) Migrate(name string, migrations []*migration.Migration) error {
	return newMigrator(db.config, db, name, migrations, true).migrate()
}

func (db *Database) MigrateNoLock(name string, migrations []*migration.Migration) error {
	return newMigrator(db.config, db, name, migrations, false).migrate()
}

// Registers a function to run once the current transaction commits. Callbacks run in the order
// they were registered. Callbacks registered inside a savepoint that rolls back are discarded.
func (db *Database) AfterCommit(f func()) {
	if db.Tx == nil {
		panic("db: expected tx to be not nil")
	}

	db.callbacks = append(db.callbacks, f)
}

func (db *Database) BeforeCommit(f RunnerFunc) {
	if db.Tx == nil {
		panic("db: expected tx to be not nil")
	}

	db.beforeCommitCallbacks = append(db.beforeCommitCallbacks, f)
}

// Savepoint runs the runner inside a nested scope of the current transaction. If the runner fails
// everything it wrote is rolled back but the outer transaction stays usable.
func (db *Database) Savepoint(label string, runner RunnerFunc) error {
	if db.Tx == nil {
		panic("db: expected tx to be not nil")
	}

	db.savepoints++
	name := fmt.Sprintf("sp_%d_%s", db.savepoints, savepointName.ReplaceAllString(label, "_"))
	defer func() {
		db.savepoints--
	}()

	if _, err := db.Tx.Exec(fmt.Sprintf("SAVEPOINT %s", name)); err != nil {
		return fmt.Errorf("db: error creating savepoint for %s: %w", label, err)
	}
	callbackCount := len(db.callbacks)
	beforeCount := len(db.beforeCommitCallbacks)

	if runerr := runner(); runerr != nil {
		db.Log.Debugf("rolling back savepoint %s due to %s", label, runerr)
		if _, err := db.Tx.Exec(fmt.Sprintf("ROLLBACK TO %s", name)); err != nil {
			return fmt.Errorf("db: error rolling back savepoint for %s: %w", label, err)
		}
		if _, err := db.Tx.Exec(fmt.Sprintf("RELEASE %s", name)); err != nil {
			return fmt.Errorf("db: error releasing savepoint for %s: %w", label, err)
		}
		db.callbacks = db.callbacks[:callbackCount]
		db.beforeCommitCallbacks = db.beforeCommitCallbacks[:beforeCount]
		return runerr
	}

	if _, err := db.Tx.Exec(fmt.Sprintf("RELEASE %s", name)); err != nil {
		return fmt.Errorf("db: error releasing savepoint for %s: %w", label, err)
	}
	return nil
}

func (db *Database) Lock(label string, runner RunnerFunc) error {
	start := time.Now()
	db.lock.Lock()
	obtained := time.Now()
	lockWait.Observe(obtained.Sub(start).Seconds())
	defer func() {
		db.Log.Debugf("Completed lock %s wait=%s exec=%s", label, obtained.Sub(start), time.Since(obtained))
		db.lock.Unlock()
	}()
	return runner()
}

func (db *Database) RunTx(label string, txOptions *sql.TxOptions, runner RunnerFunc) error {
	if db.Tx != nil {
		panic("db: expected tx to be nil")
	}
	if db.Conn == nil {
		return fmt.Errorf("db: %s: %w", label, ErrNotOpen)
	}

	defer func() {
		db.Tx = nil
	}()

	var err error
	db.Tx, err = db.Conn.BeginTxx(db.ctx, txOptions)
	if err != nil {
		db.Tx = nil
		return fmt.Errorf("db: error starting transaction for %s: %w", label, err)
	}
	if _, err = db.Tx.Exec("PRAGMA defer_foreign_keys = ON"); err != nil {
		_ = db.Tx.Rollback()
		return fmt.Errorf("db: error enabling defer_foreign_keys: %w", err)
	}

	db.callbacks = make([]func(), 0)
	db.beforeCommitCallbacks = make([]func() error, 0)
	runerr := runner()
	if runerr == nil {
		for _, c := range db.beforeCommitCallbacks {
			runerr = c()
			if runerr != nil {
				break
			}
		}
	}

	if runerr != nil {
		transactions.WithLabelValues("rollback").Inc()
		db.Log.Debugf("rolling back %s due to %s", label, runerr)
		if err := db.Tx.Rollback(); err != nil {
			db.Log.Warnf("error while rolling back %s with %#v", label, err)
		}
		return fmt.Errorf("error during %s: %w", label, runerr)
	}
	if err := db.Tx.Commit(); err != nil {
		transactions.WithLabelValues("error").Inc()
		db.Log.Warnf("error while committing %s with %#v '%s'", label, err, err.Error())
		return fmt.Errorf("db: error committing %s: %w", label, err)
	}
	transactions.WithLabelValues("commit").Inc()
	callbacks := db.callbacks
	db.callbacks = nil
	for _, f := range callbacks {
		f()
	}
	return nil
}

func (db *Database) Run(label string, runner RunnerFunc) error {
	return db.Lock(label, func() error {
		return db.RunTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, runner)
	})
}

func (db *Database) RunReadOnly(label string, runner RunnerFunc) error {
	return db.Lock(label, func() error {
		return db.RunTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: true}, runner)
	})
}

func (db *Database) setupConnection(key []byte) (*sqlx.DB, error) {
	formattedPath := fmt.Sprintf("file:%s?_locking_mode=EXCLUSIVE&_busy_timeout=100&_secure_delete=on&_journal_mode=WAL&_auto_vacuum=2&_synchronous=3&cache=private&mode=rwc&_pragma_key=x'%x'", url.PathEscape(db.path), key)
	conn, err := sqlx.Open(driverName, formattedPath)
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s %w", db.path, err)
	}

	conn.DB.SetMaxOpenConns(1)

	if _, err := conn.Exec("SELECT name FROM sqlite_master limit 1"); err != nil {
		return nil, fmt.Errorf("db: unable to read from database: %w", err)
	}
	if _, err := conn.Exec("pragma busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("db: error setting busy_timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("db: error setting foreign_keys to ON: %w", err)
	}
	if _, err := conn.Exec("PRAGMA temp_store = 2"); err != nil {
		return nil, fmt.Errorf("db: error setting temp_store: %w", err)
	}
	return conn, nil
}

func registerDriver() {
	for _, d := range sql.Drivers() {
		if d == driverName {
			return
		}
	}
	sql.Register(driverName, &sqlite3.SQLiteDriver{})
}
