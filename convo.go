// This package provides the client for convo. A client owns one encrypted database and one
// installation of an inbox. It registers the installation, creates and joins groups, sends and
// receives messages, and streams everything it stores to subscribers.
package convo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/meow-io/go-convo/api"
	"github.com/meow-io/go-convo/association"
	"github.com/meow-io/go-convo/clock"
	"github.com/meow-io/go-convo/commit"
	"github.com/meow-io/go-convo/config"
	"github.com/meow-io/go-convo/errs"
	"github.com/meow-io/go-convo/events"
	"github.com/meow-io/go-convo/groups"
	"github.com/meow-io/go-convo/icebox"
	"github.com/meow-io/go-convo/identity"
	"github.com/meow-io/go-convo/internal/db"
	"github.com/meow-io/go-convo/migration"
	"github.com/meow-io/go-convo/mls"
	"github.com/meow-io/go-convo/welcome"
	"go.uber.org/zap"
)

const (
	// Constants for client state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosing
	StateClosed
)

const expirySweepInterval = 30 * time.Second

var (
	ErrNotRegistered     = errors.New("convo: installation is not registered")
	ErrAlreadyRegistered = errors.New("convo: installation is already registered")
	ErrGroupNotFound     = errors.New("convo: group not found")
	ErrInboxNotFound     = errors.New("convo: inbox has no identity updates")
	ErrGroupPaused       = errors.New("convo: group requires a newer version")
	ErrNotRunning        = errors.New("convo: client is not running")
)

type storedIdentity struct {
	InboxID    string `db:"inbox_id"`
	SigningKey []byte `db:"signing_key"`
	InitKey    []byte `db:"init_key"`
}

type Option func(*Client)

func WithClock(c clock.Clock) Option {
	return func(cl *Client) {
		cl.clock = c
	}
}

func WithSmartContractVerifier(v association.SmartContractVerifier) Option {
	return func(cl *Client) {
		cl.verifier = v
	}
}

// WithInstallationSigner fixes the key Register uses instead of generating one.
func WithInstallationSigner(s *association.InstallationSigner) Option {
	return func(cl *Client) {
		cl.installation = s
	}
}

func WithOneshotHandler(h welcome.OneshotHandler) Option {
	return func(cl *Client) {
		cl.oneshot = h
	}
}

type Client struct {
	DB *db.Database

	config       *config.Config
	log          *zap.SugaredLogger
	clock        clock.Clock
	state        int
	stateLock    sync.Mutex
	api          api.Client
	verifier     association.SmartContractVerifier
	installation *association.InstallationSigner
	oneshot      welcome.OneshotHandler

	identities *identity.Manager
	groups     *groups.Store
	icebox     *icebox.Store
	validator  *commit.Validator
	commitLock *groups.CommitLock
	events     *events.Broadcast[events.Event]
	identity   *mls.Identity
	welcomes   *welcome.Worker

	ctx        context.Context
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// NewClient makes a client whose database lives under the configured root directory.
func NewClient(c *config.Config, network api.Client, opts ...Option) (*Client, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making client, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	client := &Client{
		DB:         database,
		config:     c,
		log:        log,
		clock:      clock.NewSystemClock(),
		state:      state,
		api:        network,
		commitLock: groups.NewCommitLock(),
		events:     events.NewBroadcast[events.Event](c.EventBufferSize),
	}
	for _, o := range opts {
		o(client)
	}
	return client, nil
}

// Makes a key from a password
func (c *Client) NewKey(password string) ([]byte, error) {
	return newKey(password, c.config.RootDir, "salt")
}

func (c *Client) New() bool {
	return c.getState() == StateNew
}

func (c *Client) Initialized() bool {
	return c.getState() == StateInitialized
}

func (c *Client) Running() bool {
	return c.getState() == StateRunning
}

func (c *Client) getState() int {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

func (c *Client) setState(state int) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.log.Debugf("client state %d -> %d", c.state, state)
	c.state = state
}

// Initialize creates the database with a given key and opens it.
func (c *Client) Initialize(key []byte) error {
	if c.getState() != StateNew {
		return errors.New("convo: cannot initialize unless in state new")
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.setState(StateInitialized)
	return c.open(key)
}

// Open an existing client with a given key.
func (c *Client) Open(key []byte) error {
	return c.open(key)
}

func (c *Client) open(key []byte) error {
	if c.getState() != StateInitialized {
		return errors.New("convo: cannot open unless in state initialized")
	}
	if err := c.DB.Open(key); err != nil {
		return err
	}

	if err := c.DB.Migrate("_convo", []*migration.Migration{
		{
			Name: "create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE _convo_identity (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	inbox_id TEXT NOT NULL,
	signing_key BLOB NOT NULL,
	init_key BLOB NOT NULL
);
					`)
				return err
			},
		},
	}); err != nil {
		return err
	}

	var stored *storedIdentity
	if err := c.DB.Lock("init subsystems", func() error {
		var err error
		if c.identities, err = identity.NewManager(c.config, c.DB, c.api, c.verifier); err != nil {
			return err
		}
		if c.groups, err = groups.NewStore(c.DB); err != nil {
			return err
		}
		if c.icebox, err = icebox.NewStore(c.config, c.DB); err != nil {
			return err
		}
		return c.DB.RunTx("load identity", &sql.TxOptions{ReadOnly: true}, func() error {
			s := &storedIdentity{}
			if err := c.DB.Tx.Get(s, "SELECT inbox_id, signing_key, init_key FROM _convo_identity WHERE id = 1"); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil
				}
				return err
			}
			stored = s
			return nil
		})
	}); err != nil {
		return err
	}
	c.validator = commit.NewValidator(c.config, c.identities)

	ctx, cancel := context.WithCancel(context.Background())
	c.ctx = ctx
	c.cancelFunc = cancel
	c.setState(StateRunning)
	c.finished.Add(1)
	go c.sweepExpired(ctx)

	if stored != nil {
		c.startWelcomes(ctx, &mls.Identity{InboxID: stored.InboxID, SigningKey: stored.SigningKey, InitKey: stored.InitKey})
	}
	return nil
}

func (c *Client) startWelcomes(ctx context.Context, id *mls.Identity) {
	opts := []welcome.Option{welcome.WithClock(c.clock), welcome.WithCommitLock(c.commitLock)}
	if c.oneshot != nil {
		opts = append(opts, welcome.WithOneshotHandler(c.oneshot))
	}
	processor := welcome.NewProcessor(c.config, c.groups, id, welcome.NewIdentityValidator(c.identities), c.events, opts...)
	c.identity = id
	c.welcomes = welcome.NewWorker(c.config, c.api, processor)
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		c.welcomes.Run(ctx)
	}()
}

// Register creates an inbox for wallet, or joins the inbox wallet already belongs to, and adds
// this installation to it. The installation's key package is uploaded so others can add it to
// groups.
func (c *Client) Register(ctx context.Context, wallet association.Signer) (string, error) {
	if !c.Running() {
		return "", ErrNotRunning
	}
	if c.identity != nil {
		return c.identity.InboxID, ErrAlreadyRegistered
	}
	installation := c.installation
	if installation == nil {
		var err error
		if installation, err = association.GenerateInstallationSigner(); err != nil {
			return "", err
		}
	}

	var existing map[association.MemberIdentifier]string
	if err := c.retry(ctx, func() error {
		var err error
		existing, err = c.api.GetInboxIDs(ctx, []association.MemberIdentifier{wallet.Identifier()})
		return err
	}); err != nil {
		return "", fmt.Errorf("convo: looking up inbox: %w", err)
	}

	inboxID, found := existing[wallet.Identifier()]
	if !found {
		inboxID = association.GenerateInboxID(wallet.Identifier(), 0)
	}
	builder := association.NewSignatureRequestBuilder(inboxID, uint64(c.clock.CurrentTimeNs()))
	if !found {
		builder.CreateInbox(wallet.Identifier(), 0)
	}
	req, err := builder.AddAssociation(installation.Identifier(), wallet.Identifier()).Build()
	if err != nil {
		return "", err
	}
	if err := req.Sign(ctx, c.verifier, wallet, installation); err != nil {
		return "", err
	}
	update, err := req.BuildIdentityUpdate()
	if err != nil {
		return "", err
	}
	if _, err := c.identities.PublishIdentityUpdate(ctx, update); err != nil {
		return "", err
	}

	id := mls.NewIdentity(inboxID, installation.PrivateKey())
	kp, err := id.KeyPackage().Encode()
	if err != nil {
		return "", err
	}
	if err := c.retry(ctx, func() error {
		return c.api.UploadKeyPackage(ctx, id.InstallationKey(), kp)
	}); err != nil {
		return "", fmt.Errorf("convo: uploading key package: %w", err)
	}

	if err := c.DB.Run("store identity", func() error {
		_, err := c.DB.Tx.NamedExec("INSERT INTO _convo_identity (id, inbox_id, signing_key, init_key) VALUES (1, :inbox_id, :signing_key, :init_key)", &storedIdentity{
			InboxID:    id.InboxID,
			SigningKey: id.SigningKey,
			InitKey:    id.InitKey,
		})
		return err
	}); err != nil {
		return "", err
	}
	c.log.Infof("registered installation %x for inbox %s", id.InstallationKey(), inboxID)

	c.startWelcomes(c.ctx, id)
	return inboxID, nil
}

// InboxID is empty until the installation is registered.
func (c *Client) InboxID() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.InboxID
}

func (c *Client) InstallationKey() []byte {
	if c.identity == nil {
		return nil
	}
	return c.identity.InstallationKey()
}

// Events subscribes to everything the client stores. Close the subscriber when done.
func (c *Client) Events() *events.Subscriber[events.Event] {
	return c.events.Subscribe()
}

// SyncWelcomes fetches and processes new welcomes on the welcome worker.
func (c *Client) SyncWelcomes(ctx context.Context) ([]*welcome.Result, error) {
	if err := c.requireRegistered(); err != nil {
		return nil, err
	}
	return c.welcomes.Sync(ctx)
}

func (c *Client) requireRegistered() error {
	if !c.Running() {
		return ErrNotRunning
	}
	if c.identity == nil {
		return ErrNotRegistered
	}
	return nil
}

// Shutdown stops background work and closes the database.
func (c *Client) Shutdown() error {
	if c.getState() != StateRunning {
		return nil
	}
	c.setState(StateClosing)
	failures := []string{}
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.finished.Wait()
	c.events.Close()
	if err := c.DB.Shutdown(); err != nil {
		failures = append(failures, fmt.Sprintf("error shutting down database: %#v", err))
	}
	c.setState(StateClosed)
	if len(failures) != 0 {
		return fmt.Errorf("convo: errors while shutting down: %s", strings.Join(failures, ", "))
	}
	return nil
}

func (c *Client) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(c.config.IdentityFetchInitialIntervalMs) * time.Millisecond
	b.MaxElapsedTime = time.Duration(c.config.RequestTimeoutMs) * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(b, c.config.IdentityFetchMaxRetries), ctx)
}

// retry repeats op while it fails with a retryable error.
func (c *Client) retry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errs.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, c.backOff(ctx))
}
