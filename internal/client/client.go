package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	gosync "sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/openmined/sealbox/internal/client/config"
	"github.com/openmined/sealbox/internal/client/sync"
	"github.com/openmined/sealbox/internal/gate"
	"github.com/openmined/sealbox/internal/seal"
	"github.com/openmined/sealbox/internal/transport"
	"github.com/openmined/sealbox/internal/utils"
	"github.com/openmined/sealbox/internal/version"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

var (
	ErrLocked     = errors.New("another sealbox client is using this state directory")
	ErrNoPassword = errors.New("password is required")
)

// Client wires the sync engine to its transport, vault, hash store and file
// watcher, and owns their lifecycle.
type Client struct {
	config *config.Config
	fs     afero.Fs

	lock      *flock.Flock
	store     *sync.HashStore
	storeOpen bool
	transport transport.Transport
	vault     *seal.Vault
	gate      *gate.Gate
	engine    *sync.SyncEngine
	watcher   *sync.FileWatcher

	// held by Close and ChangePassword, which both drain and reenable the gate
	drainMu gosync.Mutex
}

func New(cfg *config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Password == "" {
		return nil, ErrNoPassword
	}
	return &Client{
		config: cfg,
		fs:     afero.NewOsFs(),
		lock:   flock.New(cfg.LockPath()),
		store:  sync.NewHashStore(cfg.HashStorePath()),
		gate:   gate.New(),
	}, nil
}

// Open takes the state directory lock, connects to the server and loads the
// catalogue, creating an empty one on first use.
func (c *Client) Open(ctx context.Context) (err error) {
	if err := utils.EnsureDir(c.config.StateDir); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	if err := utils.EnsureDir(c.config.SyncDir); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}

	locked, err := c.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", c.config.LockPath(), err)
	}
	if !locked {
		return ErrLocked
	}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	if err := c.store.Open(); err != nil {
		return err
	}
	c.storeOpen = true

	opts, err := c.transportOptions()
	if err != nil {
		return err
	}
	c.transport, err = transport.Open(ctx, c.config.ServerURL, opts)
	if err != nil {
		return err
	}

	legacyIV, err := c.config.LegacyIVBytes()
	if err != nil {
		return err
	}
	c.vault, err = seal.NewVault(c.transport, c.config.Password, seal.VaultOptions{
		Iterations: c.config.KDFIterations,
		LegacyIV:   legacyIV,
	})
	if err != nil {
		return err
	}
	if err := c.vault.Init(ctx); err != nil {
		return fmt.Errorf("open catalogue: %w", err)
	}

	var extra []string
	if rel, ok := c.config.StateDirInSyncDir(); ok {
		extra = append(extra, rel)
	}
	ignore := sync.NewSyncIgnoreList(c.fs, c.config.SyncDir, extra...)

	c.engine, err = sync.NewSyncEngine(sync.SyncEngineConfig{
		Fs:       c.fs,
		RootDir:  c.config.SyncDir,
		Vault:    c.vault,
		Store:    c.store,
		Gate:     c.gate,
		Ignore:   ignore,
		Interval: c.config.SyncInterval,
	})
	if err != nil {
		return err
	}

	c.watcher = sync.NewFileWatcher(c.config.SyncDir, ignore)
	c.watcher.OnChange(c.handleChange)
	c.engine.SetWatcher(c.watcher)
	return nil
}

func (c *Client) transportOptions() (transport.Options, error) {
	opts := transport.Options{
		User:     c.config.Username,
		Token:    c.config.AccessToken,
		ClientID: clientID(),
		Fs:       c.fs,
		S3: transport.S3Options{
			Region:    c.config.S3Region,
			Endpoint:  c.config.S3Endpoint,
			AccessKey: c.config.S3AccessKey,
			SecretKey: c.config.S3SecretKey,
		},
	}
	if c.config.CACert != "" {
		pem, err := os.ReadFile(c.config.CACert)
		if err != nil {
			return opts, fmt.Errorf("ca cert: %w", err)
		}
		opts.CACert = pem
	}
	return opts, nil
}

// Start runs the periodic sync loop and the file watcher until ctx is done
// or the server rejects the credentials.
func (c *Client) Start(ctx context.Context) error {
	slog.Info("sealbox client start",
		"version", version.Short(),
		"syncdir", c.config.SyncDir,
		"server", c.config.ServerURL,
		"user", c.config.Username,
		"token", utils.MaskSecret(c.config.AccessToken),
	)

	if err := c.Open(ctx); err != nil {
		return err
	}
	defer c.Close()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return c.engine.Run(egCtx)
	})
	eg.Go(func() error {
		if err := c.watcher.Start(egCtx); err != nil {
			return fmt.Errorf("file watcher: %w", err)
		}
		<-egCtx.Done()
		c.watcher.Stop()
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("sealbox client failure", "error", err)
		return err
	}
	slog.Info("sealbox client stop")
	return nil
}

// SyncOnce runs a single reconciliation cycle without the watcher.
func (c *Client) SyncOnce(ctx context.Context) (*sync.SyncReport, error) {
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	defer c.Close()
	return c.engine.RunSync(ctx)
}

// ChangePassword drains every running sync action, reseals the catalogue and
// re-enables syncing whatever the outcome.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	if newPassword == "" {
		return ErrNoPassword
	}

	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	if c.vault == nil {
		if err := c.Open(ctx); err != nil {
			return err
		}
		defer c.shutdown()
	}

	c.gate.WaitForStop()
	defer c.gate.Reenable()

	if err := c.vault.ChangePassword(ctx, oldPassword, newPassword); err != nil {
		return err
	}
	c.config.Password = newPassword
	return nil
}

// Close waits for running sync actions and releases every resource. The
// client can be opened again afterwards.
func (c *Client) Close() error {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	return c.shutdown()
}

func (c *Client) shutdown() error {
	c.gate.WaitForStop()
	defer c.gate.Reenable()
	if c.watcher != nil {
		c.watcher.Stop()
	}
	return c.close()
}

func (c *Client) close() error {
	var errs []error
	if c.transport != nil {
		errs = append(errs, c.transport.Close())
	}
	if c.storeOpen {
		errs = append(errs, c.store.Close())
	}
	if c.lock.Locked() {
		errs = append(errs, c.lock.Unlock())
	}
	c.transport, c.vault, c.engine, c.watcher, c.storeOpen = nil, nil, nil, nil, false
	return errors.Join(errs...)
}

func (c *Client) handleChange(ctx context.Context, name string) {
	report, err := c.engine.SyncName(ctx, name)
	switch {
	case err == nil:
	case errors.Is(err, sync.ErrSyncDisabled), errors.Is(err, context.Canceled):
		return
	default:
		slog.Warn("sync on change", "name", name, "error", err)
		return
	}
	for _, msg := range report.Messages() {
		slog.Warn("sync", "message", msg)
	}
}

// clientID identifies this machine to the server without exposing the raw
// machine id.
func clientID() string {
	id, err := machineid.ProtectedID(version.AppName)
	if err != nil {
		slog.Debug("machine id unavailable", "error", err)
		return uuid.NewString()
	}
	return id
}
