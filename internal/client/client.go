// Package client wires the capture core together: store, transport,
// network monitor, upload queue, auto-sync, and auth, behind one API the
// CLI talks to.
package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/yorutsuke/yorutsuke/internal/auth"
	"github.com/yorutsuke/yorutsuke/internal/compress"
	"github.com/yorutsuke/yorutsuke/internal/config"
	"github.com/yorutsuke/yorutsuke/internal/events"
	"github.com/yorutsuke/yorutsuke/internal/models"
	"github.com/yorutsuke/yorutsuke/internal/netmon"
	"github.com/yorutsuke/yorutsuke/internal/queue"
	"github.com/yorutsuke/yorutsuke/internal/store"
	"github.com/yorutsuke/yorutsuke/internal/syncer"
	"github.com/yorutsuke/yorutsuke/internal/transport"
)

// ErrDuplicateReceipt is returned when a captured image's content matches
// a receipt already stored for the user.
var ErrDuplicateReceipt = errors.New("duplicate receipt")

// Client is the high-level API for the capture core.
type Client struct {
	Auth   *auth.Service
	Queue  *queue.Engine
	Syncer *syncer.Syncer
	Store  store.Store

	cfg        *config.Config
	logger     *events.Logger
	remote     *transport.HTTPClient
	monitor    *netmon.Monitor
	compressor *compress.Compressor
}

// New assembles a client from configuration. Nothing runs until Start.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	remote := transport.NewHTTPClient(&cfg.API, logger)

	var uploader transport.BinaryUploader = remote
	if cfg.Upload.S3Bucket != "" {
		s3up, err := transport.NewS3Uploader(&cfg.Upload, logger)
		if err != nil {
			return nil, fmt.Errorf("create s3 uploader: %w", err)
		}
		uploader = s3up
	}

	st, err := store.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	prober := netmon.NewHTTPProber(&cfg.Network)
	monitor := netmon.NewMonitor(&cfg.Network, prober, logger)

	engine := queue.NewEngine(st, remote, uploader, monitor, cfg, logger)
	sync := syncer.New(st, remote, monitor, cfg.Sync.Interval, logger)

	sessionFile := filepath.Join(cfg.Storage.DataDir, "session.json")
	authSvc := auth.NewService(remote, sessionFile, logger)

	return &Client{
		Auth:       authSvc,
		Queue:      engine,
		Syncer:     sync,
		Store:      st,
		cfg:        cfg,
		logger:     logger.WithField("component", "client"),
		remote:     remote,
		monitor:    monitor,
		compressor: compress.NewCompressor(cfg.Storage.ImageDir, logger),
	}, nil
}

// Start launches the background services and rebinds a persisted session.
func (c *Client) Start(ctx context.Context) {
	c.monitor.Start(ctx)
	c.Queue.Start(ctx)
	c.Syncer.Start(ctx)

	if session, err := c.Auth.CurrentSession(); err == nil {
		c.bindUser(session.UserID)
		c.logger.WithField("user_id", session.UserID).Info("Resumed session")
	}
}

// Close stops the services and releases the store and transport.
func (c *Client) Close() error {
	c.Syncer.Stop()
	c.Queue.Stop()
	c.monitor.Stop()

	var errs []error
	if err := c.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.remote.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Login authenticates and binds the sync services to the user.
func (c *Client) Login(ctx context.Context, email, password string) (*models.Session, error) {
	session, err := c.Auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.bindUser(session.UserID)
	return session, nil
}

// Logout unbinds the services and clears the session.
func (c *Client) Logout() error {
	c.bindUser("")
	return c.Auth.Logout()
}

func (c *Client) bindUser(userID string) {
	c.Queue.SetUser(userID)
	c.Syncer.SetUser(userID)
}

// CaptureReceipt compresses a dropped image and enqueues it for upload.
// A compressed image whose content hash matches an existing receipt is
// discarded and reported as ErrDuplicateReceipt.
func (c *Client) CaptureReceipt(ctx context.Context, inputPath string) (*models.ReceiptImage, error) {
	session, err := c.Auth.CurrentSession()
	if err != nil {
		return nil, err
	}

	imageID := uuid.NewString()
	result, err := c.compressor.Compress(inputPath, imageID)
	if err != nil {
		return nil, fmt.Errorf("compress receipt: %w", err)
	}

	existing, err := c.Store.FindImageByMD5(session.UserID, result.MD5)
	if err == nil {
		if rmErr := compress.Remove(result.OutputPath); rmErr != nil {
			c.logger.WithError(rmErr).Warn("Failed to remove duplicate output")
		}
		c.logger.WithFields(map[string]interface{}{
			"existing_id": existing.ID,
			"md5":         result.MD5,
		}).Info("Skipping duplicate receipt")
		return existing, ErrDuplicateReceipt
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}

	image := &models.ReceiptImage{
		ID:        imageID,
		UserID:    session.UserID,
		LocalPath: result.OutputPath,
		MD5:       result.MD5,
		SizeBytes: result.CompressedSize,
		Width:     result.Width,
		Height:    result.Height,
		Status:    models.ImageQueued,
		CreatedAt: time.Now(),
	}
	if err := c.Store.SaveImage(image); err != nil {
		return nil, fmt.Errorf("save image: %w", err)
	}

	c.Queue.Enqueue(imageID, result.OutputPath, uuid.NewString(), uuid.NewString())
	return image, nil
}

// AddTransaction records a new local transaction and marks it for push.
func (c *Client) AddTransaction(amountYen int64, category, memo, date string) (*models.Transaction, error) {
	session, err := c.Auth.CurrentSession()
	if err != nil {
		return nil, err
	}

	tx := &models.Transaction{
		ID:        uuid.NewString(),
		UserID:    session.UserID,
		AmountYen: amountYen,
		Category:  category,
		Memo:      memo,
		Status:    models.StatusPending,
		Date:      date,
	}
	tx.Touch(time.Now())

	if err := c.Store.UpsertTransaction(tx); err != nil {
		return nil, fmt.Errorf("save transaction: %w", err)
	}
	return tx, nil
}

// ConfirmTransaction marks a pending transaction as reviewed.
func (c *Client) ConfirmTransaction(id string) error {
	return c.setTransactionStatus(id, models.StatusConfirmed)
}

// DeleteTransaction tombstones a transaction; the deletion syncs like any
// other edit.
func (c *Client) DeleteTransaction(id string) error {
	return c.setTransactionStatus(id, models.StatusDeleted)
}

func (c *Client) setTransactionStatus(id string, status models.TransactionStatus) error {
	tx, err := c.Store.GetTransaction(id)
	if err != nil {
		return err
	}
	tx.Status = status
	tx.Touch(time.Now())
	return c.Store.UpsertTransaction(tx)
}

// ListTransactions returns the active user's local transactions.
func (c *Client) ListTransactions() ([]*models.Transaction, error) {
	session, err := c.Auth.CurrentSession()
	if err != nil {
		return nil, err
	}
	return c.Store.ListTransactions(session.UserID)
}

// SyncNow runs the current sync slot immediately.
func (c *Client) SyncNow(ctx context.Context) error {
	return c.Syncer.TriggerManualSync(ctx)
}

// NetworkStatus reports the monitor's current view of connectivity.
func (c *Client) NetworkStatus() netmon.Status {
	return c.monitor.Status()
}

// QueueStatus returns a snapshot of the upload queue.
func (c *Client) QueueStatus() queue.Snapshot {
	return c.Queue.Status()
}
