package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"

	"github.com/yorutsuke/yorutsuke/internal/events"
	"github.com/yorutsuke/yorutsuke/internal/models"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore opens or creates the local database.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_store"),
	}

	// Another process (a second app window, a stuck previous run) can hold
	// the write lock briefly at startup; retry transient lock errors.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	err = backoff.Retry(func() error {
		initErr := store.initialize()
		if initErr != nil && isLockError(initErr) {
			return initErr
		}
		if initErr != nil {
			return backoff.Permanent(initErr)
		}
		return nil
	}, bo)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// isLockError reports whether the error is a transient SQLite lock.
func isLockError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS images (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        local_path TEXT NOT NULL,
        remote_key TEXT,
        md5 TEXT NOT NULL,
        size_bytes INTEGER NOT NULL DEFAULT 0,
        width INTEGER NOT NULL DEFAULT 0,
        height INTEGER NOT NULL DEFAULT 0,
        status TEXT NOT NULL DEFAULT 'queued',
        created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_images_user_md5 ON images(user_id, md5);

    CREATE TABLE IF NOT EXISTS transactions (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        image_id TEXT,
        amount_yen INTEGER NOT NULL DEFAULT 0,
        category TEXT NOT NULL DEFAULT '',
        memo TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL DEFAULT 'pending',
        date TEXT NOT NULL DEFAULT '',
        updated_at TIMESTAMP NOT NULL,
        dirty INTEGER NOT NULL DEFAULT 0
    );

    CREATE INDEX IF NOT EXISTS idx_transactions_user_dirty ON transactions(user_id, dirty);

    CREATE TABLE IF NOT EXISTS uploads (
        user_id TEXT NOT NULL,
        uploaded_at TIMESTAMP NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_uploads_user_time ON uploads(user_id, uploaded_at);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// SaveImage inserts or replaces a receipt image row.
func (s *SQLiteStore) SaveImage(img *models.ReceiptImage) error {
	_, err := s.db.Exec(`
        INSERT INTO images (id, user_id, local_path, remote_key, md5, size_bytes, width, height, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            local_path = excluded.local_path,
            remote_key = excluded.remote_key,
            md5 = excluded.md5,
            size_bytes = excluded.size_bytes,
            width = excluded.width,
            height = excluded.height,
            status = excluded.status
    `, img.ID, img.UserID, img.LocalPath, nullable(img.RemoteKey), img.MD5,
		img.SizeBytes, img.Width, img.Height, string(img.Status), img.CreatedAt)

	if err != nil {
		return fmt.Errorf("save image %s: %w", img.ID, err)
	}
	return nil
}

// GetImage loads one image row.
func (s *SQLiteStore) GetImage(id string) (*models.ReceiptImage, error) {
	row := s.db.QueryRow(`
        SELECT id, user_id, local_path, remote_key, md5, size_bytes, width, height, status, created_at
        FROM images WHERE id = ?
    `, id)
	return scanImage(row)
}

// FindImageByMD5 looks up a duplicate by compressed-bytes hash.
func (s *SQLiteStore) FindImageByMD5(userID, md5 string) (*models.ReceiptImage, error) {
	row := s.db.QueryRow(`
        SELECT id, user_id, local_path, remote_key, md5, size_bytes, width, height, status, created_at
        FROM images WHERE user_id = ? AND md5 = ?
        LIMIT 1
    `, userID, md5)
	return scanImage(row)
}

// SetImageUploaded records the remote key and flips status to uploaded.
func (s *SQLiteStore) SetImageUploaded(id, remoteKey string) error {
	res, err := s.db.Exec(`
        UPDATE images SET remote_key = ?, status = ? WHERE id = ?
    `, remoteKey, string(models.ImageUploaded), id)
	if err != nil {
		return fmt.Errorf("mark image uploaded %s: %w", id, err)
	}
	return requireRow(res, id)
}

// SetImageStatus updates an image's lifecycle status.
func (s *SQLiteStore) SetImageStatus(id string, status models.ImageStatus) error {
	res, err := s.db.Exec(`UPDATE images SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set image status %s: %w", id, err)
	}
	return requireRow(res, id)
}

// DeleteImage removes an image row. Missing rows are not an error.
func (s *SQLiteStore) DeleteImage(id string) error {
	if _, err := s.db.Exec(`DELETE FROM images WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete image %s: %w", id, err)
	}
	return nil
}

// UpsertTransaction writes a locally-mutated row and sets its dirty flag.
func (s *SQLiteStore) UpsertTransaction(tx *models.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	_, err := s.db.Exec(`
        INSERT INTO transactions (id, user_id, image_id, amount_yen, category, memo, status, date, updated_at, dirty)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
        ON CONFLICT(id) DO UPDATE SET
            user_id = excluded.user_id,
            image_id = excluded.image_id,
            amount_yen = excluded.amount_yen,
            category = excluded.category,
            memo = excluded.memo,
            status = excluded.status,
            date = excluded.date,
            updated_at = excluded.updated_at,
            dirty = 1
    `, tx.ID, tx.UserID, nullable(tx.ImageID), tx.AmountYen, tx.Category,
		tx.Memo, string(tx.Status), tx.Date, tx.UpdatedAt)

	if err != nil {
		return fmt.Errorf("upsert transaction %s: %w", tx.ID, err)
	}
	return nil
}

// GetTransaction loads one transaction row.
func (s *SQLiteStore) GetTransaction(id string) (*models.Transaction, error) {
	row := s.db.QueryRow(`
        SELECT id, user_id, image_id, amount_yen, category, memo, status, date, updated_at, dirty
        FROM transactions WHERE id = ?
    `, id)
	return scanTransaction(row)
}

// ListTransactions returns all rows for a user, newest first.
func (s *SQLiteStore) ListTransactions(userID string) ([]*models.Transaction, error) {
	rows, err := s.db.Query(`
        SELECT id, user_id, image_id, amount_yen, category, memo, status, date, updated_at, dirty
        FROM transactions WHERE user_id = ?
        ORDER BY updated_at DESC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// FindDirtyTransactions returns rows with unpushed local changes. Callers
// must query this fresh each cycle rather than caching the result.
func (s *SQLiteStore) FindDirtyTransactions(userID string) ([]*models.Transaction, error) {
	rows, err := s.db.Query(`
        SELECT id, user_id, image_id, amount_yen, category, memo, status, date, updated_at, dirty
        FROM transactions WHERE user_id = ? AND dirty = 1
        ORDER BY updated_at ASC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("query dirty transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ClearDirtyFlags marks the given ids as pushed.
func (s *SQLiteStore) ClearDirtyFlags(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := s.db.Exec(
		`UPDATE transactions SET dirty = 0 WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("clear dirty flags: %w", err)
	}
	return nil
}

// BulkUpsert applies merged remote records. Rows land clean; the caller has
// already decided the merge, so whatever arrives here is authoritative.
func (s *SQLiteStore) BulkUpsert(records []*models.Transaction) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
        INSERT INTO transactions (id, user_id, image_id, amount_yen, category, memo, status, date, updated_at, dirty)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
        ON CONFLICT(id) DO UPDATE SET
            user_id = excluded.user_id,
            image_id = excluded.image_id,
            amount_yen = excluded.amount_yen,
            category = excluded.category,
            memo = excluded.memo,
            status = excluded.status,
            date = excluded.date,
            updated_at = excluded.updated_at,
            dirty = 0
    `)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.ID, r.UserID, nullable(r.ImageID), r.AmountYen,
			r.Category, r.Memo, string(r.Status), r.Date, r.UpdatedAt); err != nil {
			return fmt.Errorf("upsert record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// RecordUpload notes a completed upload for quota accounting.
func (s *SQLiteStore) RecordUpload(userID string, at time.Time) error {
	if _, err := s.db.Exec(
		`INSERT INTO uploads (user_id, uploaded_at) VALUES (?, ?)`, userID, at); err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	return nil
}

// CountRecentUploads counts uploads inside the rolling window.
func (s *SQLiteStore) CountRecentUploads(userID string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)

	var count int
	err := s.db.QueryRow(`
        SELECT COUNT(*) FROM uploads WHERE user_id = ? AND uploaded_at > ?
    `, userID, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count uploads: %w", err)
	}
	return count, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Helpers

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanImage(row rowScanner) (*models.ReceiptImage, error) {
	var img models.ReceiptImage
	var remoteKey sql.NullString
	var status string

	err := row.Scan(&img.ID, &img.UserID, &img.LocalPath, &remoteKey, &img.MD5,
		&img.SizeBytes, &img.Width, &img.Height, &status, &img.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan image: %w", err)
	}

	if remoteKey.Valid {
		img.RemoteKey = remoteKey.String
	}
	img.Status = models.ImageStatus(status)
	return &img, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var imageID sql.NullString
	var status string
	var dirty int

	err := row.Scan(&t.ID, &t.UserID, &imageID, &t.AmountYen, &t.Category,
		&t.Memo, &status, &t.Date, &t.UpdatedAt, &dirty)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	if imageID.Valid {
		t.ImageID = imageID.String
	}
	t.Status = models.TransactionStatus(status)
	t.Dirty = dirty != 0
	return &t, nil
}

func collectTransactions(rows *sql.Rows) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return nil
}
