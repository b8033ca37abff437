package store

import (
	"errors"
	"time"

	"github.com/yorutsuke/yorutsuke/internal/models"
)

// Store is the single source of truth for persisted rows. The upload queue,
// the auto-sync service, and the capture layer all read through it; it is
// treated as externally synchronized at row granularity.
type Store interface {
	// Receipt images
	SaveImage(img *models.ReceiptImage) error
	GetImage(id string) (*models.ReceiptImage, error)
	FindImageByMD5(userID, md5 string) (*models.ReceiptImage, error)
	SetImageUploaded(id, remoteKey string) error
	SetImageStatus(id string, status models.ImageStatus) error
	DeleteImage(id string) error

	// Transactions. UpsertTransaction is the local-mutation path and sets
	// the dirty flag; BulkUpsert is the pull-merge path and writes rows
	// clean.
	UpsertTransaction(tx *models.Transaction) error
	GetTransaction(id string) (*models.Transaction, error)
	ListTransactions(userID string) ([]*models.Transaction, error)
	FindDirtyTransactions(userID string) ([]*models.Transaction, error)
	ClearDirtyFlags(ids []string) error
	BulkUpsert(records []*models.Transaction) error

	// Quota accounting over a rolling window.
	RecordUpload(userID string, at time.Time) error
	CountRecentUploads(userID string, window time.Duration) (int, error)

	Close() error
}

// Errors
var (
	ErrNotFound = errors.New("row not found")
)
