// Package transport is the remote adapter: presign, binary upload, and the
// transaction push/pull endpoints. It carries no retry policy of its own;
// the upload queue and auto-sync service own retry.
package transport

import (
	"context"

	"github.com/yorutsuke/yorutsuke/internal/models"
)

// PresignResult is the signed destination for one binary upload.
type PresignResult struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// Remote is the control-plane surface of the cloud API.
type Remote interface {
	// Presign requests a signed upload destination. The idempotency token
	// is stable across retries of the same logical upload.
	Presign(ctx context.Context, userID, fileName, idemToken string) (*PresignResult, error)

	// PushTransactions upserts dirty records remotely, keyed on record id.
	PushTransactions(ctx context.Context, userID string, records []*models.Transaction) (*models.PushResult, error)

	// PullTransactions fetches the user's remote records.
	PullTransactions(ctx context.Context, userID string) ([]*models.Transaction, error)

	// SetToken sets the bearer token for subsequent calls.
	SetToken(token string)

	Close() error
}

// BinaryUploader puts compressed receipt bytes at their signed destination.
// The HTTP implementation PUTs to the presigned URL; the S3 implementation
// writes the key directly using permit-scoped credentials.
type BinaryUploader interface {
	UploadBinary(ctx context.Context, target *PresignResult, blob []byte) error
}
