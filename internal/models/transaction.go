package models

import (
	"fmt"
	"strings"
	"time"
)

// TransactionStatus is the review state of an extracted transaction.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusDeleted   TransactionStatus = "deleted"
)

// Transaction is one receipt-derived ledger row. The ID is stable for the
// row's lifetime and doubles as the idempotency key for remote upserts.
type Transaction struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	ImageID   string            `json:"image_id,omitempty"`
	AmountYen int64             `json:"amount_yen"`
	Category  string            `json:"category"`
	Memo      string            `json:"memo,omitempty"`
	Status    TransactionStatus `json:"status"`
	Date      string            `json:"date"` // YYYY-MM-DD, receipt date
	UpdatedAt time.Time         `json:"updated_at"`
	Dirty     bool              `json:"-"`
}

// SupersededBy reports whether the remote copy should overwrite this one.
// Remote wins only when strictly newer; equal timestamps keep local.
func (t *Transaction) SupersededBy(remote *Transaction) bool {
	return remote.UpdatedAt.After(t.UpdatedAt)
}

// Touch marks a local mutation: bumps the timestamp and sets the dirty flag.
func (t *Transaction) Touch(now time.Time) {
	t.UpdatedAt = now
	t.Dirty = true
}

// Validate checks the fields the sync core relies on.
func (t *Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("transaction ID is required")
	}
	if strings.TrimSpace(t.UserID) == "" {
		return fmt.Errorf("transaction %s: user ID is required", t.ID)
	}
	switch t.Status {
	case StatusPending, StatusConfirmed, StatusDeleted:
	default:
		return fmt.Errorf("transaction %s: invalid status %q", t.ID, t.Status)
	}
	return nil
}

// Clone returns a copy safe to hand across goroutine boundaries.
func (t *Transaction) Clone() *Transaction {
	c := *t
	return &c
}

// PushResult is the remote service's verdict on a batch push. IDs absent
// from both slices were not part of the request.
type PushResult struct {
	SyncedIDs []string `json:"synced_ids"`
	FailedIDs []string `json:"failed_ids"`
}
