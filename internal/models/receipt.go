package models

import "time"

// ImageStatus is the upload lifecycle of a captured receipt image.
type ImageStatus string

const (
	ImageQueued   ImageStatus = "queued"
	ImageUploaded ImageStatus = "uploaded"
	ImageFailed   ImageStatus = "failed"
)

// ReceiptImage is a locally captured, compressed receipt awaiting or past
// upload. MD5 is the hash of the compressed bytes, used for duplicate
// detection before enqueueing.
type ReceiptImage struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	LocalPath string      `json:"local_path"`
	RemoteKey string      `json:"remote_key,omitempty"`
	MD5       string      `json:"md5"`
	SizeBytes int64       `json:"size_bytes"`
	Width     int         `json:"width"`
	Height    int         `json:"height"`
	Status    ImageStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}
