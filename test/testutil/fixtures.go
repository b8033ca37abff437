package testutil

import (
	"path/filepath"
	"time"

	"github.com/yorutsuke/yorutsuke/internal/config"
	"github.com/yorutsuke/yorutsuke/internal/models"
)

// TestConfig returns a config rooted in dataDir and pointed at baseURL,
// with short intervals so tests run quickly.
func TestConfig(dataDir, baseURL string) *config.Config {
	cfg := config.DefaultConfig()

	cfg.API.BaseURL = baseURL
	cfg.API.ControlTimeout = 5 * time.Second
	cfg.API.UploadTimeout = 5 * time.Second

	cfg.Storage.DataDir = dataDir
	cfg.Storage.ImageDir = filepath.Join(dataDir, "images")
	cfg.Storage.DBPath = filepath.Join(dataDir, "yorutsuke.db")

	cfg.Sync.Interval = 50 * time.Millisecond
	cfg.Upload.RetrySchedule = []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
	}

	cfg.Network.ProbeURL = baseURL + "/health"
	cfg.Network.ProbeInterval = 50 * time.Millisecond

	cfg.Log.Level = "error"
	return cfg
}

// SampleTransaction returns a valid transaction for fixtures.
func SampleTransaction(id, userID string, updatedAt time.Time) *models.Transaction {
	return &models.Transaction{
		ID:        id,
		UserID:    userID,
		AmountYen: 1480,
		Category:  "food",
		Memo:      "konbini run",
		Status:    models.StatusPending,
		Date:      updatedAt.Format("2006-01-02"),
		UpdatedAt: updatedAt,
	}
}

// SampleImage returns a valid receipt image row for fixtures.
func SampleImage(id, userID, localPath string) *models.ReceiptImage {
	return &models.ReceiptImage{
		ID:        id,
		UserID:    userID,
		LocalPath: localPath,
		MD5:       "d41d8cd98f00b204e9800998ecf8427e",
		SizeBytes: 2048,
		Width:     1024,
		Height:    768,
		Status:    models.ImageQueued,
		CreatedAt: time.Now(),
	}
}
