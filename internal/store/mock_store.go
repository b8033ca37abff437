package store

import (
	"sync"
	"time"

	"github.com/yorutsuke/yorutsuke/internal/models"
)

// MockStore is an in-memory Store for tests.
type MockStore struct {
	mu           sync.Mutex
	images       map[string]*models.ReceiptImage
	transactions map[string]*models.Transaction
	uploads      map[string][]time.Time

	// Error injection
	FindDirtyErr error
	BulkUpsertErr error
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		images:       make(map[string]*models.ReceiptImage),
		transactions: make(map[string]*models.Transaction),
		uploads:      make(map[string][]time.Time),
	}
}

func (m *MockStore) SaveImage(img *models.ReceiptImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *img
	m.images[img.ID] = &c
	return nil
}

func (m *MockStore) GetImage(id string) (*models.ReceiptImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *img
	return &c, nil
}

func (m *MockStore) FindImageByMD5(userID, md5 string) (*models.ReceiptImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, img := range m.images {
		if img.UserID == userID && img.MD5 == md5 {
			c := *img
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) SetImageUploaded(id, remoteKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return ErrNotFound
	}
	img.RemoteKey = remoteKey
	img.Status = models.ImageUploaded
	return nil
}

func (m *MockStore) SetImageStatus(id string, status models.ImageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return ErrNotFound
	}
	img.Status = status
	return nil
}

func (m *MockStore) DeleteImage(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.images, id)
	return nil
}

func (m *MockStore) UpsertTransaction(tx *models.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *tx
	c.Dirty = true
	m.transactions[tx.ID] = &c
	return nil
}

func (m *MockStore) GetTransaction(id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *tx
	return &c, nil
}

func (m *MockStore) ListTransactions(userID string) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			c := *tx
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MockStore) FindDirtyTransactions(userID string) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FindDirtyErr != nil {
		return nil, m.FindDirtyErr
	}
	var out []*models.Transaction
	for _, tx := range m.transactions {
		if tx.UserID == userID && tx.Dirty {
			c := *tx
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MockStore) ClearDirtyFlags(ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if tx, ok := m.transactions[id]; ok {
			tx.Dirty = false
		}
	}
	return nil
}

func (m *MockStore) BulkUpsert(records []*models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BulkUpsertErr != nil {
		return m.BulkUpsertErr
	}
	for _, r := range records {
		c := *r
		c.Dirty = false
		m.transactions[r.ID] = &c
	}
	return nil
}

func (m *MockStore) RecordUpload(userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[userID] = append(m.uploads[userID], at)
	return nil
}

func (m *MockStore) CountRecentUploads(userID string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-window)
	count := 0
	for _, at := range m.uploads[userID] {
		if at.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *MockStore) Close() error { return nil }
