package transport

import (
	"context"
	"sync"

	"github.com/yorutsuke/yorutsuke/internal/models"
)

// MockRemote is a scriptable Remote and BinaryUploader for tests.
type MockRemote struct {
	mu sync.Mutex

	// Scripted responses. Errors are consumed FIFO; a nil entry means
	// success. An empty script always succeeds.
	PresignErrs []error
	UploadErrs  []error
	PushErrs    []error
	PullErrs    []error

	// Push behavior: ids listed here come back failed.
	FailPushIDs []string

	// Pull behavior.
	PullRecords []*models.Transaction

	// Remote state accumulated by pushes, keyed by record id.
	Pushed map[string]*models.Transaction

	// Call counts
	PresignCalls int
	UploadCalls  int
	PushCalls    int
	PullCalls    int

	// Captured arguments
	UploadedKeys  []string
	PresignTokens []string
}

// NewMockRemote creates an empty mock.
func NewMockRemote() *MockRemote {
	return &MockRemote{
		Pushed: make(map[string]*models.Transaction),
	}
}

func takeErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (m *MockRemote) Presign(ctx context.Context, userID, fileName, idemToken string) (*PresignResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PresignCalls++
	m.PresignTokens = append(m.PresignTokens, idemToken)

	if err := takeErr(&m.PresignErrs); err != nil {
		return nil, err
	}
	return &PresignResult{
		URL: "https://uploads.test/" + fileName,
		Key: "receipts/" + userID + "/" + fileName,
	}, nil
}

func (m *MockRemote) UploadBinary(ctx context.Context, target *PresignResult, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UploadCalls++
	if err := takeErr(&m.UploadErrs); err != nil {
		return err
	}
	m.UploadedKeys = append(m.UploadedKeys, target.Key)
	return nil
}

func (m *MockRemote) PushTransactions(ctx context.Context, userID string, records []*models.Transaction) (*models.PushResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls++
	if err := takeErr(&m.PushErrs); err != nil {
		return nil, err
	}

	failed := make(map[string]bool, len(m.FailPushIDs))
	for _, id := range m.FailPushIDs {
		failed[id] = true
	}

	result := &models.PushResult{}
	for _, r := range records {
		if failed[r.ID] {
			result.FailedIDs = append(result.FailedIDs, r.ID)
			continue
		}
		m.Pushed[r.ID] = r.Clone()
		result.SyncedIDs = append(result.SyncedIDs, r.ID)
	}
	return result, nil
}

func (m *MockRemote) PullTransactions(ctx context.Context, userID string) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PullCalls++
	if err := takeErr(&m.PullErrs); err != nil {
		return nil, err
	}

	out := make([]*models.Transaction, 0, len(m.PullRecords))
	for _, r := range m.PullRecords {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *MockRemote) SetToken(token string) {}

func (m *MockRemote) Close() error { return nil }

// PushedSnapshot returns a copy of the accumulated remote state.
func (m *MockRemote) PushedSnapshot() map[string]*models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*models.Transaction, len(m.Pushed))
	for k, v := range m.Pushed {
		out[k] = v.Clone()
	}
	return out
}

// Counts returns call counts under the lock.
func (m *MockRemote) Counts() (presign, upload, push, pull int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PresignCalls, m.UploadCalls, m.PushCalls, m.PullCalls
}
