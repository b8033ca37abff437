package queue

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorutsuke/yorutsuke/internal/config"
	"github.com/yorutsuke/yorutsuke/internal/events"
	"github.com/yorutsuke/yorutsuke/internal/models"
	"github.com/yorutsuke/yorutsuke/internal/netmon"
	"github.com/yorutsuke/yorutsuke/internal/store"
	"github.com/yorutsuke/yorutsuke/internal/transport"
)

// fakeNet is a controllable network source.
type fakeNet struct {
	mu     sync.Mutex
	status netmon.Status
	ch     chan netmon.Status
}

func newFakeNet(status netmon.Status) *fakeNet {
	return &fakeNet{status: status, ch: make(chan netmon.Status, 4)}
}

func (f *fakeNet) Status() netmon.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeNet) Subscribe() <-chan netmon.Status { return f.ch }

func (f *fakeNet) set(status netmon.Status) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
	f.ch <- status
}

// blockingUploader holds each upload until the test releases it.
type blockingUploader struct {
	started chan string
	release chan error

	mu    sync.Mutex
	calls int
}

func newBlockingUploader() *blockingUploader {
	return &blockingUploader{
		started: make(chan string, 8),
		release: make(chan error, 8),
	}
}

func (b *blockingUploader) UploadBinary(ctx context.Context, target *transport.PresignResult, blob []byte) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.started <- target.Key
	return <-b.release
}

func (b *blockingUploader) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type harness struct {
	engine *Engine
	store  *store.MockStore
	remote *transport.MockRemote
	net    *fakeNet

	mu     sync.Mutex
	delays []time.Duration
}

func (h *harness) recordedDelays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]time.Duration, len(h.delays))
	copy(out, h.delays)
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Upload.MaxAttempts = 3
	cfg.Upload.RetrySchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	cfg.Quota.MaxUploads = 50
	cfg.Quota.Window = 24 * time.Hour
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, status netmon.Status, uploader transport.BinaryUploader) *harness {
	t.Helper()

	var buf bytes.Buffer
	logger := events.NewTestLogger(events.ErrorLevel, "text", &buf)

	h := &harness{
		store:  store.NewMockStore(),
		remote: transport.NewMockRemote(),
		net:    newFakeNet(status),
	}
	if uploader == nil {
		uploader = h.remote
	}

	h.engine = NewEngine(h.store, h.remote, uploader, h.net, cfg, logger)

	// Retry timers fire immediately but record the requested delay, so
	// backoff can be asserted without waiting.
	h.engine.newTimer = func(d time.Duration) <-chan time.Time {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}

	h.engine.Start(context.Background())
	t.Cleanup(h.engine.Stop)

	h.engine.SetUser("user-1")
	return h
}

func (h *harness) enqueueFile(t *testing.T, assetID string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), assetID+".jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0600))

	require.NoError(t, h.store.SaveImage(&models.ReceiptImage{
		ID:        assetID,
		UserID:    "user-1",
		LocalPath: path,
		Status:    models.ImageQueued,
		CreatedAt: time.Now(),
	}))

	h.engine.Enqueue(assetID, path, "idem-"+assetID, "trace-"+assetID)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func netError() error {
	return &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset")}
}

func TestUploadSuccess(t *testing.T) {
	h := newHarness(t, testConfig(), netmon.Online, nil)
	h.enqueueFile(t, "img-1")

	eventually(t, func() bool {
		img, err := h.store.GetImage("img-1")
		return err == nil && img.Status == models.ImageUploaded
	}, "image should be marked uploaded")

	img, err := h.store.GetImage("img-1")
	require.NoError(t, err)
	assert.Equal(t, "receipts/user-1/img-1.jpg", img.RemoteKey)

	// Success counts against the quota window.
	count, err := h.store.CountRecentUploads("user-1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Terminal success leaves the queue.
	eventually(t, func() bool {
		snap := h.engine.Status()
		return len(snap.Tasks) == 0 && snap.State == Idle
	}, "queue should drain to idle")
}

func TestRetryAfterTransientFailures(t *testing.T) {
	h := newHarness(t, testConfig(), netmon.Online, nil)
	h.remote.UploadErrs = []error{netError(), netError(), nil}

	h.enqueueFile(t, "img-1")

	eventually(t, func() bool {
		img, err := h.store.GetImage("img-1")
		return err == nil && img.Status == models.ImageUploaded
	}, "third attempt should succeed")

	_, uploads, _, _ := h.remote.Counts()
	assert.Equal(t, 3, uploads)

	// Backoff followed the schedule for the two retries.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.recordedDelays())

	// Every presign of the task carried the same idempotency token.
	for _, token := range h.remote.PresignTokens {
		assert.Equal(t, "idem-img-1", token)
	}
}

func TestExhaustedRetriesFail(t *testing.T) {
	h := newHarness(t, testConfig(), netmon.Online, nil)
	h.remote.UploadErrs = []error{netError(), netError(), netError()}

	h.enqueueFile(t, "img-1")

	eventually(t, func() bool {
		snap := h.engine.Status()
		return len(snap.Tasks) == 1 && snap.Tasks[0].State == models.TaskFailed
	}, "task should end failed")

	snap := h.engine.Status()
	assert.Equal(t, 2, snap.Tasks[0].Retries)
	assert.Equal(t, models.CategoryNetwork, snap.Tasks[0].Category)

	_, uploads, _, _ := h.remote.Counts()
	assert.Equal(t, 3, uploads)

	img, err := h.store.GetImage("img-1")
	require.NoError(t, err)
	assert.Equal(t, models.ImageFailed, img.Status)
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	h := newHarness(t, testConfig(), netmon.Online, nil)
	h.remote.UploadErrs = []error{errors.New("malformed request")}

	h.enqueueFile(t, "img-1")

	eventually(t, func() bool {
		snap := h.engine.Status()
		return len(snap.Tasks) == 1 && snap.Tasks[0].State == models.TaskFailed
	}, "unknown errors are terminal")

	snap := h.engine.Status()
	assert.Equal(t, 0, snap.Tasks[0].Retries)
	assert.Empty(t, h.recordedDelays())
}

func TestBackoffLastEntryRepeats(t *testing.T) {
	cfg := testConfig()
	cfg.Upload.MaxAttempts = 5

	h := newHarness(t, cfg, netmon.Online, nil)
	h.remote.UploadErrs = []error{netError(), netError(), netError(), netError(), netError()}

	h.enqueueFile(t, "img-1")

	eventually(t, func() bool {
		snap := h.engine.Status()
		return len(snap.Tasks) == 1 && snap.Tasks[0].State == models.TaskFailed
	}, "task should exhaust retries")

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second,
	}, h.recordedDelays())
}

func TestEnqueueIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), netmon.Offline, nil)

	path := filepath.Join(t.TempDir(), "img-1.jpg")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))

	h.engine.Enqueue("img-1", path, "idem-1", "trace-1")
	h.engine.Enqueue("img-1", path, "idem-2", "trace-2")

	eventually(t, func() bool {
		return len(h.engine.Status().Tasks) == 1
	}, "duplicate enqueue should be dropped")

	snap := h.engine.Status()
	assert.Equal(t, "idem-1", snap.Tasks[0].IdempotencyToken)
}

func TestOfflinePausesProcessing(t *testing.T) {
	h := newHarness(t, testConfig(), netmon.Offline, nil)
	h.enqueueFile(t, "img-1")

	eventually(t, func() bool {
		snap := h.engine.Status()
		return snap.State == Paused && snap.Reason == PauseOffline
	}, "queue should pause offline")

	presign, uploads, _, _ := h.remote.Counts()
	assert.Zero(t, presign)
	assert.Zero(t, uploads)

	h.net.set(netmon.Online)

	eventually(t, func() bool {
		img, err := h.store.GetImage("img-1")
		return err == nil && img.Status == models.ImageUploaded
	}, "reconnect should resume the queue")
}

func TestPausePreservedAcrossCompletion(t *testing.T) {
	uploader := newBlockingUploader()
	h := newHarness(t, testConfig(), netmon.Online, uploader)

	h.enqueueFile(t, "img-1")
	h.enqueueFile(t, "img-2")

	// First task is in flight.
	<-uploader.started

	// Connectivity drops while it is uploading.
	h.net.set(netmon.Offline)
	eventually(t, func() bool {
		snap := h.engine.Status()
		return snap.State == Paused && snap.Reason == PauseOffline
	}, "offline edge should pause the queue")

	// The in-flight task finishes. Its outcome is recorded, but the
	// queue must stay paused and the next task must not start.
	uploader.release <- nil

	eventually(t, func() bool {
		img, err := h.store.GetImage("img-1")
		return err == nil && img.Status == models.ImageUploaded
	}, "completed upload should still be recorded")

	snap := h.engine.Status()
	assert.Equal(t, Paused, snap.State)
	assert.Equal(t, PauseOffline, snap.Reason)
	assert.Equal(t, 1, uploader.callCount())

	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "img-2", snap.Tasks[0].AssetID)
	assert.Equal(t, models.TaskIdle, snap.Tasks[0].State)

	// Reconnecting lifts the pause and the second task proceeds.
	h.net.set(netmon.Online)
	<-uploader.started
	uploader.release <- nil

	eventually(t, func() bool {
		img, err := h.store.GetImage("img-2")
		return err == nil && img.Status == models.ImageUploaded
	}, "queue should resume after reconnect")
}

func TestSingleTaskInFlight(t *testing.T) {
	uploader := newBlockingUploader()
	h := newHarness(t, testConfig(), netmon.Online, uploader)

	h.enqueueFile(t, "img-1")
	h.enqueueFile(t, "img-2")
	h.enqueueFile(t, "img-3")

	<-uploader.started

	snap := h.engine.Status()
	uploading := 0
	for _, task := range snap.Tasks {
		if task.State == models.TaskUploading {
			uploading++
		}
	}
	assert.Equal(t, 1, uploading)
	assert.Equal(t, Processing, snap.State)

	for i := 0; i < 3; i++ {
		uploader.release <- nil
		if i < 2 {
			<-uploader.started
		}
	}

	eventually(t, func() bool {
		return len(h.engine.Status().Tasks) == 0
	}, "all tasks should drain in order")
	assert.Equal(t, 3, uploader.callCount())
}

func TestQuotaPausesQueue(t *testing.T) {
	cfg := testConfig()
	cfg.Quota.MaxUploads = 1

	h := newHarness(t, cfg, netmon.Online, nil)
	require.NoError(t, h.store.RecordUpload("user-1", time.Now()))

	h.enqueueFile(t, "img-1")

	eventually(t, func() bool {
		snap := h.engine.Status()
		return snap.State == Paused && snap.Reason == PauseQuota
	}, "quota exhaustion should pause the queue")

	presign, _, _, _ := h.remote.Counts()
	assert.Zero(t, presign)
}

func TestQuotaReevaluatedNotCached(t *testing.T) {
	cfg := testConfig()
	cfg.Quota.MaxUploads = 1
	cfg.Quota.Window = 50 * time.Millisecond

	h := newHarness(t, cfg, netmon.Online, nil)
	require.NoError(t, h.store.RecordUpload("user-1", time.Now()))

	h.enqueueFile(t, "img-1")

	eventually(t, func() bool {
		snap := h.engine.Status()
		return snap.State == Paused && snap.Reason == PauseQuota
	}, "queue should pause on quota")

	// Once the prior upload ages out of the window, a refresh resumes.
	time.Sleep(80 * time.Millisecond)
	h.engine.RefreshQuota()

	eventually(t, func() bool {
		img, err := h.store.GetImage("img-1")
		return err == nil && img.Status == models.ImageUploaded
	}, "aged-out quota usage should unblock the queue")
}

func TestQuotaCheckedPerAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.Quota.MaxUploads = 2

	h := newHarness(t, cfg, netmon.Online, nil)
	h.enqueueFile(t, "img-1")
	h.enqueueFile(t, "img-2")
	h.enqueueFile(t, "img-3")

	eventually(t, func() bool {
		snap := h.engine.Status()
		return snap.State == Paused && snap.Reason == PauseQuota
	}, "third task should hit the quota gate")

	_, uploads, _, _ := h.remote.Counts()
	assert.Equal(t, 2, uploads)

	snap := h.engine.Status()
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "img-3", snap.Tasks[0].AssetID)
	assert.Equal(t, models.TaskIdle, snap.Tasks[0].State)
}

func TestManualRetryResetsCounter(t *testing.T) {
	h := newHarness(t, testConfig(), netmon.Online, nil)
	h.remote.UploadErrs = []error{netError(), netError(), netError()}

	h.enqueueFile(t, "img-1")

	eventually(t, func() bool {
		snap := h.engine.Status()
		return len(snap.Tasks) == 1 && snap.Tasks[0].State == models.TaskFailed
	}, "task should fail first")

	// Scripted errors are exhausted, so the retried attempt succeeds.
	h.engine.Retry("img-1")

	eventually(t, func() bool {
		img, err := h.store.GetImage("img-1")
		return err == nil && img.Status == models.ImageUploaded
	}, "manual retry should run the task again")
}

func TestRetryAllFailed(t *testing.T) {
	h := newHarness(t, testConfig(), netmon.Online, nil)
	h.remote.UploadErrs = []error{
		errors.New("bad payload"),
		errors.New("bad payload"),
	}

	h.enqueueFile(t, "img-1")
	h.enqueueFile(t, "img-2")

	eventually(t, func() bool {
		snap := h.engine.Status()
		if len(snap.Tasks) != 2 {
			return false
		}
		return snap.Tasks[0].State == models.TaskFailed && snap.Tasks[1].State == models.TaskFailed
	}, "both tasks should fail")

	h.engine.RetryAllFailed()

	eventually(t, func() bool {
		return len(h.engine.Status().Tasks) == 0
	}, "both tasks should succeed after reset")
}

func TestRemoveEvictsTask(t *testing.T) {
	h := newHarness(t, testConfig(), netmon.Offline, nil)
	h.enqueueFile(t, "img-1")

	eventually(t, func() bool {
		return len(h.engine.Status().Tasks) == 1
	}, "task should be enqueued")

	h.engine.Remove("img-1")

	eventually(t, func() bool {
		return len(h.engine.Status().Tasks) == 0
	}, "removed task should leave the set")
}
