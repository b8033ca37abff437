package syncer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorutsuke/yorutsuke/internal/events"
	"github.com/yorutsuke/yorutsuke/internal/models"
	"github.com/yorutsuke/yorutsuke/internal/netmon"
	"github.com/yorutsuke/yorutsuke/internal/store"
	"github.com/yorutsuke/yorutsuke/internal/transport"
)

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

func newTestSyncer(t *testing.T) (*Syncer, *store.MockStore, *transport.MockRemote, *fakeNet) {
	t.Helper()

	var buf bytes.Buffer
	logger := events.NewTestLogger(events.ErrorLevel, "text", &buf)

	st := store.NewMockStore()
	remote := transport.NewMockRemote()
	network := newFakeNet(netmon.Online)

	s := New(st, remote, network, 3*time.Second, logger)
	return s, st, remote, network
}

func tx(id, userID string, updatedAt time.Time) *models.Transaction {
	return &models.Transaction{
		ID:        id,
		UserID:    userID,
		AmountYen: 1200,
		Category:  "food",
		Status:    models.StatusPending,
		Date:      "2026-08-25",
		UpdatedAt: updatedAt,
	}
}

func seedDirty(t *testing.T, st *store.MockStore, records ...*models.Transaction) {
	t.Helper()
	for _, r := range records {
		require.NoError(t, st.UpsertTransaction(r))
	}
}

func TestInitialSlotIsPull(t *testing.T) {
	s, _, _, _ := newTestSyncer(t)
	s.SetUser("user-1")
	assert.Equal(t, SlotPull, s.CurrentSlot())
}

func TestCycleAlternatesSlots(t *testing.T) {
	s, st, remote, _ := newTestSyncer(t)
	s.SetUser("user-1")
	seedDirty(t, st, tx("t1", "user-1", time.Now()))

	require.NoError(t, s.TriggerManualSync(context.Background()))
	assert.Equal(t, SlotPush, s.CurrentSlot())

	require.NoError(t, s.TriggerManualSync(context.Background()))
	assert.Equal(t, SlotPull, s.CurrentSlot())

	_, _, pushes, pulls := remote.Counts()
	assert.Equal(t, 1, pushes)
	assert.Equal(t, 1, pulls)
}

func TestEmptyPushKeepsSlot(t *testing.T) {
	s, _, remote, _ := newTestSyncer(t)
	s.SetUser("user-1")
	s.mu.Lock()
	s.slot = SlotPush
	s.mu.Unlock()

	// With nothing dirty the cycle is a no-op: no remote call, and the
	// slot does not move to pull.
	require.NoError(t, s.TriggerManualSync(context.Background()))
	assert.Equal(t, SlotPush, s.CurrentSlot())

	_, _, pushes, pulls := remote.Counts()
	assert.Zero(t, pushes)
	assert.Zero(t, pulls)
}

func TestPushClearsDirtyOnFullSuccess(t *testing.T) {
	s, st, remote, _ := newTestSyncer(t)
	s.SetUser("user-1")
	seedDirty(t, st,
		tx("t1", "user-1", time.Now()),
		tx("t2", "user-1", time.Now()),
	)

	// First cycle is the pull slot; the second pushes.
	require.NoError(t, s.TriggerManualSync(context.Background()))
	require.NoError(t, s.TriggerManualSync(context.Background()))

	dirty, err := st.FindDirtyTransactions("user-1")
	require.NoError(t, err)
	assert.Empty(t, dirty)
	assert.Equal(t, SlotPull, s.CurrentSlot())

	pushed := remote.PushedSnapshot()
	assert.Len(t, pushed, 2)
}

func TestPushPartialFailureRetainsSlot(t *testing.T) {
	s, st, remote, _ := newTestSyncer(t)
	s.SetUser("user-1")
	s.mu.Lock()
	s.slot = SlotPush
	s.mu.Unlock()

	seedDirty(t, st,
		tx("t1", "user-1", time.Now()),
		tx("t2", "user-1", time.Now()),
		tx("t3", "user-1", time.Now()),
	)
	remote.FailPushIDs = []string{"t2"}

	require.NoError(t, s.TriggerManualSync(context.Background()))

	// Synced ids cleared, failed id still dirty, slot stays push.
	dirty, err := st.FindDirtyTransactions("user-1")
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, "t2", dirty[0].ID)
	assert.Equal(t, SlotPush, s.CurrentSlot())

	// Clearing the remote failure lets the next push drain the rest.
	remote.FailPushIDs = nil
	require.NoError(t, s.TriggerManualSync(context.Background()))

	dirty, err = st.FindDirtyTransactions("user-1")
	require.NoError(t, err)
	assert.Empty(t, dirty)
	assert.Equal(t, SlotPull, s.CurrentSlot())
}

func TestPushTransportErrorRetainsSlotAndDirty(t *testing.T) {
	s, st, remote, _ := newTestSyncer(t)
	s.SetUser("user-1")
	s.mu.Lock()
	s.slot = SlotPush
	s.mu.Unlock()

	seedDirty(t, st, tx("t1", "user-1", time.Now()))
	remote.PushErrs = []error{errors.New("gateway timeout")}

	err := s.TriggerManualSync(context.Background())
	require.Error(t, err)

	dirty, derr := st.FindDirtyTransactions("user-1")
	require.NoError(t, derr)
	assert.Len(t, dirty, 1)
	assert.Equal(t, SlotPush, s.CurrentSlot())
}

func TestPushIdempotent(t *testing.T) {
	s, st, remote, _ := newTestSyncer(t)
	s.SetUser("user-1")

	now := time.Now()
	seedDirty(t, st, tx("t1", "user-1", now), tx("t2", "user-1", now))

	// Push the same set twice by re-dirtying between cycles.
	s.mu.Lock()
	s.slot = SlotPush
	s.mu.Unlock()
	require.NoError(t, s.TriggerManualSync(context.Background()))

	first := remote.PushedSnapshot()

	seedDirty(t, st, tx("t1", "user-1", now), tx("t2", "user-1", now))
	s.mu.Lock()
	s.slot = SlotPush
	s.mu.Unlock()
	require.NoError(t, s.TriggerManualSync(context.Background()))

	second := remote.PushedSnapshot()

	require.Len(t, second, len(first))
	for id, record := range first {
		assert.Equal(t, record.AmountYen, second[id].AmountYen)
		assert.Equal(t, record.UpdatedAt.Unix(), second[id].UpdatedAt.Unix())
	}
}

func TestPullMergesLastWriteWins(t *testing.T) {
	s, st, remote, _ := newTestSyncer(t)
	s.SetUser("user-1")

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	// Local rows land clean so the merge outcome is visible via content.
	require.NoError(t, st.BulkUpsert([]*models.Transaction{
		tx("newer-local", "user-1", base.Add(time.Hour)),
		tx("older-local", "user-1", base.Add(-time.Hour)),
		tx("tie", "user-1", base),
	}))

	remoteNewer := tx("older-local", "user-1", base)
	remoteNewer.AmountYen = 9999
	remoteOlder := tx("newer-local", "user-1", base)
	remoteOlder.AmountYen = 1111
	remoteTie := tx("tie", "user-1", base)
	remoteTie.AmountYen = 2222
	remoteFresh := tx("remote-only", "user-1", base)

	remote.PullRecords = []*models.Transaction{remoteNewer, remoteOlder, remoteTie, remoteFresh}

	require.NoError(t, s.TriggerManualSync(context.Background()))
	assert.Equal(t, SlotPush, s.CurrentSlot())

	// Strictly newer remote record replaced the stale local one.
	got, err := st.GetTransaction("older-local")
	require.NoError(t, err)
	assert.Equal(t, int64(9999), got.AmountYen)

	// Newer local record survived.
	got, err = st.GetTransaction("newer-local")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), got.AmountYen)

	// Equal timestamps keep local.
	got, err = st.GetTransaction("tie")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), got.AmountYen)

	// Unknown records are adopted.
	_, err = st.GetTransaction("remote-only")
	assert.NoError(t, err)
}

func TestPulledRecordsLandClean(t *testing.T) {
	s, st, remote, _ := newTestSyncer(t)
	s.SetUser("user-1")

	remote.PullRecords = []*models.Transaction{tx("r1", "user-1", time.Now())}

	require.NoError(t, s.TriggerManualSync(context.Background()))

	dirty, err := st.FindDirtyTransactions("user-1")
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestPullTransportErrorRetainsSlot(t *testing.T) {
	s, _, remote, _ := newTestSyncer(t)
	s.SetUser("user-1")
	remote.PullErrs = []error{errors.New("connection refused")}

	err := s.TriggerManualSync(context.Background())
	require.Error(t, err)
	assert.Equal(t, SlotPull, s.CurrentSlot())
}

func TestUserSwitchDiscardsStaleResponse(t *testing.T) {
	s, st, remote, _ := newTestSyncer(t)
	s.SetUser("user-1")
	s.mu.Lock()
	s.slot = SlotPush
	s.mu.Unlock()

	seedDirty(t, st, tx("t1", "user-1", time.Now()))

	// The user switches while the push is in flight.
	remote.PushErrs = nil
	switchMid := &switchingRemote{MockRemote: remote, syncer: s, next: "user-2"}
	s.remote = switchMid

	require.NoError(t, s.TriggerManualSync(context.Background()))

	// The stale response was discarded: dirty flag untouched, slot reset
	// to pull for the new user.
	dirty, err := st.FindDirtyTransactions("user-1")
	require.NoError(t, err)
	assert.Len(t, dirty, 1)
	assert.Equal(t, SlotPull, s.CurrentSlot())
	assert.Equal(t, "user-2", s.ActiveUser())
}

// switchingRemote swaps the active user during a push, simulating a user
// change racing an in-flight response.
type switchingRemote struct {
	*transport.MockRemote
	syncer *Syncer
	next   string
	once   sync.Once
}

func (r *switchingRemote) PushTransactions(ctx context.Context, userID string, records []*models.Transaction) (*models.PushResult, error) {
	result, err := r.MockRemote.PushTransactions(ctx, userID, records)
	r.once.Do(func() { r.syncer.SetUser(r.next) })
	return result, err
}

func TestSetUserResetsSlotToPull(t *testing.T) {
	s, _, _, _ := newTestSyncer(t)
	s.SetUser("user-1")

	s.mu.Lock()
	s.slot = SlotPush
	s.mu.Unlock()

	s.SetUser("user-2")
	assert.Equal(t, SlotPull, s.CurrentSlot())

	// Re-setting the same user does not disturb the slot.
	s.mu.Lock()
	s.slot = SlotPush
	s.mu.Unlock()
	s.SetUser("user-2")
	assert.Equal(t, SlotPush, s.CurrentSlot())
}

func TestMutualExclusionDropsOverlappingCycle(t *testing.T) {
	s, _, _, _ := newTestSyncer(t)
	s.SetUser("user-1")

	release := make(chan struct{})
	blocking := &blockingRemote{release: release, started: make(chan struct{})}
	s.remote = blocking

	done := make(chan error, 1)
	go func() { done <- s.TriggerManualSync(context.Background()) }()

	<-blocking.started

	// A tick landing while a cycle executes is dropped, never queued.
	err := s.TriggerManualSync(context.Background())
	assert.ErrorIs(t, err, ErrCycleRunning)

	close(release)
	require.NoError(t, <-done)

	// The guard is released after the cycle completes.
	require.NoError(t, s.TriggerManualSync(context.Background()))
}

type blockingRemote struct {
	transport.MockRemote
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (r *blockingRemote) PullTransactions(ctx context.Context, userID string) ([]*models.Transaction, error) {
	r.once.Do(func() { close(r.started) })
	<-r.release
	return nil, nil
}

func TestOfflineStopsTickerOnlineForcesPull(t *testing.T) {
	s, st, remote, network := newTestSyncer(t)
	s.interval = 20 * time.Millisecond

	s.Start(context.Background())
	defer s.Stop()

	s.SetUser("user-1")
	seedDirty(t, st, tx("t1", "user-1", time.Now()))

	// Let the loop reach the push slot.
	require.Eventually(t, func() bool {
		_, _, pushes, _ := remote.Counts()
		return pushes >= 1
	}, 2*time.Second, 5*time.Millisecond, "ticker should drive cycles while online")

	network.set(netmon.Offline)

	// Ticker stops: call counts settle.
	time.Sleep(60 * time.Millisecond)
	_, _, pushBefore, pullBefore := remote.Counts()
	time.Sleep(100 * time.Millisecond)
	_, _, pushAfter, pullAfter := remote.Counts()
	assert.Equal(t, pushBefore, pushAfter)
	assert.Equal(t, pullBefore, pullAfter)

	// Coming back online forces the pull slot. Failing pulls pin the loop
	// there, proving no push can run before a pull succeeds.
	pullErrs := make([]error, 100)
	for i := range pullErrs {
		pullErrs[i] = errors.New("service unavailable")
	}
	remote.PullErrs = pullErrs
	seedDirty(t, st, tx("t2", "user-1", time.Now()))
	network.set(netmon.Online)

	require.Eventually(t, func() bool {
		_, _, _, pulls := remote.Counts()
		return pulls >= pullAfter+2
	}, 2*time.Second, 5*time.Millisecond, "first cycles after reconnect should pull")

	_, _, pushes, _ := remote.Counts()
	assert.Equal(t, pushAfter, pushes, "no push may run before the post-reconnect pull")
}

func TestClearUserStopsCycling(t *testing.T) {
	s, _, remote, _ := newTestSyncer(t)
	s.interval = 20 * time.Millisecond

	s.Start(context.Background())
	defer s.Stop()

	s.SetUser("user-1")
	require.Eventually(t, func() bool {
		_, _, _, pulls := remote.Counts()
		return pulls >= 1
	}, 2*time.Second, 5*time.Millisecond, "cycles should run with a user bound")

	s.SetUser("")
	time.Sleep(60 * time.Millisecond)
	_, _, pushBefore, pullBefore := remote.Counts()
	time.Sleep(100 * time.Millisecond)
	_, _, pushAfter, pullAfter := remote.Counts()
	assert.Equal(t, pushBefore, pushAfter)
	assert.Equal(t, pullBefore, pullAfter)
}
