// Package syncer keeps local transactions and the cloud in agreement with
// an alternating push/pull loop. One slot runs per tick; skipped ticks are
// never queued, so a slow cycle can never pile work behind itself.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yorutsuke/yorutsuke/internal/events"
	"github.com/yorutsuke/yorutsuke/internal/models"
	"github.com/yorutsuke/yorutsuke/internal/netmon"
	"github.com/yorutsuke/yorutsuke/internal/store"
	"github.com/yorutsuke/yorutsuke/internal/transport"
)

// ErrCycleRunning is returned by TriggerManualSync when a cycle is already
// executing.
var ErrCycleRunning = errors.New("sync cycle already running")

// Slot is the half of the sync loop the next cycle will execute.
type Slot int

const (
	SlotPush Slot = iota
	SlotPull
)

func (s Slot) String() string {
	if s == SlotPush {
		return "push"
	}
	return "pull"
}

// Syncer runs the auto-sync service for the active user.
type Syncer struct {
	store    store.Store
	remote   transport.Remote
	network  netmon.Source
	logger   *events.Logger
	interval time.Duration

	// busy is the cycle mutual-exclusion guard. A tick that loses the
	// swap is dropped, never deferred.
	busy atomic.Bool

	mu     sync.Mutex
	userID string
	slot   Slot

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates a syncer. It does nothing until Start is called and a user
// is set.
func New(st store.Store, remote transport.Remote, network netmon.Source, interval time.Duration, logger *events.Logger) *Syncer {
	return &Syncer{
		store:    st,
		remote:   remote,
		network:  network,
		logger:   logger.WithField("component", "syncer"),
		interval: interval,
		slot:     SlotPull,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Syncer) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the tick loop. An executing cycle finishes on its own.
func (s *Syncer) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// SetUser binds the loop to a user. The empty string stops cycling. A user
// change resets the slot to pull so the new user's remote state lands before
// anything is pushed.
func (s *Syncer) SetUser(userID string) {
	s.mu.Lock()
	if s.userID != userID {
		s.logger.WithFields(map[string]interface{}{
			"previous": s.userID,
			"next":     userID,
		}).Info("Sync user changed")
		s.userID = userID
		s.slot = SlotPull
	}
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// ActiveUser returns the currently bound user id.
func (s *Syncer) ActiveUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// CurrentSlot returns the slot the next cycle will execute.
func (s *Syncer) CurrentSlot() Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot
}

// TriggerManualSync runs the current slot immediately under the same
// mutual-exclusion guard as the ticker.
func (s *Syncer) TriggerManualSync(ctx context.Context) error {
	return s.runCycle(ctx)
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.done)

	netCh := s.network.Subscribe()

	var ticker *time.Ticker
	var tickCh <-chan time.Time

	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tickCh = nil
		}
	}
	defer stopTicker()

	for {
		// The ticker exists only while a user is bound and the network
		// is up. Offline genuinely stops the timer rather than gating
		// each tick.
		active := s.ActiveUser() != ""
		online := s.network.Status() == netmon.Online

		if active && online && ticker == nil {
			ticker = time.NewTicker(s.interval)
			tickCh = ticker.C
			s.logger.Debug("Sync ticker started")
		} else if (!active || !online) && ticker != nil {
			stopTicker()
			s.logger.Debug("Sync ticker stopped")
		}

		select {
		case <-tickCh:
			if err := s.runCycle(ctx); err != nil && !errors.Is(err, ErrCycleRunning) {
				s.logger.WithError(err).Warn("Sync cycle failed")
			}
		case status := <-netCh:
			if status == netmon.Online {
				// Local edits may have raced the outage; pull first
				// so the merge sees the freshest remote state.
				s.mu.Lock()
				s.slot = SlotPull
				s.mu.Unlock()
			}
		case <-s.kick:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runCycle executes exactly one slot. The busy flag is released on every
// exit path.
func (s *Syncer) runCycle(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Debug("Cycle already executing, tick dropped")
		return ErrCycleRunning
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	bound := s.userID
	slot := s.slot
	s.mu.Unlock()

	if bound == "" {
		return nil
	}

	switch slot {
	case SlotPush:
		return s.push(ctx, bound)
	default:
		return s.pull(ctx, bound)
	}
}

// push sends dirty transactions. The dirty set is read fresh inside the
// cycle, never carried over from a previous one. Partial failure clears only
// the synced ids and keeps the slot at push so the remainder retries next
// tick.
func (s *Syncer) push(ctx context.Context, bound string) error {
	dirty, err := s.store.FindDirtyTransactions(bound)
	if err != nil {
		return fmt.Errorf("find dirty transactions: %w", err)
	}

	if len(dirty) == 0 {
		// Nothing to send. The slot stays at push; only a confirmed push
		// earns the advance to pull.
		s.logger.Debug("Push skipped, no dirty records")
		return nil
	}

	result, err := s.remote.PushTransactions(ctx, bound, dirty)
	if err != nil {
		return fmt.Errorf("push transactions: %w", err)
	}

	if !s.stillBound(bound) {
		s.discardStale(bound)
		return nil
	}

	if len(result.SyncedIDs) > 0 {
		if err := s.store.ClearDirtyFlags(result.SyncedIDs); err != nil {
			return fmt.Errorf("clear dirty flags: %w", err)
		}
	}

	if len(result.FailedIDs) > 0 {
		s.logger.WithFields(map[string]interface{}{
			"synced": len(result.SyncedIDs),
			"failed": len(result.FailedIDs),
		}).Warn("Push partially failed, retrying failed records next tick")
		return nil
	}

	s.logger.WithField("synced", len(result.SyncedIDs)).Debug("Push completed")
	s.advance(bound, SlotPull)
	return nil
}

// pull fetches the remote transaction set and merges it last-write-wins:
// a remote record replaces the local one only when strictly newer, so an
// equal timestamp keeps the local copy. A successful pull always advances
// to push.
func (s *Syncer) pull(ctx context.Context, bound string) error {
	records, err := s.remote.PullTransactions(ctx, bound)
	if err != nil {
		return fmt.Errorf("pull transactions: %w", err)
	}

	if !s.stillBound(bound) {
		s.discardStale(bound)
		return nil
	}

	accepted := make([]*models.Transaction, 0, len(records))
	for _, remote := range records {
		local, err := s.store.GetTransaction(remote.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				accepted = append(accepted, remote)
				continue
			}
			return fmt.Errorf("load local transaction %s: %w", remote.ID, err)
		}
		if local.SupersededBy(remote) {
			accepted = append(accepted, remote)
		}
	}

	if len(accepted) > 0 {
		if err := s.store.BulkUpsert(accepted); err != nil {
			return fmt.Errorf("apply pulled transactions: %w", err)
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"fetched": len(records),
		"applied": len(accepted),
	}).Debug("Pull completed")

	s.advance(bound, SlotPush)
	return nil
}

// advance moves the slot, but only if the cycle's bound user is still the
// active one.
func (s *Syncer) advance(bound string, next Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID != bound || s.slot == next {
		return
	}
	s.logger.Transition("sync_slot", "syncer", s.slot.String(), next.String())
	s.slot = next
}

func (s *Syncer) stillBound(bound string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID == bound
}

// discardStale logs a response that arrived for a user who is no longer
// active. SetUser already reset the slot, so nothing is applied here.
func (s *Syncer) discardStale(bound string) {
	s.logger.WithError(&models.UserMismatchError{
		Bound:  bound,
		Active: s.ActiveUser(),
	}).Warn("Discarding sync response for inactive user")
}
