// Package queue drives receipt uploads through a per-asset state machine
// with quota gating, offline pausing, and bounded backoff retry.
//
// All queue state is owned by a single event-loop goroutine; public methods
// post messages into its inbox. Ticks, network edges, retry timers, and
// task completions are therefore serialized by construction, which is what
// guarantees at most one task in flight no matter how events interleave.
package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yorutsuke/yorutsuke/internal/config"
	"github.com/yorutsuke/yorutsuke/internal/events"
	"github.com/yorutsuke/yorutsuke/internal/models"
	"github.com/yorutsuke/yorutsuke/internal/netmon"
	"github.com/yorutsuke/yorutsuke/internal/store"
	"github.com/yorutsuke/yorutsuke/internal/transport"
)

// State is the queue-level state, layered over per-task states.
type State int

const (
	Idle State = iota // no task in flight
	Processing        // exactly one task in flight
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// PauseReason qualifies a Paused queue.
type PauseReason int

const (
	PauseNone PauseReason = iota
	PauseOffline
	PauseQuota
)

func (r PauseReason) String() string {
	switch r {
	case PauseOffline:
		return "offline"
	case PauseQuota:
		return "quota"
	default:
		return "none"
	}
}

// Snapshot is a point-in-time view of the queue for status surfaces.
type Snapshot struct {
	State   State
	Reason  PauseReason
	Current string
	Tasks   []models.UploadTask
}

// Engine owns the upload task collection.
type Engine struct {
	store    store.Store
	remote   transport.Remote
	uploader transport.BinaryUploader
	network  netmon.Source
	logger   *events.Logger

	maxAttempts    int
	schedule       []time.Duration
	quotaMax       int
	quotaWindow    time.Duration
	controlTimeout time.Duration
	uploadTimeout  time.Duration

	inbox chan message
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	// newTimer is swapped in tests to make backoff deterministic.
	newTimer func(d time.Duration) <-chan time.Time

	// Loop-owned state. Never touched outside the run goroutine.
	tasks   map[string]*models.UploadTask
	order   []string
	qstate  State
	reason  PauseReason
	current string
	userID  string
}

type message struct {
	kind    msgKind
	assetID string
	task    *models.UploadTask
	err     error
	key     string
	userID  string
	reply   chan Snapshot
}

type msgKind int

const (
	msgEnqueue msgKind = iota
	msgRetry
	msgRetryAll
	msgRemove
	msgTaskDone
	msgRetryTimer
	msgNetEdge
	msgQuotaRefresh
	msgSetUser
	msgSnapshot
)

// NewEngine creates an upload queue engine.
func NewEngine(
	st store.Store,
	remote transport.Remote,
	uploader transport.BinaryUploader,
	network netmon.Source,
	cfg *config.Config,
	logger *events.Logger,
) *Engine {
	return &Engine{
		store:          st,
		remote:         remote,
		uploader:       uploader,
		network:        network,
		logger:         logger.WithField("component", "upload_queue"),
		maxAttempts:    cfg.Upload.MaxAttempts,
		schedule:       cfg.Upload.RetrySchedule,
		quotaMax:       cfg.Quota.MaxUploads,
		quotaWindow:    cfg.Quota.Window,
		controlTimeout: cfg.API.ControlTimeout,
		uploadTimeout:  cfg.API.UploadTimeout,
		inbox:          make(chan message, 64),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		newTimer:       func(d time.Duration) <-chan time.Time { return time.After(d) },
		tasks:          make(map[string]*models.UploadTask),
	}
}

// Start begins the event loop.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop halts the event loop.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stop) })
	<-e.done
}

// SetUser binds the queue's quota accounting to the active user.
func (e *Engine) SetUser(userID string) {
	e.post(message{kind: msgSetUser, userID: userID})
}

// Enqueue adds an upload task. Re-enqueueing an asset id already present is
// a no-op; the idempotency token must be minted once per logical upload.
func (e *Engine) Enqueue(assetID, localPath, idemToken, traceToken string) {
	e.post(message{kind: msgEnqueue, task: &models.UploadTask{
		AssetID:          assetID,
		LocalPath:        localPath,
		IdempotencyToken: idemToken,
		TraceToken:       traceToken,
		State:            models.TaskIdle,
	}})
}

// Retry resets a failed task to idle with a zeroed retry counter.
func (e *Engine) Retry(assetID string) {
	e.post(message{kind: msgRetry, assetID: assetID})
}

// RetryAllFailed resets every failed task.
func (e *Engine) RetryAllFailed() {
	e.post(message{kind: msgRetryAll})
}

// Remove evicts a task from the active set.
func (e *Engine) Remove(assetID string) {
	e.post(message{kind: msgRemove, assetID: assetID})
}

// RefreshQuota re-evaluates the quota gate, resuming a quota-paused queue
// when usage has dropped below the limit.
func (e *Engine) RefreshQuota() {
	e.post(message{kind: msgQuotaRefresh})
}

// Status returns a snapshot of queue and task states.
func (e *Engine) Status() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case e.inbox <- message{kind: msgSnapshot, reply: reply}:
		select {
		case snap := <-reply:
			return snap
		case <-e.done:
		}
	case <-e.done:
	}
	return Snapshot{}
}

func (e *Engine) post(msg message) {
	select {
	case e.inbox <- msg:
	case <-e.done:
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	netCh := e.network.Subscribe()

	for {
		select {
		case msg := <-e.inbox:
			e.handle(msg)
		case status := <-netCh:
			e.handleNetEdge(status)
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handle(msg message) {
	switch msg.kind {
	case msgEnqueue:
		e.handleEnqueue(msg.task)
	case msgRetry:
		e.handleRetry(msg.assetID)
	case msgRetryAll:
		e.handleRetryAll()
	case msgRemove:
		e.handleRemove(msg.assetID)
	case msgTaskDone:
		e.handleTaskDone(msg.assetID, msg.key, msg.err)
	case msgRetryTimer:
		e.handleRetryTimer(msg.assetID)
	case msgQuotaRefresh:
		e.maybeStartNext()
	case msgSetUser:
		e.userID = msg.userID
		e.maybeStartNext()
	case msgSnapshot:
		msg.reply <- e.snapshot()
	}
}

func (e *Engine) handleEnqueue(task *models.UploadTask) {
	if _, exists := e.tasks[task.AssetID]; exists {
		e.logger.WithField("asset_id", task.AssetID).Debug("Asset already enqueued")
		return
	}

	e.tasks[task.AssetID] = task
	e.order = append(e.order, task.AssetID)

	e.taskLogger(task).Transition("upload_task_enqueued", task.AssetID, "", models.TaskIdle.String())
	e.maybeStartNext()
}

func (e *Engine) handleRetry(assetID string) {
	task, ok := e.tasks[assetID]
	if !ok || task.State != models.TaskFailed {
		return
	}
	e.resetTask(task)
	e.maybeStartNext()
}

func (e *Engine) handleRetryAll() {
	for _, id := range e.order {
		if task := e.tasks[id]; task != nil && task.State == models.TaskFailed {
			e.resetTask(task)
		}
	}
	e.maybeStartNext()
}

func (e *Engine) resetTask(task *models.UploadTask) {
	e.taskLogger(task).Transition("upload_task_state", task.AssetID,
		task.State.String(), models.TaskIdle.String())
	task.State = models.TaskIdle
	task.Retries = 0
	task.LastError = ""
	task.Category = ""
}

func (e *Engine) handleRemove(assetID string) {
	task, ok := e.tasks[assetID]
	if !ok {
		return
	}
	// An in-flight task is dropped from the set; its completion message
	// finds no task and is discarded.
	delete(e.tasks, assetID)
	e.removeFromOrder(assetID)
	if e.current == assetID {
		e.current = ""
		if e.qstate == Processing {
			e.setQueueState(Idle, PauseNone)
		}
	}
	e.taskLogger(task).Transition("upload_task_removed", assetID, task.State.String(), "")
	e.maybeStartNext()
}

func (e *Engine) handleTaskDone(assetID, key string, err error) {
	wasCurrent := e.current == assetID
	if wasCurrent {
		e.current = ""
	}

	task, ok := e.tasks[assetID]
	if ok && task.State == models.TaskUploading {
		if err == nil {
			e.completeTask(task, key)
		} else {
			e.failAttempt(task, err)
		}
	}

	// A completion never implicitly resumes a paused queue: only the
	// Processing state collapses back to Idle here.
	if wasCurrent && e.qstate == Processing {
		e.setQueueState(Idle, PauseNone)
	}

	e.maybeStartNext()
}

func (e *Engine) completeTask(task *models.UploadTask, key string) {
	task.State = models.TaskSuccess
	task.RemoteKey = key

	e.taskLogger(task).Transition("upload_task_state", task.AssetID,
		models.TaskUploading.String(), models.TaskSuccess.String())

	if err := e.store.SetImageUploaded(task.AssetID, key); err != nil {
		e.logger.WithError(err).WithField("asset_id", task.AssetID).Error("Failed to record remote key")
	}
	if err := e.store.RecordUpload(e.userID, time.Now()); err != nil {
		e.logger.WithError(err).Error("Failed to record upload for quota")
	}

	// Terminal success leaves the active set.
	delete(e.tasks, task.AssetID)
	e.removeFromOrder(task.AssetID)
}

func (e *Engine) failAttempt(task *models.UploadTask, err error) {
	category := models.Classify(err)
	task.LastError = err.Error()
	task.Category = category

	if category.Retryable() && task.Retries+1 < e.maxAttempts {
		task.Retries++
		task.State = models.TaskRetrying
		delay := e.backoffDelay(task.Retries)

		e.taskLogger(task).WithFields(map[string]interface{}{
			"category": string(category),
			"retries":  task.Retries,
			"delay":    delay.String(),
		}).Transition("upload_task_state", task.AssetID,
			models.TaskUploading.String(), models.TaskRetrying.String())

		e.scheduleRetry(task.AssetID, delay)
		return
	}

	task.State = models.TaskFailed
	e.taskLogger(task).WithFields(map[string]interface{}{
		"category": string(category),
		"error":    task.LastError,
	}).Transition("upload_task_state", task.AssetID,
		models.TaskUploading.String(), models.TaskFailed.String())

	if err := e.store.SetImageStatus(task.AssetID, models.ImageFailed); err != nil {
		e.logger.WithError(err).WithField("asset_id", task.AssetID).Error("Failed to mark image failed")
	}
}

// backoffDelay returns the delay before the given retry (1-based), drawn
// from the schedule with the last entry repeating.
func (e *Engine) backoffDelay(retry int) time.Duration {
	idx := retry - 1
	if idx >= len(e.schedule) {
		idx = len(e.schedule) - 1
	}
	return e.schedule[idx]
}

func (e *Engine) scheduleRetry(assetID string, delay time.Duration) {
	timer := e.newTimer(delay)
	go func() {
		select {
		case <-timer:
			e.post(message{kind: msgRetryTimer, assetID: assetID})
		case <-e.done:
		}
	}()
}

func (e *Engine) handleRetryTimer(assetID string) {
	task, ok := e.tasks[assetID]
	if !ok || task.State != models.TaskRetrying {
		return
	}
	task.State = models.TaskIdle
	e.taskLogger(task).Transition("upload_task_state", assetID,
		models.TaskRetrying.String(), models.TaskIdle.String())
	e.maybeStartNext()
}

func (e *Engine) handleNetEdge(status netmon.Status) {
	if status == netmon.Offline {
		// Force the pause regardless of an in-flight task; its outcome
		// will be recorded but must not resume the queue.
		e.setQueueState(Paused, PauseOffline)
		return
	}

	// Reconnected. Only an offline pause is lifted here; quota pauses
	// wait for their own re-evaluation.
	if e.qstate == Paused && e.reason == PauseOffline {
		if e.current != "" {
			e.setQueueState(Processing, PauseNone)
		} else {
			e.setQueueState(Idle, PauseNone)
		}
		e.maybeStartNext()
	}
}

// maybeStartNext promotes the first idle task to uploading when the queue
// can process. The quota gate is re-evaluated here on every call, never
// cached.
func (e *Engine) maybeStartNext() {
	if e.current != "" {
		return
	}
	if e.qstate == Paused && e.reason == PauseOffline {
		return
	}

	task := e.firstIdle()
	if task == nil {
		if e.qstate == Processing {
			e.setQueueState(Idle, PauseNone)
		}
		return
	}

	if e.network.Status() == netmon.Offline {
		e.setQueueState(Paused, PauseOffline)
		return
	}

	count, err := e.store.CountRecentUploads(e.userID, e.quotaWindow)
	if err != nil {
		e.logger.WithError(err).Error("Quota check failed")
		return
	}
	if count >= e.quotaMax {
		e.setQueueState(Paused, PauseQuota)
		return
	}

	if e.qstate == Paused && e.reason == PauseQuota {
		e.setQueueState(Idle, PauseNone)
	}

	task.State = models.TaskUploading
	e.current = task.AssetID
	e.setQueueState(Processing, PauseNone)

	e.taskLogger(task).Transition("upload_task_state", task.AssetID,
		models.TaskIdle.String(), models.TaskUploading.String())

	go e.runUpload(*task, e.userID)
}

func (e *Engine) firstIdle() *models.UploadTask {
	for _, id := range e.order {
		if task := e.tasks[id]; task != nil && task.State == models.TaskIdle {
			return task
		}
	}
	return nil
}

// runUpload performs the presign and binary upload off the loop goroutine.
// The idempotency token rides every presign retry of the same task, so an
// ambiguous failure never duplicates remote state.
func (e *Engine) runUpload(task models.UploadTask, userID string) {
	key, err := e.uploadOnce(task, userID)
	e.post(message{kind: msgTaskDone, assetID: task.AssetID, key: key, err: err})
}

func (e *Engine) uploadOnce(task models.UploadTask, userID string) (string, error) {
	fileName := filepath.Base(task.LocalPath)

	baseCtx := events.WithTraceID(context.Background(), task.TraceToken)

	presignCtx, cancel := context.WithTimeout(baseCtx, e.controlTimeout)
	defer cancel()

	target, err := e.remote.Presign(presignCtx, userID, fileName, task.IdempotencyToken)
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}

	blob, err := os.ReadFile(task.LocalPath)
	if err != nil {
		return "", fmt.Errorf("read local file: %w", err)
	}

	uploadCtx, cancel := context.WithTimeout(baseCtx, e.uploadTimeout)
	defer cancel()

	if err := e.uploader.UploadBinary(uploadCtx, target, blob); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	return target.Key, nil
}

func (e *Engine) setQueueState(next State, reason PauseReason) {
	if e.qstate == next && e.reason == reason {
		return
	}
	from := e.describeQueueState()
	e.qstate = next
	e.reason = reason
	e.logger.Transition("upload_queue_state", "queue", from, e.describeQueueState())
}

func (e *Engine) describeQueueState() string {
	if e.qstate == Paused {
		return fmt.Sprintf("paused(%s)", e.reason)
	}
	return e.qstate.String()
}

func (e *Engine) snapshot() Snapshot {
	snap := Snapshot{
		State:   e.qstate,
		Reason:  e.reason,
		Current: e.current,
	}
	for _, id := range e.order {
		if task := e.tasks[id]; task != nil {
			snap.Tasks = append(snap.Tasks, *task)
		}
	}
	return snap
}

func (e *Engine) removeFromOrder(assetID string) {
	for i, id := range e.order {
		if id == assetID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return
		}
	}
}

func (e *Engine) taskLogger(task *models.UploadTask) *events.Logger {
	return e.logger.WithField("trace_id", task.TraceToken)
}
