package upload

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/burugo/eventsync"
	"github.com/burugo/eventsync/internal/locker"
)

// --- Manager Constants ---

const (
	// DefaultChunkSize is the transfer unit; resumable storage endpoints expect 6 MiB chunks.
	DefaultChunkSize int64 = 6 * 1024 * 1024
	// DefaultChunkTimeout bounds one chunk attempt.
	DefaultChunkTimeout = 60 * time.Second
	// DefaultCompletedGrace is how long a completed task stays queryable before removal.
	DefaultCompletedGrace = 5 * time.Second
)

// Options configures a Manager. Zero values fall back to the package defaults.
type Options struct {
	ChunkSize      int64
	ChunkTimeout   time.Duration
	CompletedGrace time.Duration
	// RetryDelays is the wait before each chunk retry. Nil means DefaultRetryDelays.
	RetryDelays []time.Duration
	// Tokens supplies bearer tokens; nil sends no token.
	Tokens TokenSource
	// Open opens task sources. Nil means OpenFile.
	Open Opener
	Now  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = DefaultChunkTimeout
	}
	if o.CompletedGrace <= 0 {
		o.CompletedGrace = DefaultCompletedGrace
	}
	if o.RetryDelays == nil {
		o.RetryDelays = DefaultRetryDelays
	}
	if o.Open == nil {
		o.Open = OpenFile
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Callbacks receive task updates. They run on the task's worker goroutine and must not block.
type Callbacks struct {
	OnProgress func(taskID string, progress float64)
	OnSuccess  func(taskID, url string)
	OnError    func(taskID string, err error)
}

func (c Callbacks) isZero() bool {
	return c.OnProgress == nil && c.OnSuccess == nil && c.OnError == nil
}

// Manager owns the upload queue: it persists every task, runs at most one transfer
// worker per task and resumes unfinished tasks after a restart.
type Manager struct {
	store    eventsync.PersistentStore
	endpoint Endpoint
	opts     Options

	transitions *locker.KeyedMutex // linearizes enqueue/pause/resume/cancel/recovery per task
	writes      *locker.KeyedMutex // linearizes store writes per task

	mu          sync.Mutex
	tasks       map[string]*taskState
	graceTimers map[string]*time.Timer
	started     bool
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type taskState struct {
	task      Task
	callbacks []Callbacks
	worker    *worker
	changed   chan struct{} // closed and replaced on every update
	removed   bool
}

// worker is one running transfer. Cancelling its context aborts the chunk in flight.
type worker struct {
	ctx       context.Context
	cancel    context.CancelFunc
	pause     chan struct{}
	pauseOnce sync.Once
	canceled  atomic.Bool
	done      chan struct{}
}

func (w *worker) requestPause() { w.pauseOnce.Do(func() { close(w.pause) }) }

func (w *worker) pauseRequested() bool {
	select {
	case <-w.pause:
		return true
	default:
		return false
	}
}

// New creates a Manager. Call Start to recover the persisted queue.
func New(store eventsync.PersistentStore, endpoint Endpoint, opts Options) (*Manager, error) {
	if store == nil {
		return nil, &eventsync.ValidationError{Field: "store", Reason: "must not be nil"}
	}
	if endpoint == nil {
		return nil, &eventsync.ValidationError{Field: "endpoint", Reason: "must not be nil"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:       store,
		endpoint:    endpoint,
		opts:        opts.withDefaults(),
		transitions: locker.New(),
		writes:      locker.New(),
		tasks:       make(map[string]*taskState),
		graceTimers: make(map[string]*time.Timer),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start loads the persisted queue. Pending and uploading tasks are resumed from the
// offset the remote reports; paused and failed tasks are loaded but left alone;
// completed leftovers are removed. Calling Start again is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return eventsync.ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	keys, err := m.store.Keys(ctx, taskKeyPrefix)
	if err != nil {
		return &eventsync.PersistenceError{Op: "keys", Key: taskKeyPrefix, Err: err}
	}
	resumed := 0
	for _, key := range keys {
		if m.recoverTask(ctx, strings.TrimPrefix(key, taskKeyPrefix)) {
			resumed++
		}
	}
	log.Printf("DEBUG: Upload queue recovered %d task records, resumed %d", len(keys), resumed)
	return nil
}

func (m *Manager) recoverTask(ctx context.Context, id string) bool {
	m.transitions.Lock(id)
	defer m.transitions.Unlock(id)

	m.mu.Lock()
	_, known := m.tasks[id]
	m.mu.Unlock()
	if known {
		return false
	}

	data, err := m.store.Get(ctx, taskKey(id))
	if err != nil {
		log.Printf("WARN: %v", &eventsync.PersistenceError{Op: "get", Key: taskKey(id), Err: err})
		return false
	}
	task, err := decodeTask(data)
	if err != nil {
		log.Printf("WARN: Dropping unreadable upload record '%s': %v", id, err)
		m.removeRecord(ctx, id)
		return false
	}

	switch task.Status {
	case StatusCompleted:
		m.removeRecord(ctx, id)
		return false
	case StatusPaused, StatusFailed:
		m.register(task, Callbacks{})
		return false
	case StatusPending, StatusUploading:
		ts := m.register(task, Callbacks{})
		m.update(ts, func(t *Task) { t.Status = StatusUploading })
		m.persist(ctx, id)
		m.startWorker(ts)
		log.Printf("DEBUG: Resuming upload %s (%d/%d bytes recorded)", id, task.BytesSent, task.TotalBytes)
		return true
	default:
		log.Printf("WARN: Upload record '%s' has unknown status '%s', marking it failed", id, task.Status)
		ts := m.register(task, Callbacks{})
		m.update(ts, func(t *Task) {
			t.Status = StatusFailed
			t.LastError = fmt.Sprintf("unknown status %q", task.Status)
		})
		m.persist(ctx, id)
		return false
	}
}

// Enqueue validates the request, records a new task and starts uploading it.
// It returns the task id.
func (m *Manager) Enqueue(ctx context.Context, sourceURI string, dest Destination, callbacks Callbacks) (string, error) {
	if strings.TrimSpace(sourceURI) == "" {
		return "", &eventsync.ValidationError{Field: "sourceURI", Reason: "must not be empty"}
	}
	if strings.TrimSpace(dest.Container) == "" {
		return "", &eventsync.ValidationError{Field: "destination.container", Reason: "must not be empty"}
	}
	if strings.TrimSpace(dest.ObjectName) == "" {
		return "", &eventsync.ValidationError{Field: "destination.objectName", Reason: "must not be empty"}
	}
	if m.isClosed() {
		return "", eventsync.ErrClosed
	}

	src, err := m.opts.Open(sourceURI)
	if err != nil {
		return "", &eventsync.ValidationError{Field: "sourceURI", Reason: err.Error()}
	}
	size := src.Size()
	src.Close()
	if size < 0 {
		return "", &eventsync.ValidationError{Field: "sourceURI", Reason: "source size is unknown"}
	}

	now := m.opts.Now()
	task := Task{
		ID:          uuid.NewString(),
		SourceURI:   sourceURI,
		Destination: dest,
		Status:      StatusPending,
		TotalBytes:  uint64(size),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.transitions.Lock(task.ID)
	defer m.transitions.Unlock(task.ID)

	ts := m.register(task, callbacks)
	m.persist(ctx, task.ID)
	m.update(ts, func(t *Task) { t.Status = StatusUploading })
	m.persist(ctx, task.ID)
	m.startWorker(ts)
	log.Printf("DEBUG: Enqueued upload %s (%d bytes) to %s/%s", task.ID, size, dest.Container, dest.ObjectName)
	return task.ID, nil
}

// Pause stops the task after the chunk in flight is acknowledged. If ctx ends first
// the chunk is aborted. The remote session is kept for Resume.
func (m *Manager) Pause(ctx context.Context, id string) (Task, error) {
	m.transitions.Lock(id)
	defer m.transitions.Unlock(id)

	m.mu.Lock()
	ts, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("pause %s: %w", id, eventsync.ErrTaskNotFound)
	}
	switch ts.task.Status {
	case StatusPaused:
		task := ts.task
		m.mu.Unlock()
		return task, nil
	case StatusPending, StatusUploading:
	default:
		status := ts.task.Status
		m.mu.Unlock()
		return Task{}, fmt.Errorf("pause %s while %s: %w", id, status, eventsync.ErrInvalidTransition)
	}
	w := ts.worker
	if w == nil {
		m.updateLocked(ts, func(t *Task) { t.Status = StatusPaused })
		m.mu.Unlock()
		m.persist(ctx, id)
		return m.snapshot(ts), nil
	}
	m.mu.Unlock()

	w.requestPause()
	select {
	case <-w.done:
	case <-ctx.Done():
		log.Printf("WARN: Pause of upload %s timed out, aborting the chunk in flight", id)
		w.cancel()
		<-w.done
	}
	return m.snapshot(ts), nil
}

// Resume restarts a paused or failed task from the offset the remote reports.
func (m *Manager) Resume(ctx context.Context, id string) (Task, error) {
	return m.restart(ctx, id, false)
}

// Retry is Resume that also clears the task's last error.
func (m *Manager) Retry(ctx context.Context, id string) (Task, error) {
	return m.restart(ctx, id, true)
}

func (m *Manager) restart(ctx context.Context, id string, clearError bool) (Task, error) {
	m.transitions.Lock(id)
	defer m.transitions.Unlock(id)

	if m.isClosed() {
		return Task{}, eventsync.ErrClosed
	}
	m.mu.Lock()
	ts, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("resume %s: %w", id, eventsync.ErrTaskNotFound)
	}
	if ts.task.Status != StatusPaused && ts.task.Status != StatusFailed {
		status := ts.task.Status
		m.mu.Unlock()
		return Task{}, fmt.Errorf("resume %s while %s: %w", id, status, eventsync.ErrInvalidTransition)
	}
	m.updateLocked(ts, func(t *Task) {
		t.Status = StatusUploading
		if clearError {
			t.LastError = ""
		}
	})
	m.mu.Unlock()

	m.persist(ctx, id)
	m.startWorker(ts)
	return m.snapshot(ts), nil
}

// Cancel aborts the task immediately and forgets it. Data already sent to the
// remote is left there.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	// Abort the chunk before queueing on the task lock so a pending Pause returns promptly.
	m.mu.Lock()
	if ts, ok := m.tasks[id]; ok && ts.worker != nil {
		ts.worker.canceled.Store(true)
		ts.worker.cancel()
	}
	m.mu.Unlock()

	m.transitions.Lock(id)
	defer m.transitions.Unlock(id)

	m.mu.Lock()
	ts, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, eventsync.ErrTaskNotFound)
	}
	delete(m.tasks, id)
	ts.removed = true
	if w := ts.worker; w != nil {
		w.canceled.Store(true)
		w.cancel()
	}
	if t, ok := m.graceTimers[id]; ok {
		if t.Stop() {
			m.wg.Done()
		}
		delete(m.graceTimers, id)
	}
	m.broadcastLocked(ts)
	m.mu.Unlock()

	m.removeRecord(ctx, id)
	log.Printf("DEBUG: Canceled upload %s", id)
	return nil
}

// Get returns a snapshot of the task.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return ts.task, true
}

// ListActive returns every task that has not completed, oldest first.
func (m *Manager) ListActive() []Task {
	m.mu.Lock()
	out := make([]Task, 0, len(m.tasks))
	for _, ts := range m.tasks {
		if ts.task.Status != StatusCompleted {
			out = append(out, ts.task)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Attach adds callbacks to a known task, typically one recovered by Start.
func (m *Manager) Attach(id string, callbacks Callbacks) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("attach %s: %w", id, eventsync.ErrTaskNotFound)
	}
	if !callbacks.isZero() {
		ts.callbacks = append(ts.callbacks, callbacks)
	}
	return nil
}

// Wait blocks until the task completes or fails. A failed task is returned with a
// TerminalUploadError; a canceled task with ErrTaskNotFound.
func (m *Manager) Wait(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	ts, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return Task{}, fmt.Errorf("wait %s: %w", id, eventsync.ErrTaskNotFound)
	}
	for {
		m.mu.Lock()
		task, removed, changed := ts.task, ts.removed, ts.changed
		m.mu.Unlock()
		switch {
		case task.IsFinished():
			if task.Status == StatusFailed {
				return task, &eventsync.TerminalUploadError{TaskID: id, Err: errors.New(task.LastError)}
			}
			return task, nil
		case removed:
			return task, fmt.Errorf("upload %s was canceled: %w", id, eventsync.ErrTaskNotFound)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return task, ctx.Err()
		case <-m.ctx.Done():
			return task, eventsync.ErrClosed
		}
	}
}

// Close stops every worker without touching persisted status, so the next process
// resumes the same tasks.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	timers := m.graceTimers
	m.graceTimers = make(map[string]*time.Timer)
	m.mu.Unlock()

	m.cancel()
	for _, t := range timers {
		if t.Stop() {
			m.wg.Done()
		}
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) register(task Task, callbacks Callbacks) *taskState {
	ts := &taskState{task: task, changed: make(chan struct{})}
	if !callbacks.isZero() {
		ts.callbacks = append(ts.callbacks, callbacks)
	}
	m.mu.Lock()
	m.tasks[task.ID] = ts
	m.mu.Unlock()
	return ts
}

func (m *Manager) update(ts *taskState, fn func(t *Task)) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateLocked(ts, fn)
	return ts.task
}

// updateLocked applies fn and wakes Wait callers. m.mu must be held.
func (m *Manager) updateLocked(ts *taskState, fn func(t *Task)) {
	fn(&ts.task)
	ts.task.UpdatedAt = m.opts.Now()
	m.broadcastLocked(ts)
}

func (m *Manager) broadcastLocked(ts *taskState) {
	close(ts.changed)
	ts.changed = make(chan struct{})
}

func (m *Manager) snapshot(ts *taskState) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ts.task
}

func (m *Manager) callbacksOf(ts *taskState) []Callbacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Callbacks(nil), ts.callbacks...)
}

// persist writes the task's current state. Writes are serialized per task and read
// the state inside the critical section, so a later write never carries older state.
func (m *Manager) persist(ctx context.Context, id string) {
	m.writes.With(id, func() {
		m.mu.Lock()
		ts, ok := m.tasks[id]
		var task Task
		if ok {
			task = ts.task
		}
		m.mu.Unlock()
		if !ok {
			return
		}
		data, err := encodeTask(task)
		if err != nil {
			log.Printf("ERROR: %v", err)
			return
		}
		if err := m.store.Set(ctx, taskKey(id), data); err != nil {
			log.Printf("WARN: %v", &eventsync.PersistenceError{Op: "set", Key: taskKey(id), Err: err})
		}
	})
}

func (m *Manager) removeRecord(ctx context.Context, id string) {
	m.writes.With(id, func() {
		if err := m.store.Remove(ctx, taskKey(id)); err != nil && !errors.Is(err, eventsync.ErrNotFound) {
			log.Printf("WARN: %v", &eventsync.PersistenceError{Op: "remove", Key: taskKey(id), Err: err})
		}
	})
}

func (m *Manager) startWorker(ts *taskState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts.worker != nil || m.closed || ts.removed {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	w := &worker{ctx: ctx, cancel: cancel, pause: make(chan struct{}), done: make(chan struct{})}
	ts.worker = w
	m.wg.Add(1)
	go m.run(ts, w)
}

func (m *Manager) run(ts *taskState, w *worker) {
	defer m.wg.Done()
	defer close(w.done)
	defer w.cancel()

	err := m.transfer(ts, w)
	m.finish(ts, w, err)
}

// finish records the outcome of a worker run and fires the callbacks.
func (m *Manager) finish(ts *taskState, w *worker, err error) {
	m.mu.Lock()
	if ts.worker == w {
		ts.worker = nil
	}
	id := ts.task.ID
	switch {
	case w.canceled.Load() || ts.removed:
		m.mu.Unlock()
		return
	case err == nil:
		m.updateLocked(ts, func(t *Task) {
			t.Status = StatusCompleted
			t.BytesSent = t.TotalBytes
			t.ResultURL = m.endpoint.PublicURL(t.Destination)
			t.LastError = ""
		})
	case w.pauseRequested():
		m.updateLocked(ts, func(t *Task) { t.Status = StatusPaused })
	case m.ctx.Err() != nil:
		m.mu.Unlock()
		log.Printf("DEBUG: Upload %s stopped by shutdown at %d bytes, will resume on next start", id, ts.task.BytesSent)
		return
	default:
		m.updateLocked(ts, func(t *Task) {
			t.Status = StatusFailed
			t.LastError = err.Error()
		})
	}
	task := ts.task
	m.mu.Unlock()

	// The manager context may already be cancelled by Close; the outcome must still be recorded.
	m.persist(context.Background(), id)
	callbacks := m.callbacksOf(ts)
	switch task.Status {
	case StatusCompleted:
		log.Printf("DEBUG: Upload %s completed: %s", id, task.ResultURL)
		m.scheduleRemoval(ts)
		for _, cb := range callbacks {
			if cb.OnSuccess != nil {
				cb.OnSuccess(id, task.ResultURL)
			}
		}
	case StatusPaused:
		log.Printf("DEBUG: Upload %s paused at %d/%d bytes", id, task.BytesSent, task.TotalBytes)
	case StatusFailed:
		log.Printf("ERROR: Upload %s failed: %v", id, err)
		terminal := &eventsync.TerminalUploadError{TaskID: id, Err: err}
		for _, cb := range callbacks {
			if cb.OnError != nil {
				cb.OnError(id, terminal)
			}
		}
	}
}

// scheduleRemoval drops a completed task from memory and the store after the grace delay.
func (m *Manager) scheduleRemoval(ts *taskState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	id := ts.task.ID
	m.wg.Add(1)
	m.graceTimers[id] = time.AfterFunc(m.opts.CompletedGrace, func() {
		defer m.wg.Done()
		m.mu.Lock()
		delete(m.graceTimers, id)
		if m.tasks[id] != ts || ts.task.Status != StatusCompleted {
			m.mu.Unlock()
			return
		}
		delete(m.tasks, id)
		ts.removed = true
		m.mu.Unlock()
		m.removeRecord(context.Background(), id)
	})
}

// setProgress records the acknowledged offset and reports it.
func (m *Manager) setProgress(ts *taskState, offset uint64) {
	m.mu.Lock()
	if ts.removed {
		m.mu.Unlock()
		return
	}
	m.updateLocked(ts, func(t *Task) { t.BytesSent = offset })
	task := ts.task
	m.mu.Unlock()

	m.persist(m.ctx, task.ID)
	progress := task.Progress()
	for _, cb := range m.callbacksOf(ts) {
		if cb.OnProgress != nil {
			cb.OnProgress(task.ID, progress)
		}
	}
}
