// Package saver serializes scene saves so writes to one scene never race,
// while saves for different scenes proceed independently. A failed persist
// falls back to an emergency backup and a user-facing alert; a persist that
// loses the race with scene deletion is swallowed silently.
//
// Each scene gets its own FIFO task queue drained by a worker goroutine, so
// ordering per scene is total and queues for different scenes never touch.
// Content is pulled from the producer when a task runs, not when it is
// scheduled, so whatever made it into the editor buffer while the task waited
// is what gets persisted.
package saver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/a-velichko/draftcore/internal/doc"
)

// Producer returns the scene content to persist. It is invoked on the worker
// goroutine at run time.
type Producer func() doc.Snapshot

// BackupWriter is the durable fallback consulted on the failure path.
type BackupWriter interface {
	SaveBackup(sceneID string, content doc.Snapshot) bool
}

// AlertSink receives user-facing save-failure notifications. Implementations
// must not block.
type AlertSink interface {
	SaveFailed(sceneID string, err error)
}

// Logger is the logging interface required by the Coordinator; *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ErrCoordinatorClosed is returned for saves scheduled after Close.
var ErrCoordinatorClosed = errors.New("saver: coordinator closed")

// ErrNilStore is returned when New is called with a nil document store.
var ErrNilStore = errors.New("saver: nil document store")

// ErrNilLogger is returned when New is called with a nil logger.
var ErrNilLogger = errors.New("saver: nil logger")

type task struct {
	producer Producer
	done     chan error
}

type sceneQueue struct {
	tasks []*task
}

// Coordinator owns the per-scene queues, the cancelled set, and the failure
// fallback. All state is constructor-injected; nothing here is process-global.
type Coordinator struct {
	mu        sync.Mutex
	queues    map[string]*sceneQueue
	cancelled map[string]struct{}
	closed    bool

	store   doc.Store
	backups BackupWriter
	alerts  AlertSink
	logger  Logger
	metrics Metrics
	tracer  tracer

	wg sync.WaitGroup
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// New builds a Coordinator. backups and alerts may be nil, in which case the
// failure path only logs.
func New(store doc.Store, backups BackupWriter, alerts AlertSink, logger Logger, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if logger == nil {
		return nil, ErrNilLogger
	}

	c := &Coordinator{
		queues:    make(map[string]*sceneQueue),
		cancelled: make(map[string]struct{}),
		store:     store,
		backups:   backups,
		alerts:    alerts,
		logger:    logger,
		metrics:   noopMetrics{},
		tracer:    newTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Result tracks one scheduled save until it settles.
type Result struct {
	done <-chan error
}

// Wait blocks until the save settles or ctx is cancelled. A skipped
// (cancelled-scene) save and a swallowed deleted-scene failure both settle
// with nil.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func settled(err error) *Result {
	ch := make(chan error, 1)
	ch <- err
	return &Result{done: ch}
}

// ScheduleSave appends a save for sceneID. Saves for the same scene persist
// strictly in the order they were scheduled; saves for distinct scenes never
// wait on each other.
func (c *Coordinator) ScheduleSave(sceneID string, producer Producer) *Result {
	if producer == nil {
		return settled(fmt.Errorf("saver: nil producer for scene %s", sceneID))
	}

	t := &task{producer: producer, done: make(chan error, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return settled(ErrCoordinatorClosed)
	}
	q, ok := c.queues[sceneID]
	if !ok {
		q = &sceneQueue{}
		c.queues[sceneID] = q
	}
	q.tasks = append(q.tasks, t)
	depth := c.queueDepthLocked()
	startWorker := !ok
	if startWorker {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	c.metrics.IncSaveScheduled()
	c.metrics.SetQueueDepth(depth)

	if startWorker {
		go c.drain(sceneID)
	}
	return &Result{done: t.done}
}

// drain runs saves for one scene until its queue empties, then removes the
// queue so IsSaving flips back to false.
func (c *Coordinator) drain(sceneID string) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		q := c.queues[sceneID]
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		_, skip := c.cancelled[sceneID]
		c.mu.Unlock()

		var err error
		if skip {
			c.metrics.IncSaveCancelled()
			c.logger.Debug("save skipped, scene cancelled", "scene_id", sceneID)
		} else {
			err = c.persist(sceneID, t.producer)
		}

		c.mu.Lock()
		finished := len(q.tasks) == 0
		if finished {
			delete(c.queues, sceneID)
		}
		depth := c.queueDepthLocked()
		c.mu.Unlock()

		c.metrics.SetQueueDepth(depth)

		// Settle after the queue bookkeeping so IsSaving is already false
		// for an observer woken by Wait.
		t.done <- err

		if finished {
			return
		}
	}
}

// persist pulls fresh content and writes it through. Failure taxonomy:
// a deleted scene is an expected race and is absorbed; everything else gets
// one backup attempt and one alert.
func (c *Coordinator) persist(sceneID string, producer Producer) error {
	ctx, span := c.tracer.startPersist(context.Background(), sceneID)
	defer span.End()

	start := time.Now()
	snap := producer()

	err := c.store.Update(ctx, sceneID, doc.Patch{
		Title:     &snap.Title,
		Body:      snap.Body,
		WordCount: &snap.WordCount,
	})

	switch {
	case err == nil:
		c.metrics.ObserveSaveDuration("ok", time.Since(start))
		c.logger.Debug("scene saved", "scene_id", sceneID, "word_count", snap.WordCount)
		return nil

	case errors.Is(err, doc.ErrNotFound):
		// The scene was deleted while this save waited in queue. Persisting
		// would resurrect it; alerting would tell the user about a race they
		// resolved on purpose.
		c.metrics.ObserveSaveDuration("deleted", time.Since(start))
		c.logger.Debug("save dropped, scene deleted", "scene_id", sceneID)
		return nil

	default:
		c.metrics.ObserveSaveDuration("error", time.Since(start))
		spanRecordError(span, err)
		c.fallback(ctx, sceneID, snap, err)
		return fmt.Errorf("saver: persist scene %s: %w", sceneID, err)
	}
}

func (c *Coordinator) fallback(ctx context.Context, sceneID string, snap doc.Snapshot, cause error) {
	c.logger.Error("scene save failed", "scene_id", sceneID, "error", cause)

	if c.backups != nil {
		_, span := c.tracer.startBackup(ctx, sceneID)
		ok := c.backups.SaveBackup(sceneID, snap)
		span.End()

		if ok {
			c.metrics.IncBackupWrite("ok")
		} else {
			c.metrics.IncBackupWrite("error")
			c.logger.Error("emergency backup also failed", "scene_id", sceneID)
		}
	}

	if c.alerts != nil {
		c.alerts.SaveFailed(sceneID, cause)
	}
}

// IsSaving reports whether sceneID has a save scheduled or in flight. It is
// true for the whole window between schedule and settle.
func (c *Coordinator) IsSaving(sceneID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.queues[sceneID]
	return ok
}

// CancelPendingSaves suppresses future persist attempts for sceneID. The
// check happens at the task boundary: an already-in-flight persist call is
// not aborted.
func (c *Coordinator) CancelPendingSaves(sceneID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[sceneID] = struct{}{}
}

// ClearCancelledScene re-enables saves for sceneID.
func (c *Coordinator) ClearCancelledScene(sceneID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancelled, sceneID)
}

// Close rejects new saves and waits for every queued save to settle. An
// in-flight persist is allowed to finish; there is no way to abort it.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Coordinator) queueDepthLocked() int {
	depth := 0
	for _, q := range c.queues {
		depth += len(q.tasks)
	}
	return depth
}
