// Package presence tracks which editor instances have a project open. Each
// instance broadcasts opened/closed events; everyone keeps a local view of
// the resulting membership and warns the UI when two or more windows hold the
// same project.
//
// The remote view is TTL-bound: open claims expire unless the owning instance
// re-announces them, so windows that vanish without closing are reaped
// automatically instead of overcounting forever.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"github.com/a-velichko/draftcore/internal/bus"
)

// Logger is the logging interface required by the Tracker; *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ErrNilBus is returned when New is called with a nil bus.
var ErrNilBus = errors.New("presence: nil bus")

// ErrNilLogger is returned when New is called with a nil logger.
var ErrNilLogger = errors.New("presence: nil logger")

// claim is one remote instance's statement about one project. Closed claims
// are kept as tombstones until the TTL culls them; writing a tombstone both
// records the close and refreshes nothing else.
type claim struct {
	InstanceID string
	ProjectID  string
	Open       bool
}

// Tracker maintains the open-project registry for one instance.
type Tracker struct {
	mu        sync.Mutex
	localOpen map[string]struct{}
	lastCount map[string]int
	subs      map[int]func(projectID string, instances int)
	nextSub   int
	started   bool
	closed    bool

	instanceID string
	bus        bus.Bus
	remote     *expiremap.ExpireMap[string, claim]
	unsub      func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     Logger

	announceInterval time.Duration
	newTicker        func(d time.Duration) *time.Ticker
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithAnnounceInterval sets how often open projects are re-broadcast. The
// remote claim TTL follows it (three intervals) so claims survive a couple
// of missed announcements before the owner is presumed gone.
func WithAnnounceInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.announceInterval = d
		}
	}
}

// New builds a Tracker for instanceID.
func New(instanceID string, b bus.Bus, logger Logger, opts ...Option) (*Tracker, error) {
	if b == nil {
		return nil, ErrNilBus
	}
	if logger == nil {
		return nil, ErrNilLogger
	}

	t := &Tracker{
		localOpen:        make(map[string]struct{}),
		lastCount:        make(map[string]int),
		subs:             make(map[int]func(string, int)),
		instanceID:       instanceID,
		bus:              b,
		logger:           logger,
		announceInterval: 2 * time.Second,
		newTicker:        time.NewTicker,
	}

	for _, opt := range opts {
		opt(t)
	}
	t.remote = expiremap.NewEx[string, claim](t.announceInterval, 3*t.announceInterval)

	return t, nil
}

// Run starts the announce/reap loop and subscribes to peer events.
func (t *Tracker) Run(ctx context.Context) {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.unsub = t.bus.Subscribe(t.receive)
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx)
	}()
}

// Close broadcasts a close for every locally open project and stops the
// tracker.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	started := t.started
	open := make([]string, 0, len(t.localOpen))
	for projectID := range t.localOpen {
		open = append(open, projectID)
	}
	t.localOpen = make(map[string]struct{})
	t.mu.Unlock()

	for _, projectID := range open {
		t.publish(bus.KindProjectClosed, projectID)
	}

	if !started {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.unsub()
}

// NotifyProjectOpened records that this instance opened projectID and tells
// the other instances.
func (t *Tracker) NotifyProjectOpened(projectID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.localOpen[projectID] = struct{}{}
	t.mu.Unlock()

	t.publish(bus.KindProjectOpened, projectID)
	t.recomputeAndNotify()
}

// NotifyProjectClosed records that this instance closed projectID and tells
// the other instances. Must be called on view teardown.
func (t *Tracker) NotifyProjectClosed(projectID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.localOpen, projectID)
	t.mu.Unlock()

	t.publish(bus.KindProjectClosed, projectID)
	t.recomputeAndNotify()
}

// InstanceCount returns how many live instances currently have projectID
// open, this one included.
func (t *Tracker) InstanceCount(projectID string) int {
	t.mu.Lock()
	_, local := t.localOpen[projectID]
	t.mu.Unlock()

	n := 0
	if local {
		n = 1
	}
	t.remote.Range(func(_ string, c claim) bool {
		if c.Open && c.ProjectID == projectID {
			n++
		}
		return true
	})
	return n
}

// OpenProjects returns the last computed instance count per project. Projects
// with no remaining instances are absent.
func (t *Tracker) OpenProjects() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, len(t.lastCount))
	for projectID, n := range t.lastCount {
		if n > 0 {
			out[projectID] = n
		}
	}
	return out
}

// OnMultiTab registers cb, fired with the current instance count every time
// the count for a project changes. Returns an unsubscribe function.
func (t *Tracker) OnMultiTab(cb func(projectID string, instances int)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	t.subs[id] = cb

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// receive applies peer opened/closed events. Events are idempotent: claims
// are keyed by instance and project, so replays and duplicates collapse.
func (t *Tracker) receive(msg bus.Message) {
	if msg.InstanceID == t.instanceID {
		return
	}
	switch msg.Kind {
	case bus.KindProjectOpened:
		t.remote.Set(claimKey(msg.InstanceID, msg.ProjectID), claim{
			InstanceID: msg.InstanceID,
			ProjectID:  msg.ProjectID,
			Open:       true,
		})
	case bus.KindProjectClosed:
		t.remote.Set(claimKey(msg.InstanceID, msg.ProjectID), claim{
			InstanceID: msg.InstanceID,
			ProjectID:  msg.ProjectID,
		})
	default:
		return
	}
	t.recomputeAndNotify()
}

// run re-announces open projects so peers keep our claims alive, and
// recomputes counts so expired remote claims surface as count drops.
func (t *Tracker) run(ctx context.Context) {
	ticker := t.newTicker(t.announceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			open := make([]string, 0, len(t.localOpen))
			for projectID := range t.localOpen {
				open = append(open, projectID)
			}
			t.mu.Unlock()

			for _, projectID := range open {
				t.publish(bus.KindProjectOpened, projectID)
			}
			t.recomputeAndNotify()
		}
	}
}

// recomputeAndNotify diffs current per-project counts against the last
// notified ones and fires subscribers for each change, including drops back
// to one or zero so the UI can retract its warning.
func (t *Tracker) recomputeAndNotify() {
	counts := make(map[string]int)
	t.mu.Lock()
	for projectID := range t.localOpen {
		counts[projectID]++
	}
	t.mu.Unlock()

	t.remote.Range(func(_ string, c claim) bool {
		if c.Open {
			counts[c.ProjectID]++
		}
		return true
	})

	type change struct {
		projectID string
		instances int
	}

	t.mu.Lock()
	var changes []change
	for projectID, n := range counts {
		if t.lastCount[projectID] != n {
			changes = append(changes, change{projectID, n})
		}
	}
	for projectID := range t.lastCount {
		if _, ok := counts[projectID]; !ok {
			changes = append(changes, change{projectID, 0})
		}
	}
	t.lastCount = counts
	subs := make([]func(string, int), 0, len(t.subs))
	for _, cb := range t.subs {
		subs = append(subs, cb)
	}
	t.mu.Unlock()

	for _, ch := range changes {
		t.logger.Debug("open instance count changed",
			"instance_id", t.instanceID,
			"project_id", ch.projectID,
			"instances", ch.instances,
		)
		for _, cb := range subs {
			cb(ch.projectID, ch.instances)
		}
	}
}

func (t *Tracker) publish(kind bus.Kind, projectID string) {
	err := t.bus.Publish(bus.Message{
		Kind:       kind,
		InstanceID: t.instanceID,
		ProjectID:  projectID,
	})
	if err != nil {
		t.logger.Debug("broadcast failed",
			"instance_id", t.instanceID,
			"kind", string(kind),
			"project_id", projectID,
			"error", err,
		)
	}
}

func claimKey(instanceID, projectID string) string {
	return instanceID + "/" + projectID
}
