package presence

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/a-velichko/draftcore/internal/bus"
)

func newTestTracker(t *testing.T, instanceID string, b *bus.Memory) *Tracker {
	t.Helper()

	tr, err := New(instanceID, b, slog.Default(), WithAnnounceInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New(%s): %v", instanceID, err)
	}
	return tr
}

func waitForCount(t *testing.T, tr *Tracker, projectID string, want int, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.InstanceCount(projectID) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s: count=%d, want %d", msg, tr.InstanceCount(projectID), want)
}

// countRecorder tracks the last notified instance count per project.
type countRecorder struct {
	mu    sync.Mutex
	last  map[string]int
	fired int
}

func newCountRecorder() *countRecorder {
	return &countRecorder{last: make(map[string]int)}
}

func (r *countRecorder) record(projectID string, instances int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[projectID] = instances
	r.fired++
}

func (r *countRecorder) lastFor(projectID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.last[projectID]
	return n, ok
}

func (r *countRecorder) firedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired
}

func TestTracker_LocalOpenCountsOne(t *testing.T) {
	b := bus.NewMemory()
	defer func() { _ = b.Close() }()

	tr := newTestTracker(t, "inst-a", b)
	defer tr.Close()

	if got := tr.InstanceCount("proj-1"); got != 0 {
		t.Fatalf("expected count 0 before open, got %d", got)
	}
	tr.NotifyProjectOpened("proj-1")
	if got := tr.InstanceCount("proj-1"); got != 1 {
		t.Fatalf("expected count 1 after open, got %d", got)
	}
	tr.NotifyProjectClosed("proj-1")
	if got := tr.InstanceCount("proj-1"); got != 0 {
		t.Fatalf("expected count 0 after close, got %d", got)
	}
}

func TestTracker_TwoInstancesSeeEachOther(t *testing.T) {
	b := bus.NewMemory()
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t1 := newTestTracker(t, "inst-a", b)
	t2 := newTestTracker(t, "inst-b", b)
	t1.Run(ctx)
	t2.Run(ctx)
	defer t1.Close()
	defer t2.Close()

	rec := newCountRecorder()
	t1.OnMultiTab(rec.record)

	t1.NotifyProjectOpened("proj-1")
	t2.NotifyProjectOpened("proj-1")

	waitForCount(t, t1, "proj-1", 2, "first instance did not see the second")
	waitForCount(t, t2, "proj-1", 2, "second instance did not see the first")

	if got, ok := rec.lastFor("proj-1"); !ok || got != 2 {
		t.Fatalf("expected multi-tab notification with count 2, got %d (fired=%v)", got, ok)
	}

	// Explicit close retracts the warning on the surviving instance.
	t2.NotifyProjectClosed("proj-1")
	waitForCount(t, t1, "proj-1", 1, "close was not observed")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := rec.lastFor("proj-1"); got == 1 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	got, _ := rec.lastFor("proj-1")
	t.Fatalf("expected retraction notification with count 1, got %d", got)
}

func TestTracker_VanishedInstanceIsReaped(t *testing.T) {
	b := bus.NewMemory()
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t1 := newTestTracker(t, "inst-a", b)
	t1.Run(ctx)
	defer t1.Close()

	t1.NotifyProjectOpened("proj-1")

	// The second window opens the project but never announces again, as if
	// it crashed without broadcasting a close.
	t2 := newTestTracker(t, "inst-b", b)
	t2.NotifyProjectOpened("proj-1")

	waitForCount(t, t1, "proj-1", 2, "second instance was not counted")
	waitForCount(t, t1, "proj-1", 1, "vanished instance was not reaped after its claim expired")
}

func TestTracker_DuplicateEventsAreIdempotent(t *testing.T) {
	b := bus.NewMemory()
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t1 := newTestTracker(t, "inst-a", b)
	t1.Run(ctx)
	defer t1.Close()

	t1.NotifyProjectOpened("proj-1")

	for i := 0; i < 3; i++ {
		err := b.Publish(bus.Message{
			Kind:       bus.KindProjectOpened,
			InstanceID: "inst-b",
			ProjectID:  "proj-1",
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	waitForCount(t, t1, "proj-1", 2, "replayed open events were double counted")
}

func TestTracker_CloseBroadcastsOpenProjects(t *testing.T) {
	b := bus.NewMemory()
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t1 := newTestTracker(t, "inst-a", b)
	t2 := newTestTracker(t, "inst-b", b)
	t1.Run(ctx)
	t2.Run(ctx)
	defer t1.Close()

	t1.NotifyProjectOpened("proj-1")
	t2.NotifyProjectOpened("proj-1")
	waitForCount(t, t1, "proj-1", 2, "instances did not see each other")

	t2.Close()
	waitForCount(t, t1, "proj-1", 1, "teardown close was not observed")
}

func TestTracker_OnMultiTabUnsubscribe(t *testing.T) {
	b := bus.NewMemory()
	defer func() { _ = b.Close() }()

	t1 := newTestTracker(t, "inst-a", b)
	defer t1.Close()

	rec := newCountRecorder()
	unsub := t1.OnMultiTab(rec.record)
	unsub()

	t1.NotifyProjectOpened("proj-1")
	if got := rec.firedCount(); got != 0 {
		t.Fatalf("unsubscribed callback fired %d times", got)
	}
}
