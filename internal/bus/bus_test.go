package bus

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func (r *recorder) waitFor(t *testing.T, n int, timeout time.Duration) []Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msgs := r.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %d", n, len(r.messages()))
	return nil
}

func TestMemory_DeliversToAllSubscribersIncludingSender(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var a, b recorder
	unsubA := m.Subscribe(a.handle)
	defer unsubA()
	unsubB := m.Subscribe(b.handle)
	defer unsubB()

	if err := m.Publish(Message{Kind: KindLeaderAnnounce, InstanceID: "i-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for name, rec := range map[string]*recorder{"a": &a, "b": &b} {
		msgs := rec.messages()
		if len(msgs) != 1 {
			t.Fatalf("subscriber %s: expected 1 message, got %d", name, len(msgs))
		}
		if msgs[0].Kind != KindLeaderAnnounce || msgs[0].InstanceID != "i-1" {
			t.Fatalf("subscriber %s: unexpected message %+v", name, msgs[0])
		}
		if msgs[0].TS == 0 {
			t.Fatalf("subscriber %s: expected TS to be stamped", name)
		}
	}
}

func TestMemory_Unsubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var rec recorder
	unsub := m.Subscribe(rec.handle)
	unsub()

	if err := m.Publish(Message{Kind: KindLeaderHeartbeat, InstanceID: "i-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := len(rec.messages()); got != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", got)
	}
}

func TestMemory_PublishAfterClose(t *testing.T) {
	m := NewMemory()
	_ = m.Close()

	if err := m.Publish(Message{Kind: KindLeaderHeartbeat}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSpool_CrossInstanceDelivery(t *testing.T) {
	dir := t.TempDir()

	a, err := NewSpool(dir, "instance-a", testLogger())
	if err != nil {
		t.Fatalf("spool a: %v", err)
	}
	defer a.Close()

	b, err := NewSpool(dir, "instance-b", testLogger())
	if err != nil {
		t.Fatalf("spool b: %v", err)
	}
	defer b.Close()

	var onB recorder
	unsub := b.Subscribe(onB.handle)
	defer unsub()

	err = a.Publish(Message{Kind: KindProjectOpened, InstanceID: "instance-a", ProjectID: "novel-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs := onB.waitFor(t, 1, 5*time.Second)
	if msgs[0].Kind != KindProjectOpened || msgs[0].ProjectID != "novel-1" {
		t.Fatalf("unexpected message %+v", msgs[0])
	}
}

func TestSpool_IgnoresTempAndForeignFiles(t *testing.T) {
	dir := t.TempDir()

	s, err := NewSpool(dir, "instance-a", testLogger())
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	defer s.Close()

	var rec recorder
	unsub := s.Subscribe(rec.handle)
	defer unsub()

	// Dot-prefixed names are in-progress writes; non-json files are noise.
	if err := os.WriteFile(filepath.Join(dir, ".partial.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write noise: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := len(rec.messages()); got != 0 {
		t.Fatalf("expected no deliveries, got %d", got)
	}
}

func TestSpool_SweepRemovesOwnAgedFiles(t *testing.T) {
	dir := t.TempDir()

	s, err := NewSpool(dir, "instance-a", testLogger())
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	defer s.Close()

	if err := s.Publish(Message{Kind: KindLeaderHeartbeat, InstanceID: "instance-a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 message file, got %d", len(entries))
	}

	// Age the file past the sweep cutoff, then sweep directly.
	old := time.Now().Add(-2 * s.maxAge)
	path := filepath.Join(dir, entries[0].Name())
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	s.sweepOwn()

	entries, err = os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected swept dir, still have %d files", len(entries))
	}
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestRelay_HubAndClientExchange(t *testing.T) {
	addr := freePort(t)

	a, err := NewRelay(addr, testLogger())
	if err != nil {
		t.Fatalf("relay a: %v", err)
	}
	defer a.Close()

	b, err := NewRelay(addr, testLogger())
	if err != nil {
		t.Fatalf("relay b: %v", err)
	}
	defer b.Close()

	var onA, onB recorder
	unsubA := a.Subscribe(onA.handle)
	defer unsubA()
	unsubB := b.Subscribe(onB.handle)
	defer unsubB()

	// Wait until both sides are attached (one hub, one client), then publish
	// from each side and expect the other to observe it. Publishes before
	// attachment may be lost, so retry until delivery is seen.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = a.Publish(Message{Kind: KindLeaderHeartbeat, InstanceID: "a"})
		_ = b.Publish(Message{Kind: KindLeaderHeartbeat, InstanceID: "b"})

		if hasFrom(onA.messages(), "b") && hasFrom(onB.messages(), "a") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("relay never exchanged messages: a=%d b=%d", len(onA.messages()), len(onB.messages()))
}

func hasFrom(msgs []Message, instanceID string) bool {
	for _, m := range msgs {
		if m.InstanceID == instanceID {
			return true
		}
	}
	return false
}

func TestRelay_PublishAfterClose(t *testing.T) {
	r, err := NewRelay(freePort(t), testLogger())
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	_ = r.Close()

	if err := r.Publish(Message{Kind: KindLeaderHeartbeat}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func ExampleMemory() {
	m := NewMemory()
	defer m.Close()

	unsub := m.Subscribe(func(msg Message) {
		fmt.Println(msg.Kind, msg.InstanceID)
	})
	defer unsub()

	_ = m.Publish(Message{Kind: KindProjectOpened, InstanceID: "window-1", ProjectID: "novel"})
	// Output: project-opened window-1
}
