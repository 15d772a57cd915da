package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
)

// Logger is the logging interface required by the file and websocket
// transports; *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Spool broadcasts by dropping one JSON file per message into a directory
// shared by all instances and watching that directory with fsnotify. Files
// are written to a dot-prefixed temp name and renamed into place so watchers
// never observe partial messages. Each instance periodically sweeps its own
// aged files; a crashed instance's leftovers are swept by nobody, which is
// harmless because watchers only react to create events.
type Spool struct {
	dir        string
	instanceID string
	logger     Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]Handler
	seq    uint64
	closed bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	sweepInterval time.Duration
	maxAge        time.Duration
}

// NewSpool creates the spool directory if needed, starts watching it, and
// returns the attached bus.
func NewSpool(dir, instanceID string, logger Logger) (*Spool, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("bus: spool dir is required")
	}
	if strings.TrimSpace(instanceID) == "" {
		return nil, fmt.Errorf("bus: instance id is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("bus: nil logger")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bus: create spool dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("bus: start watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("bus: watch spool dir: %w", err)
	}

	s := &Spool{
		dir:           dir,
		instanceID:    instanceID,
		logger:        logger,
		subs:          make(map[int]Handler),
		watcher:       watcher,
		done:          make(chan struct{}),
		sweepInterval: 10 * time.Second,
		maxAge:        time.Minute,
	}

	s.wg.Add(2)
	go s.watchLoop()
	go s.sweepLoop()

	return s, nil
}

// Publish writes the message file and renames it into place.
func (s *Spool) Publish(msg Message) error {
	if msg.TS == 0 {
		msg.TS = nowMillis()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: encode message: %w", err)
	}

	name := fmt.Sprintf("%020d.%06d.%s.json", time.Now().UnixNano(), seq, s.instanceID)
	tmp := filepath.Join(s.dir, "."+name)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("bus: write message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("bus: publish message: %w", err)
	}
	return nil
}

// Subscribe registers h and returns its unsubscribe function.
func (s *Spool) Subscribe(h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = h

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Close stops watching and sweeping. Message files already written stay on
// disk until their writers sweep them or the spool directory is cleared.
func (s *Spool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *Spool) watchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			base := filepath.Base(ev.Name)
			if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
				continue
			}
			s.dispatchFile(ev.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("spool watcher error", "dir", s.dir, "error", err)
		}
	}
}

func (s *Spool) dispatchFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// The writer may have swept it already; stale messages are droppable.
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("spool message undecodable, skipping", "file", filepath.Base(path), "error", err)
		return
	}

	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// sweepLoop deletes this instance's own messages once they are old enough
// that every live peer has seen the create event.
func (s *Spool) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepOwn()
		}
	}
}

func (s *Spool) sweepOwn() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("spool sweep failed", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().Add(-s.maxAge)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.Contains(name, s.instanceID) || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}
