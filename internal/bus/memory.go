package bus

import "sync"

// Memory is an in-process Bus. Multiple instance coordinators attach to the
// same Memory value; delivery is synchronous in Publish's goroutine.
type Memory struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Handler
	closed bool
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]Handler)}
}

// Publish delivers msg to every subscriber, including any registered by the
// publisher itself.
func (m *Memory) Publish(msg Message) error {
	if msg.TS == 0 {
		msg.TS = nowMillis()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// Subscribe registers h and returns its unsubscribe function.
func (m *Memory) Subscribe(h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Close drops all subscribers and rejects further publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[int]Handler)
	return nil
}
