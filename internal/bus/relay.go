package bus

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Relay broadcasts over a loopback websocket hub. The first instance to bind
// the relay address becomes the hub and forwards every frame to all other
// connections; later instances attach as clients. When the hub instance
// exits, its clients drop and race to rebind, so whoever wins becomes the
// next hub. Frames in flight during a hub handover are lost, which the
// protocol tolerates.
type Relay struct {
	addr   string
	logger Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]Handler
	conns  map[*relayConn]struct{} // hub mode: attached clients
	client *relayConn              // client mode: connection to the hub
	srv    *http.Server
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

type relayConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *relayConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *relayConn) close() {
	_ = c.ws.Close()
}

// NewRelay attaches to (or establishes) the hub at addr, e.g. "127.0.0.1:7351".
func NewRelay(addr string, logger Logger) (*Relay, error) {
	r := &Relay{
		addr:   addr,
		logger: logger,
		subs:   make(map[int]Handler),
		conns:  make(map[*relayConn]struct{}),
		done:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.connectLoop()

	return r, nil
}

// Publish delivers msg locally and forwards it to every reachable peer.
// While the relay is between hubs the message reaches local subscribers only.
func (r *Relay) Publish(msg Message) error {
	if msg.TS == 0 {
		msg.TS = nowMillis()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	client := r.client
	peers := make([]*relayConn, 0, len(r.conns))
	for c := range r.conns {
		peers = append(peers, c)
	}
	r.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	r.dispatch(msg)

	if client != nil {
		if err := client.write(data); err != nil {
			r.logger.Debug("relay publish to hub failed", "error", err)
		}
		return nil
	}
	for _, c := range peers {
		if err := c.write(data); err != nil {
			r.logger.Debug("relay publish to client failed", "error", err)
		}
	}
	return nil
}

// Subscribe registers h and returns its unsubscribe function.
func (r *Relay) Subscribe(h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.subs[id] = h

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// Close detaches from the hub, or shuts the hub down if this instance is it.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	srv := r.srv
	client := r.client
	conns := make([]*relayConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	close(r.done)
	if client != nil {
		client.close()
	}
	for _, c := range conns {
		c.close()
	}
	if srv != nil {
		_ = srv.Close()
	}
	r.wg.Wait()
	return nil
}

func (r *Relay) dispatch(msg Message) {
	r.mu.Lock()
	handlers := make([]Handler, 0, len(r.subs))
	for _, h := range r.subs {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (r *Relay) connectLoop() {
	defer r.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0 // keep trying for the life of the instance

	for {
		select {
		case <-r.done:
			return
		default:
		}

		if r.runClient() {
			bo.Reset()
			continue
		}
		if r.runHub() {
			bo.Reset()
			continue
		}

		select {
		case <-r.done:
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// runClient attaches to an existing hub and blocks until the connection
// drops. Returns false if no hub was reachable.
func (r *Relay) runClient() bool {
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+r.addr+"/bus", nil)
	if err != nil {
		return false
	}

	conn := &relayConn{ws: ws}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.close()
		return true
	}
	r.client = conn
	r.mu.Unlock()

	r.logger.Debug("relay attached to hub", "addr", r.addr)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		r.dispatch(msg)
	}

	r.mu.Lock()
	r.client = nil
	r.mu.Unlock()
	conn.close()

	r.logger.Debug("relay hub connection lost", "addr", r.addr)
	return true
}

// runHub binds the relay address and serves peers until Close. Returns false
// if the address is already taken (another instance won the bind race).
func (r *Relay) runHub() bool {
	listener, err := net.Listen("tcp", r.addr)
	if err != nil {
		return false
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true }, // loopback only
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bus", func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.serveClient(&relayConn{ws: ws})
	})

	srv := &http.Server{Handler: mux}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = listener.Close()
		return true
	}
	r.srv = srv
	r.mu.Unlock()

	r.logger.Info("relay hub started", "addr", r.addr)
	_ = srv.Serve(listener)

	r.mu.Lock()
	r.srv = nil
	for c := range r.conns {
		c.close()
	}
	r.conns = make(map[*relayConn]struct{})
	r.mu.Unlock()

	select {
	case <-r.done:
	default:
		r.logger.Warn("relay hub stopped unexpectedly", "addr", r.addr)
	}
	return true
}

// serveClient reads frames from one attached instance, delivering each
// locally and relaying it to every other attached instance.
func (r *Relay) serveClient(conn *relayConn) {
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		conn.close()
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		r.dispatch(msg)

		r.mu.Lock()
		peers := make([]*relayConn, 0, len(r.conns))
		for c := range r.conns {
			if c != conn {
				peers = append(peers, c)
			}
		}
		r.mu.Unlock()

		for _, c := range peers {
			if err := c.write(data); err != nil {
				r.logger.Debug("relay forward failed", "error", err)
			}
		}
	}
}
