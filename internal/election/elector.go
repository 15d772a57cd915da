// Package election decides which editor instance is allowed to persist a
// project's changes. Among all windows open against the same local store,
// exactly one is elected leader; the rest follow and the UI gates their
// editing surfaces.
//
// The protocol is deliberately small: a starting instance announces itself
// and claims leadership if no heartbeat arrives within its election timeout;
// the leader heartbeats on a fixed interval; followers re-elect when the
// heartbeats stop or the leader steps down. Consistency is eventual, bounded
// by the heartbeat and timeout intervals.
//
// Claim collisions are resolved by instance id: the lexicographically lowest
// id wins and every other claimant immediately accepts follower status.
// Instance ids are unique and totally ordered, which wall-clock announce
// timestamps from separate processes are not.
package election

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/a-velichko/draftcore/internal/bus"
)

// Roles an instance moves through. Exposed for status surfaces; consumers
// that only need the leader/follower distinction use GetIsLeader.
const (
	StateCandidate = "candidate"
	StateLeader    = "leader"
	StateFollower  = "follower"
)

const (
	eventClaim   = "claim"   // candidate -> leader: election timeout with no leader heard
	eventDefer   = "defer"   // candidate -> follower: live leader or lower-id claimant observed
	eventTimeout = "timeout" // follower -> candidate: heartbeats stopped or leader stepped down
	eventYield   = "yield"   // leader -> follower: lost a claim collision
)

// Logger is the logging interface required by the Elector; *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ErrNilBus is returned when New is called with a nil bus.
var ErrNilBus = errors.New("election: nil bus")

// ErrNilLogger is returned when New is called with a nil logger.
var ErrNilLogger = errors.New("election: nil logger")

// Elector runs the leader election for one instance. It is an actor: state
// changes are driven only by received messages and timers, never by reading
// another instance's memory.
type Elector struct {
	mu       sync.Mutex
	isLeader bool
	subs     map[int]func(bool)
	nextSub  int
	started  bool
	closed   bool

	instanceID string
	bus        bus.Bus
	machine    *fsm.FSM
	inbox      chan bus.Message
	unsub      func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	logger  Logger
	metrics Metrics

	newTimer          timerFactory
	newTicker         tickerFactory
	electionTimeoutFn electionTimeoutFunc
	heartbeatInterval time.Duration
}

// Option customizes an Elector.
type Option func(*Elector)

// WithHeartbeatInterval sets how often the leader heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Elector) {
		if d > 0 {
			e.heartbeatInterval = d
		}
	}
}

// WithElectionTimeout sets the jittered window an instance waits for a
// heartbeat before claiming (candidate) or re-electing (follower).
func WithElectionTimeout(min, max time.Duration) Option {
	return func(e *Elector) {
		if min > 0 && max >= min {
			e.electionTimeoutFn = randomTimeout(min, max)
		}
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Elector) {
		if m != nil {
			e.metrics = m
		}
	}
}

// New builds an Elector. An empty instanceID gets a random one.
func New(instanceID string, b bus.Bus, logger Logger, opts ...Option) (*Elector, error) {
	if b == nil {
		return nil, ErrNilBus
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	e := &Elector{
		subs:              make(map[int]func(bool)),
		instanceID:        instanceID,
		bus:               b,
		inbox:             make(chan bus.Message, 64),
		logger:            logger,
		metrics:           noopMetrics{},
		newTimer:          defaultTimerFactory,
		newTicker:         defaultTickerFactory,
		electionTimeoutFn: randomTimeout(5*time.Second, 8*time.Second),
		heartbeatInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.machine = fsm.NewFSM(
		StateCandidate,
		fsm.Events{
			{Name: eventClaim, Src: []string{StateCandidate}, Dst: StateLeader},
			{Name: eventDefer, Src: []string{StateCandidate}, Dst: StateFollower},
			{Name: eventTimeout, Src: []string{StateFollower}, Dst: StateCandidate},
			{Name: eventYield, Src: []string{StateLeader}, Dst: StateFollower},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				e.roleChanged(ev.Dst)
			},
		},
	)

	return e, nil
}

// Run starts the election loops and returns immediately.
func (e *Elector) Run(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.unsub = e.bus.Subscribe(e.receive)
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
}

// Close stops the elector. A leader makes a best-effort stepdown broadcast
// so followers re-elect promptly instead of waiting out a heartbeat timeout.
func (e *Elector) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	if !started {
		return
	}

	e.cancel()
	e.wg.Wait()
	e.unsub()
}

// GetIsLeader reports whether this instance is currently the leader.
func (e *Elector) GetIsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// GetInstanceID returns this instance's stable random id.
func (e *Elector) GetInstanceID() string {
	return e.instanceID
}

// Role returns the current role string (candidate, leader, or follower).
func (e *Elector) Role() string {
	return e.machine.Current()
}

// OnLeadershipChange registers cb, fired synchronously with the new
// leader-ness exactly once per observed transition. Returns an unsubscribe
// function.
func (e *Elector) OnLeadershipChange(cb func(isLeader bool)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	e.subs[id] = cb

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// receive feeds relevant broadcasts into the actor inbox. Own messages are
// skipped; a full inbox drops the message, which the timers recover from.
func (e *Elector) receive(msg bus.Message) {
	if msg.InstanceID == e.instanceID {
		return
	}
	switch msg.Kind {
	case bus.KindLeaderAnnounce, bus.KindLeaderHeartbeat, bus.KindLeaderStepdown:
	default:
		return
	}
	select {
	case e.inbox <- msg:
	default:
	}
}

func (e *Elector) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch e.machine.Current() {
		case StateCandidate:
			e.runCandidate(ctx)
		case StateLeader:
			e.runLeader(ctx)
		case StateFollower:
			e.runFollower(ctx)
		}
	}
}

func (e *Elector) runCandidate(ctx context.Context) {
	e.metrics.IncElectionStarted(e.instanceID)
	e.publish(bus.KindLeaderAnnounce)

	timer := e.newTimer(e.electionTimeoutFn())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			e.logger.Debug("no leader heard within timeout, claiming leadership",
				"instance_id", e.instanceID,
			)
			e.transition(ctx, eventClaim)
			return
		case msg := <-e.inbox:
			switch msg.Kind {
			case bus.KindLeaderHeartbeat:
				e.logger.Debug("live leader observed, deferring",
					"instance_id", e.instanceID,
					"leader_id", msg.InstanceID,
				)
				e.transition(ctx, eventDefer)
				return
			case bus.KindLeaderAnnounce:
				if msg.InstanceID < e.instanceID {
					// Lower id wins the collision; accept follower status
					// instead of retry-looping.
					e.transition(ctx, eventDefer)
					return
				}
			case bus.KindLeaderStepdown:
				// No leader anymore; our own timeout decides.
			}
		}
	}
}

func (e *Elector) runLeader(ctx context.Context) {
	e.metrics.IncElectionWon(e.instanceID)
	e.sendHeartbeat()

	ticker := e.newTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.publish(bus.KindLeaderStepdown)
			return
		case <-ticker.C():
			e.sendHeartbeat()
		case msg := <-e.inbox:
			switch msg.Kind {
			case bus.KindLeaderHeartbeat:
				if msg.InstanceID < e.instanceID {
					e.logger.Info("yielding leadership to lower-id instance",
						"instance_id", e.instanceID,
						"leader_id", msg.InstanceID,
					)
					e.transition(ctx, eventYield)
					return
				}
				// A higher-id instance also claimed; reassert so it yields.
				e.sendHeartbeat()
			case bus.KindLeaderAnnounce:
				// A new window is probing for a leader; answer immediately
				// so it defers before its timeout.
				e.sendHeartbeat()
			}
		}
	}
}

func (e *Elector) runFollower(ctx context.Context) {
	timer := e.newTimer(e.electionTimeoutFn())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			e.logger.Debug("leader heartbeats stopped, re-electing",
				"instance_id", e.instanceID,
			)
			e.transition(ctx, eventTimeout)
			return
		case msg := <-e.inbox:
			switch msg.Kind {
			case bus.KindLeaderHeartbeat:
				if !timer.Stop() {
					select {
					case <-timer.C():
					default:
					}
				}
				timer.Reset(e.electionTimeoutFn())
			case bus.KindLeaderStepdown:
				e.logger.Debug("leader stepped down, re-electing promptly",
					"instance_id", e.instanceID,
					"leader_id", msg.InstanceID,
				)
				e.transition(ctx, eventTimeout)
				return
			}
		}
	}
}

func (e *Elector) transition(ctx context.Context, event string) {
	if err := e.machine.Event(ctx, event); err != nil {
		e.logger.Warn("illegal role transition",
			"instance_id", e.instanceID,
			"event", event,
			"role", e.machine.Current(),
			"error", err,
		)
	}
}

// roleChanged fires leadership subscriptions when leader-ness actually flips.
// Candidate<->follower churn never reaches subscribers.
func (e *Elector) roleChanged(dst string) {
	leader := dst == StateLeader

	e.mu.Lock()
	if e.isLeader == leader {
		e.mu.Unlock()
		return
	}
	e.isLeader = leader
	subs := make([]func(bool), 0, len(e.subs))
	for _, cb := range e.subs {
		subs = append(subs, cb)
	}
	e.mu.Unlock()

	e.metrics.SetIsLeader(e.instanceID, leader)
	e.logger.Info("leadership changed",
		"instance_id", e.instanceID,
		"is_leader", leader,
	)
	for _, cb := range subs {
		cb(leader)
	}
}

func (e *Elector) sendHeartbeat() {
	e.publish(bus.KindLeaderHeartbeat)
	e.metrics.IncHeartbeatSent(e.instanceID)
}

func (e *Elector) publish(kind bus.Kind) {
	if err := e.bus.Publish(bus.Message{Kind: kind, InstanceID: e.instanceID}); err != nil {
		e.logger.Debug("broadcast failed",
			"instance_id", e.instanceID,
			"kind", string(kind),
			"error", err,
		)
	}
}

func randomTimeout(min, max time.Duration) electionTimeoutFunc {
	return func() time.Duration {
		if max <= min {
			return min
		}
		//nolint:gosec // election jitter needs pseudo-randomness, not crypto.
		return min + time.Duration(rand.Int63n(int64(max-min)))
	}
}
