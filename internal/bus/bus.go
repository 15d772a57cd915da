// Package bus carries the small control messages editor instances exchange:
// leader election traffic and open-project presence announcements.
//
// The channel is deliberately weak: messages may be lost, duplicated, or
// observed in different orders by different instances. Every consumer in this
// repository treats messages as idempotent notifications and reconciles with
// timers, so the transports here never buffer, retry, or acknowledge.
//
// Three transports are provided: Memory (in-process fan-out, used by tests
// and single-process embedding), Spool (a shared spool directory watched with
// fsnotify), and Relay (a loopback websocket hub).
package bus

import (
	"errors"
	"time"
)

// Kind identifies a control message.
type Kind string

// Message kinds exchanged between instances.
const (
	KindLeaderAnnounce  Kind = "leader-announce"
	KindLeaderHeartbeat Kind = "leader-heartbeat"
	KindLeaderStepdown  Kind = "leader-stepdown"
	KindProjectOpened   Kind = "project-opened"
	KindProjectClosed   Kind = "project-closed"
)

// Message is one broadcast control message. ProjectID is set only for the
// project-* kinds.
type Message struct {
	Kind       Kind   `json:"kind"`
	InstanceID string `json:"instanceId"`
	ProjectID  string `json:"projectId,omitempty"`
	TS         int64  `json:"ts"` // unix millis at send time
}

// Handler receives broadcast messages. Handlers are invoked on transport
// goroutines and must not block; they see the sender's own messages too and
// filter by InstanceID where that matters.
type Handler func(Message)

// Bus is the ambient broadcast channel shared by all instances on a machine.
type Bus interface {
	// Publish broadcasts msg to every instance, including the sender.
	// It is fire-and-forget; delivery is best effort.
	Publish(msg Message) error

	// Subscribe registers a handler and returns its unsubscribe function.
	Subscribe(h Handler) (unsubscribe func())

	// Close detaches from the channel. Publish on a closed bus returns
	// ErrClosed.
	Close() error
}

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus: closed")

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
