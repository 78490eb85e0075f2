package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/directive-core/pkg/commsutil"
)

const statusLogPrefix = "events:status"

// ConnectionStatus is the state of the outbound transport.
type ConnectionStatus int

const (
	StatusPending ConnectionStatus = iota
	StatusConnected
	StatusDisconnected
	StatusClosed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionStatus(%d)", int(s))
	}
}

// ConnectionObserver is notified of every status change.
type ConnectionObserver interface {
	OnConnectionStatusChanged(status ConnectionStatus, reason string)
}

// ConnectionObserverFunc adapts a function to ConnectionObserver.
type ConnectionObserverFunc func(status ConnectionStatus, reason string)

// OnConnectionStatusChanged calls f.
func (f ConnectionObserverFunc) OnConnectionStatusChanged(status ConnectionStatus, reason string) {
	f(status, reason)
}

// StatusTracker holds the current connection status and fans changes out to observers in
// the order they happen.
type StatusTracker struct {
	// notifyMu serializes Set so observers see changes in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	status    ConnectionStatus
	reason    string
	observers []ConnectionObserver
}

// NewStatusTracker creates a tracker in StatusPending.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{status: StatusPending}
}

// Status returns the current status and the reason recorded with it.
func (t *StatusTracker) Status() (ConnectionStatus, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.reason
}

// Connected reports whether the transport is usable.
func (t *StatusTracker) Connected() bool {
	s, _ := t.Status()
	return s == StatusConnected
}

// AddObserver registers o and immediately notifies it of the current status.
func (t *StatusTracker) AddObserver(o ConnectionObserver) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	t.observers = append(t.observers, o)
	status, reason := t.status, t.reason
	t.mu.Unlock()

	o.OnConnectionStatusChanged(status, reason)
}

// Set records a status. Observers are only notified when the status changes. Closed is final.
func (t *StatusTracker) Set(status ConnectionStatus, reason string) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if t.status == status || t.status == StatusClosed {
		t.mu.Unlock()
		return
	}
	t.status = status
	t.reason = reason
	observers := make([]ConnectionObserver, len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - connection status=%s reason=%s", statusLogPrefix, status, reason))
	for _, o := range observers {
		o.OnConnectionStatusChanged(status, reason)
	}
}

// Hooks returns connection hooks that drive the tracker from the COMMS client.
func (t *StatusTracker) Hooks() *commsutil.ConnectionHooks {
	return &commsutil.ConnectionHooks{
		OnDisconnect: func(err error) {
			reason := "disconnected"
			if err != nil {
				reason = err.Error()
			}
			t.Set(StatusDisconnected, reason)
		},
		OnReconnect: func() {
			t.Set(StatusConnected, "reconnected")
		},
		OnClosed: func() {
			t.Set(StatusClosed, "closed")
		},
	}
}
