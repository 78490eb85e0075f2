// Package commsutil holds the device's COMMS connection setup, subject layout and payload codec.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

const (
	connectTimeout = 10 * time.Second
	reconnectWait  = 2 * time.Second
)

// ConnectionHooks receive connection state changes after they are logged. Any field may be nil.
type ConnectionHooks struct {
	OnDisconnect func(err error)
	OnReconnect  func()
	OnClosed     func()
}

// Connect creates a COMMS connection to the given URL without hooks.
func Connect(url, name string) (*comms.Conn, error) {
	return ConnectWithHooks(url, name, nil)
}

// ConnectWithHooks creates a COMMS connection and forwards state changes to hooks.
// The client reconnects forever and keeps no reconnect buffer: a publish while
// disconnected fails immediately instead of being replayed later.
func ConnectWithHooks(url, name string, hooks *ConnectionHooks) (*comms.Conn, error) {
	if hooks == nil {
		hooks = &ConnectionHooks{}
	}
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, url, name))

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(connectTimeout),
		comms.ReconnectWait(reconnectWait),
		comms.MaxReconnects(-1),
		comms.ReconnectBufSize(-1),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS link to the cloud lost: %v", logPrefix, err))
			if hooks.OnDisconnect != nil {
				hooks.OnDisconnect(err)
			}
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
			if hooks.OnReconnect != nil {
				hooks.OnReconnect()
			}
		}),
		comms.ClosedHandler(func(_ *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed, no further reconnects", logPrefix))
			if hooks.OnClosed != nil {
				hooks.OnClosed()
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}
