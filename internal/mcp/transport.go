package mcp

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotConnected is returned for calls on a closed or unconnected transport.
var ErrNotConnected = errors.New("transport not connected")

// Transport carries JSON-RPC traffic to one server.
type Transport interface {
	// Connect establishes the connection.
	Connect(ctx context.Context) error

	// Close tears the connection down.
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Notifications returns the channel of server-pushed notifications.
	Notifications() <-chan *rpcNotification

	// Connected reports whether the transport is usable.
	Connected() bool
}

// newTransport builds the transport named by the config.
func newTransport(cfg *ServerConfig) Transport {
	switch cfg.Transport {
	case TransportHTTP:
		return newHTTPTransport(cfg)
	case TransportSSE:
		return newSSETransport(cfg)
	default:
		return newStdioTransport(cfg)
	}
}
