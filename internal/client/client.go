package client

import (
	"context"
	"errors"
)

// ErrUnknownProtocol is returned when no client is registered for a protocol.
var ErrUnknownProtocol = errors.New("unknown protocol")

// Client opens simulated protocol connections. Connect must not block on
// network I/O: it returns a pending Conn and reports progress through the
// request's Events from any goroutine.
type Client interface {
	// Connect starts an asynchronous connection attempt. An error means the
	// attempt failed immediately and no event will follow.
	Connect(ctx context.Context, req ConnectRequest) (Conn, error)

	// Name identifies the protocol.
	Name() string
}

// Endpoint is one source/destination pair produced by the endpoint
// enumerator. Source may be empty to let the OS choose.
type Endpoint struct {
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination"`
}

// Events are invoked by the client when the transport state changes. They may
// run on any goroutine and must not block.
type Events struct {
	// Connected fires once the transport is established.
	Connected func()
	// Closed fires when the transport closes without a local Close or
	// Cancel, including a failed connect.
	Closed func(err error)
}

// ConnectRequest describes one connection attempt.
type ConnectRequest struct {
	Serial   uint32
	Endpoint Endpoint
	Events   Events
}

// Conn is a client-side protocol connection.
type Conn interface {
	// IsPending reports whether the connect is still in progress.
	IsPending() bool
	// IsConnected reports whether the transport is established.
	IsConnected() bool
	// Cancel aborts a pending connect.
	Cancel()
	// Close tears down the transport. No Closed event fires afterwards.
	Close() error

	Hooks
}

// Credentials identify a simulated user.
type Credentials struct {
	Index    uint32 `json:"index"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Result is the outcome of one register or unregister exchange.
type Result struct {
	OK bool `json:"ok"`
	// Retryable marks a failure the caller may re-attempt.
	Retryable bool   `json:"retryable"`
	Reason    string `json:"reason,omitempty"`
}

// Hooks are the protocol-level lifecycle points the engine invokes on a
// connected Conn. They are best effort; failures surface as closes or
// negative Results.
type Hooks interface {
	OnLogin(creds Credentials)
	OnLogout()
	OnRegister(creds Credentials, done func(Result))
	OnUnregister(creds Credentials, done func(Result))
}
