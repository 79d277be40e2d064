// Package stub provides an in-process protocol client with scripted
// behavior. It opens no sockets and is used by tests and the test server.
package stub

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/seantiz/salvo/internal/client"
)

// Name is the protocol name the stub registers under.
const Name = "stub"

// ErrRefused is reported for scripted connect failures.
var ErrRefused = errors.New("stub: connection refused")

// Options script the stub's behavior. Nil funcs mean "always succeed".
type Options struct {
	// ConnectDelay is how long a connect stays pending.
	ConnectDelay time.Duration
	// FailConnect makes Connect return an error immediately.
	FailConnect func(serial uint32) bool
	// RefuseConnect makes the attempt close asynchronously instead of
	// connecting.
	RefuseConnect func(serial uint32) bool
	// RegisterDelay is the simulated server response time.
	RegisterDelay time.Duration
	// Register decides the outcome of each register or unregister exchange.
	Register func(creds client.Credentials, attempt int) client.Result
}

// Client is a scripted client.Client.
type Client struct {
	opts Options

	mu       sync.Mutex
	conns    map[uint32]*Conn
	attempts map[uint32]int
	logins   int
	logouts  int
	regs     int
}

var _ client.Client = (*Client)(nil)

// New creates a stub client.
func New(opts Options) *Client {
	return &Client{
		opts:     opts,
		conns:    make(map[uint32]*Conn),
		attempts: make(map[uint32]int),
	}
}

// Name returns "stub".
func (c *Client) Name() string { return Name }

// Connect starts a simulated connection.
func (c *Client) Connect(_ context.Context, req client.ConnectRequest) (client.Conn, error) {
	if c.opts.FailConnect != nil && c.opts.FailConnect(req.Serial) {
		return nil, ErrRefused
	}

	conn := &Conn{client: c, serial: req.Serial, events: req.Events, state: statePending}
	c.mu.Lock()
	c.conns[req.Serial] = conn
	c.mu.Unlock()

	refuse := c.opts.RefuseConnect != nil && c.opts.RefuseConnect(req.Serial)
	conn.mu.Lock()
	conn.timer = time.AfterFunc(c.opts.ConnectDelay, func() { conn.establish(refuse) })
	conn.mu.Unlock()
	return conn, nil
}

// Drop simulates a server-side close of the connection with the given serial.
// It reports whether a live connection was dropped.
func (c *Client) Drop(serial uint32) bool {
	c.mu.Lock()
	conn, ok := c.conns[serial]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return conn.remoteClose(io.EOF)
}

// Open returns the number of connections that are pending or connected.
func (c *Client) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, conn := range c.conns {
		if !conn.closed() {
			n++
		}
	}
	return n
}

// Serials returns the serials of open connections.
func (c *Client) Serials() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []uint32
	for s, conn := range c.conns {
		if !conn.closed() {
			out = append(out, s)
		}
	}
	return out
}

// Logins returns the number of OnLogin calls.
func (c *Client) Logins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logins
}

// Logouts returns the number of OnLogout calls.
func (c *Client) Logouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts
}

// Registrations returns the number of register and unregister exchanges.
func (c *Client) Registrations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs
}

func (c *Client) exchange(conn *Conn, creds client.Credentials, done func(client.Result)) {
	c.mu.Lock()
	c.regs++
	c.attempts[creds.Index]++
	attempt := c.attempts[creds.Index]
	c.mu.Unlock()

	result := client.Result{OK: true}
	if c.opts.Register != nil {
		result = c.opts.Register(creds, attempt)
	}

	time.AfterFunc(c.opts.RegisterDelay, func() {
		if conn.IsConnected() {
			done(result)
		}
	})
}

type connState int

const (
	statePending connState = iota
	stateConnected
	stateClosed
)

// Conn is a simulated connection.
type Conn struct {
	client *Client
	serial uint32
	events client.Events

	mu    sync.Mutex
	state connState
	timer *time.Timer
}

func (c *Conn) establish(refuse bool) {
	c.mu.Lock()
	if c.state != statePending {
		c.mu.Unlock()
		return
	}
	if refuse {
		c.state = stateClosed
		c.mu.Unlock()
		if c.events.Closed != nil {
			c.events.Closed(ErrRefused)
		}
		return
	}
	c.state = stateConnected
	c.mu.Unlock()

	if c.events.Connected != nil {
		c.events.Connected()
	}
}

func (c *Conn) remoteClose(err error) bool {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = stateClosed
	c.mu.Unlock()

	if c.events.Closed != nil {
		c.events.Closed(err)
	}
	return true
}

func (c *Conn) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateClosed
}

// Serial returns the engine-assigned serial.
func (c *Conn) Serial() uint32 { return c.serial }

func (c *Conn) IsPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == statePending
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

func (c *Conn) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == statePending {
		c.state = stateClosed
		if c.timer != nil {
			c.timer.Stop()
		}
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = stateClosed
	return nil
}

func (c *Conn) OnLogin(client.Credentials) {
	c.client.mu.Lock()
	c.client.logins++
	c.client.mu.Unlock()
}

func (c *Conn) OnLogout() {
	c.client.mu.Lock()
	c.client.logouts++
	c.client.mu.Unlock()
}

func (c *Conn) OnRegister(creds client.Credentials, done func(client.Result)) {
	c.client.exchange(c, creds, done)
}

func (c *Conn) OnUnregister(creds client.Credentials, done func(client.Result)) {
	c.client.exchange(c, creds, done)
}
