// Package framed implements a protocol client that speaks length-prefixed
// JSON frames over tcp, unix, vsock or websocket transports. Each
// connection says hello, then logs in, registers and unregisters on
// request; every request is answered by a matching _ack frame.
package framed

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/salvo/internal/client"
)

// Name is the protocol name of the framed client.
const Name = "framed"

// Defaults for Options.
const (
	DefaultDialTimeout     = 5 * time.Second
	DefaultExchangeTimeout = 10 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
)

var errNotConnected = errors.New("framed: not connected")

// Options configure a Client.
type Options struct {
	DialTimeout     time.Duration
	ExchangeTimeout time.Duration
	WriteTimeout    time.Duration
	// Wire receives per-frame debug traces. Nil discards them.
	Wire *logrus.Entry
}

// Client is the framed protocol client.
type Client struct {
	opts Options
}

var _ client.Client = (*Client)(nil)

// New creates a framed client.
func New(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = DefaultExchangeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Wire == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Wire = logrus.NewEntry(l)
	}
	return &Client{opts: opts}
}

// Name returns "framed".
func (c *Client) Name() string { return Name }

// Connect parses the destination and dials in the background. A destination
// that cannot be parsed fails immediately.
func (c *Client) Connect(ctx context.Context, req client.ConnectRequest) (client.Conn, error) {
	target, err := ParseTarget(req.Endpoint.Destination)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn := &Conn{
		opts:    c.opts,
		serial:  req.Serial,
		events:  req.Events,
		target:  target,
		cancel:  cancel,
		waiting: make(map[uint32]*waiter),
		wire: c.opts.Wire.WithFields(logrus.Fields{
			"serial":      req.Serial,
			"destination": req.Endpoint.Destination,
		}),
	}
	go conn.run(dctx, req.Endpoint.Source)
	return conn, nil
}

type connState int

const (
	statePending connState = iota
	stateConnected
	stateClosed
)

type waiter struct {
	done  func(client.Result)
	timer *time.Timer
}

// Conn is one framed connection.
type Conn struct {
	opts   Options
	serial uint32
	events client.Events
	target Target
	cancel context.CancelFunc
	wire   *logrus.Entry

	mu      sync.Mutex
	state   connState
	nc      net.Conn
	seq     uint32
	waiting map[uint32]*waiter

	writeMu sync.Mutex
}

func (c *Conn) run(ctx context.Context, source string) {
	start := time.Now()
	nc, err := dial(ctx, c.target, source)
	if err != nil {
		c.fail(err)
		return
	}
	if err := c.hello(ctx, nc); err != nil {
		nc.Close()
		c.fail(err)
		return
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		nc.Close()
		return
	}
	c.nc = nc
	c.state = stateConnected
	c.mu.Unlock()
	c.cancel()

	dialDuration.WithLabelValues(c.target.Scheme).Observe(time.Since(start).Seconds())
	c.wire.Debug("connected")
	if c.events.Connected != nil {
		c.events.Connected()
	}
	c.readLoop(nc)
}

func (c *Conn) hello(ctx context.Context, nc net.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := nc.SetDeadline(deadline); err != nil {
			return err
		}
	}
	// Cancel unblocks the exchange by expiring the deadline.
	stop := context.AfterFunc(ctx, func() { nc.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := WriteMessage(nc, &Message{Type: TypeHello}); err != nil {
		return err
	}
	var ack Message
	if err := ReadMessage(nc, &ack); err != nil {
		return err
	}
	if ack.Type != Ack(TypeHello) {
		return errors.New("framed: unexpected hello response " + ack.Type)
	}
	return nc.SetDeadline(time.Time{})
}

func (c *Conn) readLoop(nc net.Conn) {
	for {
		var m Message
		if err := ReadMessage(nc, &m); err != nil {
			c.fail(err)
			return
		}
		framesTotal.WithLabelValues("in", m.Type).Inc()
		c.wire.WithFields(logrus.Fields{"type": m.Type, "seq": m.Seq}).Debug("frame in")

		if !strings.HasSuffix(m.Type, AckSuffix) || m.Seq == 0 {
			continue
		}
		c.mu.Lock()
		w, ok := c.waiting[m.Seq]
		delete(c.waiting, m.Seq)
		c.mu.Unlock()
		if ok {
			w.timer.Stop()
			w.done(client.Result{OK: m.OK, Retryable: m.Retryable, Reason: m.Reason})
		}
	}
}

// fail reports an unsolicited close unless the connection was already closed
// locally.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	nc := c.nc
	c.stopWaitersLocked()
	c.mu.Unlock()

	c.cancel()
	if nc != nil {
		nc.Close()
	}
	c.wire.WithError(err).Debug("closed")
	if c.events.Closed != nil {
		c.events.Closed(err)
	}
}

func (c *Conn) stopWaitersLocked() {
	for seq, w := range c.waiting {
		w.timer.Stop()
		delete(c.waiting, seq)
	}
}

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

// Cancel aborts a pending dial.
func (c *Conn) Cancel() {
	c.mu.Lock()
	pending := c.state == statePending
	if pending {
		c.state = stateClosed
	}
	c.mu.Unlock()
	if pending {
		c.cancel()
	}
}

// Close tears the connection down without reporting a close event.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.state = stateClosed
	nc := c.nc
	c.nc = nil
	c.stopWaitersLocked()
	c.mu.Unlock()

	c.cancel()
	if nc == nil {
		return nil
	}
	return nc.Close()
}

func (c *Conn) send(m Message, done func(client.Result)) error {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return errNotConnected
	}
	nc := c.nc
	if done != nil {
		c.seq++
		seq := c.seq
		m.Seq = seq
		c.waiting[seq] = &waiter{
			done:  done,
			timer: time.AfterFunc(c.opts.ExchangeTimeout, func() { c.expire(seq) }),
		}
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := WriteMessage(nc, &m); err != nil {
		return err
	}
	framesTotal.WithLabelValues("out", m.Type).Inc()
	c.wire.WithFields(logrus.Fields{"type": m.Type, "seq": m.Seq}).Debug("frame out")
	return nil
}

func (c *Conn) expire(seq uint32) {
	c.mu.Lock()
	w, ok := c.waiting[seq]
	delete(c.waiting, seq)
	c.mu.Unlock()
	if ok {
		w.done(client.Result{Retryable: true, Reason: "timeout"})
	}
}

func (c *Conn) OnLogin(creds client.Credentials) {
	if err := c.send(Message{Type: TypeLogin, Username: creds.Username, Password: creds.Password}, nil); err != nil {
		c.wire.WithError(err).Debug("login")
	}
}

func (c *Conn) OnLogout() {
	if err := c.send(Message{Type: TypeLogout}, nil); err != nil {
		c.wire.WithError(err).Debug("logout")
	}
}

func (c *Conn) OnRegister(creds client.Credentials, done func(client.Result)) {
	c.exchange(TypeRegister, creds, done)
}

func (c *Conn) OnUnregister(creds client.Credentials, done func(client.Result)) {
	c.exchange(TypeUnregister, creds, done)
}

func (c *Conn) exchange(typ string, creds client.Credentials, done func(client.Result)) {
	m := Message{Type: typ, Username: creds.Username, Password: creds.Password}
	if err := c.send(m, done); err != nil && errors.Is(err, errNotConnected) {
		done(client.Result{Retryable: true, Reason: err.Error()})
	}
}
