package framed

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/mdlayher/vsock"
)

// Target is a parsed destination.
type Target struct {
	Scheme string
	// Address is host:port for tcp, a path for unix and the full URL for
	// websocket.
	Address string
	CID     uint32
	Port    uint32
}

// ParseTarget parses a destination. Supported forms:
//
//	host:port, tcp://host:port, unix:///path, vsock://cid:port, ws://host/path, wss://host/path
func ParseTarget(dest string) (Target, error) {
	if !strings.Contains(dest, "://") {
		return Target{Scheme: "tcp", Address: dest}, nil
	}
	u, err := url.Parse(dest)
	if err != nil {
		return Target{}, fmt.Errorf("parse destination %q: %w", dest, err)
	}

	switch u.Scheme {
	case "tcp":
		return Target{Scheme: "tcp", Address: u.Host}, nil
	case "unix":
		return Target{Scheme: "unix", Address: u.Path}, nil
	case "ws", "wss":
		return Target{Scheme: u.Scheme, Address: dest}, nil
	case "vsock":
		cid, err := strconv.ParseUint(u.Hostname(), 10, 32)
		if err != nil {
			return Target{}, fmt.Errorf("parse vsock cid in %q: %w", dest, err)
		}
		port, err := strconv.ParseUint(u.Port(), 10, 32)
		if err != nil {
			return Target{}, fmt.Errorf("parse vsock port in %q: %w", dest, err)
		}
		return Target{Scheme: "vsock", CID: uint32(cid), Port: uint32(port)}, nil
	}
	return Target{}, fmt.Errorf("unsupported scheme %q in destination %q", u.Scheme, dest)
}

// dial opens the transport for t. source, when set, is the local IP address
// tcp connections bind to.
func dial(ctx context.Context, t Target, source string) (net.Conn, error) {
	switch t.Scheme {
	case "tcp":
		d := net.Dialer{}
		if source != "" {
			ip := net.ParseIP(source)
			if ip == nil {
				return nil, fmt.Errorf("invalid source address %q", source)
			}
			d.LocalAddr = &net.TCPAddr{IP: ip}
		}
		return d.DialContext(ctx, "tcp", t.Address)

	case "unix":
		d := net.Dialer{}
		return d.DialContext(ctx, "unix", t.Address)

	case "ws", "wss":
		c, _, err := websocket.Dial(ctx, t.Address, &websocket.DialOptions{
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			return nil, err
		}
		return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil

	case "vsock":
		return dialVsock(ctx, t.CID, t.Port)
	}
	return nil, fmt.Errorf("unsupported scheme %q", t.Scheme)
}

// dialVsock wraps vsock.Dial, which takes no context, so that a canceled
// dial returns promptly.
func dialVsock(ctx context.Context, cid, port uint32) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := vsock.Dial(cid, port, nil)
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
