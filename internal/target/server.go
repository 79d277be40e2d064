// Package target implements an echo server for the framed protocol. It is
// the load target used by the salvo-target binary and by tests: it answers
// every request with an ack and can be told to reject registrations.
package target

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/mdlayher/vsock"

	"github.com/seantiz/salvo/internal/client/framed"
)

// Decision is the verdict of a RejectFunc.
type Decision struct {
	Reject    bool
	Retryable bool
	Reason    string
}

// RejectFunc decides how a register or unregister request is answered.
type RejectFunc func(typ, username string) Decision

// Stats are the server's counters.
type Stats struct {
	Connections   int64 `json:"connections"`
	Open          int64 `json:"open"`
	Logins        int64 `json:"logins"`
	Logouts       int64 `json:"logouts"`
	Registrations int64 `json:"registrations"`
	Rejections    int64 `json:"rejections"`
}

// Server is the framed echo server.
type Server struct {
	reject RejectFunc
	logger *slog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup

	connections   atomic.Int64
	logins        atomic.Int64
	logouts       atomic.Int64
	registrations atomic.Int64
	rejections    atomic.Int64
}

// New creates a server. A nil reject accepts every registration.
func New(reject RejectFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		reject: reject,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// ListenVsock listens on the given vsock port of the local context.
func ListenVsock(port uint32) (net.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock listen on port %d: %w", port, err)
	}
	return l, nil
}

// Serve accepts connections on l until l is closed. It returns nil when the
// server was closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleConnection(conn)
	}
}

// WebSocketHandler serves the framed protocol over websocket binary
// messages.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			s.logger.Warn("websocket accept", "error", err)
			return
		}
		conn := websocket.NetConn(r.Context(), c, websocket.MessageBinary)
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.handleConnection(conn)
	})
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.connections.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handleConnection answers requests on conn until it closes.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	for {
		var req framed.Message
		if err := framed.ReadMessage(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read request", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		resp := s.answer(&req)
		if err := framed.WriteMessage(conn, &resp); err != nil {
			s.logger.Debug("write response", "remote", conn.RemoteAddr(), "error", err)
			return
		}
	}
}

func (s *Server) answer(req *framed.Message) framed.Message {
	resp := framed.Message{Type: framed.Ack(req.Type), Seq: req.Seq, OK: true}

	switch req.Type {
	case framed.TypeHello:
	case framed.TypeLogin:
		s.logins.Add(1)
	case framed.TypeLogout:
		s.logouts.Add(1)
	case framed.TypeRegister, framed.TypeUnregister:
		s.registrations.Add(1)
		if s.reject != nil {
			if d := s.reject(req.Type, req.Username); d.Reject {
				s.rejections.Add(1)
				resp.OK = false
				resp.Retryable = d.Retryable
				resp.Reason = d.Reason
			}
		}
	default:
		resp.OK = false
		resp.Reason = fmt.Sprintf("unknown message type %q", req.Type)
	}
	return resp
}

// DropAll closes every open connection from the server side and returns the
// number closed.
func (s *Server) DropAll() int {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	open := int64(len(s.conns))
	s.mu.Unlock()
	return Stats{
		Connections:   s.connections.Load(),
		Open:          open,
		Logins:        s.logins.Load(),
		Logouts:       s.logouts.Load(),
		Registrations: s.registrations.Load(),
		Rejections:    s.rejections.Load(),
	}
}

// Close stops every listener, closes open connections and waits for their
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.DropAll()
	s.wg.Wait()
	return errors.Join(errs...)
}
