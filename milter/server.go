package milter

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"

	"github.com/dmarcation/dmarcation/internal/metrics"
)

// ErrServerClosed is returned by [Server.Serve] after a call to
// [Server.Close].
var ErrServerClosed = errors.New("milter: server closed")

// Server accepts MTA connections and runs one isolated session per
// connection. A failure inside one session never affects the others or the
// process.
type Server struct {
	options options

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

// NewServer creates a milter server. [WithMilter] is required; the actions
// the filter will perform must be declared with [WithActions] or every
// modification attempt fails. NewServer panics on invalid options.
func NewServer(opts ...Option) *Server {
	o := options{
		readTimeout:  10 * time.Minute,
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.newMilterFn == nil {
		panic("milter: NewServer requires WithMilter")
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Server{options: o}
}

// Serve accepts connections on ln until the server is closed. It can be
// called on multiple listeners concurrently.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}
		go s.serveConn(conn)
	}
}

// serveConn runs one session. Panics are contained here: one bad message or
// connection must never take the filter process down.
func (s *Server) serveConn(conn net.Conn) {
	id := ulid.Make().String()
	log := s.options.logger.With("session", id, "remote", conn.RemoteAddr().String())

	metrics.OpenSessions.Inc()
	defer metrics.OpenSessions.Dec()
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in milter session", "panic", r)
			_ = conn.Close()
		}
	}()

	sess := &session{
		server: s,
		conn:   conn,
		log:    log,
		state:  stateNegotiating,
	}
	sess.handleCommands()
}

// Close closes all listeners. Active sessions finish on their own when the
// MTA quits or their read deadline fires.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	s.closed = true
	var result *multierror.Error
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.listeners = nil
	return result.ErrorOrNil()
}
