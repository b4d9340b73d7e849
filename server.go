// Package tarpit implements a connection-holding TCP service: every
// accepted connection is kept open indefinitely while a single opaque
// byte is written to it per emission interval, wasting a remote
// scanner's time at near-zero local cost. One goroutine and a timer per
// held connection; thousands of concurrent sessions cost a socket, a
// timer and a small state tag each.
package tarpit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/tarpit/idgenerator"
	"github.com/cyberinferno/tarpit/logger"
	"github.com/cyberinferno/tarpit/safemap"
)

// ErrServerRunning is returned by Start when the server is already running.
var ErrServerRunning = errors.New("tarpit: server already running")

// Config holds the server's construction parameters. Addr and
// EmissionInterval are required; the rest default to safe values.
type Config struct {
	// Addr is the "host:port" to listen on.
	Addr string
	// EmissionInterval is the fixed delay between successive single-byte
	// writes on each held connection. Must be positive.
	EmissionInterval time.Duration
	// WriteTimeout, when positive, bounds each single-byte write; an
	// expired deadline is treated exactly like a write failure. Zero
	// disables it (the default): a slow consumer is a trapped consumer.
	WriteTimeout time.Duration
	// Logger receives structured lifecycle events. Defaults to a no-op
	// logger.
	Logger logger.Logger
	// Source supplies emission bytes. Defaults to crypto/rand.
	Source ByteSource
	// Observer receives accepted/closed events. Defaults to NopObserver.
	Observer Observer
}

// Server owns the listening socket and the bookkeeping of all live
// sessions. Create one with NewServer, call Start once, and Shutdown to
// stop accepting and release every held connection.
type Server struct {
	log          logger.Logger
	addr         string
	interval     time.Duration
	writeTimeout time.Duration
	source       ByteSource
	observer     Observer

	listener net.Listener
	sessions safemap.SafeMap[uint64, *Session]
	ids      *idgenerator.IdGenerator
	running  atomic.Bool

	// ctx is cancelled on shutdown; every session selects on it.
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewServer validates cfg and returns an unstarted Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("tarpit: listen address required")
	}
	if cfg.EmissionInterval <= 0 {
		return nil, fmt.Errorf("tarpit: emission interval must be positive, got %s", cfg.EmissionInterval)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}
	if cfg.Source == nil {
		cfg.Source = NewRandByteSource()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		log:          cfg.Logger,
		addr:         cfg.Addr,
		interval:     cfg.EmissionInterval,
		writeTimeout: cfg.WriteTimeout,
		source:       cfg.Source,
		observer:     cfg.Observer,
		ids:          idgenerator.NewIdGenerator(0),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start binds the listening socket and begins accepting connections in a
// goroutine. A bind failure (address in use, insufficient privilege,
// invalid address) is fatal and returned to the caller; it is never
// retried internally.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("tarpit: bind %s: %w", s.addr, err)
	}

	s.listener = ln
	s.log.Info("tarpit active, waiting for scanners",
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "interval", Value: s.interval.String()})

	// The accept loop shares the session WaitGroup so session Adds always
	// happen while the counter is positive, never racing Shutdown's Wait.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	return nil
}

// Addr returns the listener's bound address, or nil before Start. Useful
// when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// LiveCount returns the number of sessions not yet in a terminal state.
func (s *Server) LiveCount() int {
	return s.sessions.Len()
}

// acceptLoop accepts connections until the listener becomes invalid. A
// failed accept attempt that leaves the listener usable is logged and
// the loop continues; only a closed or broken listener ends it. Existing
// sessions are unaffected either way.
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			// Anything short of a dead listener (a refused handshake, fd
			// exhaustion, a timeout) invalidates one accept attempt, not
			// the socket.
			s.log.Warn("transient accept error", logger.Field{Key: "error", Value: err})
			continue
		}

		s.trap(conn)
	}
}

// trap registers a session for the accepted connection and starts its
// emission loop.
func (s *Server) trap(conn net.Conn) {
	id := s.ids.Next()
	sess := newSession(id, conn, s.interval, s.writeTimeout, s.source, s.log, s.release)
	s.sessions.Store(id, sess)

	peer := conn.RemoteAddr().String()
	s.observer.ConnectionAccepted(peer)
	s.log.Info("connection trapped",
		logger.Field{Key: "session_id", Value: id},
		logger.Field{Key: "peer", Value: peer})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run(s.ctx)
	}()
}

// release is the session termination callback. It runs on every path a
// session takes into its terminal state, so live-set membership is
// exactly the set of non-closed sessions.
func (s *Server) release(sess *Session, reason CloseReason, held time.Duration) {
	s.sessions.Delete(sess.id)
	s.observer.ConnectionClosed(sess.RemoteAddr(), reason, held)
	s.log.Info("connection closed",
		logger.Field{Key: "session_id", Value: sess.id},
		logger.Field{Key: "peer", Value: sess.RemoteAddr()},
		logger.Field{Key: "reason", Value: reason.String()},
		logger.Field{Key: "held", Value: held.String()})
}

// Shutdown stops accepting, cancels every live session and waits for
// each to release its socket before returning. No byte is sent on any
// connection after the cancellation signal. Shutdown is idempotent; a
// second call returns immediately.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.running.Store(false)
		if s.listener != nil {
			_ = s.listener.Close()
		}

		s.cancel()

		// A session mid-write to a peer that stopped reading cannot see
		// the cancellation until the write returns, which with no write
		// timeout is never. Closing its socket fails the write and lets
		// the session drain; the session's own close of an already-closed
		// socket is harmless.
		s.sessions.Range(func(_ uint64, sess *Session) bool {
			_ = sess.conn.Close()
			return true
		})

		s.wg.Wait()
		s.log.Info("tarpit stopped")
	})
}
