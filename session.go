package tarpit

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/tarpit/logger"
)

// SessionState represents where a session is in its lifecycle.
type SessionState int32

const (
	StateActive  SessionState = iota // Holding the connection, waiting for the next emission tick
	StateClosing                     // Write failed or cancellation received; releasing resources
	StateClosed                      // Terminal; socket released and session deregistered
)

// String returns a human-readable name for the session state.
func (s SessionState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a session terminated.
type CloseReason int

const (
	ReasonPeerDisconnect CloseReason = iota // A write failed; the peer is gone
	ReasonCancelled                         // Server shutdown cancelled the session
)

// String returns a human-readable name for the close reason.
func (r CloseReason) String() string {
	switch r {
	case ReasonPeerDisconnect:
		return "peer-disconnect"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Session holds a single accepted connection open and drip-feeds it one
// opaque byte per emission interval until the peer disconnects or the
// server cancels it. The session exclusively owns its net.Conn; nothing
// else reads from or writes to it.
type Session struct {
	id           uint64
	conn         net.Conn
	interval     time.Duration
	writeTimeout time.Duration
	source       ByteSource
	log          logger.Logger
	openedAt     time.Time

	state     atomic.Int32
	closeOnce sync.Once
	onClose   func(s *Session, reason CloseReason, held time.Duration)
}

func newSession(id uint64, conn net.Conn, interval, writeTimeout time.Duration,
	source ByteSource, log logger.Logger,
	onClose func(s *Session, reason CloseReason, held time.Duration)) *Session {
	s := &Session{
		id:           id,
		conn:         conn,
		interval:     interval,
		writeTimeout: writeTimeout,
		source:       source,
		log:          log,
		openedAt:     time.Now(),
		onClose:      onClose,
	}
	s.state.Store(int32(StateActive))
	return s
}

// ID returns the session's identifier assigned by the server.
func (s *Session) ID() uint64 {
	return s.id
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// RemoteAddr returns the peer's address as a string.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// run is the session's emission loop. Nothing is sent until the first
// interval elapses; thereafter exactly one byte is written per interval,
// each tick scheduled from send time. The loop ends on the first write
// failure (the normal way a tarpitted scanner leaves) or on cancellation
// of ctx, and always releases the socket and notifies the server.
//
// The connection is never closed from this side because "enough" time
// has passed or bytes have been sent; the peer decides when to give up.
func (s *Session) run(ctx context.Context) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.close(ReasonCancelled)
			return
		case <-timer.C:
			if !s.emit() {
				// Shutdown unblocks a stalled write by closing the socket
				// out from under it; that failure is a cancellation, not a
				// departed peer.
				reason := ReasonPeerDisconnect
				if ctx.Err() != nil {
					reason = ReasonCancelled
				}

				s.close(reason)
				return
			}

			timer.Reset(s.interval)
		}
	}
}

// emit writes one byte from the source and reports whether the
// connection is still usable. Any write error means the peer is gone;
// that is steady-state behavior here, not an application error.
func (s *Session) emit() bool {
	b, err := s.source.NextByte()
	if err != nil {
		// Keep the connection pinned even if the source hiccups; the
		// byte value carries no meaning.
		s.log.Warn("byte source failed, emitting zero byte", logger.Field{Key: "error", Value: err})
		b = 0
	}

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}

	_, err = s.conn.Write([]byte{b})
	return err == nil
}

// close moves the session through CLOSING into the terminal CLOSED
// state: the socket is closed exactly once, and the server is notified
// so the session leaves the live set. Safe to call from any path into
// termination; only the first call has effect.
func (s *Session) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		_ = s.conn.Close()
		s.state.Store(int32(StateClosed))

		held := time.Since(s.openedAt)
		if s.onClose != nil {
			s.onClose(s, reason, held)
		}
	})
}
