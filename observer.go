package tarpit

import "time"

// Observer receives discrete connection lifecycle events from the
// server. Implementations must be safe for concurrent use; events for
// different sessions arrive from different goroutines.
type Observer interface {
	// ConnectionAccepted is called once per accepted connection with the
	// peer's remote address.
	ConnectionAccepted(remoteAddr string)

	// ConnectionClosed is called once per terminated session with the
	// peer's remote address, why the session ended, and how long the
	// connection was held open.
	ConnectionClosed(remoteAddr string, reason CloseReason, held time.Duration)
}

// NopObserver discards all events. It is the default when no Observer is
// configured.
type NopObserver struct{}

// ConnectionAccepted implements Observer.
func (NopObserver) ConnectionAccepted(string) {}

// ConnectionClosed implements Observer.
func (NopObserver) ConnectionClosed(string, CloseReason, time.Duration) {}
