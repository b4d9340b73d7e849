package tarpit

import (
	"io"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer boots a server on a random port with a deterministic byte
// source and tears it down with the test.
func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Source == nil {
		cfg.Source = NewFixedByteSource(0x2a)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)

	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestNewServer_Validation(t *testing.T) {
	t.Run("rejects empty address", func(t *testing.T) {
		_, err := NewServer(Config{EmissionInterval: time.Second})
		assert.Error(t, err)
	})

	t.Run("rejects non-positive interval", func(t *testing.T) {
		_, err := NewServer(Config{Addr: "127.0.0.1:0"})
		assert.Error(t, err)

		_, err = NewServer(Config{Addr: "127.0.0.1:0", EmissionInterval: -time.Second})
		assert.Error(t, err)
	})
}

func TestServer_BindFailureIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv, err := NewServer(Config{Addr: ln.Addr().String(), EmissionInterval: time.Second})
	require.NoError(t, err)

	err = srv.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind")

	// A failed bind leaves the server startable again.
	srv2, err := NewServer(Config{Addr: "127.0.0.1:0", EmissionInterval: time.Second})
	require.NoError(t, err)
	require.NoError(t, srv2.Start())
	srv2.Shutdown()
}

func TestServer_StartTwice(t *testing.T) {
	srv := startServer(t, Config{EmissionInterval: time.Second})

	err := srv.Start()
	assert.ErrorIs(t, err, ErrServerRunning)
}

func TestServer_NoBannerBeforeFirstInterval(t *testing.T) {
	srv := startServer(t, Config{EmissionInterval: 400 * time.Millisecond})
	conn := dial(t, srv)

	// Half an interval in, nothing must have been sent.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)

	assert.Equal(t, 0, n)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

// Scenario: connect, receive one byte per interval, disconnect, and the
// session leaves the live set.
func TestServer_DripFeedsOneBytePerInterval(t *testing.T) {
	interval := 150 * time.Millisecond
	srv := startServer(t, Config{EmissionInterval: interval})
	conn := dial(t, srv)

	start := time.Now()
	buf := make([]byte, 1)
	for i := 1; i <= 2; i++ {
		require.NoError(t, conn.SetReadDeadline(start.Add(time.Duration(i)*interval+time.Second)))
		n, err := conn.Read(buf)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Equal(t, byte(0x2a), buf[0])

		// The i-th byte cannot arrive before i intervals have elapsed,
		// modulo scheduling tolerance.
		assert.GreaterOrEqual(t, time.Since(start), time.Duration(i)*interval-50*time.Millisecond)
	}

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return srv.LiveCount() == 0 },
		3*time.Second, 20*time.Millisecond, "session not reaped after peer disconnect")
}

// Scenario: the peer closes without ever reading; the session must
// resolve to a clean termination with no hang.
func TestServer_ImmediateClientClose(t *testing.T) {
	srv := startServer(t, Config{EmissionInterval: 50 * time.Millisecond})

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return srv.LiveCount() == 0 },
		3*time.Second, 20*time.Millisecond)
}

// Scenario: one peer vanishing must not disturb another held session's
// drip feed.
func TestServer_SessionIsolation(t *testing.T) {
	srv := startServer(t, Config{EmissionInterval: 100 * time.Millisecond})

	victim := dial(t, srv)
	survivor := dial(t, srv)

	require.Eventually(t, func() bool { return srv.LiveCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, victim.Close())

	buf := make([]byte, 1)
	for i := 0; i < 3; i++ {
		require.NoError(t, survivor.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, err := survivor.Read(buf)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	require.Eventually(t, func() bool { return srv.LiveCount() == 1 },
		3*time.Second, 20*time.Millisecond)
}

// Scenario: shutdown while sessions are mid-wait releases every socket
// before returning, with no byte sent after cancellation.
func TestServer_ShutdownReleasesHeldSessions(t *testing.T) {
	// Interval far beyond the test runtime: no session ever emits, so
	// any byte observed by a client arrived after cancellation.
	srv := startServer(t, Config{EmissionInterval: time.Hour})

	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, srv)
	}

	require.Eventually(t, func() bool { return srv.LiveCount() == 3 },
		2*time.Second, 10*time.Millisecond)

	srv.Shutdown()
	assert.Equal(t, 0, srv.LiveCount())

	for _, conn := range conns {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		n, err := io.ReadAll(conn)
		assert.Empty(t, n)
		if err != nil {
			var ne net.Error
			if assert.ErrorAs(t, err, &ne) {
				assert.False(t, ne.Timeout(), "connection still open after shutdown")
			}
		}
	}
}

func TestServer_ShutdownIsIdempotent(t *testing.T) {
	srv := startServer(t, Config{EmissionInterval: time.Hour})
	dial(t, srv)

	require.Eventually(t, func() bool { return srv.LiveCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	srv.Shutdown()
	assert.NotPanics(t, srv.Shutdown)
	assert.Equal(t, 0, srv.LiveCount())
}

func TestServer_RejectsConnectionsAfterShutdown(t *testing.T) {
	srv := startServer(t, Config{EmissionInterval: time.Second})
	addr := srv.Addr().String()

	srv.Shutdown()

	conn, err := net.Dial("tcp", addr)
	if err == nil {
		// The OS may complete the handshake on a lingering socket; the
		// connection must still go nowhere.
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		buf := make([]byte, 1)
		_, readErr := conn.Read(buf)
		assert.Error(t, readErr)
		_ = conn.Close()
	}
	assert.Equal(t, 0, srv.LiveCount())
}

type recordingObserver struct {
	mu       sync.Mutex
	accepted []string
	closed   map[string]CloseReason
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{closed: make(map[string]CloseReason)}
}

func (o *recordingObserver) ConnectionAccepted(remoteAddr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accepted = append(o.accepted, remoteAddr)
}

func (o *recordingObserver) ConnectionClosed(remoteAddr string, reason CloseReason, held time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed[remoteAddr] = reason
}

func (o *recordingObserver) snapshot() (int, map[string]CloseReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	closed := make(map[string]CloseReason, len(o.closed))
	for k, v := range o.closed {
		closed[k] = v
	}
	return len(o.accepted), closed
}

func TestServer_ObserverSeesLifecycleEvents(t *testing.T) {
	obs := newRecordingObserver()
	srv := startServer(t, Config{EmissionInterval: 50 * time.Millisecond, Observer: obs})

	disconnecting := dial(t, srv)
	disconnectingAddr := disconnecting.LocalAddr().String()
	held := dial(t, srv)
	heldAddr := held.LocalAddr().String()

	require.Eventually(t, func() bool {
		n, _ := obs.snapshot()
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, disconnecting.Close())
	require.Eventually(t, func() bool {
		_, closed := obs.snapshot()
		_, ok := closed[disconnectingAddr]
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	srv.Shutdown()

	_, closed := obs.snapshot()
	assert.Equal(t, ReasonPeerDisconnect, closed[disconnectingAddr])
	assert.Equal(t, ReasonCancelled, closed[heldAddr])
}

// Scenario: 500 concurrent clients each receive roughly one byte per
// interval (about 20 in a one-second window at 50ms), and the server's
// per-connection footprint stays small and flat. Count bounds are
// generous to survive loaded CI machines.
func TestServer_ConcurrentClients(t *testing.T) {
	interval := 50 * time.Millisecond
	srv := startServer(t, Config{EmissionInterval: interval})

	const clients = 500
	window := time.Second

	runtime.GC()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	var wg sync.WaitGroup
	counts := make([]int, clients)
	errs := make([]error, clients)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", srv.Addr().String())
			if err != nil {
				errs[i] = err
				return
			}
			defer conn.Close()

			deadline := time.Now().Add(window)
			_ = conn.SetReadDeadline(deadline)
			buf := make([]byte, 1)
			for {
				n, err := conn.Read(buf)
				counts[i] += n
				if err != nil {
					return
				}
			}
		}(i)
	}

	// Measure while every session is held: growth must be linear with a
	// small per-connection constant, not quadratic or leak-shaped. The
	// ceiling is loose on purpose; it also covers the client goroutines
	// sharing the process.
	require.Eventually(t, func() bool { return srv.LiveCount() == clients },
		5*time.Second, 20*time.Millisecond, "not all clients were trapped")

	runtime.GC()
	var during runtime.MemStats
	runtime.ReadMemStats(&during)

	beforeUse := before.HeapAlloc + before.StackInuse
	duringUse := during.HeapAlloc + during.StackInuse
	if duringUse > beforeUse {
		perConn := (duringUse - beforeUse) / clients
		assert.Less(t, perConn, uint64(128*1024),
			"per-connection memory footprint too large: %d bytes", perConn)
	}

	wg.Wait()

	for i := 0; i < clients; i++ {
		require.NoError(t, errs[i], "client %d failed to connect", i)
		assert.GreaterOrEqual(t, counts[i], 12, "client %d starved", i)
		assert.LessOrEqual(t, counts[i], 28, "client %d over-fed", i)
	}

	require.Eventually(t, func() bool { return srv.LiveCount() == 0 },
		5*time.Second, 50*time.Millisecond)
}
