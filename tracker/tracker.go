package tracker

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/cyberinferno/tarpit"
	"github.com/cyberinferno/tarpit/logger"
	"github.com/cyberinferno/tarpit/safeset"
)

// storeTimeout bounds store calls made from session goroutines so a
// slow Redis can never stall connection teardown.
const storeTimeout = 2 * time.Second

// maxHeldMillis is the histogram's upper bound: a week of held time,
// recorded with millisecond values.
const maxHeldMillis = int64(7 * 24 * time.Hour / time.Millisecond)

// Summary is a point-in-time view of everything the tracker has counted.
type Summary struct {
	Opened          uint64        // Connections accepted since startup
	Closed          uint64        // Sessions that reached their terminal state
	Live            uint64        // Opened - Closed
	PeerDisconnects uint64        // Sessions ended by the peer giving up
	Cancelled       uint64        // Sessions ended by server shutdown
	DistinctPeers   int           // Unique peer IPs seen since startup
	TotalHeld       time.Duration // Sum of all closed sessions' hold times
	HeldP50         time.Duration // Median hold time
	HeldP99         time.Duration // 99th percentile hold time
	HeldMax         time.Duration // Longest any scanner was held
}

// Tracker implements tarpit.Observer. It counts opened and closed
// connections, distinct peer IPs, per-peer revisit counts (in a TTL
// store, optionally shared via Redis) and records every session's hold
// duration in an HDR histogram: the tarpit's yield, measured in wasted
// scanner time.
type Tracker struct {
	store Store
	ttl   time.Duration
	log   logger.Logger
	peers *safeset.SafeSet[string]

	opened          atomic.Uint64
	closed          atomic.Uint64
	peerDisconnects atomic.Uint64
	cancelled       atomic.Uint64
	totalHeldNanos  atomic.Int64

	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

var _ tarpit.Observer = (*Tracker)(nil)

// New creates a Tracker that records per-peer revisit counts in store
// with the given TTL.
func New(store Store, peerTTL time.Duration, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Tracker{
		store: store,
		ttl:   peerTTL,
		log:   log,
		peers: safeset.NewSafeSet[string](),
		hist:  hdrhistogram.New(1, maxHeldMillis, 3),
	}
}

// ConnectionAccepted implements tarpit.Observer.
func (t *Tracker) ConnectionAccepted(remoteAddr string) {
	t.opened.Add(1)

	peer := peerIP(remoteAddr)
	t.peers.Add(peer)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	visits, err := t.store.Increment(ctx, peer, t.ttl)
	if err != nil {
		t.log.Warn("peer store increment failed",
			logger.Field{Key: "peer", Value: peer},
			logger.Field{Key: "error", Value: err})
		return
	}

	if visits > 1 {
		t.log.Info("repeat visitor",
			logger.Field{Key: "peer", Value: peer},
			logger.Field{Key: "visits", Value: visits})
	}
}

// ConnectionClosed implements tarpit.Observer.
func (t *Tracker) ConnectionClosed(remoteAddr string, reason tarpit.CloseReason, held time.Duration) {
	t.closed.Add(1)
	switch reason {
	case tarpit.ReasonPeerDisconnect:
		t.peerDisconnects.Add(1)
	case tarpit.ReasonCancelled:
		t.cancelled.Add(1)
	}

	t.totalHeldNanos.Add(int64(held))

	millis := held.Milliseconds()
	if millis < 1 {
		millis = 1
	}
	if millis > maxHeldMillis {
		millis = maxHeldMillis
	}

	t.mu.Lock()
	_ = t.hist.RecordValue(millis)
	t.mu.Unlock()
}

// Visits returns how many times the given peer IP has connected within
// the store's TTL window.
func (t *Tracker) Visits(ctx context.Context, peer string) (int64, error) {
	return t.store.Get(ctx, peer)
}

// Snapshot returns the tracker's current counters and hold-time
// percentiles.
func (t *Tracker) Snapshot() Summary {
	opened := t.opened.Load()
	closed := t.closed.Load()

	s := Summary{
		Opened:          opened,
		Closed:          closed,
		Live:            opened - closed,
		PeerDisconnects: t.peerDisconnects.Load(),
		Cancelled:       t.cancelled.Load(),
		DistinctPeers:   t.peers.Size(),
		TotalHeld:       time.Duration(t.totalHeldNanos.Load()),
	}

	t.mu.Lock()
	if t.hist.TotalCount() > 0 {
		s.HeldP50 = time.Duration(t.hist.ValueAtQuantile(50)) * time.Millisecond
		s.HeldP99 = time.Duration(t.hist.ValueAtQuantile(99)) * time.Millisecond
		s.HeldMax = time.Duration(t.hist.Max()) * time.Millisecond
	}
	t.mu.Unlock()

	return s
}

// LogSummary writes the current Summary as one structured entry, used
// at shutdown to mirror a final "how much scanner time did we burn"
// report.
func (t *Tracker) LogSummary() {
	s := t.Snapshot()
	t.log.Info("tarpit summary",
		logger.Field{Key: "opened", Value: s.Opened},
		logger.Field{Key: "closed", Value: s.Closed},
		logger.Field{Key: "live", Value: s.Live},
		logger.Field{Key: "peer_disconnects", Value: s.PeerDisconnects},
		logger.Field{Key: "cancelled", Value: s.Cancelled},
		logger.Field{Key: "distinct_peers", Value: s.DistinctPeers},
		logger.Field{Key: "total_held", Value: s.TotalHeld.String()},
		logger.Field{Key: "held_p50", Value: s.HeldP50.String()},
		logger.Field{Key: "held_p99", Value: s.HeldP99.String()},
		logger.Field{Key: "held_max", Value: s.HeldMax.String()})
}

// peerIP strips the port from a remote address; tracking is per-host,
// not per-source-port.
func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}

	return host
}
