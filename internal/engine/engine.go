// Package engine relays signed envelopes between nearby peers.
package engine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bit2swaz/afetmesh/internal/core"
	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/bit2swaz/afetmesh/internal/queue"
	"github.com/bit2swaz/afetmesh/internal/radio"
)

var ErrAlreadyStarted = errors.New("engine already started")

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithQueue replaces the engine's private delivery queue, e.g. with one
// backed by a store.
func WithQueue(q *queue.Queue) Option {
	return func(e *Engine) { e.queue = q }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is one mesh node. All shared state (peer table, seen set, queue)
// is owned here and guarded internally.
type Engine struct {
	cfg   Config
	tr    radio.Transport
	id    core.Identity
	priv  ed25519.PrivateKey
	log   *slog.Logger
	now   func() time.Time
	queue *queue.Queue
	seen  *seenSet
	stats counters

	// seen-set evictions already reported by housekeeping
	evictedLogged uint64

	mu       sync.Mutex
	peers    map[string]*peer
	location envelope.Location

	subMu sync.Mutex
	subs  map[*Subscription]struct{}

	wake   chan struct{}
	rescan chan struct{}

	started  atomic.Bool
	closed   atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config, tr radio.Transport, id core.Identity, opts ...Option) (*Engine, error) {
	_, priv, err := id.Keys()
	if err != nil {
		return nil, fmt.Errorf("engine identity: %w", err)
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:    cfg,
		tr:     tr,
		id:     id,
		priv:   priv,
		log:    slog.Default(),
		now:    time.Now,
		peers:  make(map[string]*peer),
		subs:   make(map[*Subscription]struct{}),
		wake:   make(chan struct{}, 1),
		rescan: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("node", id.NodeID)
	if e.queue == nil {
		e.queue = queue.New(queue.WithPolicy(cfg.QueuePolicy), queue.WithLogger(e.log))
	}
	e.seen = newSeenSet(cfg.SeenRetention, cfg.SeenCapacity)
	return e, nil
}

func (e *Engine) NodeID() string { return e.id.NodeID }

// SetLocation sets the position stamped on heartbeats.
func (e *Engine) SetLocation(loc envelope.Location) {
	e.mu.Lock()
	e.location = loc
	e.mu.Unlock()
}

// Start restores any persisted queue entries and launches the scan, drain,
// heartbeat and housekeeping loops. They run until Stop or ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if n, err := e.queue.Restore(ctx); err != nil {
		e.log.Warn("Failed to restore queue", "error", err)
	} else if n > 0 {
		e.log.Info("Restored queued messages", "count", n)
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	loops := []func(context.Context){e.scanLoop, e.drainLoop, e.heartbeatLoop, e.housekeepingLoop}
	e.wg.Add(len(loops))
	for _, loop := range loops {
		go func(run func(context.Context)) {
			defer e.wg.Done()
			run(ctx)
		}(loop)
	}
	e.log.Info("Engine started", "service", e.cfg.ServiceID)
	return nil
}

// Stop cancels the scan, stops every loop and disconnects all peers before
// returning. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.closed.Store(true)
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()

		e.mu.Lock()
		var connected []string
		for id, p := range e.peers {
			if p.link.State == PeerConnected {
				connected = append(connected, id)
			}
		}
		e.mu.Unlock()
		for _, id := range connected {
			e.disconnect(id, "engine stopped")
		}
		e.closeSubscriptions()
		e.log.Info("Engine stopped")
	})
}

// RestartScan starts a new scan pass without waiting for ScanInterval.
func (e *Engine) RestartScan() {
	select {
	case e.rescan <- struct{}{}:
	default:
	}
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) QueueLength() int {
	return e.queue.PeekLength()
}

func (e *Engine) Stats() Stats {
	s := e.stats.snapshot()
	e.mu.Lock()
	s.Peers = len(e.peers)
	for _, p := range e.peers {
		if p.link.State == PeerConnected {
			s.Connected++
		}
	}
	e.mu.Unlock()
	s.Queued = e.queue.PeekLength()
	s.Seen = e.seen.Len()
	s.SeenEvictions = e.seen.Evicted()
	return s
}

// prepare signs r when needed and returns it with its wire frame. Only
// validation and size errors are returned.
func (e *Engine) prepare(r envelope.Record) (envelope.Record, []byte, error) {
	if !r.Signed() {
		signed, err := core.Sign(r, e.priv)
		if err != nil {
			return envelope.Record{}, nil, err
		}
		r = signed
	}
	frame, err := envelope.Encode(r)
	if err != nil {
		return envelope.Record{}, nil, err
	}
	return r, frame, nil
}

// Publish signs r if needed and admits it to the delivery queue. A record
// whose id is already queued is ignored.
func (e *Engine) Publish(r envelope.Record) error {
	signed, _, err := e.prepare(r)
	if err != nil {
		return err
	}
	e.seen.CheckAndAdd(signed.ID, e.now())
	if !e.queue.Enqueue(signed, queue.PriorityFor(signed)) {
		e.log.Debug("Duplicate publish ignored", "id", signed.ID)
		return nil
	}
	e.log.Info("Message queued", "id", signed.ID, "kind", signed.Kind, "priority", signed.Priority)
	e.kick()
	return nil
}

// Send transmits r to every connected peer right away and reports how many
// accepted the frame.
func (e *Engine) Send(ctx context.Context, r envelope.Record) (int, error) {
	signed, frame, err := e.prepare(r)
	if err != nil {
		return 0, err
	}
	e.seen.CheckAndAdd(signed.ID, e.now())
	n := e.fanOut(ctx, frame, "")
	if n > 0 {
		e.stats.sent.Add(1)
		e.emit(func(s *Subscription) { offer(s.MessageSent, signed.Clone()) })
	}
	return n, nil
}

func (e *Engine) scanLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-e.rescan:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		e.scanOnce(ctx)
		timer.Reset(e.cfg.ScanInterval)
	}
}

func (e *Engine) scanOnce(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.ScanTimeout)
	defer cancel()
	err := e.tr.Scan(sctx, e.cfg.ServiceID, func(s radio.Sighting) { e.onSighting(ctx, s) })
	if err != nil && ctx.Err() == nil {
		e.log.Warn("Scan failed", "error", err)
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.connectedCount() > 0 {
				e.sendHeartbeat(ctx)
			}
		}
	}
}

func (e *Engine) sendHeartbeat(ctx context.Context) {
	e.mu.Lock()
	loc := e.location
	e.mu.Unlock()

	ttl := 1
	r, err := envelope.BuildStatusPing(envelope.Fields{Location: loc, TTL: &ttl, Now: e.now})
	if err != nil {
		e.log.Warn("Failed to build heartbeat", "error", err)
		return
	}
	r.Liveness = true
	r, frame, err := e.prepare(r)
	if err != nil {
		e.log.Warn("Failed to sign heartbeat", "error", err)
		return
	}
	e.seen.CheckAndAdd(r.ID, e.now())
	if e.fanOut(ctx, frame, "") > 0 {
		e.stats.heartbeats.Add(1)
	}
}

func (e *Engine) housekeepingLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.housekeeping()
		}
	}
}

func (e *Engine) housekeeping() {
	now := e.now()
	purged := e.seen.Purge(now)
	expired := e.queue.ClearExpired()
	e.expirePeers(now)
	if purged > 0 || expired > 0 {
		e.log.Debug("Housekeeping", "seen_purged", purged, "queue_expired", expired)
	}
	if n := e.seen.Evicted(); n > e.evictedLogged {
		e.log.Warn("Seen set full, ids evicted before retention", "evicted", n-e.evictedLogged, "capacity", e.cfg.SeenCapacity)
		e.evictedLogged = n
	}
}
