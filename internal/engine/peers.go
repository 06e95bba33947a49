package engine

import (
	"context"
	"sort"
	"time"

	"github.com/bit2swaz/afetmesh/internal/radio"
)

type PeerState uint8

const (
	PeerDiscovered PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerDiscovered:
		return "discovered"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerLink is a snapshot of what the engine knows about a nearby device.
type PeerLink struct {
	PeerID        string    `json:"peer_id"`
	DisplayName   string    `json:"display_name"`
	Addr          string    `json:"addr,omitempty"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	Signal        int       `json:"signal"`
	State         PeerState `json:"state"`
	PayloadLimit  int       `json:"payload_limit"`
	Failures      int       `json:"failures"`
	BadSignatures int       `json:"bad_signatures"`
}

type peer struct {
	link         PeerLink
	conn         radio.Conn
	blockedUntil time.Time
}

type target struct {
	id   string
	conn radio.Conn
}

func (e *Engine) onSighting(ctx context.Context, s radio.Sighting) {
	if s.PeerID == "" || s.PeerID == e.id.NodeID {
		return
	}
	now := e.now()

	e.mu.Lock()
	p, ok := e.peers[s.PeerID]
	if !ok {
		p = &peer{link: PeerLink{PeerID: s.PeerID, State: PeerDiscovered}}
		e.peers[s.PeerID] = p
	}
	p.link.DisplayName = s.DisplayName
	p.link.Addr = s.Addr
	p.link.Signal = s.Signal
	p.link.LastSeenAt = now
	dial := e.shouldConnectLocked(p, now)
	if dial {
		p.link.State = PeerConnecting
	}
	link := p.link
	e.mu.Unlock()

	e.emitPeer(func(s *Subscription) chan PeerLink { return s.PeerDiscovered }, link)
	if !dial {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.connect(ctx, s.PeerID)
	}()
}

func (e *Engine) shouldConnectLocked(p *peer, now time.Time) bool {
	if p.link.State == PeerConnected || p.link.State == PeerConnecting {
		return false
	}
	if p.link.Signal < e.cfg.MinSignal || now.Before(p.blockedUntil) {
		return false
	}
	if e.cfg.MaxPeers > 0 && e.connectedLocked() >= e.cfg.MaxPeers {
		return false
	}
	return true
}

func (e *Engine) connectedLocked() int {
	n := 0
	for _, p := range e.peers {
		if p.link.State == PeerConnected || p.link.State == PeerConnecting {
			n++
		}
	}
	return n
}

func (e *Engine) connect(ctx context.Context, peerID string) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	conn, err := e.tr.Connect(cctx, peerID)
	cancel()

	e.mu.Lock()
	p, ok := e.peers[peerID]
	if err != nil {
		if ok {
			p.link.State = PeerDisconnected
			p.link.Failures++
			if p.link.Failures >= e.cfg.MaxFailures {
				p.blockedUntil = e.now().Add(e.cfg.PeerTimeout)
				p.link.Failures = 0
			}
		}
		e.mu.Unlock()
		e.log.Warn("Failed to connect to peer", "peer", peerID, "error", err)
		return
	}
	if !ok || e.closed.Load() || ctx.Err() != nil {
		e.mu.Unlock()
		e.tr.Disconnect(conn)
		return
	}
	p.conn = conn
	p.link.State = PeerConnected
	p.link.PayloadLimit = conn.MaxPayload()
	p.link.Failures = 0
	p.link.LastSeenAt = e.now()
	link := p.link
	e.mu.Unlock()

	e.tr.OnFrame(conn, func(frame []byte) { e.handleFrame(peerID, frame) })
	e.log.Info("Peer connected", "peer", peerID, "name", link.DisplayName, "signal", link.Signal)
	e.emitPeer(func(s *Subscription) chan PeerLink { return s.PeerConnected }, link)
	e.kick()
}

// disconnect tears down the link to peerID if it is connected.
func (e *Engine) disconnect(peerID, reason string) {
	e.mu.Lock()
	p, ok := e.peers[peerID]
	if !ok || p.link.State != PeerConnected {
		e.mu.Unlock()
		return
	}
	conn := p.conn
	p.conn = nil
	p.link.State = PeerDisconnected
	p.link.PayloadLimit = 0
	link := p.link
	e.mu.Unlock()

	if err := e.tr.Disconnect(conn); err != nil {
		e.log.Debug("Disconnect failed", "peer", peerID, "error", err)
	}
	e.log.Info("Peer disconnected", "peer", peerID, "reason", reason)
	e.emitPeer(func(s *Subscription) chan PeerLink { return s.PeerDisconnected }, link)
}

func (e *Engine) recordFailure(peerID string, err error) {
	e.stats.sendFailures.Add(1)
	e.mu.Lock()
	p, ok := e.peers[peerID]
	drop := false
	if ok {
		p.link.Failures++
		drop = p.link.Failures >= e.cfg.MaxFailures
		if drop {
			p.blockedUntil = e.now().Add(e.cfg.ScanInterval)
			p.link.Failures = 0
		}
	}
	e.mu.Unlock()

	e.log.Warn("Send to peer failed", "peer", peerID, "error", err)
	if drop {
		e.disconnect(peerID, "repeated send failures")
	}
}

func (e *Engine) recordSuccess(peerID string) {
	e.mu.Lock()
	if p, ok := e.peers[peerID]; ok {
		p.link.Failures = 0
		p.link.LastSeenAt = e.now()
	}
	e.mu.Unlock()
}

func (e *Engine) touch(peerID string) {
	e.mu.Lock()
	if p, ok := e.peers[peerID]; ok {
		p.link.LastSeenAt = e.now()
	}
	e.mu.Unlock()
}

func (e *Engine) recordBadSignature(peerID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[peerID]; ok {
		p.link.BadSignatures++
		return p.link.BadSignatures
	}
	return 0
}

// targets lists connected peers other than exclude.
func (e *Engine) targets(exclude string) []target {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]target, 0, len(e.peers))
	for id, p := range e.peers {
		if id == exclude || p.link.State != PeerConnected || p.conn == nil {
			continue
		}
		out = append(out, target{id: id, conn: p.conn})
	}
	return out
}

func (e *Engine) connectedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.peers {
		if p.link.State == PeerConnected {
			n++
		}
	}
	return n
}

// Peers returns a snapshot of every known peer ordered by id.
func (e *Engine) Peers() []PeerLink {
	e.mu.Lock()
	out := make([]PeerLink, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p.link)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// expirePeers forgets idle peers and disconnects connected ones that went
// silent for longer than PeerTimeout.
func (e *Engine) expirePeers(now time.Time) {
	var silent []string
	e.mu.Lock()
	for id, p := range e.peers {
		if now.Sub(p.link.LastSeenAt) < e.cfg.PeerTimeout {
			continue
		}
		switch p.link.State {
		case PeerConnected:
			silent = append(silent, id)
		case PeerDiscovered, PeerDisconnected:
			if now.After(p.blockedUntil) {
				delete(e.peers, id)
			}
		}
	}
	e.mu.Unlock()

	for _, id := range silent {
		e.disconnect(id, "silent")
	}
}
