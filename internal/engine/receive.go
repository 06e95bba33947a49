package engine

import (
	"github.com/bit2swaz/afetmesh/internal/core"
	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/bit2swaz/afetmesh/internal/queue"
)

// handleFrame runs the receive pipeline for one frame from peerID: decode,
// verify, loop check, surface, then relay with one more hop.
func (e *Engine) handleFrame(peerID string, frame []byte) {
	if e.closed.Load() {
		return
	}
	e.stats.received.Add(1)
	e.touch(peerID)

	r, err := envelope.Decode(frame)
	if err != nil {
		e.stats.malformed.Add(1)
		e.log.Debug("Discarding malformed frame", "peer", peerID, "error", err)
		return
	}
	if !core.VerifySender(r) {
		e.stats.badSignatures.Add(1)
		n := e.recordBadSignature(peerID)
		e.log.Warn("Discarding frame with invalid signature", "peer", peerID, "id", r.ID, "count", n, "error", envelope.ErrSignatureInvalid)
		return
	}

	now := e.now()
	if e.seen.CheckAndAdd(r.ID, now) {
		e.stats.duplicates.Add(1)
		return
	}

	if !r.Liveness {
		e.stats.surfaced.Add(1)
		e.log.Info("Message received", "peer", peerID, "id", r.ID, "kind", r.Kind, "hops", r.Hops)
		msg := Received{Record: r.Clone(), FromPeer: peerID, At: now}
		e.emit(func(s *Subscription) { offer(s.MessageReceived, msg) })
	}

	r.Hops++
	if r.RemainingHops() == 0 {
		return
	}
	if e.queue.Enqueue(r, queue.PriorityFor(r), queue.FromPeer(peerID)) {
		e.kick()
	}
}
