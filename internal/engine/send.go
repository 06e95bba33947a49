package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/bit2swaz/afetmesh/internal/queue"
)

// fanOut writes frame to every connected peer except exclude, one goroutine
// per peer, and waits for all of them. Failures are peer-local.
func (e *Engine) fanOut(ctx context.Context, frame []byte, exclude string) int {
	var wg sync.WaitGroup
	var accepted atomic.Int64
	for _, t := range e.targets(exclude) {
		if t.conn.MaxPayload() < len(frame) {
			e.log.Debug("Skipping peer with small payload limit", "peer", t.id, "limit", t.conn.MaxPayload(), "size", len(frame))
			continue
		}
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
			err := e.tr.WriteFrame(wctx, t.conn, frame)
			cancel()
			if err != nil {
				e.recordFailure(t.id, err)
				return
			}
			e.recordSuccess(t.id)
			accepted.Add(1)
		}(t)
	}
	wg.Wait()
	return int(accepted.Load())
}

func (e *Engine) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
		e.drain(ctx)
	}
}

// drain transmits queued entries in priority order while peers are
// connected. Entries nobody accepted go back to the queue for a later pass.
func (e *Engine) drain(ctx context.Context) {
	if e.connectedCount() == 0 {
		return
	}
	var retry []string
	defer func() {
		for _, id := range retry {
			e.queue.Release(id, queue.Retry)
		}
	}()

	for ctx.Err() == nil {
		entry, ok := e.queue.Dequeue()
		if !ok {
			return
		}
		id := entry.Record.ID
		frame, err := envelope.Encode(entry.Record)
		if err != nil {
			e.log.Warn("Dropping unencodable queue entry", "id", id, "error", err)
			e.queue.Release(id, queue.Dropped)
			continue
		}
		if e.fanOut(ctx, frame, entry.FromPeer) == 0 {
			retry = append(retry, id)
			continue
		}
		e.queue.Release(id, queue.Delivered)
		if entry.FromPeer != "" {
			e.stats.relayed.Add(1)
		} else {
			e.stats.sent.Add(1)
		}
		e.emit(func(s *Subscription) { offer(s.MessageSent, entry.Record.Clone()) })
	}
}
