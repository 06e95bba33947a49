package radio

import "sync"

const backlogLimit = 32

// dispatcher routes inbound frames to the handler registered for the sending
// peer, buffering a bounded backlog until one is registered. Frames from one
// peer reach the handler in arrival order.
type dispatcher struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	backlog  map[string][][]byte
	// Peers whose backlog is being handed to a new handler. Frames arriving
	// meanwhile queue behind it.
	flushing map[string]bool
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		handlers: make(map[string]func([]byte)),
		backlog:  make(map[string][][]byte),
		flushing: make(map[string]bool),
	}
}

func (d *dispatcher) deliver(peerID string, frame []byte) {
	d.mu.Lock()
	fn := d.handlers[peerID]
	if fn == nil || d.flushing[peerID] {
		q := append(d.backlog[peerID], frame)
		if len(q) > backlogLimit {
			q = q[len(q)-backlogLimit:]
		}
		d.backlog[peerID] = q
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	fn(frame)
}

func (d *dispatcher) setHandler(peerID string, fn func([]byte)) {
	d.mu.Lock()
	d.handlers[peerID] = fn
	d.flushing[peerID] = true
	d.mu.Unlock()

	for {
		d.mu.Lock()
		pending := d.backlog[peerID]
		delete(d.backlog, peerID)
		if len(pending) == 0 || d.handlers[peerID] == nil {
			delete(d.flushing, peerID)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		for _, f := range pending {
			fn(f)
		}
	}
}

func (d *dispatcher) remove(peerID string) {
	d.mu.Lock()
	delete(d.handlers, peerID)
	delete(d.backlog, peerID)
	delete(d.flushing, peerID)
	d.mu.Unlock()
}
