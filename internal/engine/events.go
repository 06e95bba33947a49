package engine

import (
	"time"

	"github.com/bit2swaz/afetmesh/internal/envelope"
)

// Received is a message surfaced to the application.
type Received struct {
	Record   envelope.Record
	FromPeer string
	At       time.Time
}

// Subscription carries one typed channel per engine event. Sends never
// block: when a channel is full the event is dropped for this subscriber.
type Subscription struct {
	PeerDiscovered   chan PeerLink
	PeerConnected    chan PeerLink
	PeerDisconnected chan PeerLink
	MessageReceived  chan Received
	MessageSent      chan envelope.Record
}

func newSubscription(buf int) *Subscription {
	return &Subscription{
		PeerDiscovered:   make(chan PeerLink, buf),
		PeerConnected:    make(chan PeerLink, buf),
		PeerDisconnected: make(chan PeerLink, buf),
		MessageReceived:  make(chan Received, buf),
		MessageSent:      make(chan envelope.Record, buf),
	}
}

func (s *Subscription) close() {
	close(s.PeerDiscovered)
	close(s.PeerConnected)
	close(s.PeerDisconnected)
	close(s.MessageReceived)
	close(s.MessageSent)
}

// Subscribe registers a new event subscriber. After Stop the returned
// subscription's channels are already closed.
func (e *Engine) Subscribe() *Subscription {
	s := newSubscription(e.cfg.EventBuffer)
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.subs == nil {
		s.close()
		return s
	}
	e.subs[s] = struct{}{}
	return s
}

// Unsubscribe closes the subscription's channels.
func (e *Engine) Unsubscribe(s *Subscription) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if _, ok := e.subs[s]; ok {
		delete(e.subs, s)
		s.close()
	}
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (e *Engine) emit(fn func(s *Subscription)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for s := range e.subs {
		fn(s)
	}
}

func (e *Engine) emitPeer(pick func(s *Subscription) chan PeerLink, link PeerLink) {
	e.emit(func(s *Subscription) { offer(pick(s), link) })
}

func (e *Engine) closeSubscriptions() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for s := range e.subs {
		s.close()
	}
	e.subs = nil
}
