package radio

import (
	"bytes"
	"context"
	"math"
	"sync"
)

// DefaultSimPayload approximates a BLE link with data length extension.
const DefaultSimPayload = 244

// Air simulates the shared medium: radios hear each other when they are
// within Range of one another.
type Air struct {
	mu     sync.Mutex
	radios map[string]*SimRadio
	Range  float64
}

func NewAir(rangeMeters float64) *Air {
	return &Air{radios: make(map[string]*SimRadio), Range: rangeMeters}
}

// Join places a new radio at (x, y) advertising DefaultServiceID.
func (a *Air) Join(id, name string, x, y float64) *SimRadio {
	r := &SimRadio{
		air:      a,
		id:       id,
		name:     name,
		x:        x,
		y:        y,
		payload:  DefaultSimPayload,
		services: map[string]bool{DefaultServiceID: true},
		links:    make(map[string]*simConn),
		disp:     newDispatcher(),
	}
	a.mu.Lock()
	a.radios[id] = r
	a.mu.Unlock()
	return r
}

func (a *Air) Move(id string, x, y float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.radios[id]; ok {
		r.x, r.y = x, y
	}
}

// Leave removes a radio from the air and tears down its links.
func (a *Air) Leave(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.radios[id]
	if !ok {
		return
	}
	r.gone = true
	for peer := range r.links {
		if other, ok := a.radios[peer]; ok {
			delete(other.links, id)
		}
	}
	r.links = make(map[string]*simConn)
	delete(a.radios, id)
}

func (a *Air) distanceLocked(p, q *SimRadio) float64 {
	return math.Hypot(p.x-q.x, p.y-q.y)
}

func (a *Air) reachableLocked(p, q *SimRadio) bool {
	if q == nil || q.down || q.gone || p.down || p.gone {
		return false
	}
	return a.distanceLocked(p, q) <= a.Range
}

// signalLocked maps distance to -40 (touching) .. -100 (edge of range).
func (a *Air) signalLocked(p, q *SimRadio) int {
	if a.Range <= 0 {
		return -100
	}
	return -40 - int(math.Round(60*a.distanceLocked(p, q)/a.Range))
}

// SimRadio is one node's view of the Air. It implements Transport.
type SimRadio struct {
	air  *Air
	id   string
	name string
	disp *dispatcher

	// guarded by air.mu
	x, y     float64
	down     bool
	gone     bool
	payload  int
	services map[string]bool
	links    map[string]*simConn
}

type simConn struct {
	peer    string
	payload int
}

func (c *simConn) PeerID() string  { return c.peer }
func (c *simConn) MaxPayload() int { return c.payload }

var _ Transport = (*SimRadio)(nil)

func (r *SimRadio) ID() string { return r.id }

// SetDown switches the radio off (true) or on. A radio that is off neither
// sees nor is seen, and its writes fail.
func (r *SimRadio) SetDown(down bool) {
	r.air.mu.Lock()
	r.down = down
	r.air.mu.Unlock()
}

func (r *SimRadio) SetPayloadLimit(n int) {
	r.air.mu.Lock()
	r.payload = n
	r.air.mu.Unlock()
}

func (r *SimRadio) Advertise(serviceID string) {
	r.air.mu.Lock()
	r.services[serviceID] = true
	r.air.mu.Unlock()
}

// Linked reports whether a link to peerID is open.
func (r *SimRadio) Linked(peerID string) bool {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	_, ok := r.links[peerID]
	return ok
}

func (r *SimRadio) Scan(ctx context.Context, serviceID string, onFound func(Sighting)) error {
	a := r.air
	a.mu.Lock()
	if r.down || r.gone {
		a.mu.Unlock()
		return transportErr("scan", r.id, ErrUnreachable)
	}
	var found []Sighting
	for id, other := range a.radios {
		if id == r.id || !other.services[serviceID] || !a.reachableLocked(r, other) {
			continue
		}
		found = append(found, Sighting{
			PeerID:      id,
			DisplayName: other.name,
			Signal:      a.signalLocked(r, other),
			Addr:        "sim:" + id,
		})
	}
	a.mu.Unlock()

	for _, s := range found {
		if ctx.Err() != nil {
			return nil
		}
		onFound(s)
	}
	return nil
}

func (r *SimRadio) Connect(ctx context.Context, peerID string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportErr("connect", peerID, err)
	}
	a := r.air
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := r.links[peerID]; ok {
		return c, nil
	}
	other := a.radios[peerID]
	if !a.reachableLocked(r, other) {
		return nil, transportErr("connect", peerID, ErrUnreachable)
	}
	payload := min(r.payload, other.payload)
	c := &simConn{peer: peerID, payload: payload}
	r.links[peerID] = c
	other.links[r.id] = &simConn{peer: r.id, payload: payload}
	return c, nil
}

// WriteFrame hands the frame to the receiving radio's handler before
// returning, so frames on one link arrive in write order.
func (r *SimRadio) WriteFrame(ctx context.Context, conn Conn, frame []byte) error {
	peerID := conn.PeerID()
	if err := ctx.Err(); err != nil {
		return transportErr("write", peerID, err)
	}
	a := r.air
	a.mu.Lock()
	link, ok := r.links[peerID]
	if !ok {
		a.mu.Unlock()
		return transportErr("write", peerID, ErrNotConnected)
	}
	if len(frame) > link.payload {
		a.mu.Unlock()
		return transportErr("write", peerID, ErrTooLarge)
	}
	other := a.radios[peerID]
	if !a.reachableLocked(r, other) {
		a.mu.Unlock()
		return transportErr("write", peerID, ErrUnreachable)
	}
	disp := other.disp
	a.mu.Unlock()

	disp.deliver(r.id, bytes.Clone(frame))
	return nil
}

func (r *SimRadio) OnFrame(conn Conn, fn func(frame []byte)) {
	r.disp.setHandler(conn.PeerID(), fn)
}

func (r *SimRadio) Disconnect(conn Conn) error {
	peerID := conn.PeerID()
	a := r.air
	a.mu.Lock()
	delete(r.links, peerID)
	if other, ok := a.radios[peerID]; ok {
		delete(other.links, r.id)
	}
	a.mu.Unlock()
	r.disp.remove(peerID)
	return nil
}
