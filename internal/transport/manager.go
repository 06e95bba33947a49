package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const helloTimeout = 5 * time.Second

// Hello is the first frame in both directions on every link.
type Hello struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Service string `json:"service"`
}

var ErrNoLink = errors.New("no link to peer")

// Link is an identified TCP connection to one peer.
type Link struct {
	PeerID string
	conn   net.Conn
	wmu    sync.Mutex
}

func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// Manager owns the LAN links of one node. Frames read from any link are
// handed to onFrame with the sending peer's id.
type Manager struct {
	nodeID  string
	service string
	onFrame func(peerID string, data []byte)

	mu       sync.Mutex
	primary  map[string]*Link
	all      map[*Link]struct{}
	listener net.Listener
	closed   bool
}

func NewManager(nodeID, service string, onFrame func(peerID string, data []byte)) *Manager {
	return &Manager{
		nodeID:  nodeID,
		service: service,
		onFrame: onFrame,
		primary: make(map[string]*Link),
		all:     make(map[*Link]struct{}),
	}
}

// Listen starts a TCP listener on the given port. Port "0" picks a free one.
func (m *Manager) Listen(port string) error {
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", port, err)
	}
	m.mu.Lock()
	m.listener = listener
	m.mu.Unlock()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Warn("Accept error", "error", err)
				continue
			}
			go m.accept(conn)
		}
	}()
	return nil
}

// Port reports the listening port, or 0 before Listen.
func (m *Manager) Port() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return 0
	}
	return m.listener.Addr().(*net.TCPAddr).Port
}

func (m *Manager) accept(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(helloTimeout))
	peer, err := m.readHello(conn)
	if err == nil {
		err = m.writeHello(conn)
	}
	if err != nil {
		slog.Warn("Rejected inbound link", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	m.serve(m.register(peer, conn))
}

// Dial connects to addr and performs the hello exchange.
func (m *Manager) Dial(ctx context.Context, addr string) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(helloTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)
	if err := m.writeHello(conn); err != nil {
		conn.Close()
		return nil, err
	}
	peer, err := m.readHello(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	link := m.register(peer, conn)
	go m.serve(link)
	return link, nil
}

func (m *Manager) writeHello(conn net.Conn) error {
	data, err := json.Marshal(Hello{Type: "hello", ID: m.nodeID, Service: m.service})
	if err != nil {
		return err
	}
	return WriteFrame(conn, data)
}

func (m *Manager) readHello(conn net.Conn) (string, error) {
	data, err := ReadFrame(conn)
	if err != nil {
		return "", err
	}
	var h Hello
	if err := json.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("bad hello: %w", err)
	}
	if h.Type != "hello" || h.ID == "" {
		return "", fmt.Errorf("bad hello from %s", conn.RemoteAddr())
	}
	if h.Service != m.service {
		return "", fmt.Errorf("peer %s speaks service %q", h.ID, h.Service)
	}
	if h.ID == m.nodeID {
		return "", fmt.Errorf("connected to self")
	}
	return h.ID, nil
}

// register records a link. The first live link to a peer is used for writes;
// later ones are still read from.
func (m *Manager) register(peerID string, conn net.Conn) *Link {
	link := &Link{PeerID: peerID, conn: conn}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		conn.Close()
		return link
	}
	m.all[link] = struct{}{}
	if _, ok := m.primary[peerID]; !ok {
		m.primary[peerID] = link
	}
	return link
}

func (m *Manager) unregister(link *Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.all, link)
	if m.primary[link.PeerID] == link {
		delete(m.primary, link.PeerID)
		for other := range m.all {
			if other.PeerID == link.PeerID {
				m.primary[link.PeerID] = other
				break
			}
		}
	}
}

func (m *Manager) serve(link *Link) {
	defer m.unregister(link)
	defer link.conn.Close()
	for {
		payload, err := ReadFrame(link.conn)
		if err != nil {
			return
		}
		if m.onFrame != nil {
			m.onFrame(link.PeerID, payload)
		}
	}
}

// Send writes one frame to peerID, honouring the context deadline.
func (m *Manager) Send(ctx context.Context, peerID string, data []byte) error {
	m.mu.Lock()
	link, ok := m.primary[peerID]
	m.mu.Unlock()
	if !ok {
		return ErrNoLink
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	link.wmu.Lock()
	defer link.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		link.conn.SetWriteDeadline(dl)
		defer link.conn.SetWriteDeadline(time.Time{})
	}
	return WriteFrame(link.conn, data)
}

// Close drops every link to peerID.
func (m *Manager) Close(peerID string) {
	m.mu.Lock()
	var victims []*Link
	for link := range m.all {
		if link.PeerID == peerID {
			victims = append(victims, link)
		}
	}
	m.mu.Unlock()
	for _, link := range victims {
		link.conn.Close()
	}
}

// CloseAll closes the listener and all active connections.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	if m.listener != nil {
		m.listener.Close()
	}
	links := make([]*Link, 0, len(m.all))
	for link := range m.all {
		links = append(links, link)
	}
	m.mu.Unlock()
	for _, link := range links {
		link.conn.Close()
	}
}

// HasConnection checks if there is an active link to the given peer.
func (m *Manager) HasConnection(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.primary[peerID]
	return ok
}
