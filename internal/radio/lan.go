package radio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bit2swaz/afetmesh/internal/discovery"
	"github.com/bit2swaz/afetmesh/internal/transport"
)

// LANConfig configures a LANRadio.
type LANConfig struct {
	ServiceID      string
	NodeID         string
	Nick           string
	Port           int   // TCP port, 0 picks a free one
	DiscoveryPort  int   // UDP port this node listens for beacons on
	BeaconPorts    []int // UDP ports beacons are sent to
	BeaconHosts    []string
	BeaconInterval time.Duration
	Signal         int // reported for every LAN sighting
	MaxPayload     int
}

// LANRadio carries frames over TCP links between nodes that find each other
// through UDP beacons.
type LANRadio struct {
	cfg  LANConfig
	mgr  *transport.Manager
	disp *dispatcher

	mu    sync.Mutex
	addrs map[string]string
}

var _ Transport = (*LANRadio)(nil)

type lanConn struct {
	peer    string
	payload int
}

func (c *lanConn) PeerID() string  { return c.peer }
func (c *lanConn) MaxPayload() int { return c.payload }

func NewLANRadio(cfg LANConfig) *LANRadio {
	if cfg.ServiceID == "" {
		cfg.ServiceID = DefaultServiceID
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 512
	}
	if cfg.Signal == 0 {
		cfg.Signal = -50
	}
	r := &LANRadio{
		cfg:   cfg,
		disp:  newDispatcher(),
		addrs: make(map[string]string),
	}
	r.mgr = transport.NewManager(cfg.NodeID, cfg.ServiceID, r.disp.deliver)
	return r
}

// Start opens the TCP listener and begins advertising until ctx is done.
func (r *LANRadio) Start(ctx context.Context) error {
	if err := r.mgr.Listen(fmt.Sprint(r.cfg.Port)); err != nil {
		return err
	}
	ports := r.cfg.BeaconPorts
	if len(ports) == 0 && r.cfg.DiscoveryPort != 0 {
		ports = []int{r.cfg.DiscoveryPort}
	}
	if len(ports) == 0 {
		return nil
	}
	go func() {
		err := discovery.StartHeartbeat(ctx, discovery.BeaconConfig{
			Service:  r.cfg.ServiceID,
			NodeID:   r.cfg.NodeID,
			Nick:     r.cfg.Nick,
			Port:     r.mgr.Port(),
			Hosts:    r.cfg.BeaconHosts,
			Ports:    ports,
			Interval: r.cfg.BeaconInterval,
		})
		if err != nil {
			slog.Error("Beacon failed", "error", err)
		}
	}()
	return nil
}

// Port is the bound TCP port.
func (r *LANRadio) Port() int { return r.mgr.Port() }

// AddPeer records a known address for peerID without waiting for a beacon.
func (r *LANRadio) AddPeer(peerID, addr string) {
	r.mu.Lock()
	r.addrs[peerID] = addr
	r.mu.Unlock()
}

func (r *LANRadio) Scan(ctx context.Context, serviceID string, onFound func(Sighting)) error {
	peerChan := make(chan discovery.PeerInfo, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- discovery.StartListener(ctx, r.cfg.DiscoveryPort, serviceID, r.cfg.NodeID, peerChan)
	}()

	for {
		select {
		case info := <-peerChan:
			r.AddPeer(info.ID, info.Addr)
			onFound(Sighting{
				PeerID:      info.ID,
				DisplayName: info.Nick,
				Signal:      r.cfg.Signal,
				Addr:        info.Addr,
			})
		case err := <-errCh:
			if err != nil {
				return transportErr("scan", r.cfg.NodeID, err)
			}
			return nil
		}
	}
}

func (r *LANRadio) Connect(ctx context.Context, peerID string) (Conn, error) {
	conn := &lanConn{peer: peerID, payload: r.cfg.MaxPayload}
	if r.mgr.HasConnection(peerID) {
		return conn, nil
	}
	r.mu.Lock()
	addr, ok := r.addrs[peerID]
	r.mu.Unlock()
	if !ok {
		return nil, transportErr("connect", peerID, ErrUnreachable)
	}
	link, err := r.mgr.Dial(ctx, addr)
	if err != nil {
		return nil, transportErr("connect", peerID, err)
	}
	if link.PeerID != peerID {
		r.mgr.Close(link.PeerID)
		return nil, transportErr("connect", peerID, fmt.Errorf("address answered as %s", link.PeerID))
	}
	return conn, nil
}

func (r *LANRadio) WriteFrame(ctx context.Context, conn Conn, frame []byte) error {
	if len(frame) > conn.MaxPayload() {
		return transportErr("write", conn.PeerID(), ErrTooLarge)
	}
	if err := r.mgr.Send(ctx, conn.PeerID(), frame); err != nil {
		return transportErr("write", conn.PeerID(), err)
	}
	return nil
}

func (r *LANRadio) OnFrame(conn Conn, fn func(frame []byte)) {
	r.disp.setHandler(conn.PeerID(), fn)
}

func (r *LANRadio) Disconnect(conn Conn) error {
	r.mgr.Close(conn.PeerID())
	r.disp.remove(conn.PeerID())
	return nil
}

// Close tears down the listener and every link.
func (r *LANRadio) Close() {
	r.mgr.CloseAll()
}
