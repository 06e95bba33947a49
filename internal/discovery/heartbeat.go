package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bit2swaz/afetmesh/internal/store"
	"gorm.io/gorm"
)

type HeartbeatPacket struct {
	Type    string `json:"type"`
	Service string `json:"service"`
	ID      string `json:"id"`
	Nick    string `json:"nick"`
	Port    int    `json:"port"`
	TS      int64  `json:"ts"`
}

type PeerInfo struct {
	ID   string
	Nick string
	Addr string
}

// BeaconConfig describes what a node advertises and where.
type BeaconConfig struct {
	Service  string
	NodeID   string
	Nick     string
	Port     int      // TCP port peers dial
	Hosts    []string // broadcast targets
	Ports    []int    // discovery ports to announce on
	Interval time.Duration
}

// StartHeartbeat broadcasts a beacon every Interval until ctx is done.
func StartHeartbeat(ctx context.Context, cfg BeaconConfig) error {
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []string{"255.255.255.255", "127.0.0.1"}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}

	var conns []*net.UDPConn
	for _, host := range hosts {
		for _, p := range cfg.Ports {
			addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, p))
			if err != nil {
				continue
			}
			conn, err := net.DialUDP("udp", nil, addr)
			if err == nil {
				conns = append(conns, conn)
			}
		}
	}

	if len(conns) == 0 {
		return fmt.Errorf("failed to dial any UDP broadcast addresses")
	}

	slog.Info("Heartbeat started", "targets", len(conns), "nodeID", cfg.NodeID)

	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			packet := HeartbeatPacket{
				Type:    "beat",
				Service: cfg.Service,
				ID:      cfg.NodeID,
				Nick:    cfg.Nick,
				Port:    cfg.Port,
				TS:      t.Unix(),
			}
			data, err := json.Marshal(packet)
			if err != nil {
				continue
			}
			for _, c := range conns {
				_, _ = c.Write(data)
			}
		}
	}
}

// StartListener listens for beacons of service and sends peer info to the
// channel until ctx is done.
func StartListener(ctx context.Context, port int, service, nodeID string, peerChan chan<- PeerInfo) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to resolve listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("read error: %w", err)
			}
		}

		var packet HeartbeatPacket
		if err := json.Unmarshal(buf[:n], &packet); err != nil {
			slog.Warn("Failed to unmarshal heartbeat", "error", err)
			continue
		}

		if packet.Type != "beat" || packet.Service != service {
			continue
		}

		// Ignore our own heartbeats
		if packet.ID == nodeID {
			continue
		}

		peerAddr := net.JoinHostPort(remoteAddr.IP.String(), fmt.Sprint(packet.Port))
		slog.Debug("Received heartbeat", "from", packet.Nick, "addr", peerAddr)

		select {
		case peerChan <- PeerInfo{
			ID:   packet.ID,
			Nick: packet.Nick,
			Addr: peerAddr,
		}:
		case <-ctx.Done():
			return nil
		}
	}
}

// StartReaper periodically marks peers not seen within timeout as inactive.
func StartReaper(ctx context.Context, db *gorm.DB, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ReapPeers(db, time.Now().Add(-timeout)); err != nil {
				slog.Warn("Failed to reap peers", "error", err)
			}
		}
	}
}

// ReapPeers marks active peers last seen before threshold as inactive.
func ReapPeers(db *gorm.DB, threshold time.Time) (int64, error) {
	result := db.Model(&store.Peer{}).
		Where("is_active = ? AND last_seen < ?", true, threshold).
		Update("is_active", false)
	return result.RowsAffected, result.Error
}
