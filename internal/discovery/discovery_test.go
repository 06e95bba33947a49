package discovery

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/bit2swaz/afetmesh/internal/store"
)

func TestHeartbeatListener(t *testing.T) {
	port := 9999
	peerChan := make(chan PeerInfo, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := StartListener(ctx, port, "afetmesh", "my-node-id", peerChan); err != nil {
			t.Errorf("StartListener failed: %v", err)
		}
	}()

	// Give listener a moment to start
	time.Sleep(100 * time.Millisecond)

	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:9999")
	if err != nil {
		t.Fatalf("Failed to resolve addr: %v", err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("Failed to dial UDP: %v", err)
	}
	defer conn.Close()

	packet := HeartbeatPacket{
		Type:    "beat",
		Service: "afetmesh",
		ID:      "peer-node-id",
		Nick:    "PeerNick",
		Port:    12345,
		TS:      time.Now().Unix(),
	}
	data, _ := json.Marshal(packet)

	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Failed to write packet: %v", err)
	}

	select {
	case info := <-peerChan:
		if info.ID != "peer-node-id" {
			t.Errorf("Expected ID 'peer-node-id', got %q", info.ID)
		}
		if info.Nick != "PeerNick" {
			t.Errorf("Expected Nick 'PeerNick', got %q", info.Nick)
		}
		if _, port, _ := net.SplitHostPort(info.Addr); port != "12345" {
			t.Errorf("Expected Port %q, got %q in Addr %q", "12345", port, info.Addr)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timed out waiting for peer info")
	}

	// Malformed packets, foreign services and our own beacons are skipped.
	if _, err := conn.Write([]byte("{invalid-json")); err != nil {
		t.Fatalf("Failed to write malformed packet: %v", err)
	}
	foreign := packet
	foreign.Service = "someone-else"
	foreign.ID = "foreign"
	data, _ = json.Marshal(foreign)
	conn.Write(data)
	self := packet
	self.ID = "my-node-id"
	data, _ = json.Marshal(self)
	conn.Write(data)

	packet.ID = "peer-node-id-2"
	data, _ = json.Marshal(packet)
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Failed to write second packet: %v", err)
	}

	select {
	case info := <-peerChan:
		if info.ID != "peer-node-id-2" {
			t.Errorf("Expected ID 'peer-node-id-2', got %q", info.ID)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timed out waiting for second peer info (listener might have crashed)")
	}
}

func TestHeartbeatReachesListener(t *testing.T) {
	peerChan := make(chan PeerInfo, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go StartListener(ctx, 9998, "afetmesh", "listener", peerChan)
	time.Sleep(100 * time.Millisecond)
	go StartHeartbeat(ctx, BeaconConfig{
		Service:  "afetmesh",
		NodeID:   "beacon",
		Nick:     "Bea",
		Port:     7000,
		Hosts:    []string{"127.0.0.1"},
		Ports:    []int{9998},
		Interval: 50 * time.Millisecond,
	})

	select {
	case info := <-peerChan:
		if info.ID != "beacon" || info.Nick != "Bea" {
			t.Errorf("Unexpected peer info %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for beacon")
	}
}

func TestReapPeers(t *testing.T) {
	db, err := store.Init(filepath.Join(t.TempDir(), "reap.db"))
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}
	store.UpsertPeer(db, store.Peer{ID: "stale", LastSeen: time.Now().Add(-time.Minute), IsActive: true})
	store.UpsertPeer(db, store.Peer{ID: "fresh", LastSeen: time.Now(), IsActive: true})

	n, err := ReapPeers(db, time.Now().Add(-10*time.Second))
	if err != nil {
		t.Fatalf("ReapPeers failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 reaped peer, got %d", n)
	}
	active, _ := store.GetActivePeers(db)
	if len(active) != 1 || active[0].ID != "fresh" {
		t.Errorf("Unexpected active peers %+v", active)
	}
}
