package engine

import (
	"time"

	"github.com/bit2swaz/afetmesh/internal/queue"
	"github.com/bit2swaz/afetmesh/internal/radio"
)

// Config holds the forwarding engine tunables.
type Config struct {
	ServiceID string

	// MinSignal is the weakest sighting the engine auto-connects to.
	MinSignal int
	// MaxPeers caps simultaneous connections. Zero means no cap.
	MaxPeers int

	ScanTimeout    time.Duration
	ScanInterval   time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// MaxFailures consecutive send or connect failures disconnect a peer.
	MaxFailures int

	HeartbeatInterval    time.Duration
	HousekeepingInterval time.Duration
	DrainInterval        time.Duration
	SeenRetention        time.Duration
	SeenCapacity         int
	PeerTimeout          time.Duration

	// EventBuffer is the capacity of each subscription channel.
	EventBuffer int

	QueuePolicy queue.Policy
}

func DefaultConfig() Config {
	return Config{
		ServiceID:            radio.DefaultServiceID,
		MinSignal:            -90,
		MaxPeers:             8,
		ScanTimeout:          5 * time.Second,
		ScanInterval:         10 * time.Second,
		ConnectTimeout:       5 * time.Second,
		WriteTimeout:         2 * time.Second,
		MaxFailures:          3,
		HeartbeatInterval:    15 * time.Second,
		HousekeepingInterval: 30 * time.Second,
		DrainInterval:        time.Second,
		SeenRetention:        5 * time.Minute,
		SeenCapacity:         4096,
		PeerTimeout:          time.Minute,
		EventBuffer:          64,
		QueuePolicy:          queue.DefaultPolicy(),
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ServiceID == "" {
		c.ServiceID = d.ServiceID
	}
	if c.MinSignal == 0 {
		c.MinSignal = d.MinSignal
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = d.ScanTimeout
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = d.ScanInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = d.HousekeepingInterval
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.SeenRetention <= 0 {
		c.SeenRetention = d.SeenRetention
	}
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = d.SeenCapacity
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = d.PeerTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.QueuePolicy.PerHop <= 0 && len(c.QueuePolicy.ByKind) == 0 {
		c.QueuePolicy = d.QueuePolicy
	}
	return c
}
