package engine

import "sync/atomic"

// Stats is a point-in-time copy of the engine counters.
type Stats struct {
	Received      uint64 `json:"received"`
	Surfaced      uint64 `json:"surfaced"`
	Relayed       uint64 `json:"relayed"`
	Sent          uint64 `json:"sent"`
	Heartbeats    uint64 `json:"heartbeats"`
	Duplicates    uint64 `json:"duplicates"`
	Malformed     uint64 `json:"malformed"`
	BadSignatures uint64 `json:"bad_signatures"`
	SendFailures  uint64 `json:"send_failures"`
	// Seen-set entries evicted for capacity while still inside retention.
	SeenEvictions uint64 `json:"seen_evictions"`

	Peers     int `json:"peers"`
	Connected int `json:"connected"`
	Queued    int `json:"queued"`
	Seen      int `json:"seen"`
}

type counters struct {
	received      atomic.Uint64
	surfaced      atomic.Uint64
	relayed       atomic.Uint64
	sent          atomic.Uint64
	heartbeats    atomic.Uint64
	duplicates    atomic.Uint64
	malformed     atomic.Uint64
	badSignatures atomic.Uint64
	sendFailures  atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:      c.received.Load(),
		Surfaced:      c.surfaced.Load(),
		Relayed:       c.relayed.Load(),
		Sent:          c.sent.Load(),
		Heartbeats:    c.heartbeats.Load(),
		Duplicates:    c.duplicates.Load(),
		Malformed:     c.malformed.Load(),
		BadSignatures: c.badSignatures.Load(),
		SendFailures:  c.sendFailures.Load(),
	}
}
