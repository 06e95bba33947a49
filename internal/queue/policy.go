package queue

import (
	"time"

	"github.com/bit2swaz/afetmesh/internal/envelope"
)

// Policy converts a record's remaining hop budget into a wall-clock lifetime.
type Policy struct {
	PerHop time.Duration
	ByKind map[envelope.Kind]time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		PerHop: 30 * time.Second,
		ByKind: map[envelope.Kind]time.Duration{
			envelope.KindStatusPing:   10 * time.Second,
			envelope.KindResourcePost: 2 * time.Minute,
		},
	}
}

func (p Policy) perHop(k envelope.Kind) time.Duration {
	if d, ok := p.ByKind[k]; ok && d > 0 {
		return d
	}
	if p.PerHop > 0 {
		return p.PerHop
	}
	return 30 * time.Second
}

// Lifetime is how long r may wait in the queue. Zero means expired on arrival.
func (p Policy) Lifetime(r envelope.Record) time.Duration {
	return time.Duration(r.RemainingHops()) * p.perHop(r.Kind)
}

// PriorityFor is the queue priority of r. Early warning traffic is control
// traffic and always travels as Critical.
func PriorityFor(r envelope.Record) envelope.Priority {
	switch r.Kind {
	case envelope.KindEarlyWarningPulse, envelope.KindEarlyWarningAck:
		return envelope.PriorityCritical
	default:
		return r.Priority
	}
}
