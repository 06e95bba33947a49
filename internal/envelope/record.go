package envelope

import (
	"bytes"
	"fmt"
)

// Kind identifies what a record is about.
type Kind uint8

const (
	KindHelpRequest Kind = iota
	KindStatusPing
	KindResourcePost
	KindEarlyWarningPulse
	KindEarlyWarningAck
)

func (k Kind) Valid() bool {
	return k <= KindEarlyWarningAck
}

func (k Kind) String() string {
	switch k {
	case KindHelpRequest:
		return "help_request"
	case KindStatusPing:
		return "status_ping"
	case KindResourcePost:
		return "resource_post"
	case KindEarlyWarningPulse:
		return "eew_pulse"
	case KindEarlyWarningAck:
		return "eew_ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := KindHelpRequest; k <= KindEarlyWarningAck; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

// Priority orders delivery. Higher values are delivered first.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) Valid() bool {
	return p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

type Location struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy"`
}

type Flags struct {
	UnderRubble bool `json:"under_rubble"`
	Injured     bool `json:"injured"`
	Anonymous   bool `json:"anonymous"`
}

// Record is the logical unit relayed across the mesh.
//
// Signature covers every field except Signature and Hops. Any mutation of a
// signed record other than a hop increment requires signing again.
//
// Because Hops is unsigned, the signature does not bound the hop budget. A
// relay can lower Hops without breaking verification, so only the seen set
// stops a record from being relayed again.
type Record struct {
	Kind           Kind     `json:"kind"`
	ID             string   `json:"id"`
	CreatedAt      int64    `json:"created_at"`
	Location       Location `json:"location"`
	Priority       Priority `json:"priority"`
	Flags          Flags    `json:"flags"`
	PeopleCount    int      `json:"people_count"`
	Note           string   `json:"note,omitempty"`
	BatteryPercent *int     `json:"battery_percent,omitempty"`
	TTL            int      `json:"ttl"`
	Signature      []byte   `json:"signature,omitempty"`

	Strength    *float64 `json:"strength,omitempty"`
	ReferenceID string   `json:"reference_id,omitempty"`

	SenderKey []byte `json:"sender_key,omitempty"`
	Liveness  bool   `json:"liveness,omitempty"`
	Hops      int    `json:"hops,omitempty"`
}

// Signed reports whether a signature is attached.
func (r Record) Signed() bool {
	return len(r.Signature) > 0
}

// RemainingHops is the hop budget left for relaying.
func (r Record) RemainingHops() int {
	if r.Hops >= r.TTL {
		return 0
	}
	return r.TTL - r.Hops
}

// Unsigned returns a copy without signature and with the hop counter reset,
// which is the form covered by the signature.
func (r Record) Unsigned() Record {
	c := r.Clone()
	c.Signature = nil
	c.Hops = 0
	return c
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	c := r
	if r.BatteryPercent != nil {
		v := *r.BatteryPercent
		c.BatteryPercent = &v
	}
	if r.Strength != nil {
		v := *r.Strength
		c.Strength = &v
	}
	if r.Signature != nil {
		c.Signature = bytes.Clone(r.Signature)
	}
	if r.SenderKey != nil {
		c.SenderKey = bytes.Clone(r.SenderKey)
	}
	return c
}
