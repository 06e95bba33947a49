package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Fields carries the producer-supplied part of a record. Zero values pick
// the per-kind defaults.
type Fields struct {
	ID             string
	Location       Location
	Priority       *Priority
	Flags          Flags
	PeopleCount    int
	Note           string
	BatteryPercent *int
	TTL            *int
	Strength       float64
	ReferenceID    string
	Now            func() time.Time
}

var defaultTTL = map[Kind]int{
	KindHelpRequest:       8,
	KindStatusPing:        3,
	KindResourcePost:      6,
	KindEarlyWarningPulse: 5,
	KindEarlyWarningAck:   3,
}

var defaultPriority = map[Kind]Priority{
	KindHelpRequest:       PriorityHigh,
	KindStatusPing:        PriorityNormal,
	KindResourcePost:      PriorityNormal,
	KindEarlyWarningPulse: PriorityCritical,
	KindEarlyWarningAck:   PriorityNormal,
}

func BuildHelpRequest(f Fields) (Record, error) {
	return build(KindHelpRequest, f)
}

func BuildStatusPing(f Fields) (Record, error) {
	return build(KindStatusPing, f)
}

func BuildResourcePost(f Fields) (Record, error) {
	return build(KindResourcePost, f)
}

// BuildEEWPulse builds an earthquake early warning pulse. Strength is the
// sensor ratio that triggered it.
func BuildEEWPulse(f Fields) (Record, error) {
	return build(KindEarlyWarningPulse, f)
}

// BuildEEWAck acknowledges the pulse named by f.ReferenceID.
func BuildEEWAck(f Fields) (Record, error) {
	return build(KindEarlyWarningAck, f)
}

// Build dispatches on kind.
func Build(kind Kind, f Fields) (Record, error) {
	if !kind.Valid() {
		return Record{}, invalid("kind", "unknown kind %d", kind)
	}
	return build(kind, f)
}

func build(kind Kind, f Fields) (Record, error) {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	r := Record{
		Kind:           kind,
		ID:             f.ID,
		CreatedAt:      now().UnixMilli(),
		Location:       f.Location,
		Priority:       defaultPriority[kind],
		Flags:          f.Flags,
		PeopleCount:    f.PeopleCount,
		Note:           f.Note,
		BatteryPercent: f.BatteryPercent,
		TTL:            defaultTTL[kind],
	}
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.PeopleCount == 0 {
		r.PeopleCount = 1
	}
	if f.Priority != nil {
		r.Priority = *f.Priority
	}
	if f.TTL != nil {
		r.TTL = *f.TTL
	}
	switch kind {
	case KindEarlyWarningPulse:
		s := f.Strength
		r.Strength = &s
	case KindEarlyWarningAck:
		r.ReferenceID = f.ReferenceID
	}
	if err := Validate(r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// NewID returns a compact random message id (22 characters).
func NewID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// DedupeKey derives the queue/seen key of a message id.
func DedupeKey(id string) string {
	sum := blake2b.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}
