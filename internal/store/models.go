package store

import (
	"encoding/hex"
	"time"

	"github.com/bit2swaz/afetmesh/internal/envelope"
)

type Peer struct {
	ID       string `gorm:"primaryKey"`
	Nick     string
	Addr     string
	Signal   int
	LastSeen time.Time
	IsActive bool
}

// Message is a received or published record kept for the history view.
type Message struct {
	ID          string `gorm:"primaryKey"`
	Kind        string `gorm:"index"`
	Priority    int
	SenderKey   string
	FromPeer    string
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Accuracy    float64 `json:"accuracy"`
	PeopleCount int
	UnderRubble bool
	Injured     bool
	Anonymous   bool
	Note        string
	Battery     *int
	Strength    *float64
	ReferenceID string
	TTL         int
	HopCount    int
	SentAt      int64
	ReceivedAt  time.Time `gorm:"index"`
	Envelope    []byte    `json:"-"`
}

// QueuedMessage is the persisted form of a pending queue entry.
type QueuedMessage struct {
	ID         string `gorm:"primaryKey"`
	Priority   int    `gorm:"index"`
	EnqueuedAt time.Time
	Deadline   time.Time
	FromPeer   string
	Envelope   []byte
}

// NewMessage flattens r for the history table.
func NewMessage(r envelope.Record, fromPeer string, receivedAt time.Time) (*Message, error) {
	data, err := envelope.Encode(r)
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:          r.ID,
		Kind:        r.Kind.String(),
		Priority:    int(r.Priority),
		FromPeer:    fromPeer,
		Lat:         r.Location.Lat,
		Lon:         r.Location.Lon,
		Accuracy:    r.Location.Accuracy,
		PeopleCount: r.PeopleCount,
		UnderRubble: r.Flags.UnderRubble,
		Injured:     r.Flags.Injured,
		Anonymous:   r.Flags.Anonymous,
		Note:        r.Note,
		Battery:     r.BatteryPercent,
		Strength:    r.Strength,
		ReferenceID: r.ReferenceID,
		TTL:         r.TTL,
		HopCount:    r.Hops,
		SentAt:      r.CreatedAt,
		ReceivedAt:  receivedAt,
		Envelope:    data,
	}
	if len(r.SenderKey) > 0 && !r.Flags.Anonymous {
		m.SenderKey = hex.EncodeToString(r.SenderKey)
	}
	return m, nil
}

// Record decodes the stored envelope.
func (m Message) Record() (envelope.Record, error) {
	return envelope.DecodeUnsigned(m.Envelope)
}
