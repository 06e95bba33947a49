package envelope

import (
	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize is the largest encoding that fits in one radio frame.
const MaxFrameSize = 200

// Map keys of the wire form. They are part of the protocol and must not be
// renumbered.
const (
	keyKind        = 1
	keyID          = 2
	keyCreatedAt   = 3
	keyLocation    = 4
	keyPriority    = 5
	keyFlags       = 6
	keyPeopleCount = 7
	keyNote        = 8
	keyBattery     = 9
	keyTTL         = 10
	keySignature   = 11
	keyStrength    = 12
	keyReferenceID = 13
	keySenderKey   = 14
	keyLiveness    = 15
	keyHops        = 16
)

type wireLocation struct {
	Lat      float64 `cbor:"1,keyasint"`
	Lon      float64 `cbor:"2,keyasint"`
	Accuracy float64 `cbor:"3,keyasint,omitempty"`
}

type wireFlags struct {
	UnderRubble bool `cbor:"1,keyasint"`
	Injured     bool `cbor:"2,keyasint"`
	Anonymous   bool `cbor:"3,keyasint"`
}

type wireRecord struct {
	Kind        uint8        `cbor:"1,keyasint"`
	ID          string       `cbor:"2,keyasint"`
	CreatedAt   int64        `cbor:"3,keyasint"`
	Location    wireLocation `cbor:"4,keyasint"`
	Priority    uint8        `cbor:"5,keyasint"`
	Flags       wireFlags    `cbor:"6,keyasint"`
	PeopleCount int          `cbor:"7,keyasint"`
	Note        string       `cbor:"8,keyasint,omitempty"`
	Battery     *int         `cbor:"9,keyasint,omitempty"`
	TTL         int          `cbor:"10,keyasint"`
	Signature   []byte       `cbor:"11,keyasint,omitempty"`
	Strength    *float64     `cbor:"12,keyasint,omitempty"`
	ReferenceID string       `cbor:"13,keyasint,omitempty"`
	SenderKey   []byte       `cbor:"14,keyasint,omitempty"`
	Liveness    bool         `cbor:"15,keyasint,omitempty"`
	Hops        int          `cbor:"16,keyasint,omitempty"`
}

// wireScalars mirrors wireRecord but leaves the nested structures raw so
// they can be checked member by member.
type wireScalars struct {
	Kind        uint8           `cbor:"1,keyasint"`
	ID          string          `cbor:"2,keyasint"`
	CreatedAt   int64           `cbor:"3,keyasint"`
	Location    cbor.RawMessage `cbor:"4,keyasint"`
	Priority    uint8           `cbor:"5,keyasint"`
	Flags       cbor.RawMessage `cbor:"6,keyasint"`
	PeopleCount int             `cbor:"7,keyasint"`
	Note        string          `cbor:"8,keyasint"`
	Battery     *int            `cbor:"9,keyasint"`
	TTL         int             `cbor:"10,keyasint"`
	Signature   []byte          `cbor:"11,keyasint"`
	Strength    *float64        `cbor:"12,keyasint"`
	ReferenceID string          `cbor:"13,keyasint"`
	SenderKey   []byte          `cbor:"14,keyasint"`
	Liveness    bool            `cbor:"15,keyasint"`
	Hops        int             `cbor:"16,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  4,
		MaxMapPairs:      32,
		MaxArrayElements: 32,
		IndefLength:      cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode validates r and returns its canonical wire form. Signature, sender
// key and hop counter are included when set.
func Encode(r Record) ([]byte, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(toWire(r))
	if err != nil {
		return nil, malformed("encode", err)
	}
	if len(data) > MaxFrameSize {
		return nil, &SizeError{Size: len(data), Limit: MaxFrameSize}
	}
	return data, nil
}

// SigningBytes returns the canonical encoding covered by the signature: the
// record without Signature and with Hops reset.
func SigningBytes(r Record) ([]byte, error) {
	u := r.Unsigned()
	if err := Validate(u); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(toWire(u))
	if err != nil {
		return nil, malformed("encode", err)
	}
	return data, nil
}

// Decode parses a wire frame received from a peer. The signature is
// required.
func Decode(data []byte) (Record, error) {
	return decode(data, true)
}

// DecodeUnsigned parses an encoding that may lack a signature.
func DecodeUnsigned(data []byte) (Record, error) {
	return decode(data, false)
}

func decode(data []byte, requireSignature bool) (Record, error) {
	if len(data) == 0 {
		return Record{}, malformed("empty input", nil)
	}
	if len(data) > MaxFrameSize {
		return Record{}, malformed("frame exceeds limit", &SizeError{Size: len(data), Limit: MaxFrameSize})
	}

	var keys map[uint64]cbor.RawMessage
	if err := decMode.Unmarshal(data, &keys); err != nil {
		return Record{}, malformed("not a cbor map", err)
	}
	required := []uint64{keyKind, keyID, keyCreatedAt, keyLocation, keyPriority, keyFlags, keyPeopleCount, keyTTL}
	if requireSignature {
		required = append(required, keySignature)
	}
	for _, k := range required {
		if _, ok := keys[k]; !ok {
			return Record{}, malformed("missing "+keyName(k), nil)
		}
	}

	var w wireScalars
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Record{}, malformed("field type mismatch", err)
	}
	loc, err := decodeLocation(w.Location)
	if err != nil {
		return Record{}, err
	}
	flags, err := decodeFlags(w.Flags)
	if err != nil {
		return Record{}, err
	}

	r := Record{
		Kind:           Kind(w.Kind),
		ID:             w.ID,
		CreatedAt:      w.CreatedAt,
		Location:       loc,
		Priority:       Priority(w.Priority),
		Flags:          flags,
		PeopleCount:    w.PeopleCount,
		Note:           w.Note,
		BatteryPercent: w.Battery,
		TTL:            w.TTL,
		Signature:      w.Signature,
		Strength:       w.Strength,
		ReferenceID:    w.ReferenceID,
		SenderKey:      w.SenderKey,
		Liveness:       w.Liveness,
		Hops:           w.Hops,
	}
	if len(r.Signature) == 0 {
		r.Signature = nil
	}
	if len(r.SenderKey) == 0 {
		r.SenderKey = nil
	}
	if err := Validate(r); err != nil {
		return Record{}, malformed("invalid field", err)
	}
	return r, nil
}

func decodeLocation(raw cbor.RawMessage) (Location, error) {
	var m map[uint64]any
	if err := decMode.Unmarshal(raw, &m); err != nil {
		return Location{}, malformed("location is not a map", err)
	}
	lat, ok := number(m[1])
	if !ok {
		return Location{}, malformed("location.lat is not numeric", nil)
	}
	lon, ok := number(m[2])
	if !ok {
		return Location{}, malformed("location.lon is not numeric", nil)
	}
	loc := Location{Lat: lat, Lon: lon}
	if v, present := m[3]; present {
		acc, ok := number(v)
		if !ok {
			return Location{}, malformed("location.accuracy is not numeric", nil)
		}
		loc.Accuracy = acc
	}
	return loc, nil
}

func decodeFlags(raw cbor.RawMessage) (Flags, error) {
	var m map[uint64]any
	if err := decMode.Unmarshal(raw, &m); err != nil {
		return Flags{}, malformed("flags is not a map", err)
	}
	var out [3]bool
	for i := range out {
		b, ok := m[uint64(i+1)].(bool)
		if !ok {
			return Flags{}, malformed("flags member missing or not boolean", nil)
		}
		out[i] = b
	}
	return Flags{UnderRubble: out[0], Injured: out[1], Anonymous: out[2]}, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toWire(r Record) wireRecord {
	return wireRecord{
		Kind:      uint8(r.Kind),
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		Location: wireLocation{
			Lat:      r.Location.Lat,
			Lon:      r.Location.Lon,
			Accuracy: r.Location.Accuracy,
		},
		Priority: uint8(r.Priority),
		Flags: wireFlags{
			UnderRubble: r.Flags.UnderRubble,
			Injured:     r.Flags.Injured,
			Anonymous:   r.Flags.Anonymous,
		},
		PeopleCount: r.PeopleCount,
		Note:        r.Note,
		Battery:     r.BatteryPercent,
		TTL:         r.TTL,
		Signature:   r.Signature,
		Strength:    r.Strength,
		ReferenceID: r.ReferenceID,
		SenderKey:   r.SenderKey,
		Liveness:    r.Liveness,
		Hops:        r.Hops,
	}
}

func keyName(k uint64) string {
	switch k {
	case keyKind:
		return "kind"
	case keyID:
		return "id"
	case keyCreatedAt:
		return "created_at"
	case keyLocation:
		return "location"
	case keyPriority:
		return "priority"
	case keyFlags:
		return "flags"
	case keyPeopleCount:
		return "people_count"
	case keyTTL:
		return "ttl"
	case keySignature:
		return "signature"
	default:
		return "field"
	}
}
