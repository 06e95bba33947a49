package envelope

import (
	"crypto/ed25519"
	"math"
	"unicode/utf8"
)

const (
	MaxNoteLength  = 100
	MinPeopleCount = 1
	MaxPeopleCount = 100
	MaxTTL         = 10
)

// Validate checks every field rule. It does not look at the encoded size.
func Validate(r Record) error {
	if !r.Kind.Valid() {
		return invalid("kind", "unknown kind %d", r.Kind)
	}
	if r.ID == "" {
		return invalid("id", "must not be empty")
	}
	if !utf8.ValidString(r.ID) {
		return invalid("id", "must be valid UTF-8")
	}
	if r.CreatedAt <= 0 {
		return invalid("created_at", "must be positive, got %d", r.CreatedAt)
	}
	if !inRange(r.Location.Lat, -90, 90) {
		return invalid("location.lat", "%v outside [-90,90]", r.Location.Lat)
	}
	if !inRange(r.Location.Lon, -180, 180) {
		return invalid("location.lon", "%v outside [-180,180]", r.Location.Lon)
	}
	if !(r.Location.Accuracy >= 0) || math.IsInf(r.Location.Accuracy, 1) {
		return invalid("location.accuracy", "must be a finite non-negative number")
	}
	if !r.Priority.Valid() {
		return invalid("priority", "unknown priority %d", r.Priority)
	}
	if r.PeopleCount < MinPeopleCount || r.PeopleCount > MaxPeopleCount {
		return invalid("people_count", "%d outside [%d,%d]", r.PeopleCount, MinPeopleCount, MaxPeopleCount)
	}
	if !utf8.ValidString(r.Note) {
		return invalid("note", "must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(r.Note); n > MaxNoteLength {
		return invalid("note", "%d characters, limit %d", n, MaxNoteLength)
	}
	if r.BatteryPercent != nil && (*r.BatteryPercent < 0 || *r.BatteryPercent > 100) {
		return invalid("battery_percent", "%d outside [0,100]", *r.BatteryPercent)
	}
	if r.TTL < 0 || r.TTL > MaxTTL {
		return invalid("ttl", "%d outside [0,%d]", r.TTL, MaxTTL)
	}
	if r.Hops < 0 || r.Hops > r.TTL {
		return invalid("hops", "%d outside [0,ttl]", r.Hops)
	}

	switch {
	case r.Kind == KindEarlyWarningPulse && r.Strength == nil:
		return invalid("strength", "required for %s", r.Kind)
	case r.Kind != KindEarlyWarningPulse && r.Strength != nil:
		return invalid("strength", "only allowed for %s", KindEarlyWarningPulse)
	case r.Strength != nil && (!(*r.Strength >= 0) || math.IsInf(*r.Strength, 1)):
		return invalid("strength", "must be a finite non-negative number")
	}
	if !utf8.ValidString(r.ReferenceID) {
		return invalid("reference_id", "must be valid UTF-8")
	}
	switch {
	case r.Kind == KindEarlyWarningAck && r.ReferenceID == "":
		return invalid("reference_id", "required for %s", r.Kind)
	case r.Kind != KindEarlyWarningAck && r.ReferenceID != "":
		return invalid("reference_id", "only allowed for %s", KindEarlyWarningAck)
	}
	if r.Liveness && r.Kind != KindStatusPing {
		return invalid("liveness", "only allowed for %s", KindStatusPing)
	}

	if len(r.Signature) > 0 && len(r.Signature) != ed25519.SignatureSize {
		return invalid("signature", "must be %d bytes", ed25519.SignatureSize)
	}
	if len(r.SenderKey) > 0 && len(r.SenderKey) != ed25519.PublicKeySize {
		return invalid("sender_key", "must be %d bytes", ed25519.PublicKeySize)
	}
	return nil
}

// inRange is false for NaN.
func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}
