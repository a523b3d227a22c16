package domain

import "time"

// Position is a single geographic fix as reported by the positioning
// service. It is a value type: once produced it is never mutated, a newer
// fix replaces it wholesale.
type Position struct {
	Latitude  float64
	Longitude float64
	Timestamp time.Time

	// Optional attributes. The Has* flag governs whether the value is
	// meaningful; the service reports sentinels for absent fields.
	Altitude    float64
	HasAltitude bool

	Accuracy    float64 // horizontal accuracy, meters
	HasAccuracy bool

	Speed    float64 // ground speed, m/s
	HasSpeed bool

	Heading    float64 // degrees, 0..360
	HasHeading bool
}

// Valid reports whether the position carries a usable coordinate and
// timestamp. Callers are expected to check this themselves; LastKnownPosition
// hands out invalid positions unchanged.
func (p Position) Valid() bool {
	if p.Latitude < -90 || p.Latitude > 90 {
		return false
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return false
	}
	return !p.Timestamp.IsZero()
}
