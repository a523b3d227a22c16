package geoclue

import (
	"math"
	"time"

	"github.com/hieuntg81/locationd/internal/domain"
)

// locationFields carries the raw property values of a Location object.
type locationFields struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
	Accuracy  float64
	Speed     float64
	Heading   float64

	TimestampSec  uint64
	TimestampUsec uint64
}

// positionFromFields normalizes raw location fields into a Position,
// applying the service's sentinel conventions: an altitude at or below the
// smallest representable double means no altitude, negative speed/heading
// mean not provided, and a (0,0) timestamp means the service did not stamp
// the fix, in which case now substitutes.
func positionFromFields(f locationFields, now time.Time) domain.Position {
	pos := domain.Position{
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
	}

	if f.Altitude > -math.MaxFloat64 {
		pos.Altitude = f.Altitude
		pos.HasAltitude = true
	}

	pos.Accuracy = f.Accuracy
	pos.HasAccuracy = true

	if f.Speed >= 0 {
		pos.Speed = f.Speed
		pos.HasSpeed = true
	}
	if f.Heading >= 0 {
		pos.Heading = f.Heading
		pos.HasHeading = true
	}

	if f.TimestampSec == 0 && f.TimestampUsec == 0 {
		pos.Timestamp = now
	} else {
		pos.Timestamp = time.Unix(int64(f.TimestampSec), int64(f.TimestampUsec)*1000)
	}
	return pos
}

// timestampValues unpacks the (tt) Timestamp property value.
func timestampValues(v interface{}) (sec, usec uint64) {
	parts, ok := v.([]interface{})
	if !ok || len(parts) != 2 {
		return 0, 0
	}
	sec, _ = parts[0].(uint64)
	usec, _ = parts[1].(uint64)
	return sec, usec
}
