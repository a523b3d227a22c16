package domain

// PositioningMethods is a bitmask of positioning technique families.
type PositioningMethods uint32

const (
	NoPositioningMethods           PositioningMethods = 0
	SatellitePositioningMethods    PositioningMethods = 1 << 0
	NonSatellitePositioningMethods PositioningMethods = 1 << 1
	AllPositioningMethods                             = SatellitePositioningMethods | NonSatellitePositioningMethods
)

func (m PositioningMethods) String() string {
	switch m {
	case NoPositioningMethods:
		return "none"
	case SatellitePositioningMethods:
		return "satellite"
	case NonSatellitePositioningMethods:
		return "non-satellite"
	case AllPositioningMethods:
		return "all"
	default:
		return "unknown"
	}
}

// AccuracyLevel is the coarse-to-fine precision enum the GeoClue2 service
// uses both to request and to report positioning precision. The values are
// fixed by the service's D-Bus interface.
type AccuracyLevel uint32

const (
	AccuracyNone         AccuracyLevel = 0
	AccuracyCountry      AccuracyLevel = 1
	AccuracyCity         AccuracyLevel = 4
	AccuracyNeighborhood AccuracyLevel = 5
	AccuracyStreet       AccuracyLevel = 6
	AccuracyExact        AccuracyLevel = 8
)

func (l AccuracyLevel) String() string {
	switch l {
	case AccuracyNone:
		return "none"
	case AccuracyCountry:
		return "country"
	case AccuracyCity:
		return "city"
	case AccuracyNeighborhood:
		return "neighborhood"
	case AccuracyStreet:
		return "street"
	case AccuracyExact:
		return "exact"
	default:
		return "unknown"
	}
}

// AccuracyForMethods maps a preferred-methods value to the accuracy level
// requested from the service. Total: unrecognized combinations request no
// accuracy at all.
func AccuracyForMethods(m PositioningMethods) AccuracyLevel {
	switch m {
	case SatellitePositioningMethods:
		return AccuracyExact
	case NonSatellitePositioningMethods:
		return AccuracyStreet
	case AllPositioningMethods:
		return AccuracyExact
	default:
		return AccuracyNone
	}
}

// MethodsForAccuracy is the inverse direction: it maps the accuracy ceiling
// advertised by the service to the set of methods that ceiling can serve.
// Unrecognized levels map to no methods.
func MethodsForAccuracy(l AccuracyLevel) PositioningMethods {
	switch l {
	case AccuracyCountry, AccuracyCity, AccuracyNeighborhood, AccuracyStreet:
		return NonSatellitePositioningMethods
	case AccuracyExact:
		return AllPositioningMethods
	default:
		return NoPositioningMethods
	}
}
