package geo

import (
	"math"
	"time"
)

// Constants for geographic calculations
const (
	// DegreesToRadians converts degrees to radians
	DegreesToRadians = math.Pi / 180.0

	// RadiansToDegrees converts radians to degrees
	RadiansToDegrees = 180.0 / math.Pi

	// EarthRadiusKm is the Earth's radius in kilometers (WGS84 mean radius)
	EarthRadiusKm = 6371.0

	// FeetToMeters converts feet to meters
	FeetToMeters = 0.3048

	// MetersToFeet converts meters to feet
	MetersToFeet = 3.28084

	// MetersPerNauticalMile converts nautical miles to meters
	MetersPerNauticalMile = 1852.0

	// MaxNormalAltitudeFt is the highest altitude considered plausible for
	// civil traffic. Positions above it fail the sanity check.
	MaxNormalAltitudeFt = 60000.0

	// MinNormalAltitudeFt allows for airports below sea level.
	MinNormalAltitudeFt = -1500.0
)

// Position represents an aircraft or viewer position on Earth's surface.
// Uses the WGS84 coordinate system (same as GPS).
type Position struct {
	// Latitude in decimal degrees (-90 to +90)
	// Positive = North, Negative = South
	Latitude float64

	// Longitude in decimal degrees (-180 to +180)
	// Positive = East, Negative = West
	Longitude float64

	// Altitude in feet above mean sea level (MSL)
	Altitude float64

	// OnGround reports whether the aircraft is on the surface.
	// When set, Altitude is not required to be plausible.
	OnGround bool

	// Timestamp is when this position was measured (UTC)
	Timestamp time.Time
}

// BoundingBox is a latitude/longitude rectangle used to limit provider
// requests to the area around the viewer.
type BoundingBox struct {
	// MinLat is the southern edge in decimal degrees
	MinLat float64

	// MaxLat is the northern edge in decimal degrees
	MaxLat float64

	// MinLon is the western edge in decimal degrees
	MinLon float64

	// MaxLon is the eastern edge in decimal degrees
	MaxLon float64
}

// IsNormal reports whether the position passes basic sanity checks:
// finite coordinates within range and a plausible altitude.
// Aircraft on the ground skip the altitude check.
func (p Position) IsNormal() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) || math.IsNaN(p.Altitude) {
		return false
	}
	if math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) || math.IsInf(p.Altitude, 0) {
		return false
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return false
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return false
	}
	if p.OnGround {
		return true
	}
	return p.Altitude >= MinNormalAltitudeFt && p.Altitude <= MaxNormalAltitudeFt
}

// HasPosition reports whether the position carries actual coordinates.
// A zero-value Position (0,0 in the Gulf of Guinea) is treated as unset.
func (p Position) HasPosition() bool {
	return !(p.Latitude == 0 && p.Longitude == 0)
}

// DistanceMeters calculates the great-circle distance between two points.
// Uses the Haversine formula for accuracy over short and long distances.
func DistanceMeters(from, to Position) float64 {
	lat1Rad := from.Latitude * DegreesToRadians
	lon1Rad := from.Longitude * DegreesToRadians
	lat2Rad := to.Latitude * DegreesToRadians
	lon2Rad := to.Longitude * DegreesToRadians

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	// Haversine formula
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c * 1000.0
}

// BoxAround returns a bounding box extending radiusNM nautical miles in each
// direction from the center. Longitude extent widens with latitude; near the
// poles the box degenerates to the full longitude range.
func BoxAround(center Position, radiusNM float64) BoundingBox {
	radiusM := radiusNM * MetersPerNauticalMile
	dLat := (radiusM / 1000.0 / EarthRadiusKm) * RadiansToDegrees

	box := BoundingBox{
		MinLat: center.Latitude - dLat,
		MaxLat: center.Latitude + dLat,
	}
	if box.MinLat < -90 {
		box.MinLat = -90
	}
	if box.MaxLat > 90 {
		box.MaxLat = 90
	}

	cosLat := math.Cos(center.Latitude * DegreesToRadians)
	if cosLat < 0.01 {
		// Too close to a pole for a meaningful longitude span
		box.MinLon = -180
		box.MaxLon = 180
		return box
	}

	dLon := dLat / cosLat
	box.MinLon = center.Longitude - dLon
	box.MaxLon = center.Longitude + dLon
	if box.MinLon < -180 {
		box.MinLon += 360
	}
	if box.MaxLon > 180 {
		box.MaxLon -= 360
	}
	return box
}

// Contains reports whether the point lies inside the box.
// Handles boxes that wrap the antimeridian (MinLon > MaxLon).
func (b BoundingBox) Contains(p Position) bool {
	if p.Latitude < b.MinLat || p.Latitude > b.MaxLat {
		return false
	}
	if b.MinLon <= b.MaxLon {
		return p.Longitude >= b.MinLon && p.Longitude <= b.MaxLon
	}
	// Wrapped box
	return p.Longitude >= b.MinLon || p.Longitude <= b.MaxLon
}
