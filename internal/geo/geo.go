package geo

import (
	"fmt"
	"math"
)

const earthRadiusMeters = 6371000.0

// Point is a lon/lat pair on a spherical earth.
type Point struct {
	Longitude float64
	Latitude  float64
}

// ValidateCoordinates checks lon/lat ranges.
func ValidateCoordinates(lon, lat float64) error {
	if lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180,180]", lon)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90,90]", lat)
	}
	return nil
}

// Distance returns the haversine great-circle distance between a and b in
// meters.
func Distance(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}
