// Package geo provides the distance primitives used to place drivers
// relative to parking slots.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for distances. It matches
// the spherical model used by common web map libraries so that distances
// agree with what a driver sees on the map.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1Rad := a.Lat * math.Pi / 180.0
	lon1Rad := a.Lon * math.Pi / 180.0
	lat2Rad := b.Lat * math.Pi / 180.0
	lon2Rad := b.Lon * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// Offset returns the point reached by moving north and east meters from p.
// It is a local flat-earth approximation, accurate at lot scale.
func Offset(p Point, north, east float64) Point {
	dLat := north / EarthRadiusMeters * 180.0 / math.Pi
	dLon := east / (EarthRadiusMeters * math.Cos(p.Lat*math.Pi/180.0)) * 180.0 / math.Pi
	return Point{Lat: p.Lat + dLat, Lon: p.Lon + dLon}
}
