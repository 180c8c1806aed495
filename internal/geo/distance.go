// Package geo holds small spherical helpers shared by the store, the loader and the index.
package geo

import "math"

const (
	// EarthRadiusMeters is the mean radius used by DistanceMeters.
	EarthRadiusMeters = 6371e3
	// MetersPerDegreeLat approximates one degree of latitude.
	MetersPerDegreeLat = 111320.0
)

// DistanceMeters is the haversine distance between two lat/lng points.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := lat1 * math.Pi / 180
	p2 := lat2 * math.Pi / 180
	dp := (lat2 - lat1) * math.Pi / 180
	dl := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dp/2)*math.Sin(dp/2) + math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// RadiusBounds returns the lat/lng box enclosing a circle of radiusMeters.
// The box is a cheap prefilter; callers still check DistanceMeters.
func RadiusBounds(lat, lng, radiusMeters float64) (north, south, east, west float64) {
	latDelta := radiusMeters / MetersPerDegreeLat
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 1e-9 {
		cosLat = 1e-9
	}
	lngDelta := radiusMeters / (MetersPerDegreeLat * cosLat)
	if lngDelta > 180 {
		lngDelta = 180
	}
	return lat + latDelta, lat - latDelta, lng + lngDelta, lng - lngDelta
}

// Destination returns the point reached by travelling distanceMeters from lat/lng on bearingDeg.
func Destination(lat, lng, bearingDeg, distanceMeters float64) (float64, float64) {
	d := distanceMeters / EarthRadiusMeters
	b := bearingDeg * math.Pi / 180
	p1 := lat * math.Pi / 180
	l1 := lng * math.Pi / 180
	p2 := math.Asin(math.Sin(p1)*math.Cos(d) + math.Cos(p1)*math.Sin(d)*math.Cos(b))
	l2 := l1 + math.Atan2(math.Sin(b)*math.Sin(d)*math.Cos(p1), math.Cos(d)-math.Sin(p1)*math.Sin(p2))
	return p2 * 180 / math.Pi, math.Mod(l2*180/math.Pi+540, 360) - 180
}
