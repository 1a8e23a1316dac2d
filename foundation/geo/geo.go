// Package geo provides great circle distance support for stop coordinates.
package geo

import "math"

// earthRadiusMetres is the mean earth radius used for all distance calculations.
const earthRadiusMetres = 6371000.0

// HaversineMetres returns the great circle distance in metres between two
// points given in decimal degrees.
func HaversineMetres(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	deltaPhi := (lat2 - lat1) * math.Pi / 180
	deltaLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMetres * c
}
