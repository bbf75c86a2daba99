// Package geo provides geodesic helpers shared by the fusion filter and the classifier
package geo

import "math"

// EarthRadiusM is the mean Earth radius used by Distance
const EarthRadiusM = 6371000.0

// Distance returns the great-circle distance in meters between two points
// using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusM * c
}

// OffsetNorth returns the latitude reached by travelling meters due north
// from lat. Negative meters travel south.
func OffsetNorth(lat, meters float64) float64 {
	return lat + (meters/EarthRadiusM)*180/math.Pi
}
