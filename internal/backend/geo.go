package backend

import (
	"math"

	"nuha.dev/locus/internal/locus"
)

const earthRadius = 6371008.8

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b locus.Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dlat := lat2 - lat1
	dlon := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}
