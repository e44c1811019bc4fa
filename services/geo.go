package services

import "math"

// earthRadiusM is the mean Earth radius used for great-circle math.
const earthRadiusM = 6371000.0

// ValidCoordinates reports whether (lat, lng) is a real WGS84 position.
func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// HaversineM returns the great-circle distance in meters between two points.
// Flat-earth approximations drift too much even at catch-radius scale, so we
// always pay for the trig.
func HaversineM(lat1, lng1, lat2, lng2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	dφ := (lat2 - lat1) * math.Pi / 180
	dλ := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dφ/2)*math.Sin(dφ/2) +
		math.Cos(φ1)*math.Cos(φ2)*math.Sin(dλ/2)*math.Sin(dλ/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// BearingDeg returns the initial bearing from point 1 to point 2 in degrees
// clockwise from true north, normalized to [0, 360).
func BearingDeg(lat1, lng1, lat2, lng2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	dλ := (lng2 - lng1) * math.Pi / 180

	y := math.Sin(dλ) * math.Cos(φ2)
	x := math.Cos(φ1)*math.Sin(φ2) - math.Sin(φ1)*math.Cos(φ2)*math.Cos(dλ)
	θ := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(θ+360, 360)
}

var cardinals = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// Cardinal reduces a bearing to one of the 8 compass points.
func Cardinal(bearingDeg float64) string {
	idx := int(math.Mod(bearingDeg+22.5, 360) / 45)
	return cardinals[idx]
}

// boundingBox returns the lat/lng degree window that encloses a circle of
// radiusM around (lat, lng). SQL prefilter only: haversine decides for real.
func boundingBox(lat, lng, radiusM float64) (minLat, maxLat, minLng, maxLng float64) {
	dLat := radiusM / earthRadiusM * 180 / math.Pi
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01 // near the poles every longitude is close
	}
	dLng := dLat / cosLat
	return lat - dLat, lat + dLat, lng - dLng, lng + dLng
}
