package domain

import "math"

// MinRegionSpan keeps nearby points from being shown over-zoomed.
const MinRegionSpan = 0.01

const regionPadding = 1.5

// Region is the map viewport suggested to the UI collaborator.
type Region struct {
	Center   GeoPoint `json:"center"`
	LatDelta float64  `json:"latDelta"`
	LngDelta float64  `json:"lngDelta"`
}

// RegionAround frames both points around their midpoint.
func RegionAround(a, b GeoPoint) Region {
	return Region{
		Center:   GeoPoint{Lat: (a.Lat + b.Lat) / 2, Lng: (a.Lng + b.Lng) / 2},
		LatDelta: math.Max(math.Abs(a.Lat-b.Lat)*regionPadding, MinRegionSpan),
		LngDelta: math.Max(math.Abs(a.Lng-b.Lng)*regionPadding, MinRegionSpan),
	}
}

// RegionAt centres a single point at the minimum span.
func RegionAt(p GeoPoint) Region {
	return Region{Center: p, LatDelta: MinRegionSpan, LngDelta: MinRegionSpan}
}

// DisplayHeading returns the marker rotation for a reported heading. The
// three-wheeler icon faces the opposite way, so its heading is mirrored.
func DisplayHeading(vehicleType string, heading float64) float64 {
	if IsThreeWheeler(vehicleType) {
		heading += 180
	}
	h := math.Mod(heading, 360)
	if h < 0 {
		h += 360
	}
	return h
}
