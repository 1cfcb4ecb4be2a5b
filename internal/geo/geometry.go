// Package geo is the geometry kernel: pure functions on WGS84 coordinates.
// All functions are total; invalid inputs return tagged invalid_geometry
// errors rather than producing defaults.
package geo

import (
	"math"

	"github.com/safetrail/backend/internal/core"
)

const (
	earthRadiusM = 6371000.0

	// DefaultCircleVertices is the ring size circles are normalized to.
	DefaultCircleVertices = 64

	// eps for collinearity checks on lat/lng degrees. Roughly sub-millimeter
	// at the equator, well below GPS accuracy.
	eps = 1e-12
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Polygon is a closed simple ring: first and last vertex coincide and there
// are at least four vertices. Vertices are stored in wire order.
type Polygon []Point

// Circle is a center plus radius in meters. Circles are normalized to
// polygons at registration time; the struct is kept for reporting.
type Circle struct {
	Center  Point   `json:"center"`
	RadiusM float64 `json:"radius"`
}

// InRange reports whether the point is a legal WGS84 coordinate.
func (p Point) InRange() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Validate checks that the polygon is a closed simple ring with in-range
// vertices. Self-intersection is detected with the naive O(n²) segment sweep,
// which is fine for the ring sizes zones carry.
func Validate(poly Polygon) error {
	if len(poly) < 4 {
		return core.E(core.KindInvalidGeometry, "polygon needs at least 4 vertices, got %d", len(poly))
	}
	first, last := poly[0], poly[len(poly)-1]
	if first != last {
		return core.E(core.KindInvalidGeometry, "polygon ring is not closed")
	}
	for i, v := range poly {
		if !v.InRange() {
			return core.E(core.KindInvalidGeometry, "vertex %d out of range: (%f, %f)", i, v.Lat, v.Lng)
		}
	}
	if selfIntersects(poly) {
		return core.E(core.KindInvalidGeometry, "polygon ring self-intersects")
	}
	return nil
}

// Contains runs the ray-casting parity test. A point exactly on an edge
// counts as inside so shared boundaries classify deterministically.
func Contains(poly Polygon, p Point) bool {
	n := len(poly)
	if n < 4 {
		return false
	}
	inside := false
	for i := 0; i < n-1; i++ {
		a, b := poly[i], poly[i+1]
		if onSegment(a, b, p) {
			return true
		}
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			x := a.Lng + (p.Lat-a.Lat)/(b.Lat-a.Lat)*(b.Lng-a.Lng)
			if p.Lng < x {
				inside = !inside
			}
		}
	}
	return inside
}

// CircleToPolygon renders a circle into a closed ring of n vertices so
// circles and polygons evaluate through the same containment path.
func CircleToPolygon(c Circle, n int) (Polygon, error) {
	if n <= 0 {
		n = DefaultCircleVertices
	}
	if n < 3 {
		return nil, core.E(core.KindInvalidGeometry, "circle needs at least 3 vertices, got %d", n)
	}
	if c.RadiusM <= 0 {
		return nil, core.E(core.KindInvalidGeometry, "circle radius must be positive, got %f", c.RadiusM)
	}
	if !c.Center.InRange() {
		return nil, core.E(core.KindInvalidGeometry, "circle center out of range: (%f, %f)", c.Center.Lat, c.Center.Lng)
	}

	ring := make(Polygon, 0, n+1)
	for i := 0; i < n; i++ {
		bearing := float64(i) * 360.0 / float64(n)
		ring = append(ring, destination(c.Center, c.RadiusM, bearing))
	}
	ring = append(ring, ring[0])
	return ring, nil
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Bearing returns the initial forward azimuth from a to b in degrees [0,360).
func Bearing(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLng := radians(b.Lng - a.Lng)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := degrees(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

// destination computes the point reached by traveling distanceM meters from
// origin along the given bearing (degrees).
func destination(origin Point, distanceM, bearingDeg float64) Point {
	lat1 := radians(origin.Lat)
	lng1 := radians(origin.Lng)
	brng := radians(bearingDeg)
	d := distanceM / earthRadiusM

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brng))
	lng2 := lng1 + math.Atan2(
		math.Sin(brng)*math.Sin(d)*math.Cos(lat1),
		math.Cos(d)-math.Sin(lat1)*math.Sin(lat2),
	)

	lng := degrees(lng2)
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return Point{Lat: degrees(lat2), Lng: lng}
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

// onSegment reports whether p lies on the closed segment a-b.
func onSegment(a, b, p Point) bool {
	cross := (b.Lng-a.Lng)*(p.Lat-a.Lat) - (b.Lat-a.Lat)*(p.Lng-a.Lng)
	if math.Abs(cross) > eps {
		return false
	}
	return p.Lat >= math.Min(a.Lat, b.Lat)-eps && p.Lat <= math.Max(a.Lat, b.Lat)+eps &&
		p.Lng >= math.Min(a.Lng, b.Lng)-eps && p.Lng <= math.Max(a.Lng, b.Lng)+eps
}

// selfIntersects checks every pair of non-adjacent ring edges for a proper
// crossing.
func selfIntersects(poly Polygon) bool {
	m := len(poly) - 1 // edge count of the closed ring
	for i := 0; i < m; i++ {
		for j := i + 1; j < m; j++ {
			// Skip adjacent edges, including the wrap between last and first.
			if j == i+1 || (i == 0 && j == m-1) {
				continue
			}
			if segmentsCross(poly[i], poly[i+1], poly[j], poly[j+1]) {
				return true
			}
		}
	}
	return false
}

// segmentsCross reports a proper intersection between segments p1-p2 and
// q1-q2. Shared endpoints between non-adjacent edges count as a crossing.
func segmentsCross(p1, p2, q1, q2 Point) bool {
	d1 := direction(q1, q2, p1)
	d2 := direction(q1, q2, p2)
	d3 := direction(p1, p2, q1)
	d4 := direction(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	if d1 == 0 && onSegment(q1, q2, p1) {
		return true
	}
	if d2 == 0 && onSegment(q1, q2, p2) {
		return true
	}
	if d3 == 0 && onSegment(p1, p2, q1) {
		return true
	}
	if d4 == 0 && onSegment(p1, p2, q2) {
		return true
	}
	return false
}

func direction(a, b, c Point) float64 {
	return (b.Lng-a.Lng)*(c.Lat-a.Lat) - (b.Lat-a.Lat)*(c.Lng-a.Lng)
}
