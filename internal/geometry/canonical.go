package geometry

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// Canonicalize snaps every coordinate of g to a tolerance grid and normalizes rings
// and parts so that equal shapes produce equal output regardless of ring start point,
// winding, part order, or Polygon vs single-member MultiPolygon representation.
//
// Shells are clockwise and holes counter-clockwise. Each ring starts at its smallest
// point (x, then y). Rings that collapse below three distinct points after snapping are
// dropped, as are parts whose shell collapsed. The result may be empty.
func Canonicalize(g orb.Geometry, tolerance float64) (orb.MultiPolygon, error) {
	if tolerance <= 0 {
		return nil, fmt.Errorf("tolerance must be positive, got %g", tolerance)
	}
	polys, err := Polygons(g)
	if err != nil {
		return nil, err
	}

	out := make(orb.MultiPolygon, 0, len(polys))
	for _, p := range polys {
		if len(p) == 0 {
			continue
		}
		shell, ok := canonicalRing(p[0], tolerance, orb.CW)
		if !ok {
			continue
		}

		holes := make([]orb.Ring, 0, len(p)-1)
		for _, h := range p[1:] {
			if hole, ok := canonicalRing(h, tolerance, orb.CCW); ok {
				holes = append(holes, hole)
			}
		}
		sort.Slice(holes, func(i, j int) bool { return compareRings(holes[i], holes[j]) < 0 })

		out = append(out, append(orb.Polygon{shell}, holes...))
	}

	sort.Slice(out, func(i, j int) bool { return compareRings(out[i][0], out[j][0]) < 0 })
	return out, nil
}

// Serialize encodes g as little-endian WKB. Equal canonical geometries always
// produce identical bytes.
func Serialize(g orb.Geometry) ([]byte, error) {
	b, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("encode wkb: %w", err)
	}
	return b, nil
}

// Digest returns the hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalKey runs Canonicalize, Serialize and Digest in order. ok is false when the
// canonical form is empty.
func CanonicalKey(g orb.Geometry, tolerance float64) (key string, ok bool, err error) {
	canon, err := Canonicalize(g, tolerance)
	if err != nil {
		return "", false, err
	}
	if len(canon) == 0 {
		return "", false, nil
	}
	b, err := Serialize(canon)
	if err != nil {
		return "", false, err
	}
	return Digest(b), true, nil
}

func snap(v, tolerance float64) float64 {
	s := math.Round(v/tolerance) * tolerance
	if s == 0 {
		// collapse -0 so the WKB bytes match
		return 0
	}
	return s
}

func canonicalRing(r orb.Ring, tolerance float64, want orb.Orientation) (orb.Ring, bool) {
	pts := make([]orb.Point, 0, len(r))
	for _, p := range r {
		s := orb.Point{snap(p[0], tolerance), snap(p[1], tolerance)}
		if len(pts) > 0 && pts[len(pts)-1] == s {
			continue
		}
		pts = append(pts, s)
	}
	for len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	if len(pts) < 3 {
		return nil, false
	}

	closed := make(orb.Ring, 0, len(pts)+1)
	closed = append(closed, pts...)
	closed = append(closed, pts[0])

	switch closed.Orientation() {
	case 0:
		return nil, false
	case want:
	default:
		for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
			pts[i], pts[j] = pts[j], pts[i]
		}
	}

	start := smallestRotation(pts)
	ring := make(orb.Ring, 0, len(pts)+1)
	ring = append(ring, pts[start:]...)
	ring = append(ring, pts[:start]...)
	ring = append(ring, ring[0])
	return ring, true
}

// smallestRotation returns the start index of the lexicographically smallest rotation
// of the open ring pts.
func smallestRotation(pts []orb.Point) int {
	best := 0
	n := len(pts)
	for i := 1; i < n; i++ {
		for k := 0; k < n; k++ {
			c := comparePoints(pts[(i+k)%n], pts[(best+k)%n])
			if c < 0 {
				best = i
			}
			if c != 0 {
				break
			}
		}
	}
	return best
}

func comparePoints(a, b orb.Point) int {
	switch {
	case a[0] < b[0]:
		return -1
	case a[0] > b[0]:
		return 1
	case a[1] < b[1]:
		return -1
	case a[1] > b[1]:
		return 1
	}
	return 0
}

func compareRings(a, b orb.Ring) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := comparePoints(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}
