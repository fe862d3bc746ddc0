// Package geometry holds the fence geometry model (paulmach/orb), its canonical form,
// and the Engine contract implemented by geosengine and postgisengine.
package geometry

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// DefaultTolerance is the snap grid, in degrees, used for canonical keys.
const DefaultTolerance = 1e-6

var (
	// ErrEngineUnavailable marks a failure of the geometry engine itself. It is fatal
	// for the calling operation.
	ErrEngineUnavailable = errors.New("geometry engine unavailable")
	// ErrUnsupportedGeometry is returned for anything that is not a polygon or multipolygon.
	ErrUnsupportedGeometry = errors.New("unsupported geometry type")
	// ErrEmptyGeometry is returned for geometries with no coordinates.
	ErrEmptyGeometry = errors.New("empty geometry")
)

// Parse decodes a GeoJSON geometry object into a Polygon or MultiPolygon.
func Parse(data []byte) (orb.Geometry, error) {
	if len(data) == 0 {
		return nil, ErrEmptyGeometry
	}

	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}
	geom := g.Geometry()

	switch geom.(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGeometry, g.Type)
	}
	if IsEmpty(geom) {
		return nil, ErrEmptyGeometry
	}
	return geom, nil
}

// Marshal encodes g as a GeoJSON geometry object.
func Marshal(g orb.Geometry) ([]byte, error) {
	return geojson.NewGeometry(g).MarshalJSON()
}

// MatchKind returns repaired in the same single/multi form as orig where that is
// possible: a Polygon is wrapped when orig is a MultiPolygon, and a one-member
// MultiPolygon is unwrapped when orig is a Polygon.
func MatchKind(orig, repaired orb.Geometry) orb.Geometry {
	switch orig.(type) {
	case orb.MultiPolygon:
		if p, ok := repaired.(orb.Polygon); ok {
			return orb.MultiPolygon{p}
		}
	case orb.Polygon:
		if mp, ok := repaired.(orb.MultiPolygon); ok && len(mp) == 1 {
			return mp[0]
		}
	}
	return repaired
}

// Polygons explodes g into its single-part polygons. A Polygon is returned as-is;
// collections are flattened and non-polygonal members discarded.
func Polygons(g orb.Geometry) ([]orb.Polygon, error) {
	switch v := g.(type) {
	case nil:
		return nil, ErrEmptyGeometry
	case orb.Polygon:
		return []orb.Polygon{v}, nil
	case orb.MultiPolygon:
		out := make([]orb.Polygon, len(v))
		copy(out, v)
		return out, nil
	case orb.Collection:
		var out []orb.Polygon
		for _, member := range v {
			polys, err := Polygons(member)
			if err != nil {
				continue
			}
			out = append(out, polys...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGeometry, g.GeoJSONType())
	}
}

// IsEmpty reports whether g carries no polygon with at least one non-empty ring.
func IsEmpty(g orb.Geometry) bool {
	polys, err := Polygons(g)
	if err != nil {
		return true
	}
	for _, p := range polys {
		if len(p) > 0 && len(p[0]) > 0 {
			return false
		}
	}
	return true
}

// Rings returns every ring of every part of g, shells first within each part.
func Rings(g orb.Geometry) []orb.Ring {
	polys, err := Polygons(g)
	if err != nil {
		return nil
	}
	var rings []orb.Ring
	for _, p := range polys {
		rings = append(rings, p...)
	}
	return rings
}

// HasUnclosedRing reports whether any ring with at least three points has a first
// point different from its last point. Shorter rings are not checked here.
func HasUnclosedRing(g orb.Geometry) bool {
	for _, r := range Rings(g) {
		if len(r) >= 3 && r[0] != r[len(r)-1] {
			return true
		}
	}
	return false
}

// HasDuplicateVertices reports whether any ring repeats a point at two consecutive
// positions. Non-consecutive repeats are ignored.
func HasDuplicateVertices(g orb.Geometry) bool {
	for _, r := range Rings(g) {
		for i := 1; i < len(r); i++ {
			if r[i] == r[i-1] {
				return true
			}
		}
	}
	return false
}
