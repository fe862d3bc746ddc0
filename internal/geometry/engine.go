package geometry

import (
	"context"

	"github.com/paulmach/orb"
)

// Engine provides the spatial primitives the consistency core relies on.
//
// Methods return an error only when the engine itself fails (wrapping
// ErrEngineUnavailable). A geometry the engine cannot construct is reported through
// IsValid/ValidityReason, and an unrepairable geometry through Repair's ok result.
type Engine interface {
	// Explode splits g into single-part polygons. Identity on a Polygon.
	Explode(ctx context.Context, g orb.Geometry) ([]orb.Polygon, error)
	// Repair returns a valid polygonal geometry approximating g. ok is false when
	// nothing polygonal survives repair.
	Repair(ctx context.Context, g orb.Geometry) (repaired orb.Geometry, ok bool, err error)
	// Canonicalize snaps g to the tolerance grid and normalizes ring and part order.
	Canonicalize(ctx context.Context, g orb.Geometry, tolerance float64) (orb.MultiPolygon, error)
	// SerializeDeterministic encodes g so that equal geometries produce equal bytes.
	SerializeDeterministic(g orb.Geometry) ([]byte, error)
	// Hash returns a fixed-width digest of b.
	Hash(b []byte) string
	IsValid(ctx context.Context, g orb.Geometry) (bool, error)
	// ValidityReason explains why g is invalid, or returns "" when it is valid.
	ValidityReason(ctx context.Context, g orb.Geometry) (string, error)
	IsSimple(ctx context.Context, g orb.Geometry) (bool, error)
	// Area returns the geodesic area of g in square meters.
	Area(ctx context.Context, g orb.Geometry) (float64, error)
}
