// Package geosengine implements geometry.Engine in-process on libgeos.
package geosengine

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geo"
	"github.com/twpayne/go-geos"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

// Engine is a geometry.Engine backed by go-geos.
type Engine struct {
	logger *zap.Logger
}

// New returns a GEOS-backed engine.
func New(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("geos-engine")}
}

var _ geometry.Engine = (*Engine)(nil)

func (e *Engine) Explode(_ context.Context, g orb.Geometry) ([]orb.Polygon, error) {
	return geometry.Polygons(g)
}

// Repair runs GEOS MakeValid (structure method, collapsed parts discarded) and keeps the
// polygonal result.
func (e *Engine) Repair(_ context.Context, g orb.Geometry) (repaired orb.Geometry, ok bool, err error) {
	gg, reason := toGEOS(g)
	if gg == nil {
		e.logger.Debug("Geometry not constructible, cannot repair", zap.String("reason", reason))
		return nil, false, nil
	}
	defer gg.Destroy()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("GEOS panic during repair", zap.Any("panic", r))
			repaired, ok, err = nil, false, nil
		}
	}()

	fixed := gg.MakeValidWithParams(geos.MakeValidStructure, geos.MakeValidDiscardCollapsed)
	if fixed == nil {
		return nil, false, nil
	}
	defer fixed.Destroy()

	if fixed.IsEmpty() {
		return nil, false, nil
	}

	decoded, err := wkb.Unmarshal(fixed.ToWKB())
	if err != nil {
		return nil, false, fmt.Errorf("%w: decode repaired geometry: %v", geometry.ErrEngineUnavailable, err)
	}

	polys, err := geometry.Polygons(decoded)
	if err != nil || len(polys) == 0 {
		return nil, false, nil
	}
	if len(polys) == 1 {
		return polys[0], true, nil
	}
	return orb.MultiPolygon(polys), true, nil
}

func (e *Engine) Canonicalize(_ context.Context, g orb.Geometry, tolerance float64) (orb.MultiPolygon, error) {
	return geometry.Canonicalize(g, tolerance)
}

func (e *Engine) SerializeDeterministic(g orb.Geometry) ([]byte, error) {
	return geometry.Serialize(g)
}

func (e *Engine) Hash(b []byte) string {
	return geometry.Digest(b)
}

func (e *Engine) IsValid(ctx context.Context, g orb.Geometry) (bool, error) {
	reason, err := e.ValidityReason(ctx, g)
	if err != nil {
		return false, err
	}
	return reason == "", nil
}

// ValidityReason returns GEOS's explanation for an invalid geometry. A geometry GEOS
// refuses to build (for example an unclosed ring) is invalid with the construction error
// as its reason.
func (e *Engine) ValidityReason(_ context.Context, g orb.Geometry) (reason string, err error) {
	gg, msg := toGEOS(g)
	if gg == nil {
		return msg, nil
	}
	defer gg.Destroy()

	defer func() {
		if r := recover(); r != nil {
			reason, err = fmt.Sprintf("GEOS error: %v", r), nil
		}
	}()

	if gg.IsValid() {
		return "", nil
	}
	return gg.IsValidReason(), nil
}

func (e *Engine) IsSimple(_ context.Context, g orb.Geometry) (simple bool, err error) {
	gg, _ := toGEOS(g)
	if gg == nil {
		return false, nil
	}
	defer gg.Destroy()

	defer func() {
		if r := recover(); r != nil {
			simple, err = false, nil
		}
	}()

	return gg.IsSimple(), nil
}

// Area is the spherical area in square meters.
func (e *Engine) Area(_ context.Context, g orb.Geometry) (float64, error) {
	return geo.Area(g), nil
}

// toGEOS converts g through WKB. On failure it returns nil and GEOS's message.
func toGEOS(g orb.Geometry) (gg *geos.Geom, msg string) {
	defer func() {
		if r := recover(); r != nil {
			gg, msg = nil, fmt.Sprintf("%v", r)
		}
	}()

	if g == nil {
		return nil, geometry.ErrEmptyGeometry.Error()
	}
	b, err := geometry.Serialize(g)
	if err != nil {
		return nil, err.Error()
	}
	gg, err = geos.NewGeomFromWKB(b)
	if err != nil {
		return nil, err.Error()
	}
	return gg, ""
}
