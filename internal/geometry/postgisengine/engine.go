// Package postgisengine implements geometry.Engine by delegating each primitive to PostGIS.
package postgisengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

// geojsonDigits keeps full double precision when PostGIS renders GeoJSON.
const geojsonDigits = 15

// Engine is a geometry.Engine that runs every primitive as a PostGIS query.
type Engine struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New returns a PostGIS-backed engine using db.
func New(db *gorm.DB, logger *zap.Logger) *Engine {
	return &Engine{db: db, logger: logger.Named("postgis-engine")}
}

var _ geometry.Engine = (*Engine)(nil)

func (e *Engine) Explode(ctx context.Context, g orb.Geometry) ([]orb.Polygon, error) {
	in, err := geometry.Marshal(g)
	if err != nil {
		return nil, err
	}

	rows, err := e.db.WithContext(ctx).Raw(
		`SELECT ST_AsGeoJSON(d.geom, ?) FROM ST_Dump(ST_GeomFromGeoJSON(?)) AS d ORDER BY d.path`,
		geojsonDigits, string(in),
	).Rows()
	if err != nil {
		if msg, perRow := classify(err); perRow {
			return nil, fmt.Errorf("explode: %s", msg)
		}
		return nil, fmt.Errorf("%w: explode: %v", geometry.ErrEngineUnavailable, err)
	}
	defer rows.Close()

	var parts []orb.Polygon
	for rows.Next() {
		var part string
		if err := rows.Scan(&part); err != nil {
			return nil, fmt.Errorf("%w: scan part: %v", geometry.ErrEngineUnavailable, err)
		}
		pg, err := geometry.Parse([]byte(part))
		if err != nil {
			continue
		}
		polys, _ := geometry.Polygons(pg)
		parts = append(parts, polys...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: explode: %v", geometry.ErrEngineUnavailable, err)
	}
	return parts, nil
}

// Repair runs ST_MakeValid and keeps the polygonal members.
func (e *Engine) Repair(ctx context.Context, g orb.Geometry) (orb.Geometry, bool, error) {
	var out sql.NullString
	msg, err := e.scalar(ctx, &out,
		`SELECT ST_AsGeoJSON(ST_CollectionExtract(ST_MakeValid(ST_GeomFromGeoJSON(?)), 3), ?)`,
		g, geojsonDigits)
	if err != nil {
		return nil, false, err
	}
	if msg != "" || !out.Valid {
		return nil, false, nil
	}

	repaired, err := geometry.Parse([]byte(out.String))
	if err != nil {
		return nil, false, nil
	}
	return repaired, true, nil
}

// Canonicalize runs ST_SnapToGrid and ST_Normalize over the multipolygon form of g.
func (e *Engine) Canonicalize(ctx context.Context, g orb.Geometry, tolerance float64) (orb.MultiPolygon, error) {
	if tolerance <= 0 {
		return nil, fmt.Errorf("tolerance must be positive, got %g", tolerance)
	}

	var out sql.NullString
	msg, err := e.scalar(ctx, &out,
		`SELECT ST_AsGeoJSON(ST_Normalize(ST_Multi(ST_CollectionExtract(ST_SnapToGrid(ST_GeomFromGeoJSON(?), ?), 3))), ?)`,
		g, tolerance, geojsonDigits)
	if err != nil {
		return nil, err
	}
	if msg != "" || !out.Valid {
		return orb.MultiPolygon{}, nil
	}

	canon, err := geometry.Parse([]byte(out.String))
	if err != nil {
		return orb.MultiPolygon{}, nil
	}
	polys, _ := geometry.Polygons(canon)
	return orb.MultiPolygon(polys), nil
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

// ValidityReason returns ST_IsValidReason for invalid geometries. Geometries PostGIS
// refuses to parse are invalid with the parse error as reason.
func (e *Engine) ValidityReason(ctx context.Context, g orb.Geometry) (string, error) {
	var out sql.NullString
	msg, err := e.scalar(ctx, &out,
		`SELECT CASE WHEN ST_IsValid(g) THEN '' ELSE ST_IsValidReason(g) END
		FROM (SELECT ST_GeomFromGeoJSON(?) AS g) AS s`,
		g)
	if err != nil {
		return "", err
	}
	if msg != "" {
		return msg, nil
	}
	return out.String, nil
}

func (e *Engine) IsSimple(ctx context.Context, g orb.Geometry) (bool, error) {
	var out sql.NullBool
	msg, err := e.scalar(ctx, &out, `SELECT ST_IsSimple(ST_GeomFromGeoJSON(?))`, g)
	if err != nil || msg != "" {
		return false, err
	}
	return out.Valid && out.Bool, nil
}

// Area is ST_Area over the geography cast, in square meters.
func (e *Engine) Area(ctx context.Context, g orb.Geometry) (float64, error) {
	var out sql.NullFloat64
	msg, err := e.scalar(ctx, &out,
		`SELECT ST_Area(ST_SetSRID(ST_GeomFromGeoJSON(?), 4326)::geography)`, g)
	if err != nil {
		return 0, err
	}
	if msg != "" {
		return 0, fmt.Errorf("area: %s", msg)
	}
	return out.Float64, nil
}

// scalar runs a single-value query whose first argument is g rendered as GeoJSON.
// A PostGIS error about the geometry itself is returned as msg; engine failures as err.
func (e *Engine) scalar(ctx context.Context, dest any, query string, g orb.Geometry, args ...any) (msg string, err error) {
	in, err := geometry.Marshal(g)
	if err != nil {
		return err.Error(), nil
	}

	row := e.db.WithContext(ctx).Raw(query, append([]any{string(in)}, args...)...).Row()
	if err := row.Scan(dest); err != nil {
		if m, perRow := classify(err); perRow {
			e.logger.Debug("PostGIS rejected geometry", zap.String("reason", m))
			return m, nil
		}
		return "", fmt.Errorf("%w: %v", geometry.ErrEngineUnavailable, err)
	}
	return "", nil
}

// classify separates errors caused by one geometry from failures of the engine.
// PostGIS raises geometry problems as internal_error (XX000) or invalid parameter values.
func classify(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch pgErr.Code {
	case "XX000", "22023", "22P02":
		return strings.TrimSpace(pgErr.Message), true
	}
	return "", false
}
