package fences

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/EV-Geofence/internal/consistency"
	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostGISStore reads and mutates fences in a PostGIS table.
type PostGISStore struct {
	db     *gorm.DB
	table  string // quoted
	logger *zap.Logger

	hasStatus bool
	optional  []string
	// geomType is the column's declared geometry type, e.g. "MultiPolygon", or
	// "Geometry" when unconstrained.
	geomType string
}

var _ Repository = (*PostGISStore)(nil)

// NewPostGISStore inspects table for its optional columns and geometry type and returns a store over it.
func NewPostGISStore(db *gorm.DB, table string, logger *zap.Logger) (*PostGISStore, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid fence table name %q", table)
	}

	var quoted []string
	for _, part := range strings.Split(table, ".") {
		quoted = append(quoted, pq.QuoteIdentifier(part))
	}

	s := &PostGISStore{
		db:     db,
		table:  strings.Join(quoted, "."),
		logger: logger.Named("fence-store"),
	}

	migrator := db.Migrator()
	if !migrator.HasTable(table) {
		return nil, fmt.Errorf("fence table %q does not exist", table)
	}
	s.hasStatus = migrator.HasColumn(table, "status")
	for _, col := range optionalColumns {
		if migrator.HasColumn(table, col) {
			s.optional = append(s.optional, col)
		}
	}

	err := db.Raw(`
		SELECT COALESCE(postgis_typmod_type(a.atttypmod), 'Geometry')
		FROM pg_attribute a
		WHERE a.attrelid = ?::regclass AND a.attname = 'geometry'`, s.table).Row().Scan(&s.geomType)
	if err != nil {
		return nil, fmt.Errorf("fence table %q has no usable geometry column: %w", table, err)
	}

	s.logger.Info("Fence store ready",
		zap.String("table", table),
		zap.String("geometry_type", s.geomType),
		zap.Bool("status_column", s.hasStatus),
		zap.Strings("optional_columns", s.optional))
	return s, nil
}

// HasStatus reports whether the table has a status column.
func (s *PostGISStore) HasStatus() bool {
	return s.hasStatus
}

func (s *PostGISStore) columns() string {
	cols := []string{"f.id", "COALESCE(f.name, '')"}
	if s.hasStatus {
		cols = append(cols, "COALESCE(f.status, 'unknown')")
	} else {
		cols = append(cols, "'unknown'")
	}
	for _, col := range optionalColumns {
		if s.has(col) {
			cols = append(cols, fmt.Sprintf("COALESCE(f.%s::text, '')", pq.QuoteIdentifier(col)))
		} else {
			cols = append(cols, "''")
		}
	}
	return strings.Join(cols, ", ")
}

func (s *PostGISStore) has(col string) bool {
	for _, c := range s.optional {
		if c == col {
			return true
		}
	}
	return false
}

// Fences returns a snapshot of the requested fences ordered by id. A nil ids slice
// selects every fence.
func (s *PostGISStore) Fences(ctx context.Context, ids []int64) ([]consistency.Fence, error) {
	query := fmt.Sprintf(`
		SELECT %s, ST_AsGeoJSON(f.geometry, 15)
		FROM %s f`, s.columns(), s.table)
	var args []any
	if ids != nil {
		query += ` WHERE f.id = ANY(?)`
		args = append(args, pq.Array(ids))
	}
	query += ` ORDER BY f.id`

	rows, err := s.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("fence snapshot query failed: %w", err)
	}
	defer rows.Close()

	var out []consistency.Fence
	for rows.Next() {
		var (
			f       consistency.Fence
			status  string
			attrs   = make([]string, len(optionalColumns))
			geojson sql.NullString
		)
		dest := []any{&f.ID, &f.Name, &status}
		for i := range attrs {
			dest = append(dest, &attrs[i])
		}
		dest = append(dest, &geojson)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan fence: %w", err)
		}

		f.Status = consistency.Status(status)
		f.Attributes = s.attributes(attrs)
		if geojson.Valid {
			g, err := geometry.Parse([]byte(geojson.String))
			if err != nil {
				s.logger.Warn("Stored geometry is not polygonal", zap.Int64("id", f.ID), zap.Error(err))
			} else {
				f.Geometry = g
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Parts returns one row per exploded polygon part, ordered by fence id then part.
func (s *PostGISStore) Parts(ctx context.Context, filter PartFilter) ([]consistency.PartRow, error) {
	where := []string{"f.geometry IS NOT NULL"}
	var args []any
	if filter.IDs != nil {
		where = append(where, "f.id = ANY(?)")
		args = append(args, pq.Array(filter.IDs))
	}
	if filter.Status != "" && s.hasStatus {
		where = append(where, "f.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.City != "" && s.has("city") {
		where = append(where, "f.city = ?")
		args = append(args, filter.City)
	}

	query := fmt.Sprintf(`
		SELECT %s, COALESCE(d.path[1], 1) AS part, ST_AsGeoJSON(d.geom, 15)
		FROM %s f
		CROSS JOIN LATERAL ST_Dump(f.geometry) AS d
		WHERE %s
		ORDER BY f.id, part`, s.columns(), s.table, strings.Join(where, " AND "))

	rows, err := s.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("fence parts query failed: %w", err)
	}
	defer rows.Close()

	var out []consistency.PartRow
	for rows.Next() {
		var (
			row    consistency.PartRow
			status string
			attrs  = make([]string, len(optionalColumns))
			part   string
		)
		dest := []any{&row.FenceID, &row.Name, &status}
		for i := range attrs {
			dest = append(dest, &attrs[i])
		}
		dest = append(dest, &row.Ordinal, &part)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan fence part: %w", err)
		}

		row.Attributes = s.attributes(attrs)
		row.Attributes["status"] = status
		row.Geometry = []byte(part)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostGISStore) attributes(values []string) map[string]any {
	attrs := make(map[string]any)
	for i, col := range optionalColumns {
		if s.has(col) && values[i] != "" {
			attrs[col] = values[i]
		}
	}
	return attrs
}

// SetStatus sets status on every listed fence whose status differs, in one statement,
// and returns the ids it changed.
func (s *PostGISStore) SetStatus(ctx context.Context, ids []int64, status consistency.Status) ([]int64, error) {
	if !s.hasStatus {
		return nil, ErrStatusUnsupported
	}
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?
		WHERE id = ANY(?) AND status IS DISTINCT FROM ?
		RETURNING id`, s.table)
	return s.returningIDs(ctx, query, string(status), pq.Array(ids), string(status))
}

// ReplaceGeometry writes every geometry in geoms in one statement, skipping rows whose
// stored geometry is already identical, and returns the ids it changed. Geometries are
// cast to the column's declared type and to the stored row's single/multi form; a
// geometry that cannot fit the column is skipped without failing the others.
func (s *PostGISStore) ReplaceGeometry(ctx context.Context, geoms map[int64]orb.Geometry) ([]int64, error) {
	if len(geoms) == 0 {
		return nil, nil
	}

	var ids []int64
	for id := range geoms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	kept := ids[:0]
	var docs []string
	for _, id := range ids {
		g, ok := fitColumn(geoms[id], s.geomType)
		if !ok {
			s.logger.Warn("Repaired geometry does not fit the geometry column, skipping",
				zap.Int64("id", id),
				zap.String("geometry_type", geoms[id].GeoJSONType()),
				zap.String("column_type", s.geomType))
			continue
		}
		b, err := geometry.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("encode geometry for fence %d: %w", id, err)
		}
		kept = append(kept, id)
		docs = append(docs, string(b))
	}
	if len(kept) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s AS f
		SET geometry = u.geom
		FROM (
			SELECT t.id,
				CASE WHEN GeometryType(f2.geometry) = 'MULTIPOLYGON'
					THEN ST_Multi(ST_SetSRID(ST_GeomFromGeoJSON(t.doc), ST_SRID(f2.geometry)))
					ELSE ST_SetSRID(ST_GeomFromGeoJSON(t.doc), ST_SRID(f2.geometry))
				END AS geom
			FROM unnest(?::bigint[], ?::text[]) AS t(id, doc)
			JOIN %s f2 ON f2.id = t.id
		) AS u
		WHERE f.id = u.id AND NOT ST_OrderingEquals(f.geometry, u.geom)
		RETURNING f.id`, s.table, s.table)
	return s.returningIDs(ctx, query, pq.Array(kept), pq.Array(docs))
}

// fitColumn converts g to the declared column type. ok is false when g cannot be
// stored in the column, such as a two-part repair in a Polygon column.
func fitColumn(g orb.Geometry, columnType string) (orb.Geometry, bool) {
	switch strings.ToLower(columnType) {
	case "multipolygon":
		if p, isPoly := g.(orb.Polygon); isPoly {
			return orb.MultiPolygon{p}, true
		}
		_, isMulti := g.(orb.MultiPolygon)
		return g, isMulti
	case "polygon":
		switch v := g.(type) {
		case orb.Polygon:
			return v, true
		case orb.MultiPolygon:
			if len(v) == 1 {
				return v[0], true
			}
		}
		return g, false
	}
	return g, true
}

func (s *PostGISStore) returningIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("fence update failed: %w", err)
	}
	defer rows.Close()

	var changed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan updated id: %w", err)
		}
		changed = append(changed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed, nil
}
