package fences

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/EmpoweredVote/EV-Geofence/internal/consistency"
	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

// MemStore is an in-memory Repository, used by the CLI for GeoJSON files and by tests.
type MemStore struct {
	mu     sync.RWMutex
	fences map[int64]consistency.Fence
	// geometry read from GeoJSON that is not a usable polygon, kept so WriteGeoJSON
	// can write it back unchanged
	unused map[int64]orb.Geometry
}

var _ Repository = (*MemStore)(nil)

// NewMemStore copies fences into a new store. Blank statuses default to active.
func NewMemStore(fences ...consistency.Fence) *MemStore {
	s := &MemStore{
		fences: make(map[int64]consistency.Fence, len(fences)),
		unused: make(map[int64]orb.Geometry),
	}
	for _, f := range fences {
		if f.Status == "" {
			f.Status = consistency.StatusActive
		}
		s.fences[f.ID] = f
	}
	return s
}

func (s *MemStore) sorted() []consistency.Fence {
	out := make([]consistency.Fence, 0, len(s.fences))
	for _, f := range s.fences {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemStore) Fences(_ context.Context, ids []int64) ([]consistency.Fence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ids == nil {
		return s.sorted(), nil
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []consistency.Fence
	for _, f := range s.sorted() {
		if want[f.ID] {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *MemStore) Parts(_ context.Context, filter PartFilter) ([]consistency.PartRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var want map[int64]bool
	if filter.IDs != nil {
		want = make(map[int64]bool, len(filter.IDs))
		for _, id := range filter.IDs {
			want[id] = true
		}
	}

	var rows []consistency.PartRow
	for _, f := range s.sorted() {
		switch {
		case f.Geometry == nil:
			continue
		case want != nil && !want[f.ID]:
			continue
		case filter.Status != "" && f.Status != filter.Status:
			continue
		case filter.City != "" && f.Attributes["city"] != filter.City:
			continue
		}

		polys, err := geometry.Polygons(f.Geometry)
		if err != nil {
			continue
		}
		for i, p := range polys {
			b, err := geometry.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("encode part %d of fence %d: %w", i+1, f.ID, err)
			}
			attrs := make(map[string]any, len(f.Attributes)+1)
			for k, v := range f.Attributes {
				attrs[k] = v
			}
			attrs["status"] = string(f.Status)
			rows = append(rows, consistency.PartRow{
				FenceID:    f.ID,
				Name:       f.Name,
				Attributes: attrs,
				Ordinal:    i + 1,
				Geometry:   b,
			})
		}
	}
	return rows, nil
}

func (s *MemStore) SetStatus(_ context.Context, ids []int64, status consistency.Status) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []int64
	for _, id := range ids {
		f, ok := s.fences[id]
		if !ok || f.Status == status {
			continue
		}
		f.Status = status
		s.fences[id] = f
		changed = append(changed, id)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed, nil
}

func (s *MemStore) ReplaceGeometry(_ context.Context, geoms map[int64]orb.Geometry) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []int64
	for id, g := range geoms {
		f, ok := s.fences[id]
		if !ok || f.Geometry == nil || orb.Equal(f.Geometry, g) {
			continue
		}
		f.Geometry = g
		s.fences[id] = f
		changed = append(changed, id)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed, nil
}

// LoadGeoJSON reads a FeatureCollection into a MemStore. The fence id is the feature id
// or properties.id; name and status come from properties, and city/address are kept as
// attributes. Features without a usable id are rejected.
func LoadGeoJSON(r io.Reader) (*MemStore, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode feature collection: %w", err)
	}

	fences := make([]consistency.Fence, 0, len(fc.Features))
	unused := make(map[int64]orb.Geometry)
	seen := make(map[int64]bool, len(fc.Features))
	for i, feat := range fc.Features {
		id, err := featureID(feat)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		if seen[id] {
			return nil, fmt.Errorf("feature %d: duplicate fence id %d", i, id)
		}
		seen[id] = true

		f := consistency.Fence{
			ID:         id,
			Name:       feat.Properties.MustString("name", ""),
			Status:     consistency.Status(feat.Properties.MustString("status", string(consistency.StatusActive))),
			Attributes: make(map[string]any),
		}
		for _, col := range optionalColumns {
			if v, ok := feat.Properties[col].(string); ok && v != "" {
				f.Attributes[col] = v
			}
		}
		switch feat.Geometry.(type) {
		case nil:
		case orb.Polygon, orb.MultiPolygon:
			if !geometry.IsEmpty(feat.Geometry) {
				f.Geometry = feat.Geometry
			} else {
				unused[id] = feat.Geometry
			}
		default:
			unused[id] = feat.Geometry
		}
		fences = append(fences, f)
	}

	s := NewMemStore(fences...)
	s.unused = unused
	return s, nil
}

// WriteGeoJSON writes every fence as a Feature. Fences without polygonal geometry are
// written with the geometry they were loaded with, or a null geometry.
func (s *MemStore) WriteGeoJSON(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fc := geojson.NewFeatureCollection()
	for _, f := range s.sorted() {
		g := f.Geometry
		if g == nil {
			g = s.unused[f.ID]
		}
		feat := geojson.NewFeature(g)
		feat.ID = f.ID
		for k, v := range f.Attributes {
			feat.Properties[k] = v
		}
		feat.Properties["id"] = f.ID
		feat.Properties["name"] = f.Name
		feat.Properties["status"] = string(f.Status)
		fc.Append(feat)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(fc)
}

func featureID(f *geojson.Feature) (int64, error) {
	raw := f.ID
	if raw == nil {
		raw = f.Properties["id"]
	}
	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("fence id %v is not an integer", v)
		}
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("fence id %q is not an integer", v)
		}
		return id, nil
	case nil:
		return 0, fmt.Errorf("missing fence id")
	default:
		return 0, fmt.Errorf("unsupported fence id type %T", v)
	}
}
