package consistency

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

// PartRow is one exploded single-part geometry of a fence, as returned by the store.
// Ordinal only preserves emission order.
type PartRow struct {
	FenceID    int64
	Name       string
	Attributes map[string]any
	Ordinal    int
	Geometry   []byte // GeoJSON
}

type partGroup struct {
	first PartRow
	rows  []PartRow
}

// Reassemble folds part rows back into one Feature per fence, in order of first appearance.
// Rows whose geometry does not parse are dropped; a fence left without parts is omitted.
func Reassemble(rows []PartRow) []*geojson.Feature {
	var order []int64
	groups := make(map[int64]*partGroup)
	for _, row := range rows {
		grp, ok := groups[row.FenceID]
		if !ok {
			grp = &partGroup{first: row}
			groups[row.FenceID] = grp
			order = append(order, row.FenceID)
		}
		grp.rows = append(grp.rows, row)
	}

	features := make([]*geojson.Feature, 0, len(order))
	for _, id := range order {
		grp := groups[id]
		g := mergeParts(grp.rows)
		if g == nil {
			continue
		}
		features = append(features, newFeature(grp.first, g))
	}
	return features
}

// FeatureCollection wraps Reassemble's output.
func FeatureCollection(rows []PartRow) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range Reassemble(rows) {
		fc.Append(f)
	}
	return fc
}

func mergeParts(rows []PartRow) orb.Geometry {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Ordinal < rows[j].Ordinal })

	var parts []orb.Geometry
	for _, row := range rows {
		g, err := geometry.Parse(row.Geometry)
		if err != nil {
			continue
		}
		parts = append(parts, g)
	}

	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	}

	var mp orb.MultiPolygon
	for _, part := range parts {
		polys, err := geometry.Polygons(part)
		if err != nil {
			continue
		}
		mp = append(mp, polys...)
	}
	return mp
}

func newFeature(first PartRow, g orb.Geometry) *geojson.Feature {
	f := geojson.NewFeature(g)
	f.ID = first.FenceID
	for k, v := range first.Attributes {
		f.Properties[k] = v
	}
	f.Properties["id"] = first.FenceID
	f.Properties["name"] = DisplayName(first.FenceID, first.Name)
	return f
}
