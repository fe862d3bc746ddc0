package fences

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/EV-Geofence/internal/consistency"
)

const sampleCollection = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": 1,
     "properties": {"name": "Downtown", "city": "Bloomington"},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[0,1],[0,0]]]}},
    {"type": "Feature",
     "properties": {"id": "2", "name": "Islands", "status": "inactive"},
     "geometry": {"type": "MultiPolygon", "coordinates": [
       [[[5,5],[6,5],[5,6],[5,5]]],
       [[[9,9],[10,9],[9,10],[9,9]]]
     ]}},
    {"type": "Feature", "id": 3,
     "properties": {"name": "Marker"},
     "geometry": {"type": "Point", "coordinates": [1,1]}}
  ]
}`

func loadSample(t *testing.T) *MemStore {
	t.Helper()
	s, err := LoadGeoJSON(strings.NewReader(sampleCollection))
	require.NoError(t, err)
	return s
}

func TestLoadGeoJSON(t *testing.T) {
	s := loadSample(t)

	fences, err := s.Fences(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, fences, 3)

	assert.Equal(t, int64(1), fences[0].ID)
	assert.Equal(t, "Downtown", fences[0].Name)
	assert.Equal(t, consistency.StatusActive, fences[0].Status)
	assert.Equal(t, "Bloomington", fences[0].Attributes["city"])
	assert.IsType(t, orb.Polygon{}, fences[0].Geometry)

	assert.Equal(t, int64(2), fences[1].ID)
	assert.Equal(t, consistency.StatusInactive, fences[1].Status)

	assert.Nil(t, fences[2].Geometry)
}

func TestLoadGeoJSON_RejectsBadIDs(t *testing.T) {
	tests := map[string]string{
		"missing id":   `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":null}]}`,
		"fractional":   `{"type":"FeatureCollection","features":[{"type":"Feature","id":1.5,"properties":{},"geometry":null}]}`,
		"duplicate id": `{"type":"FeatureCollection","features":[{"type":"Feature","id":1,"properties":{},"geometry":null},{"type":"Feature","id":1,"properties":{},"geometry":null}]}`,
		"not json":     `{`,
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadGeoJSON(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestMemStore_PartsExplodesAndFilters(t *testing.T) {
	s := loadSample(t)
	ctx := context.Background()

	parts, err := s.Parts(ctx, PartFilter{})
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, int64(2), parts[1].FenceID)
	assert.Equal(t, 1, parts[1].Ordinal)
	assert.Equal(t, 2, parts[2].Ordinal)
	assert.Equal(t, "inactive", parts[1].Attributes["status"])

	parts, err = s.Parts(ctx, PartFilter{Status: consistency.StatusActive})
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, int64(1), parts[0].FenceID)

	parts, err = s.Parts(ctx, PartFilter{City: "Bloomington"})
	require.NoError(t, err)
	assert.Len(t, parts, 1)

	parts, err = s.Parts(ctx, PartFilter{IDs: []int64{2, 3}})
	require.NoError(t, err)
	assert.Len(t, parts, 2)

	features := consistency.Reassemble(parts)
	require.Len(t, features, 1)
	assert.IsType(t, orb.MultiPolygon{}, features[0].Geometry)
}

func TestMemStore_MutationsSkipUnchangedRows(t *testing.T) {
	s := loadSample(t)
	ctx := context.Background()

	changed, err := s.SetStatus(ctx, []int64{1, 2, 42}, consistency.StatusInactive)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, changed)

	tri := orb.Polygon{{{0, 0}, {1, 0}, {0, 1}, {0, 0}}}
	square := orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}
	changed, err = s.ReplaceGeometry(ctx, map[int64]orb.Geometry{1: tri, 2: square, 3: square, 42: square})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, changed)
}

func TestMemStore_WriteGeoJSONRoundTrip(t *testing.T) {
	s := loadSample(t)

	var buf bytes.Buffer
	require.NoError(t, s.WriteGeoJSON(&buf))

	again, err := LoadGeoJSON(&buf)
	require.NoError(t, err)

	before, _ := s.Fences(context.Background(), nil)
	after, _ := again.Fences(context.Background(), nil)
	require.Len(t, after, 3)
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Status, after[i].Status)
		assert.True(t, orb.Equal(before[i].Geometry, after[i].Geometry))
	}
}

func TestMemStore_WriteGeoJSONKeepsFencesWithoutPolygons(t *testing.T) {
	doc := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","id":1,"properties":{"name":"Downtown"},
	   "geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[0,1],[0,0]]]}},
	  {"type":"Feature","id":2,"properties":{"name":"Pending"},"geometry":null},
	  {"type":"Feature","id":3,"properties":{"name":"Marker"},
	   "geometry":{"type":"Point","coordinates":[1,1]}}
	]}`
	s, err := LoadGeoJSON(strings.NewReader(doc))
	require.NoError(t, err)

	changed, err := s.SetStatus(context.Background(), []int64{1, 2, 3}, consistency.StatusInactive)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, changed)

	var buf bytes.Buffer
	require.NoError(t, s.WriteGeoJSON(&buf))

	fc, err := geojson.UnmarshalFeatureCollection(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 3)
	assert.Nil(t, fc.Features[1].Geometry)
	assert.Equal(t, orb.Point{1, 1}, fc.Features[2].Geometry)

	again, err := LoadGeoJSON(&buf)
	require.NoError(t, err)
	after, err := again.Fences(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, after, 3)
	for _, f := range after {
		assert.Equal(t, consistency.StatusInactive, f.Status)
	}
	assert.Equal(t, "Pending", after[1].Name)
	assert.Nil(t, after[2].Geometry)
}
