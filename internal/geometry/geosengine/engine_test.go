package geosengine

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

var (
	triangle = orb.Polygon{{{0, 0}, {1, 0}, {0, 1}, {0, 0}}}
	bowtie   = orb.Polygon{{{0, 0}, {2, 2}, {2, 0}, {0, 2}, {0, 0}}}
)

func TestValidity(t *testing.T) {
	ctx := context.Background()
	e := New(zap.NewNop())

	valid, err := e.IsValid(ctx, triangle)
	require.NoError(t, err)
	assert.True(t, valid)

	reason, err := e.ValidityReason(ctx, triangle)
	require.NoError(t, err)
	assert.Empty(t, reason)

	simple, err := e.IsSimple(ctx, triangle)
	require.NoError(t, err)
	assert.True(t, simple)

	valid, err = e.IsValid(ctx, bowtie)
	require.NoError(t, err)
	assert.False(t, valid)

	reason, err = e.ValidityReason(ctx, bowtie)
	require.NoError(t, err)
	assert.Contains(t, reason, "Self-intersection")
}

func TestValidity_UnconstructibleGeometryIsInvalid(t *testing.T) {
	ctx := context.Background()
	e := New(zap.NewNop())

	unclosed := orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}}}

	valid, err := e.IsValid(ctx, unclosed)
	require.NoError(t, err)
	assert.False(t, valid)

	reason, err := e.ValidityReason(ctx, unclosed)
	require.NoError(t, err)
	assert.NotEmpty(t, reason)
}

func TestRepair_Bowtie(t *testing.T) {
	ctx := context.Background()
	e := New(zap.NewNop())

	repaired, ok, err := e.Repair(ctx, bowtie)
	require.NoError(t, err)
	require.True(t, ok)

	valid, err := e.IsValid(ctx, repaired)
	require.NoError(t, err)
	assert.True(t, valid)

	polys, err := geometry.Polygons(repaired)
	require.NoError(t, err)
	assert.Len(t, polys, 2)
}

func TestRepair_ValidGeometryKeepsShape(t *testing.T) {
	ctx := context.Background()
	e := New(zap.NewNop())

	repaired, ok, err := e.Repair(ctx, triangle)
	require.NoError(t, err)
	require.True(t, ok)

	want, _, err := geometry.CanonicalKey(triangle, geometry.DefaultTolerance)
	require.NoError(t, err)
	got, _, err := geometry.CanonicalKey(repaired, geometry.DefaultTolerance)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRepair_ZeroAreaIsUnrepairable(t *testing.T) {
	ctx := context.Background()
	e := New(zap.NewNop())

	flat := orb.Polygon{{{0, 0}, {1, 0}, {2, 0}, {0, 0}}}
	_, ok, err := e.Repair(ctx, flat)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArea(t *testing.T) {
	e := New(zap.NewNop())

	area, err := e.Area(context.Background(), triangle)
	require.NoError(t, err)
	// half a square degree at the equator is roughly 6.2e9 m²
	assert.InDelta(t, 6.18e9, area, 0.1e9)
}
