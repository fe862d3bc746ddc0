package postgisengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
	"github.com/EmpoweredVote/EV-Geofence/internal/testhelpers"
)

var (
	triangle = orb.Polygon{{{0, 0}, {1, 0}, {0, 1}, {0, 0}}}
	bowtie   = orb.Polygon{{{0, 0}, {2, 2}, {2, 0}, {0, 2}, {0, 0}}}
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		perRow bool
	}{
		{"internal error", &pgconn.PgError{Code: "XX000", Message: "lwgeom_unaryunion: GEOS error "}, true},
		{"invalid parameter", &pgconn.PgError{Code: "22023", Message: "bad ring"}, true},
		{"wrapped", fmt.Errorf("query: %w", &pgconn.PgError{Code: "22P02", Message: "parse error"}), true},
		{"connection refused", &pgconn.PgError{Code: "08006", Message: "connection failure"}, false},
		{"not a postgres error", errors.New("dial tcp: timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, perRow := classify(tt.err)
			assert.Equal(t, tt.perRow, perRow)
			if perRow {
				assert.NotEmpty(t, msg)
				assert.Equal(t, strings.TrimSpace(msg), msg)
			}
		})
	}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	tdb := testhelpers.GetTestDB(t)
	return New(tdb.DB, zap.NewNop())
}

func TestEngine_Validity(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	valid, err := e.IsValid(ctx, triangle)
	require.NoError(t, err)
	assert.True(t, valid)

	reason, err := e.ValidityReason(ctx, triangle)
	require.NoError(t, err)
	assert.Empty(t, reason)

	valid, err = e.IsValid(ctx, bowtie)
	require.NoError(t, err)
	assert.False(t, valid)

	reason, err = e.ValidityReason(ctx, bowtie)
	require.NoError(t, err)
	assert.Contains(t, reason, "Self-intersection")
}

func TestEngine_RepairAndExplode(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	repaired, ok, err := e.Repair(ctx, bowtie)
	require.NoError(t, err)
	require.True(t, ok)

	valid, err := e.IsValid(ctx, repaired)
	require.NoError(t, err)
	assert.True(t, valid)

	parts, err := e.Explode(ctx, repaired)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestEngine_CanonicalizeIgnoresJitterAndOrientation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	jittered := orb.Polygon{{{0, 0}, {0, 1.0000000002}, {1, 0}, {0, 0}}}

	key := func(g orb.Geometry) string {
		mp, err := e.Canonicalize(ctx, g, geometry.DefaultTolerance)
		require.NoError(t, err)
		b, err := e.SerializeDeterministic(mp)
		require.NoError(t, err)
		return e.Hash(b)
	}
	assert.Equal(t, key(triangle), key(jittered))
	assert.NotEqual(t, key(triangle), key(bowtie))
}

func TestEngine_Area(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	// roughly 0.01 x 0.01 degrees at the equator
	square := orb.Polygon{{{0, 0}, {0.01, 0}, {0.01, 0.01}, {0, 0.01}, {0, 0}}}
	area, err := e.Area(ctx, square)
	require.NoError(t, err)
	assert.InDelta(t, 1.236e6, area, 0.01e6)
}

func TestEngine_UnavailableDatabase(t *testing.T) {
	tdb := testhelpers.GetTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(tdb.DB, zap.NewNop())
	_, err := e.IsValid(ctx, triangle)
	assert.ErrorIs(t, err, geometry.ErrEngineUnavailable)
}
