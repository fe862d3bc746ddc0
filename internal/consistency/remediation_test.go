package consistency

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

func newTestController(store Store, e geometry.Engine) *Controller {
	grouper := newTestGrouper(e)
	validator := NewValidator(e, grouper, 4, zap.NewNop())
	return NewController(store, e, validator, grouper, zap.NewNop())
}

func TestDeactivateDuplicates_KeepsCanonicalMember(t *testing.T) {
	store := newMemStore(
		Fence{ID: 1, Geometry: triangle()},
		Fence{ID: 2, Geometry: jitteredReversed()},
		Fence{ID: 3, Geometry: orb.Polygon{{{5, 5}, {6, 5}, {5, 6}, {5, 5}}}},
	)
	c := newTestController(store, &fakeEngine{})

	res, err := c.DeactivateDuplicates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OpDeactivateDuplicates, res.Operation)
	assert.Equal(t, 1, res.AffectedCount)
	assert.Equal(t, []int64{2}, res.AffectedIDs)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, StatusActive, store.status(1))
	assert.Equal(t, StatusInactive, store.status(2))
	assert.Equal(t, StatusActive, store.status(3))

	again, err := c.DeactivateDuplicates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.AffectedCount)
	assert.Empty(t, again.AffectedIDs)
	assert.NotEqual(t, res.RunID, again.RunID)
	assert.Equal(t, StatusActive, store.status(1))
}

func TestDeactivateInvalid_Idempotent(t *testing.T) {
	store := newMemStore(
		Fence{ID: 1, Geometry: triangle()},
		Fence{ID: 2, Geometry: orb.Polygon{{{0, 0}, {1, 0}, {0, 1}}}},
		Fence{ID: 3, Geometry: orb.Polygon{{{0, 0}, {0, 0}, {1, 0}, {0, 1}, {0, 0}}}},
		Fence{ID: 4, Geometry: orb.Polygon{{{0, 0}, {2, 2}, {2, 0}, {0, 2}, {0, 0}}}},
		Fence{ID: 5},
	)
	c := newTestController(store, &fakeEngine{})

	res, err := c.DeactivateInvalid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.AffectedCount)
	assert.Equal(t, []int64{2, 3, 4}, res.AffectedIDs)
	assert.Equal(t, StatusActive, store.status(1))
	assert.Equal(t, StatusActive, store.status(5))

	again, err := c.DeactivateInvalid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.AffectedCount)
}

func TestPlanDeactivate_DoesNotMutate(t *testing.T) {
	store := newMemStore(
		Fence{ID: 1, Geometry: triangle()},
		Fence{ID: 2, Geometry: jitteredReversed()},
		Fence{ID: 3, Geometry: triangle(), Status: StatusInactive},
		Fence{ID: 4, Geometry: orb.Polygon{{{5, 5}, {6, 5}, {5, 6}}}},
	)
	c := newTestController(store, &fakeEngine{})

	dup, err := c.PlanDeactivateDuplicates(context.Background())
	require.NoError(t, err)
	assert.True(t, dup.DryRun)
	// fence 3 is a duplicate but already inactive
	assert.Equal(t, []int64{2}, dup.AffectedIDs)

	inv, err := c.PlanDeactivateInvalid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, inv.AffectedIDs)

	for _, id := range []int64{1, 2, 4} {
		assert.Equal(t, StatusActive, store.status(id))
	}

	applied, err := c.DeactivateDuplicates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dup.AffectedIDs, applied.AffectedIDs)
}

func TestRepair_SkipsMissingAndReportsUnrepairable(t *testing.T) {
	flat := orb.Polygon{{{0, 0}, {1, 0}, {2, 0}, {0, 0}}}
	store := newMemStore(
		Fence{ID: 1, Geometry: orb.Polygon{{{0, 0}, {1, 0}, {0, 1}}}},
		Fence{ID: 2, Geometry: flat},
		Fence{ID: 3},
	)
	c := newTestController(store, &fakeEngine{})

	res, err := c.Repair(context.Background(), []int64{1, 1, 2, 3, 99})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AffectedCount)
	assert.Equal(t, []int64{1}, res.AffectedIDs)
	assert.Equal(t, []int64{2}, res.Unrepairable)

	fences, err := store.Fences(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.False(t, geometry.HasUnclosedRing(fences[0].Geometry))
	assert.Equal(t, flat, fences[1].Geometry)

	issues, err := newTestValidator(&fakeEngine{}).Validate(context.Background(), fences[:1])
	require.NoError(t, err)
	assert.True(t, issues[0].IsValid)
	assert.False(t, issues[0].Invalid)

	again, err := c.Repair(context.Background(), []int64{1})
	require.NoError(t, err)
	assert.Equal(t, 0, again.AffectedCount)
}

func TestRepair_PlanAndEmpty(t *testing.T) {
	unclosed := orb.Polygon{{{0, 0}, {1, 0}, {0, 1}}}
	store := newMemStore(Fence{ID: 1, Geometry: unclosed})
	c := newTestController(store, &fakeEngine{})

	plan, err := c.PlanRepair(context.Background(), []int64{1})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, plan.AffectedIDs)
	fences, _ := store.Fences(context.Background(), []int64{1})
	assert.Equal(t, unclosed, fences[0].Geometry)

	empty, err := c.Repair(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.AffectedCount)
	assert.NotNil(t, empty.AffectedIDs)
}

func TestPlanRepair_MatchesApply(t *testing.T) {
	islands := orb.MultiPolygon{{{{5, 5}, {6, 5}, {5, 6}, {5, 5}}}}
	store := newMemStore(
		Fence{ID: 1, Geometry: triangle()},
		Fence{ID: 2, Geometry: orb.Polygon{{{0, 0}, {1, 0}, {0, 1}}}},
		Fence{ID: 3, Geometry: islands},
	)
	c := newTestController(store, &fakeEngine{})
	ctx := context.Background()

	plan, err := c.PlanRepair(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	applied, err := c.Repair(ctx, []int64{1, 2, 3})
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, plan.AffectedIDs)
	assert.Equal(t, plan.AffectedIDs, applied.AffectedIDs)

	fences, err := store.Fences(ctx, []int64{3})
	require.NoError(t, err)
	assert.Equal(t, islands, fences[0].Geometry, "a one-member multipolygon keeps its type")
}

func TestRemediation_FailuresPropagate(t *testing.T) {
	store := newMemStore(Fence{ID: 1, Geometry: triangle()}, Fence{ID: 2, Geometry: triangle()})

	c := newTestController(store, &fakeEngine{fail: errors.New("down")})
	_, err := c.DeactivateDuplicates(context.Background())
	assert.ErrorIs(t, err, geometry.ErrEngineUnavailable)
	_, err = c.Repair(context.Background(), []int64{1})
	assert.ErrorIs(t, err, geometry.ErrEngineUnavailable)
	assert.Equal(t, StatusActive, store.status(2))

	storeErr := errors.New("status column missing")
	store.failSet = storeErr
	c = newTestController(store, &fakeEngine{})
	_, err = c.DeactivateDuplicates(context.Background())
	assert.ErrorIs(t, err, storeErr)
}
