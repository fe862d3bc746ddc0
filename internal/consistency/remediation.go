package consistency

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

// Operation names used in results and audit logs.
const (
	OpRepair               = "repair"
	OpDeactivateInvalid    = "deactivate-invalid"
	OpDeactivateDuplicates = "deactivate-duplicates"
)

// Result reports what a remediation call changed, or would change when DryRun is set.
type Result struct {
	RunID         string  `json:"runId"`
	Operation     string  `json:"operation"`
	DryRun        bool    `json:"dryRun"`
	AffectedCount int     `json:"affectedCount"`
	AffectedIDs   []int64 `json:"affectedIds"`
}

// RepairResult adds the targeted fences the engine could not repair.
type RepairResult struct {
	Result
	Unrepairable []int64 `json:"unrepairable"`
}

// Controller applies remediation to a Store. Calls on one Controller run one at a time.
type Controller struct {
	store     Store
	engine    geometry.Engine
	validator *Validator
	grouper   *Grouper
	logger    *zap.Logger

	mu sync.Mutex
}

func NewController(store Store, engine geometry.Engine, validator *Validator, grouper *Grouper, logger *zap.Logger) *Controller {
	return &Controller{
		store:     store,
		engine:    engine,
		validator: validator,
		grouper:   grouper,
		logger:    logger.Named("remediation"),
	}
}

// Repair replaces the geometry of the given fences with the engine's repaired form.
// Ids that do not exist, or have no geometry, are skipped.
func (c *Controller) Repair(ctx context.Context, ids []int64) (RepairResult, error) {
	return c.repair(ctx, ids, false)
}

// PlanRepair reports which fences Repair would rewrite, without writing.
func (c *Controller) PlanRepair(ctx context.Context, ids []int64) (RepairResult, error) {
	return c.repair(ctx, ids, true)
}

// DeactivateInvalid sets every invalid fence inactive.
func (c *Controller) DeactivateInvalid(ctx context.Context) (Result, error) {
	return c.deactivate(ctx, OpDeactivateInvalid, c.invalidIDs, false)
}

func (c *Controller) PlanDeactivateInvalid(ctx context.Context) (Result, error) {
	return c.deactivate(ctx, OpDeactivateInvalid, c.invalidIDs, true)
}

// DeactivateDuplicates sets every non-canonical duplicate inactive. Canonical members are
// never touched.
func (c *Controller) DeactivateDuplicates(ctx context.Context) (Result, error) {
	return c.deactivate(ctx, OpDeactivateDuplicates, c.redundantIDs, false)
}

func (c *Controller) PlanDeactivateDuplicates(ctx context.Context) (Result, error) {
	return c.deactivate(ctx, OpDeactivateDuplicates, c.redundantIDs, true)
}

func (c *Controller) repair(ctx context.Context, ids []int64, dryRun bool) (RepairResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := RepairResult{Result: c.newResult(OpRepair, dryRun)}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		c.audit(res.Result)
		return res, nil
	}

	fences, err := c.store.Fences(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("snapshot fences: %w", err)
	}

	repaired := make(map[int64]orb.Geometry, len(fences))
	current := make(map[int64]orb.Geometry, len(fences))
	for _, f := range fences {
		if f.Geometry == nil {
			continue
		}
		g, ok, err := c.engine.Repair(ctx, f.Geometry)
		if err != nil {
			return res, fmt.Errorf("repair fence %d: %w", f.ID, err)
		}
		if !ok {
			res.Unrepairable = append(res.Unrepairable, f.ID)
			continue
		}
		repaired[f.ID] = geometry.MatchKind(f.Geometry, g)
		current[f.ID] = f.Geometry
	}
	sortIDs(res.Unrepairable)

	if dryRun {
		// stores skip rows whose geometry would not change
		for id, g := range repaired {
			if !orb.Equal(current[id], g) {
				res.AffectedIDs = append(res.AffectedIDs, id)
			}
		}
	} else if len(repaired) > 0 {
		res.AffectedIDs, err = c.store.ReplaceGeometry(ctx, repaired)
		if err != nil {
			return res, fmt.Errorf("replace geometry: %w", err)
		}
	}
	res.finish()

	c.audit(res.Result, zap.Int64s("unrepairable", res.Unrepairable))
	return res, nil
}

func (c *Controller) deactivate(ctx context.Context, op string, targets func(context.Context, []Fence) ([]int64, error), dryRun bool) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.newResult(op, dryRun)

	fences, err := c.store.Fences(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("snapshot fences: %w", err)
	}
	ids, err := targets(ctx, fences)
	if err != nil {
		return res, err
	}

	if dryRun {
		inactive := make(map[int64]bool)
		for _, f := range fences {
			if f.Status == StatusInactive {
				inactive[f.ID] = true
			}
		}
		for _, id := range ids {
			if !inactive[id] {
				res.AffectedIDs = append(res.AffectedIDs, id)
			}
		}
	} else if len(ids) > 0 {
		res.AffectedIDs, err = c.store.SetStatus(ctx, ids, StatusInactive)
		if err != nil {
			return res, fmt.Errorf("set status: %w", err)
		}
	}
	res.finish()

	c.audit(res, zap.Int("targeted", len(ids)))
	return res, nil
}

func (c *Controller) invalidIDs(ctx context.Context, fences []Fence) ([]int64, error) {
	issues, err := c.validator.Validate(ctx, fences)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, issue := range Invalid(issues) {
		ids = append(ids, issue.FenceID)
	}
	return ids, nil
}

func (c *Controller) redundantIDs(ctx context.Context, fences []Fence) ([]int64, error) {
	grouping, err := c.grouper.Group(ctx, fences)
	if err != nil {
		return nil, err
	}
	return grouping.Redundant(), nil
}

func (c *Controller) newResult(op string, dryRun bool) Result {
	return Result{
		RunID:       uuid.NewString(),
		Operation:   op,
		DryRun:      dryRun,
		AffectedIDs: []int64{},
	}
}

func (r *Result) finish() {
	if r.AffectedIDs == nil {
		r.AffectedIDs = []int64{}
	}
	sortIDs(r.AffectedIDs)
	r.AffectedCount = len(r.AffectedIDs)
}

func (c *Controller) audit(res Result, extra ...zap.Field) {
	fields := append([]zap.Field{
		zap.String("run_id", res.RunID),
		zap.String("operation", res.Operation),
		zap.Bool("dry_run", res.DryRun),
		zap.Int("affected_count", res.AffectedCount),
		zap.Int64s("affected_ids", res.AffectedIDs),
	}, extra...)
	c.logger.Info("Remediation finished", fields...)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
