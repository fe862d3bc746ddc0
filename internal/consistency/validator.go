package consistency

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

// Issue is the validation record of one fence.
type Issue struct {
	FenceID              int64      `json:"id"`
	Name                 string     `json:"name"`
	Status               Status     `json:"status"`
	IsValid              bool       `json:"isValid"`
	IsSimple             bool       `json:"isSimple"`
	HasUnclosedRing      bool       `json:"hasUnclosedRing"`
	HasDuplicateVertices bool       `json:"hasDuplicateVertices"`
	// ValidReason is the engine's explanation when IsValid is false, and nil (JSON null)
	// when the geometry is valid.
	ValidReason          *string    `json:"validReason"`
	IsDuplicate          bool       `json:"isDuplicate"`
	DuplicateOfID        *int64     `json:"duplicateOfId"`
	DuplicateGroupSize   int        `json:"duplicateGroupSize"`
	GroupState           GroupState `json:"groupState"`
	Invalid              bool       `json:"invalid"`
}

func isInvalid(i Issue) bool {
	return !i.IsValid || !i.IsSimple || i.HasUnclosedRing || i.HasDuplicateVertices
}

// Validator classifies structural defects and folds in duplicate membership.
type Validator struct {
	engine      geometry.Engine
	grouper     *Grouper
	concurrency int
	logger      *zap.Logger
}

func NewValidator(engine geometry.Engine, grouper *Grouper, concurrency int, logger *zap.Logger) *Validator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Validator{
		engine:      engine,
		grouper:     grouper,
		concurrency: concurrency,
		logger:      logger.Named("validator"),
	}
}

// Validate returns one Issue per fence with geometry, ascending by id. It never mutates.
func (v *Validator) Validate(ctx context.Context, fences []Fence) ([]Issue, error) {
	var withGeom []Fence
	for _, f := range fences {
		if f.Geometry != nil {
			withGeom = append(withGeom, f)
		}
	}

	issues := make([]Issue, len(withGeom))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(v.concurrency)
	for i, f := range withGeom {
		eg.Go(func() error {
			issue, err := v.inspect(egCtx, f)
			if err != nil {
				return fmt.Errorf("validate fence %d: %w", f.ID, err)
			}
			issues[i] = issue
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	grouping, err := v.grouper.Group(ctx, withGeom)
	if err != nil {
		return nil, err
	}

	invalid := 0
	for i := range issues {
		m := grouping.Memberships[issues[i].FenceID]
		issues[i].IsDuplicate = m.IsDuplicate
		issues[i].DuplicateOfID = m.DuplicateOfID
		issues[i].DuplicateGroupSize = m.GroupSize
		issues[i].GroupState = m.State
		if issues[i].Invalid {
			invalid++
		}
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].FenceID < issues[j].FenceID })

	v.logger.Debug("Validated fences", zap.Int("fences", len(issues)), zap.Int("invalid", invalid))
	return issues, nil
}

// Invalid filters issues down to the invalid ones.
func Invalid(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Invalid {
			out = append(out, i)
		}
	}
	return out
}

func (v *Validator) inspect(ctx context.Context, f Fence) (Issue, error) {
	issue := Issue{
		FenceID:              f.ID,
		Name:                 DisplayName(f.ID, f.Name),
		Status:               f.Status,
		HasUnclosedRing:      geometry.HasUnclosedRing(f.Geometry),
		HasDuplicateVertices: geometry.HasDuplicateVertices(f.Geometry),
	}

	var err error
	issue.IsValid, err = v.engine.IsValid(ctx, f.Geometry)
	if err != nil {
		return Issue{}, err
	}
	if !issue.IsValid {
		reason, err := v.engine.ValidityReason(ctx, f.Geometry)
		if err != nil {
			return Issue{}, err
		}
		if reason != "" {
			issue.ValidReason = &reason
		}
	}

	issue.IsSimple, err = v.engine.IsSimple(ctx, f.Geometry)
	if err != nil {
		return Issue{}, err
	}

	issue.Invalid = isInvalid(issue)
	return issue, nil
}
