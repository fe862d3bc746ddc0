package consistency

import (
	"context"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

// GroupState distinguishes a genuinely unique fence from one that could not be grouped.
// Both report a group size of 1.
type GroupState string

const (
	GroupUnique      GroupState = "unique"
	GroupMember      GroupState = "member"
	GroupUngroupable GroupState = "ungroupable"
)

// Membership is one fence's place in the duplicate grouping.
type Membership struct {
	FenceID       int64      `json:"id"`
	Key           string     `json:"canonicalKey,omitempty"`
	GroupSize     int        `json:"duplicateGroupSize"`
	CanonicalID   int64      `json:"canonicalId"`
	IsDuplicate   bool       `json:"isDuplicate"`
	DuplicateOfID *int64     `json:"duplicateOfId"`
	State         GroupState `json:"groupState"`
}

// Group is a set of two or more fences sharing a canonical key.
type Group struct {
	Key         string  `json:"canonicalKey"`
	CanonicalID int64   `json:"canonicalId"`
	IDs         []int64 `json:"ids"`
}

// Grouping is the result of one grouping pass.
type Grouping struct {
	Memberships map[int64]Membership
	// Groups holds only groups of size > 1, ordered by canonical id.
	Groups []Group
}

// Redundant returns every non-canonical member of every group, ascending.
func (g *Grouping) Redundant() []int64 {
	var ids []int64
	for _, grp := range g.Groups {
		for _, id := range grp.IDs {
			if id != grp.CanonicalID {
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Grouper computes canonical keys and duplicate groups.
type Grouper struct {
	engine      geometry.Engine
	tolerance   float64
	concurrency int
	logger      *zap.Logger
}

// NewGrouper returns a Grouper snapping to tolerance degrees and computing up to
// concurrency keys at once.
func NewGrouper(engine geometry.Engine, tolerance float64, concurrency int, logger *zap.Logger) *Grouper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Grouper{
		engine:      engine,
		tolerance:   tolerance,
		concurrency: concurrency,
		logger:      logger.Named("grouper"),
	}
}

// Key computes the canonical key of g: repair, snap, normalize, serialize, hash.
// ok is false when the geometry cannot be repaired or nothing survives snapping.
func (gr *Grouper) Key(ctx context.Context, g orb.Geometry) (key string, ok bool, err error) {
	repaired, ok, err := gr.engine.Repair(ctx, g)
	if err != nil || !ok {
		return "", false, err
	}

	canon, err := gr.engine.Canonicalize(ctx, repaired, gr.tolerance)
	if err != nil {
		return "", false, err
	}
	if len(canon) == 0 {
		return "", false, nil
	}

	b, err := gr.engine.SerializeDeterministic(canon)
	if err != nil {
		return "", false, fmt.Errorf("serialize canonical form: %w", err)
	}
	return gr.engine.Hash(b), true, nil
}

// Group keys every fence with geometry and groups equal keys. The canonical member of a
// group is its minimum id, so the result does not depend on input order.
func (gr *Grouper) Group(ctx context.Context, fences []Fence) (*Grouping, error) {
	type keyed struct {
		key string
		ok  bool
	}

	keys := make([]keyed, len(fences))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(gr.concurrency)
	for i, f := range fences {
		if f.Geometry == nil {
			continue
		}
		eg.Go(func() error {
			key, ok, err := gr.Key(egCtx, f.Geometry)
			if err != nil {
				return fmt.Errorf("canonical key for fence %d: %w", f.ID, err)
			}
			keys[i] = keyed{key: key, ok: ok}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	byKey := make(map[string][]int64)
	for i, f := range fences {
		if keys[i].ok {
			byKey[keys[i].key] = append(byKey[keys[i].key], f.ID)
		}
	}

	result := &Grouping{Memberships: make(map[int64]Membership, len(fences))}
	for i, f := range fences {
		if f.Geometry == nil {
			continue
		}
		if !keys[i].ok {
			result.Memberships[f.ID] = Membership{
				FenceID:     f.ID,
				GroupSize:   1,
				CanonicalID: f.ID,
				State:       GroupUngroupable,
			}
			continue
		}

		ids := byKey[keys[i].key]
		m := Membership{
			FenceID:     f.ID,
			Key:         keys[i].key,
			GroupSize:   len(ids),
			CanonicalID: minID(ids),
			IsDuplicate: len(ids) > 1,
			State:       GroupUnique,
		}
		if m.IsDuplicate {
			m.State = GroupMember
			if m.CanonicalID != f.ID {
				canonical := m.CanonicalID
				m.DuplicateOfID = &canonical
			}
		}
		result.Memberships[f.ID] = m
	}

	for key, ids := range byKey {
		if len(ids) < 2 {
			continue
		}
		sorted := append([]int64(nil), ids...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		result.Groups = append(result.Groups, Group{Key: key, CanonicalID: sorted[0], IDs: sorted})
	}
	sort.Slice(result.Groups, func(i, j int) bool {
		return result.Groups[i].CanonicalID < result.Groups[j].CanonicalID
	})

	gr.logger.Debug("Grouped fences",
		zap.Int("fences", len(fences)),
		zap.Int("duplicate_groups", len(result.Groups)))
	return result, nil
}

func minID(ids []int64) int64 {
	m := ids[0]
	for _, id := range ids[1:] {
		if id < m {
			m = id
		}
	}
	return m
}
