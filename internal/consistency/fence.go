// Package consistency reassembles exploded fence geometry, finds duplicate fences,
// classifies structural defects, and drives status remediation over a fence store.
package consistency

import (
	"context"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// Status is the lifecycle state of a fence row.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	// StatusUnknown is reported when the fence table has no status column.
	StatusUnknown Status = "unknown"
)

// Fence is one fence row as seen by the core. Geometry is nil when the row has none;
// such fences are excluded from validation and grouping.
type Fence struct {
	ID         int64
	Name       string
	Status     Status
	Attributes map[string]any
	Geometry   orb.Geometry
}

// DisplayName returns the fence name, or Zone_<id> when blank.
func DisplayName(id int64, name string) string {
	if strings.TrimSpace(name) == "" {
		return fmt.Sprintf("Zone_%d", id)
	}
	return name
}

// Snapshotter reads fences. A nil ids slice means every fence.
type Snapshotter interface {
	Fences(ctx context.Context, ids []int64) ([]Fence, error)
}

// Store is the fence persistence the remediation controller mutates. Each mutation is one
// set-based statement that skips rows already in the target state, silently ignores ids
// that do not exist, and returns the ids it actually changed.
type Store interface {
	Snapshotter
	SetStatus(ctx context.Context, ids []int64, status Status) ([]int64, error)
	ReplaceGeometry(ctx context.Context, geoms map[int64]orb.Geometry) ([]int64, error)
}
