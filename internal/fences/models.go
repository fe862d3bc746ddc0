package fences

import (
	"context"
	"errors"

	"github.com/EmpoweredVote/EV-Geofence/internal/consistency"
)

var (
	// ErrNotFound is returned when a fence does not exist or has no geometry.
	ErrNotFound = errors.New("fence not found")
	// ErrStatusUnsupported is returned by status mutations when the fence table has no
	// status column.
	ErrStatusUnsupported = errors.New("fence table has no status column")
)

// optionalColumns are copied into feature properties when the table carries them.
var optionalColumns = []string{"city", "address"}

// PartFilter narrows a parts read. Zero values mean no filter. Status is ignored when the
// table has no status column.
type PartFilter struct {
	IDs    []int64
	Status consistency.Status
	City   string
}

// Repository is what the HTTP handlers and the CLI need from a fence store.
type Repository interface {
	consistency.Store
	Parts(ctx context.Context, filter PartFilter) ([]consistency.PartRow, error)
}
