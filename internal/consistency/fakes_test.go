package consistency

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

// fakeEngine is a planar stand-in for the GEOS engine. It understands closure, ring size,
// zero area and segment crossings, which is all the core tests need.
type fakeEngine struct {
	fail error
}

var _ geometry.Engine = (*fakeEngine)(nil)

func (e *fakeEngine) down() error {
	return fmt.Errorf("%w: %v", geometry.ErrEngineUnavailable, e.fail)
}

func (e *fakeEngine) Explode(_ context.Context, g orb.Geometry) ([]orb.Polygon, error) {
	if e.fail != nil {
		return nil, e.down()
	}
	return geometry.Polygons(g)
}

func (e *fakeEngine) Repair(_ context.Context, g orb.Geometry) (orb.Geometry, bool, error) {
	if e.fail != nil {
		return nil, false, e.down()
	}
	polys, err := geometry.Polygons(g)
	if err != nil {
		return nil, false, nil
	}

	var out orb.MultiPolygon
	for _, p := range polys {
		var fixed orb.Polygon
		for i, r := range p {
			r = closeRing(dedupe(r))
			if len(r) < 4 || planar.Area(orb.Polygon{r}) == 0 {
				if i == 0 {
					break
				}
				continue
			}
			fixed = append(fixed, r)
		}
		if len(fixed) > 0 {
			out = append(out, fixed)
		}
	}

	switch len(out) {
	case 0:
		return nil, false, nil
	case 1:
		return out[0], true, nil
	}
	return out, true, nil
}

func (e *fakeEngine) Canonicalize(_ context.Context, g orb.Geometry, tolerance float64) (orb.MultiPolygon, error) {
	if e.fail != nil {
		return nil, e.down()
	}
	return geometry.Canonicalize(g, tolerance)
}

func (e *fakeEngine) SerializeDeterministic(g orb.Geometry) ([]byte, error) {
	return geometry.Serialize(g)
}

func (e *fakeEngine) Hash(b []byte) string {
	return geometry.Digest(b)
}

func (e *fakeEngine) IsValid(ctx context.Context, g orb.Geometry) (bool, error) {
	reason, err := e.ValidityReason(ctx, g)
	return reason == "", err
}

func (e *fakeEngine) ValidityReason(_ context.Context, g orb.Geometry) (string, error) {
	if e.fail != nil {
		return "", e.down()
	}
	for _, r := range geometry.Rings(g) {
		switch {
		case len(r) > 0 && r[0] != r[len(r)-1]:
			return "Ring not closed", nil
		case len(dedupe(r)) < 4:
			return "Too few points", nil
		case selfCrossing(r):
			return "Self-intersection", nil
		}
	}
	return "", nil
}

func (e *fakeEngine) IsSimple(_ context.Context, g orb.Geometry) (bool, error) {
	if e.fail != nil {
		return false, e.down()
	}
	for _, r := range geometry.Rings(g) {
		if selfCrossing(r) {
			return false, nil
		}
	}
	return true, nil
}

func (e *fakeEngine) Area(_ context.Context, g orb.Geometry) (float64, error) {
	return geo.Area(g), nil
}

func dedupe(r orb.Ring) orb.Ring {
	var out orb.Ring
	for i, p := range r {
		if i > 0 && p == r[i-1] {
			continue
		}
		out = append(out, p)
	}
	return out
}

func closeRing(r orb.Ring) orb.Ring {
	if len(r) > 0 && r[0] != r[len(r)-1] {
		r = append(r, r[0])
	}
	return r
}

// selfCrossing reports whether two non-adjacent edges of a closed ring properly cross.
func selfCrossing(r orb.Ring) bool {
	n := len(r) - 1
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue
			}
			if cross(r[i], r[i+1], r[j], r[j+1]) {
				return true
			}
		}
	}
	return false
}

func cross(a, b, c, d orb.Point) bool {
	o := func(p, q, r orb.Point) float64 {
		return (q[0]-p[0])*(r[1]-p[1]) - (q[1]-p[1])*(r[0]-p[0])
	}
	return o(a, b, c)*o(a, b, d) < 0 && o(c, d, a)*o(c, d, b) < 0
}

// memStore is a minimal Store over a map.
type memStore struct {
	mu      sync.Mutex
	fences  map[int64]Fence
	failSet error
}

func newMemStore(fences ...Fence) *memStore {
	s := &memStore{fences: make(map[int64]Fence)}
	for _, f := range fences {
		if f.Status == "" {
			f.Status = StatusActive
		}
		s.fences[f.ID] = f
	}
	return s
}

func (s *memStore) Fences(_ context.Context, ids []int64) ([]Fence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Fence
	if ids == nil {
		for _, f := range s.fences {
			out = append(out, f)
		}
	} else {
		for _, id := range ids {
			if f, ok := s.fences[id]; ok {
				out = append(out, f)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) SetStatus(_ context.Context, ids []int64, status Status) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSet != nil {
		return nil, s.failSet
	}
	var changed []int64
	for _, id := range ids {
		f, ok := s.fences[id]
		if !ok || f.Status == status {
			continue
		}
		f.Status = status
		s.fences[id] = f
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *memStore) ReplaceGeometry(_ context.Context, geoms map[int64]orb.Geometry) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []int64
	for id, g := range geoms {
		f, ok := s.fences[id]
		if !ok || orb.Equal(f.Geometry, g) {
			continue
		}
		f.Geometry = g
		s.fences[id] = f
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *memStore) status(id int64) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fences[id].Status
}
