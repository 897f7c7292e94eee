package timeintegrator

import "github.com/rweiss/pintrain/internal/state"

// Trajectory is the primal solver's stored state-at-each-time-point,
// exposed to the adjoint solver only through this read-only handle
// (spec.md §9: "model this as a read-only handle... rather than
// implicit global access"). One Trajectory is owned per rank; points
// outside a rank's own range are never looked up because the adjoint
// driver visits ranks in reversed order so that adjoint-time
// progression lines up with the rank that owns each primal point
// (spec.md §4.3).
type Trajectory struct {
	points map[int]*state.Vector
}

// NewTrajectory allocates an empty trajectory store.
func NewTrajectory() *Trajectory {
	return &Trajectory{points: make(map[int]*state.Vector)}
}

// Store records the state at a primal time point, owned by the primal
// solver. Called once per point per optimisation iteration.
func (t *Trajectory) Store(point int, v *state.Vector) {
	t.points[point] = v
}

// Get retrieves the state recorded at a primal time point.
func (t *Trajectory) Get(point int) (*state.Vector, bool) {
	v, ok := t.points[point]
	return v, ok
}

// Reset clears all stored points, called at the start of each primal
// sweep.
func (t *Trajectory) Reset() {
	t.points = make(map[int]*state.Vector)
}
