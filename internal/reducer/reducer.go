// Package reducer folds partial progress snapshots into one canonical state.
package reducer

import (
	"sync"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

// Defaults returns the state shown before any progress is reported:
// nothing completed and every resource class fully idle.
func Defaults(total int, classes []domain.ResourceClass) domain.CanonicalState {
	if total < 0 {
		total = 0
	}
	state := domain.CanonicalState{
		Total:     total,
		Resources: make(map[string]domain.Occupancy, len(classes)),
	}
	for _, c := range classes {
		state.Resources[c.Name] = domain.Occupancy{Idle: c.Capacity, Capacity: c.Capacity}
	}
	return state
}

// Reduce merges update into current without mutating either. Fields present
// in the update replace the current value; absent fields are kept. Reduce is
// idempotent; the Updates counter is maintained by Reducer.Apply.
func Reduce(current domain.CanonicalState, update domain.ProgressSnapshot) domain.CanonicalState {
	next := current.Clone()

	if update.Total != nil && *update.Total >= 0 {
		next.Total = *update.Total
	}
	if update.Completed != nil && *update.Completed >= 0 {
		next.Completed = *update.Completed
	}
	if next.Completed > next.Total {
		// A larger completed count than total means the total grew.
		if update.Total == nil {
			next.Total = next.Completed
		} else {
			next.Completed = next.Total
		}
	}
	if update.Elapsed != nil && *update.Elapsed >= 0 {
		next.Elapsed = *update.Elapsed
	}

	for name, occ := range update.Resources {
		cur, known := next.Resources[name]
		if !known {
			continue
		}
		next.Resources[name] = mergeOccupancy(cur, occ)
	}

	return next
}

func mergeOccupancy(cur domain.Occupancy, upd domain.OccupancyUpdate) domain.Occupancy {
	capacity := cur.Capacity
	clamp := func(v int) int { return max(0, min(v, capacity)) }

	switch {
	case upd.Active != nil:
		// With both halves present a consistent update yields the same idle count.
		active := clamp(*upd.Active)
		return domain.Occupancy{Active: active, Idle: capacity - active, Capacity: capacity}
	case upd.Idle != nil:
		idle := clamp(*upd.Idle)
		return domain.Occupancy{Active: capacity - idle, Idle: idle, Capacity: capacity}
	}
	return cur
}

// Reducer is a concurrency-safe holder of the canonical state of the current run.
type Reducer struct {
	mu       sync.RWMutex
	state    domain.CanonicalState
	defaults func() domain.CanonicalState
}

// New creates a reducer whose reset state has total units and the given classes.
func New(total int, classes []domain.ResourceClass) *Reducer {
	classes = append([]domain.ResourceClass(nil), classes...)
	r := &Reducer{
		defaults: func() domain.CanonicalState { return Defaults(total, classes) },
	}
	r.state = r.defaults()
	return r
}

// Apply reduces update into the held state and returns a copy of the result.
func (r *Reducer) Apply(update domain.ProgressSnapshot) domain.CanonicalState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Reduce(r.state, update)
	r.state.Updates++
	return r.state.Clone()
}

// State returns a copy of the current canonical state.
func (r *Reducer) State() domain.CanonicalState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

// Reset restores the defaults.
func (r *Reducer) Reset() {
	r.mu.Lock()
	r.state = r.defaults()
	r.mu.Unlock()
}
