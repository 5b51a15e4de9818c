package reducer

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func TestDefaults(t *testing.T) {
	s := Defaults(domain.DefaultTotalUnits, domain.DefaultResourceClasses())

	assert.Equal(t, 20000, s.Total)
	assert.Equal(t, 0, s.Completed)
	assert.Equal(t, domain.Occupancy{Active: 0, Idle: 80, Capacity: 80}, s.Resources[domain.ResourceHorizontalTransport])
	assert.Equal(t, 0, s.Utilization())
}

func TestReducePresentReplacesAbsentRetains(t *testing.T) {
	s := Defaults(100, domain.DefaultResourceClasses())
	s = Reduce(s, domain.ProgressSnapshot{Completed: ptr(10), Elapsed: ptr(5.0)})
	s = Reduce(s, domain.ProgressSnapshot{Total: ptr(120)})

	assert.Equal(t, 120, s.Total)
	assert.Equal(t, 10, s.Completed)
	assert.InDelta(t, 5.0, s.Elapsed, 1e-9)
	assert.Zero(t, s.Updates)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	s := Defaults(100, domain.DefaultResourceClasses())
	_ = Reduce(s, domain.ProgressSnapshot{Resources: map[string]domain.OccupancyUpdate{
		domain.ResourceQuayCrane: {Active: ptr(4), Idle: ptr(4)},
	}})
	assert.Equal(t, 0, s.Resources[domain.ResourceQuayCrane].Active)
}

func TestReducePartialOccupancyDerivesOtherHalf(t *testing.T) {
	s := Defaults(100, domain.DefaultResourceClasses())

	s = Reduce(s, domain.ProgressSnapshot{Resources: map[string]domain.OccupancyUpdate{
		domain.ResourceQuayCrane: {Active: ptr(3)},
		domain.ResourceYardCrane: {Idle: ptr(10)},
		"unknown_pool":           {Active: ptr(1)},
	}})

	assert.Equal(t, domain.Occupancy{Active: 3, Idle: 5, Capacity: 8}, s.Resources[domain.ResourceQuayCrane])
	assert.Equal(t, domain.Occupancy{Active: 6, Idle: 10, Capacity: 16}, s.Resources[domain.ResourceYardCrane])
	assert.NotContains(t, s.Resources, "unknown_pool")
}

func TestReduceCompletedBeyondTotal(t *testing.T) {
	s := Defaults(10, nil)
	s = Reduce(s, domain.ProgressSnapshot{Completed: ptr(15)})
	assert.Equal(t, 15, s.Total)
	assert.Equal(t, 0, s.Remaining())
}

func randomUpdate(r *rand.Rand, classes []domain.ResourceClass) domain.ProgressSnapshot {
	var u domain.ProgressSnapshot
	total := r.IntN(1000)
	if r.IntN(2) == 0 {
		u.Total = ptr(total)
		if r.IntN(2) == 0 {
			u.Completed = ptr(r.IntN(total + 1))
		}
	} else if r.IntN(2) == 0 {
		u.Completed = ptr(r.IntN(1000))
	}
	if r.IntN(2) == 0 {
		u.Elapsed = ptr(r.Float64() * 1e4)
	}
	for _, c := range classes {
		if r.IntN(2) == 0 {
			continue
		}
		if u.Resources == nil {
			u.Resources = map[string]domain.OccupancyUpdate{}
		}
		active := r.IntN(c.Capacity + 1)
		switch r.IntN(3) {
		case 0:
			u.Resources[c.Name] = domain.OccupancyUpdate{Active: ptr(active), Idle: ptr(c.Capacity - active)}
		case 1:
			u.Resources[c.Name] = domain.OccupancyUpdate{Active: ptr(active)}
		default:
			u.Resources[c.Name] = domain.OccupancyUpdate{Idle: ptr(c.Capacity - active)}
		}
	}
	return u
}

func assertInvariants(t *testing.T, s domain.CanonicalState) {
	t.Helper()
	require.LessOrEqual(t, s.Completed, s.Total)
	for name, o := range s.Resources {
		require.Equal(t, o.Capacity, o.Active+o.Idle, name)
		require.GreaterOrEqual(t, o.Active, 0, name)
		require.GreaterOrEqual(t, o.Idle, 0, name)
	}
}

func TestReduceInvariantsHoldForRandomSequences(t *testing.T) {
	classes := domain.DefaultResourceClasses()
	r := rand.New(rand.NewPCG(42, 7))

	for run := 0; run < 200; run++ {
		s := Defaults(r.IntN(1000), classes)
		for i := 0; i < 50; i++ {
			s = Reduce(s, randomUpdate(r, classes))
			assertInvariants(t, s)
		}
	}
}

func TestReduceIdempotent(t *testing.T) {
	classes := domain.DefaultResourceClasses()
	r := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 500; i++ {
		s := Defaults(r.IntN(1000), classes)
		s = Reduce(s, randomUpdate(r, classes))
		u := randomUpdate(r, classes)

		once := Reduce(s, u)
		twice := Reduce(once, u)

		require.Equal(t, once, twice)
	}
}

func TestReducerApplyAndReset(t *testing.T) {
	red := New(50, domain.DefaultResourceClasses())

	got := red.Apply(domain.ProgressSnapshot{Completed: ptr(5)})
	assert.Equal(t, 5, got.Completed)
	assert.Equal(t, 5, red.State().Completed)
	assert.Equal(t, 1, got.Updates)

	// the same snapshot twice leaves the state unchanged but is counted
	again := red.Apply(domain.ProgressSnapshot{Completed: ptr(5)})
	assert.Equal(t, 2, again.Updates)
	assert.Equal(t, Reduce(got, domain.ProgressSnapshot{Completed: ptr(5)}).Completed, again.Completed)
	assert.Equal(t, got.Resources, again.Resources)

	// callers get copies
	got.Resources[domain.ResourceQuayCrane] = domain.Occupancy{}
	assert.Equal(t, 8, red.State().Resources[domain.ResourceQuayCrane].Capacity)

	red.Reset()
	assert.Equal(t, 0, red.State().Completed)
	assert.Equal(t, 50, red.State().Total)
	assert.Equal(t, 0, red.State().Updates)
}
