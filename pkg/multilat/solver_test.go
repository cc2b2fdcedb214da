package multilat

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacontrack/beacontrack/pkg"
	"github.com/beacontrack/beacontrack/pkg/pathloss"
)

type anchor struct {
	pos   pkg.Point
	power float64
}

var fieldAnchors = []anchor{
	{pkg.Point{X: 0, Y: 0}, -45},
	{pkg.Point{X: 10, Y: 0}, -43},
	{pkg.Point{X: 10, Y: 10}, -42},
	{pkg.Point{X: 20, Y: 10}, -44},
	{pkg.Point{X: 20, Y: 20}, -43.5},
}

// noiseless builds measurements by pushing true ranges through the signal
// model and back, the same path live readings take.
func noiseless(t *testing.T, anchors []anchor, truth pkg.Point, n float64) []Measurement {
	t.Helper()
	ms := make([]Measurement, 0, len(anchors))
	for _, a := range anchors {
		rssi := pathloss.RSSI(math.Hypot(truth.X-a.pos.X, truth.Y-a.pos.Y), a.power, n)
		d, err := pathloss.Distance(a.power, rssi, n)
		require.NoError(t, err)
		ms = append(ms, Measurement{Anchor: a.pos, Distance: d})
	}
	return ms
}

func posErr(p, truth pkg.Point) float64 {
	return math.Hypot(p.X-truth.X, p.Y-truth.Y)
}

func TestSolveNoiselessScenario(t *testing.T) {
	truth := pkg.Point{X: 3, Y: 4}
	solver := NewSolver(DefaultOptions())

	var errs []float64
	for _, count := range []int{3, 4, 5} {
		res, err := solver.Solve(noiseless(t, fieldAnchors[:count], truth, 2.0))
		require.NoError(t, err)

		e := posErr(res.Position, truth)
		assert.Less(t, e, 0.5, "%d anchors: got %+v", count, res.Position)
		assert.True(t, res.Converged, "%d anchors did not converge", count)
		assert.LessOrEqual(t, res.Iterations, DefaultOptions().MaxIterations)
		errs = append(errs, e)
	}

	// more anchors must not make things worse
	assert.LessOrEqual(t, errs[1], errs[0]+1e-6)
	assert.LessOrEqual(t, errs[2], errs[0]+1e-6)
}

func TestSolveAbsorbsCommonRangeBias(t *testing.T) {
	truth := pkg.Point{X: 3, Y: 4}
	ms := make([]Measurement, 0, 4)
	for _, a := range fieldAnchors[:4] {
		ms = append(ms, Measurement{Anchor: a.pos, Distance: math.Hypot(truth.X-a.pos.X, truth.Y-a.pos.Y) + 1.5})
	}

	res, err := NewSolver(Options{}).Solve(ms)
	require.NoError(t, err)
	assert.InDelta(t, 3, res.Position.X, 1e-6)
	assert.InDelta(t, 4, res.Position.Y, 1e-6)
	assert.InDelta(t, 1.5, res.Offset, 1e-6)
}

func TestSolveRejectsTooFewMeasurements(t *testing.T) {
	solver := NewSolver(DefaultOptions())

	for _, count := range []int{0, 1, 2} {
		ms := make([]Measurement, count)
		for i := range ms {
			ms[i] = Measurement{Anchor: fieldAnchors[i].pos, Distance: 5}
		}

		res, err := solver.Solve(ms)
		require.Error(t, err)
		assert.True(t, errors.Is(err, pkg.ErrInsufficientAnchor))

		var ia *pkg.InsufficientAnchorsError
		require.True(t, errors.As(err, &ia))
		assert.Equal(t, count, ia.Have)
		assert.Equal(t, 3, ia.Need)
		assert.Zero(t, res.Iterations, "no optimization may run")
	}
}

func TestSolveReturnsBestIterateWhenIterationsRunOut(t *testing.T) {
	truth := pkg.Point{X: 3, Y: 4}
	ms := noiseless(t, fieldAnchors[:3], truth, 2.0)

	initial := 0.0
	for _, m := range ms {
		r := m.Anchor.X*m.Anchor.X + m.Anchor.Y*m.Anchor.Y - m.Distance*m.Distance
		initial += r * r
	}

	res, err := NewSolver(Options{MaxIterations: 1}).Solve(ms)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Converged)
	assert.Less(t, res.Cost, initial)
}

func TestSolveRejectsNonFiniteMeasurement(t *testing.T) {
	ms := []Measurement{
		{Anchor: pkg.Point{X: 0, Y: 0}, Distance: 1},
		{Anchor: pkg.Point{X: 10, Y: 0}, Distance: math.NaN()},
		{Anchor: pkg.Point{X: 0, Y: 10}, Distance: 1},
	}
	_, err := NewSolver(DefaultOptions()).Solve(ms)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, pkg.ErrInsufficientAnchor))
}

func TestNewSolverFillsDefaults(t *testing.T) {
	s := NewSolver(Options{Tolerance: 1e-6})
	assert.Equal(t, 200, s.opts.MaxIterations)
	assert.Equal(t, 1e-6, s.opts.Tolerance)
	assert.Equal(t, 1e-3, s.opts.InitialDamping)
}
