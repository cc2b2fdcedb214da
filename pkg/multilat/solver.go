// Package multilat estimates a 2D position from anchor ranges by nonlinear
// least squares.
//
// The residual for anchor i is
//
//	r_i = (x - ax_i)^2 + (y - ay_i)^2 - (offset - d_i)^2
//
// over the free parameters (x, y, offset). offset is a scalar slack term that
// absorbs a common bias in the ranges; it is reported but has no physical
// meaning and callers use only (x, y).
package multilat

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/beacontrack/beacontrack/pkg"
)

// Measurement is one anchor position with the range derived from its signal
type Measurement struct {
	Anchor   pkg.Point
	Distance float64
}

// Result is the best iterate found by the solver
type Result struct {
	Position   pkg.Point
	Offset     float64
	Cost       float64 // sum of squared residuals
	Iterations int
	Converged  bool
}

// Options control the Levenberg-Marquardt iteration
type Options struct {
	MaxIterations  int     `yaml:"max_iterations" json:"max_iterations"`
	Tolerance      float64 `yaml:"tolerance" json:"tolerance"`
	InitialDamping float64 `yaml:"initial_damping" json:"initial_damping"`
}

// DefaultOptions returns the solver defaults
func DefaultOptions() Options {
	return Options{
		MaxIterations:  200,
		Tolerance:      1e-10,
		InitialDamping: 1e-3,
	}
}

const (
	params     = 3
	minDamping = 1e-15
	maxDamping = 1e15
	gradTol    = 1e-12
)

// Solver runs the multilateration fit. It holds no state between calls and
// is safe for concurrent use.
type Solver struct {
	opts Options
}

// NewSolver creates a solver, filling unset options with defaults
func NewSolver(opts Options) *Solver {
	def := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = def.Tolerance
	}
	if opts.InitialDamping <= 0 {
		opts.InitialDamping = def.InitialDamping
	}
	return &Solver{opts: opts}
}

// Solve fits (x, y, offset) starting from (0, 0, 0). Fewer than three
// measurements fail with an InsufficientAnchorsError before any evaluation.
// Running out of iterations is not an error; the best iterate is returned.
func (s *Solver) Solve(ms []Measurement) (Result, error) {
	if len(ms) < pkg.MinAnchors {
		return Result{}, &pkg.InsufficientAnchorsError{Have: len(ms), Need: pkg.MinAnchors}
	}
	for i, m := range ms {
		if !finite(m.Anchor.X) || !finite(m.Anchor.Y) || !finite(m.Distance) {
			return Result{}, fmt.Errorf("multilat: measurement %d is not finite", i)
		}
	}

	n := len(ms)
	p := mat.NewVecDense(params, nil)
	r := mat.NewVecDense(n, nil)
	j := mat.NewDense(n, params, nil)

	residuals(ms, p, r)
	cost := mat.Dot(r, r)

	var (
		jtj, damped mat.Dense
		g, negG     mat.VecDense
		step, trial mat.VecDense
		lambda      float64
	)
	trialR := mat.NewVecDense(n, nil)

	res := Result{}
	for res.Iterations < s.opts.MaxIterations {
		jacobian(ms, p, j)
		jtj.Mul(j.T(), j)
		g.MulVec(j.T(), r)

		if mat.Norm(&g, math.Inf(1)) < gradTol {
			res.Converged = true
			break
		}
		if res.Iterations == 0 {
			lambda = s.opts.InitialDamping * math.Max(maxDiag(&jtj), gradTol)
		}
		res.Iterations++
		negG.ScaleVec(-1, &g)

		accepted := false
		for lambda <= maxDamping {
			damped.CloneFrom(&jtj)
			for i := 0; i < params; i++ {
				damped.Set(i, i, damped.At(i, i)+lambda)
			}
			if err := step.SolveVec(&damped, &negG); err != nil && !wellConditioned(err) {
				lambda *= 10
				continue
			}

			trial.AddVec(p, &step)
			residuals(ms, &trial, trialR)
			trialCost := mat.Dot(trialR, trialR)
			if trialCost < cost {
				p.CopyVec(&trial)
				r.CopyVec(trialR)
				cost = trialCost
				lambda = math.Max(lambda/10, minDamping)
				accepted = true
				break
			}
			lambda *= 10
		}
		if !accepted {
			// no downhill step at any damping: p is a local minimum
			res.Converged = true
			break
		}
		if mat.Norm(&step, 2) < s.opts.Tolerance*(mat.Norm(p, 2)+s.opts.Tolerance) {
			res.Converged = true
			break
		}
	}

	res.Position = pkg.Point{X: p.AtVec(0), Y: p.AtVec(1)}
	res.Offset = p.AtVec(2)
	res.Cost = cost
	return res, nil
}

func residuals(ms []Measurement, p *mat.VecDense, out *mat.VecDense) {
	x, y, off := p.AtVec(0), p.AtVec(1), p.AtVec(2)
	for i, m := range ms {
		dx := x - m.Anchor.X
		dy := y - m.Anchor.Y
		do := off - m.Distance
		out.SetVec(i, dx*dx+dy*dy-do*do)
	}
}

func jacobian(ms []Measurement, p *mat.VecDense, out *mat.Dense) {
	x, y, off := p.AtVec(0), p.AtVec(1), p.AtVec(2)
	for i, m := range ms {
		out.Set(i, 0, 2*(x-m.Anchor.X))
		out.Set(i, 1, 2*(y-m.Anchor.Y))
		out.Set(i, 2, -2*(off-m.Distance))
	}
}

func maxDiag(a *mat.Dense) float64 {
	r, _ := a.Dims()
	m := 0.0
	for i := 0; i < r; i++ {
		m = math.Max(m, a.At(i, i))
	}
	return m
}

// wellConditioned reports whether a solve error is only a conditioning
// warning with a usable result.
func wellConditioned(err error) bool {
	c, ok := err.(mat.Condition)
	return ok && !math.IsInf(float64(c), 1) && float64(c) < 1e14
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
