// Package kalman implements the linear recursive filter used to denoise
// per-anchor RSSI streams. The filter works on general matrix dimensions;
// the daemon runs it with a 1-dimensional state.
package kalman

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/beacontrack/beacontrack/pkg"
)

// Config holds the initial state and the fixed model matrices.
//
//	X0: initial estimate (n)
//	P0: initial error covariance (n x n)
//	A:  state transition (n x n)
//	H:  observation (m x n)
//	Q:  process noise covariance (n x n)
//	R:  measurement noise covariance (m x m)
type Config struct {
	X0 *mat.VecDense
	P0 *mat.Dense
	A  *mat.Dense
	H  *mat.Dense
	Q  *mat.Dense
	R  *mat.Dense
}

// Default tuning for raw RSSI in dBm
const (
	DefaultX0 = -70.0
	DefaultP0 = 5.0
	DefaultQ  = 0.1
	DefaultR  = 2.0
)

// DefaultConfig returns the scalar random-walk model used for RSSI smoothing
func DefaultConfig() Config {
	return ScalarConfig(DefaultX0, DefaultP0, 1, 1, DefaultQ, DefaultR)
}

// ScalarConfig builds a 1x1 model
func ScalarConfig(x0, p0, a, h, q, r float64) Config {
	return Config{
		X0: mat.NewVecDense(1, []float64{x0}),
		P0: mat.NewDense(1, 1, []float64{p0}),
		A:  mat.NewDense(1, 1, []float64{a}),
		H:  mat.NewDense(1, 1, []float64{h}),
		Q:  mat.NewDense(1, 1, []float64{q}),
		R:  mat.NewDense(1, 1, []float64{r}),
	}
}

// Validate checks that all matrices are present and have consistent dimensions
func (c Config) Validate() error {
	if c.X0 == nil || c.P0 == nil || c.A == nil || c.H == nil || c.Q == nil || c.R == nil {
		return fmt.Errorf("kalman: all of X0, P0, A, H, Q, R are required")
	}
	n := c.X0.Len()
	if r, cc := c.A.Dims(); r != n || cc != n {
		return fmt.Errorf("kalman: A is %dx%d, want %dx%d", r, cc, n, n)
	}
	if r, cc := c.P0.Dims(); r != n || cc != n {
		return fmt.Errorf("kalman: P0 is %dx%d, want %dx%d", r, cc, n, n)
	}
	if r, cc := c.Q.Dims(); r != n || cc != n {
		return fmt.Errorf("kalman: Q is %dx%d, want %dx%d", r, cc, n, n)
	}
	m, hc := c.H.Dims()
	if hc != n {
		return fmt.Errorf("kalman: H has %d columns, want %d", hc, n)
	}
	if r, cc := c.R.Dims(); r != m || cc != m {
		return fmt.Errorf("kalman: R is %dx%d, want %dx%d", r, cc, m, m)
	}
	return nil
}

// Filter is a linear Kalman filter. It is not safe for concurrent use; the
// aggregator serializes access per anchor.
type Filter struct {
	n, m int

	x *mat.VecDense
	p *mat.Dense

	a, h, q, r *mat.Dense
}

// New creates a filter from cfg. The configuration matrices are copied so a
// single Config can seed many filters.
func New(cfg Config) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, n := cfg.H.Dims()
	return &Filter{
		n: n,
		m: m,
		x: mat.VecDenseCopyOf(cfg.X0),
		p: mat.DenseCopyOf(cfg.P0),
		a: mat.DenseCopyOf(cfg.A),
		h: mat.DenseCopyOf(cfg.H),
		q: mat.DenseCopyOf(cfg.Q),
		r: mat.DenseCopyOf(cfg.R),
	}, nil
}

// Dims returns the state and measurement dimensions
func (f *Filter) Dims() (n, m int) { return f.n, f.m }

// Predict propagates the state: x = A x, P = A P A' + Q
func (f *Filter) Predict() {
	var x mat.VecDense
	x.MulVec(f.a, f.x)

	var ap, p mat.Dense
	ap.Mul(f.a, f.p)
	p.Mul(&ap, f.a.T())
	p.Add(&p, f.q)

	f.x = &x
	f.p = &p
}

// Update corrects the state with measurement z. On a NumericalError the
// state is left exactly as it was before the call.
func (f *Filter) Update(z []float64) error {
	if len(z) != f.m {
		return fmt.Errorf("kalman: measurement has length %d, want %d", len(z), f.m)
	}
	zv := mat.NewVecDense(f.m, append([]float64(nil), z...))

	// S = H P H' + R
	var pht, s mat.Dense
	pht.Mul(f.p, f.h.T())
	s.Mul(f.h, &pht)
	s.Add(&s, f.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return &pkg.NumericalError{Op: "innovation covariance inverse", Err: err}
	}

	// K = P H' S^-1
	var k mat.Dense
	k.Mul(&pht, &sInv)

	// x = x + K (z - H x)
	var hx, innov, dx, x mat.VecDense
	hx.MulVec(f.h, f.x)
	innov.SubVec(zv, &hx)
	dx.MulVec(&k, &innov)
	x.AddVec(f.x, &dx)

	// P = P - K H P
	var kh, khp, p mat.Dense
	kh.Mul(&k, f.h)
	khp.Mul(&kh, f.p)
	p.Sub(f.p, &khp)

	if !finiteVec(&x) || !finiteMat(&p) {
		return &pkg.NumericalError{Op: "state update"}
	}

	f.x = &x
	f.p = &p
	return nil
}

// Step runs Predict then Update and returns copies of the resulting state.
// When Update fails the predicted state is kept and returned with the error.
func (f *Filter) Step(z []float64) ([]float64, *mat.Dense, error) {
	f.Predict()
	err := f.Update(z)
	x, p := f.State()
	return x, p, err
}

// StepScalar is Step for a 1x1 model. It returns the estimate and its variance.
func (f *Filter) StepScalar(z float64) (float64, float64, error) {
	x, p, err := f.Step([]float64{z})
	return x[0], p.At(0, 0), err
}

// State returns copies of the current estimate and covariance
func (f *Filter) State() ([]float64, *mat.Dense) {
	return mat.Col(nil, 0, f.x), mat.DenseCopyOf(f.p)
}

// Clone returns an independent copy of the filter
func (f *Filter) Clone() *Filter {
	return &Filter{
		n: f.n,
		m: f.m,
		x: mat.VecDenseCopyOf(f.x),
		p: mat.DenseCopyOf(f.p),
		a: f.a,
		h: f.h,
		q: f.q,
		r: f.r,
	}
}

func finiteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if x := v.AtVec(i); math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func finiteMat(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if x := m.At(i, j); math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}

// Observed returns the estimate projected into measurement space (H x) and
// its covariance (H P H'). For the RSSI model this is the filtered signal.
func (f *Filter) Observed() ([]float64, *mat.Dense) {
	var hx mat.VecDense
	hx.MulVec(f.h, f.x)

	var hp, hph mat.Dense
	hp.Mul(f.h, f.p)
	hph.Mul(&hp, f.h.T())

	return mat.Col(nil, 0, &hx), &hph
}
