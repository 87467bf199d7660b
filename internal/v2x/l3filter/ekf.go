// Package l3filter implements the per-track extended Kalman filter.
//
// State is [x, y, v, theta]: ENU position in metres, speed in m/s and ENU
// heading in radians. The motion model is constant velocity along theta;
// measurements observe the full state directly.
package l3filter

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/roadside.fusion/internal/units"
)

const stateDim = 4

// State indices.
const (
	IX = iota
	IY
	IV
	ITheta
)

// ErrSingular is returned when the innovation covariance cannot be inverted.
var ErrSingular = errors.New("innovation covariance is singular")

// Noise holds the standard deviations of the process and measurement models.
// Headings are in radians.
type Noise struct {
	ProcessPos     float64
	ProcessSpeed   float64
	ProcessHeading float64
	MeasPos        float64
	MeasSpeed      float64
	MeasHeading    float64
}

// DefaultNoise returns the field-tuned noise model.
func DefaultNoise() Noise {
	return Noise{
		ProcessPos:     0.2,
		ProcessSpeed:   0.2,
		ProcessHeading: units.DegToRad(3),
		MeasPos:        0.95,
		MeasSpeed:      0.55,
		MeasHeading:    units.DegToRad(10),
	}
}

func diagSquared(a, b, c, d float64) *mat.DiagDense {
	return mat.NewDiagDense(stateDim, []float64{a * a, b * b, c * c, d * d})
}

// EKF is a single track's filter. The zero value is not usable; use New.
type EKF struct {
	x     *mat.VecDense
	p     *mat.Dense
	q     *mat.DiagDense
	r     *mat.DiagDense
	ready bool

	innovation [stateDim]float64
}

// New creates an uninitialized filter with the given noise model.
func New(n Noise) *EKF {
	return &EKF{
		x: mat.NewVecDense(stateDim, nil),
		p: identity(),
		q: diagSquared(n.ProcessPos, n.ProcessPos, n.ProcessSpeed, n.ProcessHeading),
		r: diagSquared(n.MeasPos, n.MeasPos, n.MeasSpeed, n.MeasHeading),
	}
}

func identity() *mat.Dense {
	p := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		p.Set(i, i, 1)
	}
	return p
}

// Init sets the state to z and the covariance to identity.
func (f *EKF) Init(z [4]float64) {
	f.x = mat.NewVecDense(stateDim, []float64{z[IX], z[IY], z[IV], units.WrapRadians(z[ITheta])})
	f.p = identity()
	f.ready = true
	f.innovation = [stateDim]float64{}
}

// Initialized reports whether Init (or a first Correct) has run.
func (f *EKF) Initialized() bool { return f.ready }

// Predict propagates the state dt seconds forward. It is a no-op on an
// uninitialized filter.
func (f *EKF) Predict(dt float64) {
	if !f.ready {
		return
	}
	x, y := f.x.AtVec(IX), f.x.AtVec(IY)
	v, th := f.x.AtVec(IV), f.x.AtVec(ITheta)
	sin, cos := math.Sincos(th)

	f.x.SetVec(IX, x+v*cos*dt)
	f.x.SetVec(IY, y+v*sin*dt)

	jac := identity()
	jac.Set(IX, IV, dt*cos)
	jac.Set(IX, ITheta, -dt*v*sin)
	jac.Set(IY, IV, dt*sin)
	jac.Set(IY, ITheta, dt*v*cos)

	var fp, fpft mat.Dense
	fp.Mul(jac, f.p)
	fpft.Mul(&fp, jac.T())
	var next mat.Dense
	next.Add(&fpft, f.q)
	f.p = &next
}

// Correct fuses the full-state measurement z. The heading innovation is
// wrapped into (-pi, pi] so a measurement across the +-pi seam pulls the
// estimate the short way round. An uninitialized filter is initialized from z.
func (f *EKF) Correct(z [4]float64) error {
	if !f.ready {
		f.Init(z)
		return nil
	}

	// H is identity, so S = P + R and K = P S^-1.
	var s, sInv mat.Dense
	s.Add(f.p, f.r)
	if err := sInv.Inverse(&s); err != nil {
		return fmt.Errorf("%w: %v", ErrSingular, err)
	}
	var k mat.Dense
	k.Mul(f.p, &sInv)

	y := mat.NewVecDense(stateDim, nil)
	for i := 0; i < stateDim; i++ {
		y.SetVec(i, z[i]-f.x.AtVec(i))
	}
	y.SetVec(ITheta, units.WrapRadians(y.AtVec(ITheta)))

	var ky mat.VecDense
	ky.MulVec(&k, y)
	var x mat.VecDense
	x.AddVec(f.x, &ky)
	x.SetVec(ITheta, units.WrapRadians(x.AtVec(ITheta)))

	var kp, p mat.Dense
	kp.Mul(&k, f.p)
	p.Sub(f.p, &kp)

	f.x = &x
	f.p = &p
	for i := 0; i < stateDim; i++ {
		f.innovation[i] = y.AtVec(i)
	}
	return nil
}

// State returns a copy of the state vector.
func (f *EKF) State() [4]float64 {
	return [4]float64{f.x.AtVec(IX), f.x.AtVec(IY), f.x.AtVec(IV), f.x.AtVec(ITheta)}
}

// Covariance returns a copy of P.
func (f *EKF) Covariance() *mat.Dense {
	return mat.DenseCopyOf(f.p)
}

// LastInnovation returns z - x from the most recent Correct, heading wrapped.
func (f *EKF) LastInnovation() [4]float64 { return f.innovation }

// Finite reports whether state and covariance are free of NaN and Inf.
func (f *EKF) Finite() bool {
	for i := 0; i < stateDim; i++ {
		if v := f.x.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		for j := 0; j < stateDim; j++ {
			if v := f.p.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
