// Package geo converts between WGS84 geodetic coordinates and a local
// East-North-Up tangent plane anchored at a fixed origin. Every distance the
// fusion pipeline computes goes through a Projector.
package geo

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// WGS84 ellipsoid.
const (
	semiMajor    = 6378137.0
	flattening   = 1 / 298.257223563
	eccentricity = flattening * (2 - flattening) // first eccentricity squared
)

// DefaultOrigin is the roadside site the deployment was first calibrated for.
var DefaultOrigin = LLH{Lat: 31.284156453, Lon: 121.170937985, Alt: 0}

// ErrInvalidCoordinate is returned for positions that must not reach the filter.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// LLH is a geodetic position in degrees and metres.
type LLH struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// ENU is a position in metres on the local tangent plane.
type ENU struct {
	E float64 `json:"e"`
	N float64 `json:"n"`
	U float64 `json:"u"`
}

// ValidateLatLon rejects non-finite values, out-of-range values and the (0,0)
// null island that unset sensor fields decode to.
func ValidateLatLon(lat, lon float64) error {
	switch {
	case math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0):
		return fmt.Errorf("%w: non-finite lat/lon (%v, %v)", ErrInvalidCoordinate, lat, lon)
	case lat < -90 || lat > 90 || lon < -180 || lon > 180:
		return fmt.Errorf("%w: lat/lon out of range (%v, %v)", ErrInvalidCoordinate, lat, lon)
	case lat == 0 && lon == 0:
		return fmt.Errorf("%w: zero lat/lon", ErrInvalidCoordinate)
	}
	return nil
}

// Projector is immutable after construction and safe for concurrent use.
type Projector struct {
	origin LLH
	ecef0  *mat.VecDense
	rot    *mat.Dense // ECEF delta -> ENU
}

// NewProjector builds a projector for the given origin.
func NewProjector(origin LLH) (*Projector, error) {
	if err := ValidateLatLon(origin.Lat, origin.Lon); err != nil {
		return nil, fmt.Errorf("projector origin: %w", err)
	}
	phi := origin.Lat * math.Pi / 180
	lam := origin.Lon * math.Pi / 180
	sp, cp := math.Sincos(phi)
	sl, cl := math.Sincos(lam)

	rot := mat.NewDense(3, 3, []float64{
		-sl, cl, 0,
		-sp * cl, -sp * sl, cp,
		cp * cl, cp * sl, sp,
	})
	return &Projector{
		origin: origin,
		ecef0:  toECEF(origin),
		rot:    rot,
	}, nil
}

// MustNewProjector panics if origin is invalid.
func MustNewProjector(origin LLH) *Projector {
	p, err := NewProjector(origin)
	if err != nil {
		panic(err)
	}
	return p
}

// Origin returns the tangent-plane anchor.
func (p *Projector) Origin() LLH { return p.origin }

// ToENU projects a geodetic position onto the local plane.
func (p *Projector) ToENU(pos LLH) ENU {
	var d mat.VecDense
	d.SubVec(toECEF(pos), p.ecef0)
	var enu mat.VecDense
	enu.MulVec(p.rot, &d)
	return ENU{E: enu.AtVec(0), N: enu.AtVec(1), U: enu.AtVec(2)}
}

// ToLLH is the inverse of ToENU.
func (p *Projector) ToLLH(e ENU) LLH {
	var d mat.VecDense
	d.MulVec(p.rot.T(), mat.NewVecDense(3, []float64{e.E, e.N, e.U}))
	d.AddVec(&d, p.ecef0)
	return fromECEF(d.AtVec(0), d.AtVec(1), d.AtVec(2))
}

// Displacement returns the ENU vector from a to b in metres (east, north).
func (p *Projector) Displacement(a, b LLH) (de, dn float64) {
	ea := p.ToENU(a)
	eb := p.ToENU(b)
	return eb.E - ea.E, eb.N - ea.N
}

func toECEF(pos LLH) *mat.VecDense {
	phi := pos.Lat * math.Pi / 180
	lam := pos.Lon * math.Pi / 180
	sp, cp := math.Sincos(phi)
	sl, cl := math.Sincos(lam)
	n := semiMajor / math.Sqrt(1-eccentricity*sp*sp)
	return mat.NewVecDense(3, []float64{
		(n + pos.Alt) * cp * cl,
		(n + pos.Alt) * cp * sl,
		(n*(1-eccentricity) + pos.Alt) * sp,
	})
}

func fromECEF(x, y, z float64) LLH {
	p := math.Hypot(x, y)
	lam := math.Atan2(y, x)
	phi := math.Atan2(z, p*(1-eccentricity))
	var h float64
	for i := 0; i < 6; i++ {
		sp, cp := math.Sincos(phi)
		n := semiMajor / math.Sqrt(1-eccentricity*sp*sp)
		if math.Abs(cp) > 1e-12 {
			h = p/cp - n
		} else {
			h = math.Abs(z) - n*(1-eccentricity)
		}
		phi = math.Atan2(z, p*(1-eccentricity*n/(n+h)))
	}
	return LLH{Lat: phi * 180 / math.Pi, Lon: lam * 180 / math.Pi, Alt: h}
}
