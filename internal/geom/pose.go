package geom

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// CovarianceDim is the dimension of a pose covariance, ordered
// (x, y, z, roll, pitch, yaw).
const CovarianceDim = 6

// Pose is a rigid transform with an optional 6x6 covariance.
type Pose struct {
	Transform
	Covariance *mat.SymDense
}

// NewCovariance builds a SymDense from 36 row-major values.
func NewCovariance(values []float64) (*mat.SymDense, error) {
	if len(values) != CovarianceDim*CovarianceDim {
		return nil, fmt.Errorf("covariance needs %d values, got %d", CovarianceDim*CovarianceDim, len(values))
	}
	dense := mat.NewDense(CovarianceDim, CovarianceDim, append([]float64(nil), values...))
	return symmetrize(dense), nil
}

// DiagonalCovariance builds a covariance with independent axes.
func DiagonalCovariance(variances [CovarianceDim]float64) *mat.SymDense {
	cov := mat.NewSymDense(CovarianceDim, nil)
	for i, v := range variances {
		cov.SetSym(i, i, v)
	}
	return cov
}

// CovarianceValues flattens cov row-major. A nil covariance yields nil.
func CovarianceValues(cov *mat.SymDense) []float64 {
	if cov == nil {
		return nil
	}
	out := make([]float64, 0, CovarianceDim*CovarianceDim)
	for i := 0; i < CovarianceDim; i++ {
		for j := 0; j < CovarianceDim; j++ {
			out = append(out, cov.At(i, j))
		}
	}
	return out
}

// Adjoint returns the 6x6 adjoint of t for the (translation, rotation)
// ordering: [[R, [p]×R], [0, R]].
func Adjoint(t Transform) *mat.Dense {
	r := t.RotationMatrix()
	p := t.Translation
	skew := [9]float64{
		0, -p.Z, p.Y,
		p.Z, 0, -p.X,
		-p.Y, p.X, 0,
	}
	var pr [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				pr[i*3+j] += skew[i*3+k] * r[k*3+j]
			}
		}
	}
	ad := mat.NewDense(CovarianceDim, CovarianceDim, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			ad.Set(i, j, r[i*3+j])
			ad.Set(i, j+3, pr[i*3+j])
			ad.Set(i+3, j+3, r[i*3+j])
		}
	}
	return ad
}

// TransformCovariance re-expresses cov through t: Ad·Σ·Adᵀ.
// A nil covariance stays nil.
func TransformCovariance(cov *mat.SymDense, t Transform) *mat.SymDense {
	if cov == nil {
		return nil
	}
	ad := Adjoint(t)
	var tmp, out mat.Dense
	tmp.Mul(ad, cov)
	out.Mul(&tmp, ad.T())
	return symmetrize(&out)
}

func symmetrize(d *mat.Dense) *mat.SymDense {
	n, _ := d.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (d.At(i, j)+d.At(j, i))/2)
		}
	}
	return sym
}

// PositionVariance returns the trace of the translational block, a scalar
// spread used when weighting poses. Zero when no covariance is attached.
func (p Pose) PositionVariance() float64 {
	if p.Covariance == nil {
		return 0
	}
	return p.Covariance.At(0, 0) + p.Covariance.At(1, 1) + p.Covariance.At(2, 2)
}

// Vec is a convenience constructor for r3.Vec.
func Vec(x, y, z float64) r3.Vec {
	return r3.Vec{X: x, Y: y, Z: z}
}
