// Package geom implements the rigid-body transforms shared by the estimator
// and the tracker: composition, inversion and screw interpolation in SE(3).
package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// UnitTolerance is the allowed deviation of a rotation quaternion's norm
// from 1 before Validate rejects it.
const UnitTolerance = 1e-6

// Transform is a rigid transform: p' = Rotation·p + Translation.
//
// Transforms are comparable with ==, which the tracker relies on to memoise
// positions keyed by reference transform.
type Transform struct {
	Translation r3.Vec
	Rotation    quat.Number
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{Rotation: quat.Number{Real: 1}}
}

// NewTransform builds a transform, normalising the rotation.
func NewTransform(translation r3.Vec, rotation quat.Number) Transform {
	return Transform{Translation: translation, Rotation: Normalize(rotation)}
}

// FromXYZ builds a pure translation.
func FromXYZ(x, y, z float64) Transform {
	return Transform{Translation: r3.Vec{X: x, Y: y, Z: z}, Rotation: quat.Number{Real: 1}}
}

// FromXYYaw builds a planar pose at (x, y) rotated yaw radians about +Z.
func FromXYYaw(x, y, yaw float64) Transform {
	return Transform{
		Translation: r3.Vec{X: x, Y: y},
		Rotation:    AxisAngle(r3.Vec{Z: 1}, yaw),
	}
}

// AxisAngle returns the unit quaternion rotating angle radians about axis.
func AxisAngle(axis r3.Vec, angle float64) quat.Number {
	n := r3.Norm(axis)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	s := math.Sin(angle/2) / n
	return quat.Number{
		Real: math.Cos(angle / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}
}

// Normalize scales q to unit length. The zero quaternion maps to identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	if n == 1 {
		return q
	}
	return quat.Scale(1/n, q)
}

// Rotate applies the unit quaternion q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	// v' = v + 2s(u×v) + 2u×(u×v), u the vector part and s the scalar part.
	u := r3.Vec{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	uv := r3.Cross(u, v)
	uuv := r3.Cross(u, uv)
	return r3.Add(v, r3.Add(r3.Scale(2*q.Real, uv), r3.Scale(2, uuv)))
}

// Compose returns t∘o: apply o first, then t.
func (t Transform) Compose(o Transform) Transform {
	return Transform{
		Translation: r3.Add(t.Translation, Rotate(t.Rotation, o.Translation)),
		Rotation:    Normalize(quat.Mul(t.Rotation, o.Rotation)),
	}
}

// Inverse returns the transform undoing t.
func (t Transform) Inverse() Transform {
	inv := quat.Conj(t.Rotation)
	return Transform{
		Translation: r3.Scale(-1, Rotate(inv, t.Translation)),
		Rotation:    inv,
	}
}

// Apply maps a point through t.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(Rotate(t.Rotation, p), t.Translation)
}

// Yaw returns the heading about +Z in radians.
func (t Transform) Yaw() float64 {
	q := t.Rotation
	return math.Atan2(2*(q.Real*q.Kmag+q.Imag*q.Jmag), 1-2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag))
}

// RotationMatrix returns the row-major 3x3 rotation matrix of t.
func (t Transform) RotationMatrix() [9]float64 {
	q := Normalize(t.Rotation)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// Validate reports whether t is a proper rigid transform.
func (t Transform) Validate() error {
	for _, v := range []float64{t.Translation.X, t.Translation.Y, t.Translation.Z,
		t.Rotation.Real, t.Rotation.Imag, t.Rotation.Jmag, t.Rotation.Kmag} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("transform has non-finite component")
		}
	}
	if n := quat.Abs(t.Rotation); math.Abs(n-1) > UnitTolerance {
		return fmt.Errorf("rotation is not a unit quaternion (norm %.6f)", n)
	}
	return nil
}

// Distance returns the Euclidean distance between the translations of a and b.
func Distance(a, b Transform) float64 {
	return r3.Norm(r3.Sub(a.Translation, b.Translation))
}

func (t Transform) String() string {
	return fmt.Sprintf("T(%.3f, %.3f, %.3f | yaw %.3f)", t.Translation.X, t.Translation.Y, t.Translation.Z, t.Yaw())
}
