package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// smallAngle is the rotation magnitude below which series expansions are
// used instead of the closed forms.
const smallAngle = 1e-8

// Twist is an element of se(3): a rotation vector and a translational part.
type Twist struct {
	Rot   r3.Vec
	Trans r3.Vec
}

// Scale multiplies both parts of the twist by s.
func (w Twist) Scale(s float64) Twist {
	return Twist{Rot: r3.Scale(s, w.Rot), Trans: r3.Scale(s, w.Trans)}
}

// LogRotation returns the rotation vector (axis·angle) of a unit quaternion.
func LogRotation(q quat.Number) r3.Vec {
	q = Normalize(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	u := r3.Vec{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := r3.Norm(u)
	if n < smallAngle {
		return r3.Scale(2/q.Real, u)
	}
	theta := 2 * math.Atan2(n, q.Real)
	return r3.Scale(theta/n, u)
}

// ExpRotation returns the unit quaternion for a rotation vector.
func ExpRotation(w r3.Vec) quat.Number {
	theta := r3.Norm(w)
	if theta < smallAngle {
		return Normalize(quat.Number{Real: 1, Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2})
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: w.X * s, Jmag: w.Y * s, Kmag: w.Z * s}
}

// Log maps a rigid transform onto its twist coordinates.
func Log(t Transform) Twist {
	w := LogRotation(t.Rotation)
	theta := r3.Norm(w)
	p := t.Translation
	wp := r3.Cross(w, p)
	wwp := r3.Cross(w, wp)

	var c float64
	if theta < 1e-4 {
		c = 1.0/12 + theta*theta/720
	} else {
		c = (1 - theta*math.Sin(theta)/(2*(1-math.Cos(theta)))) / (theta * theta)
	}
	u := r3.Add(r3.Sub(p, r3.Scale(0.5, wp)), r3.Scale(c, wwp))
	return Twist{Rot: w, Trans: u}
}

// Exp maps twist coordinates back onto a rigid transform.
func Exp(tw Twist) Transform {
	w := tw.Rot
	theta := r3.Norm(w)
	wu := r3.Cross(w, tw.Trans)
	wwu := r3.Cross(w, wu)

	var a, b float64
	if theta < 1e-4 {
		t2 := theta * theta
		a = 0.5 - t2/24
		b = 1.0/6 - t2/120
	} else {
		a = (1 - math.Cos(theta)) / (theta * theta)
		b = (theta - math.Sin(theta)) / (theta * theta * theta)
	}
	return Transform{
		Translation: r3.Add(tw.Trans, r3.Add(r3.Scale(a, wu), r3.Scale(b, wwu))),
		Rotation:    ExpRotation(w),
	}
}

// Interpolate blends from a (t=0) to b (t=1) along the constant-velocity
// screw joining them. t is clamped to [0, 1].
func Interpolate(a, b Transform, t float64) Transform {
	switch {
	case t <= 0:
		return a
	case t >= 1:
		return b
	}
	delta := a.Inverse().Compose(b)
	return a.Compose(Exp(Log(delta).Scale(t)))
}
