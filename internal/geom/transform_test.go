package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const eps = 1e-9

func assertVecNear(t *testing.T, want, got r3.Vec) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, eps, "x")
	assert.InDelta(t, want.Y, got.Y, eps, "y")
	assert.InDelta(t, want.Z, got.Z, eps, "z")
}

func assertTransformNear(t *testing.T, want, got Transform) {
	t.Helper()
	assertVecNear(t, want.Translation, got.Translation)
	// q and -q are the same rotation.
	d := quat.Abs(quat.Sub(want.Rotation, got.Rotation))
	s := quat.Abs(quat.Add(want.Rotation, got.Rotation))
	assert.True(t, d < 1e-6 || s < 1e-6, "rotation mismatch: want %v got %v", want.Rotation, got.Rotation)
}

func TestComposeInverseIsIdentity(t *testing.T) {
	t.Parallel()
	tr := NewTransform(Vec(1, -2, 0.5), AxisAngle(Vec(0.3, 1, -0.2), 1.1))

	assertTransformNear(t, Identity(), tr.Compose(tr.Inverse()))
	assertTransformNear(t, Identity(), tr.Inverse().Compose(tr))
}

func TestApplyAndCompose(t *testing.T) {
	t.Parallel()
	a := FromXYYaw(1, 0, math.Pi/2)
	b := FromXYZ(1, 0, 0)

	// b then a: (1,0,0) rotated 90° is (0,1,0), shifted by (1,0,0).
	assertVecNear(t, Vec(1, 1, 0), a.Compose(b).Translation)
	assertVecNear(t, Vec(1, 1, 0), a.Apply(Vec(1, 0, 0)))
	assert.InDelta(t, math.Pi/2, a.Yaw(), eps)
}

func TestRotationMatrixMatchesRotate(t *testing.T) {
	t.Parallel()
	tr := NewTransform(r3.Vec{}, AxisAngle(Vec(1, 2, 3), 0.7))
	m := tr.RotationMatrix()
	v := Vec(0.4, -1.5, 2)
	want := Rotate(tr.Rotation, v)
	got := Vec(
		m[0]*v.X+m[1]*v.Y+m[2]*v.Z,
		m[3]*v.X+m[4]*v.Y+m[5]*v.Z,
		m[6]*v.X+m[7]*v.Y+m[8]*v.Z,
	)
	assertVecNear(t, want, got)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Identity().Validate())
	bad := Transform{Rotation: quat.Number{Real: 2}}
	assert.Error(t, bad.Validate())
	nan := Transform{Translation: Vec(math.NaN(), 0, 0), Rotation: quat.Number{Real: 1}}
	assert.Error(t, nan.Validate())
}

func TestLogExpRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []Transform{
		Identity(),
		FromXYZ(2, 0, 0),
		FromXYYaw(1, 2, 0.3),
		NewTransform(Vec(-3, 0.2, 1), AxisAngle(Vec(1, 1, 0), 2.5)),
		NewTransform(Vec(0, 0, 1), AxisAngle(Vec(0, 0, 1), 1e-10)),
	}
	for _, tr := range cases {
		assertTransformNear(t, tr, Exp(Log(tr)))
	}
}

func TestInterpolateTranslationIsExact(t *testing.T) {
	t.Parallel()
	mid := Interpolate(Identity(), FromXYZ(2, 0, 0), 0.5)
	assert.Equal(t, 1.0, mid.Translation.X)
	assert.Equal(t, 0.0, mid.Translation.Y)
	assert.Equal(t, 0.0, mid.Translation.Z)
}

func TestInterpolateFollowsScrew(t *testing.T) {
	t.Parallel()
	// Quarter turn about +Z while moving along an arc: the midpoint of a
	// screw lies on the arc, not on the chord.
	a := Identity()
	b := FromXYYaw(1, 1, math.Pi/2)
	mid := Interpolate(a, b, 0.5)

	assert.InDelta(t, math.Pi/4, mid.Yaw(), 1e-9)
	chordMid := Vec(0.5, 0.5, 0)
	assert.Greater(t, r3.Norm(r3.Sub(mid.Translation, chordMid)), 0.01)
}

func TestInterpolateClamps(t *testing.T) {
	t.Parallel()
	a := FromXYZ(1, 0, 0)
	b := FromXYZ(3, 0, 0)
	assert.Equal(t, a, Interpolate(a, b, -1))
	assert.Equal(t, b, Interpolate(a, b, 7))
}
