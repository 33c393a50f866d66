package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestComposeAndInverse(t *testing.T) {
	a := NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, &R3AA{RZ: math.Pi / 2})
	b := NewPose(r3.Vector{X: -4, Y: 0.5, Z: 2}, &R3AA{RX: 0.3, RY: -0.2})

	// a(b(x)) == Compose(a, b)(x)
	x := r3.Vector{X: 0.7, Y: -1.1, Z: 5}
	direct := TransformPoint(a, TransformPoint(b, x))
	composed := TransformPoint(Compose(a, b), x)
	test.That(t, direct.Sub(composed).Norm(), test.ShouldBeLessThan, 1e-9)

	test.That(t, PoseAlmostEqual(Compose(a, PoseInverse(a)), NewZeroPose()), test.ShouldBeTrue)
	test.That(t, PoseAlmostEqual(Compose(a, PoseBetween(a, b)), b), test.ShouldBeTrue)
}

func TestTransformPoint(t *testing.T) {
	p := NewPose(r3.Vector{X: 10, Y: 0, Z: 0}, &R3AA{RZ: math.Pi / 2})
	got := TransformPoint(p, r3.Vector{X: 1, Y: 0, Z: 0})
	test.That(t, got.X, test.ShouldAlmostEqual, 10)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1)
	test.That(t, got.Z, test.ShouldAlmostEqual, 0)

	test.That(t, TransformPoint(NewZeroPose(), r3.Vector{X: 1, Y: 2, Z: 3}), test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})
}

func TestPoseAlmostEqualEps(t *testing.T) {
	a := NewPoseFromPoint(r3.Vector{X: 1, Y: 1, Z: 1})
	b := NewPoseFromPoint(r3.Vector{X: 1, Y: 1, Z: 1.001})
	test.That(t, PoseAlmostEqual(a, b), test.ShouldBeFalse)
	test.That(t, PoseAlmostEqualEps(a, b, 0.01), test.ShouldBeTrue)

	c := NewPose(r3.Vector{X: 1, Y: 1, Z: 1}, &R3AA{RX: 0.1})
	test.That(t, PoseAlmostEqualEps(a, c, 0.01), test.ShouldBeFalse)
	test.That(t, PoseAlmostEqualEps(a, c, 0.11), test.ShouldBeTrue)
}

func TestOrientationConversions(t *testing.T) {
	for _, aa := range []*R3AA{
		{},
		{RX: 0.5},
		{RY: -2.1},
		{RX: 1, RY: 1, RZ: 1},
		{RZ: math.Pi - 1e-3},
	} {
		rm := aa.RotationMatrix()
		back := QuatToR3AA(rm.Quaternion())
		test.That(t, back.Vector().Sub(aa.Vector()).Norm(), test.ShouldBeLessThan, 1e-9)

		v := r3.Vector{X: 0.3, Y: -2, Z: 4}
		viaMatrix := rm.Mul(v)
		viaPose := TransformPoint(NewPoseFromOrientation(aa), v)
		test.That(t, viaMatrix.Sub(viaPose).Norm(), test.ShouldBeLessThan, 1e-9)

		inv := rm.Transpose().Mul(viaMatrix)
		test.That(t, inv.Sub(v).Norm(), test.ShouldBeLessThan, 1e-9)
	}
}

func TestNewRotationMatrix(t *testing.T) {
	_, err := NewRotationMatrix([]float64{1, 0, 0})
	test.That(t, err, test.ShouldNotBeNil)

	rm, err := NewRotationMatrix([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	test.That(t, err, test.ShouldBeNil)
	q := rm.Quaternion()
	test.That(t, q.Real, test.ShouldAlmostEqual, 1)
	test.That(t, rm.At(1, 1), test.ShouldEqual, 1.)
}
