package spatialmath

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// defaultPoseEpsilon is the tolerance used by PoseAlmostEqual, in meters and radians.
const defaultPoseEpsilon = 1e-8

// Pose represents a 6dof pose, position and orientation, with respect to the origin.
// Applied to a point a pose first rotates it and then translates it.
type Pose interface {
	Point() r3.Vector
	Orientation() Orientation
}

// NewZeroPose returns a pose at (0,0,0) with the identity orientation.
func NewZeroPose() Pose {
	return newDualQuaternion(r3.Vector{}, quat.Number{Real: 1})
}

// NewPose takes in a position and orientation and returns a Pose.
func NewPose(p r3.Vector, o Orientation) Pose {
	if o == nil {
		return NewPoseFromPoint(p)
	}
	return newDualQuaternion(p, o.Quaternion())
}

// NewPoseFromPoint returns a pose with the given translation and no rotation.
func NewPoseFromPoint(p r3.Vector) Pose {
	return newDualQuaternion(p, quat.Number{Real: 1})
}

// NewPoseFromOrientation returns a pose with the given rotation and no translation.
func NewPoseFromOrientation(o Orientation) Pose {
	return NewPose(r3.Vector{}, o)
}

func toDualQuaternion(p Pose) *dualQuaternion {
	if dq, ok := p.(*dualQuaternion); ok {
		return dq
	}
	return newDualQuaternion(p.Point(), p.Orientation().Quaternion())
}

// Compose returns a pose equivalent to applying b and then a: Compose(a, b)(x) = a(b(x)).
func Compose(a, b Pose) Pose {
	return toDualQuaternion(a).Transformation(toDualQuaternion(b).Number)
}

// PoseInverse returns the inverse of a pose.
func PoseInverse(p Pose) Pose {
	return toDualQuaternion(p).Invert()
}

// PoseBetween returns the pose that takes a to b, so that Compose(a, PoseBetween(a, b)) == b.
func PoseBetween(a, b Pose) Pose {
	return Compose(PoseInverse(a), b)
}

// TransformPoint applies p to the point pt.
func TransformPoint(p Pose, pt r3.Vector) r3.Vector {
	q := p.Orientation().Quaternion()
	v := quat.Mul(quat.Mul(q, quat.Number{Imag: pt.X, Jmag: pt.Y, Kmag: pt.Z}), quat.Conj(q))
	return r3.Vector{X: v.Imag, Y: v.Jmag, Z: v.Kmag}.Add(p.Point())
}

// PoseAlmostEqual returns whether the two poses are within the default tolerance.
func PoseAlmostEqual(a, b Pose) bool {
	return PoseAlmostEqualEps(a, b, defaultPoseEpsilon)
}

// PoseAlmostEqualEps returns whether the translations differ by at most epsilon meters and the
// orientations by at most epsilon radians.
func PoseAlmostEqualEps(a, b Pose, epsilon float64) bool {
	if a.Point().Sub(b.Point()).Norm() > epsilon {
		return false
	}
	return OrientationBetweenAngle(a.Orientation(), b.Orientation()) <= epsilon
}

// PoseToString formats a pose as translation and quaternion.
func PoseToString(p Pose) string {
	pt := p.Point()
	q := p.Orientation().Quaternion()
	return fmt.Sprintf("{X:%.4f Y:%.4f Z:%.4f QW:%.4f QX:%.4f QY:%.4f QZ:%.4f}",
		pt.X, pt.Y, pt.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
}
