package spatialmath

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/dualquat"
	"gonum.org/v1/gonum/num/quat"
)

// dualQuaternion is a unit dual quaternion q = r + e*(t*r)/2 where r is the rotation and t
// the translation as a pure quaternion.
type dualQuaternion struct {
	dualquat.Number
}

// newDualQuaternion builds the dual quaternion for a rotation followed by a translation.
func newDualQuaternion(pt r3.Vector, q quat.Number) *dualQuaternion {
	q = Normalize(q)
	t := quat.Number{Imag: pt.X, Jmag: pt.Y, Kmag: pt.Z}
	return &dualQuaternion{dualquat.Number{
		Real: q,
		Dual: quat.Scale(0.5, quat.Mul(t, q)),
	}}
}

// Point recovers the translation, t = 2 * dual * conj(real).
func (q *dualQuaternion) Point() r3.Vector {
	t := quat.Scale(2, quat.Mul(q.Dual, quat.Conj(q.Real)))
	return r3.Vector{X: t.Imag, Y: t.Jmag, Z: t.Kmag}
}

// Orientation returns the rotation part.
func (q *dualQuaternion) Orientation() Orientation {
	rot := Quaternion(q.Real)
	return &rot
}

// Transformation multiplies the dual quat contained in this dualQuaternion by another dual quat.
// The result is rebuilt from its point and rotation so rounding error does not accumulate in
// the unit constraint.
func (q *dualQuaternion) Transformation(by dualquat.Number) *dualQuaternion {
	prod := &dualQuaternion{dualquat.Mul(q.Number, by)}
	return newDualQuaternion(prod.Point(), prod.Real)
}

// Invert returns the inverse transform: rotation conj(r), translation -conj(r) t r.
func (q *dualQuaternion) Invert() *dualQuaternion {
	inv := quat.Conj(q.Real)
	pt := q.Point()
	t := quat.Mul(quat.Mul(inv, quat.Number{Imag: pt.X, Jmag: pt.Y, Kmag: pt.Z}), q.Real)
	return newDualQuaternion(r3.Vector{X: -t.Imag, Y: -t.Jmag, Z: -t.Kmag}, inv)
}
