// Package spatialmath defines spatial mathematical operations.
// Poses are rigid transforms stored as unit dual quaternions; orientations can be read back as a
// quaternion, a rotation matrix or a rotation vector (R3AA).
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// Orientation is an interface used to express the different parameterizations of a 3D rotation.
type Orientation interface {
	Quaternion() quat.Number
	RotationMatrix() *RotationMatrix
}

// Quaternion is an orientation in quaternion representation.
type Quaternion quat.Number

// NewZeroOrientation returns the identity rotation.
func NewZeroOrientation() Orientation {
	return &Quaternion{Real: 1}
}

// Quaternion returns the normalized quaternion.
func (q *Quaternion) Quaternion() quat.Number {
	return Normalize(quat.Number(*q))
}

// RotationMatrix returns the orientation in rotation matrix representation.
func (q *Quaternion) RotationMatrix() *RotationMatrix {
	return QuatToRotationMatrix(q.Quaternion())
}

// R3AA is a rotation vector: the axis of rotation scaled by the rotation angle in radians.
type R3AA struct {
	RX float64 `json:"x"`
	RY float64 `json:"y"`
	RZ float64 `json:"z"`
}

// NewR3AAFromVector wraps a rotation vector.
func NewR3AAFromVector(v r3.Vector) *R3AA {
	return &R3AA{v.X, v.Y, v.Z}
}

// Quaternion converts the rotation vector to a unit quaternion.
func (r3aa *R3AA) Quaternion() quat.Number {
	theta := math.Sqrt(r3aa.RX*r3aa.RX + r3aa.RY*r3aa.RY + r3aa.RZ*r3aa.RZ)
	if theta < 1e-12 {
		return quat.Number{Real: 1}
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: r3aa.RX * s, Jmag: r3aa.RY * s, Kmag: r3aa.RZ * s}
}

// RotationMatrix returns the orientation in rotation matrix representation.
func (r3aa *R3AA) RotationMatrix() *RotationMatrix {
	return QuatToRotationMatrix(r3aa.Quaternion())
}

// Vector returns the rotation vector as an r3.Vector.
func (r3aa *R3AA) Vector() r3.Vector {
	return r3.Vector{X: r3aa.RX, Y: r3aa.RY, Z: r3aa.RZ}
}

// QuatToR3AA converts a quaternion to a rotation vector with angle in [0, pi].
func QuatToR3AA(q quat.Number) *R3AA {
	q = Normalize(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	norm := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if norm < 1e-12 {
		return &R3AA{}
	}
	theta := 2 * math.Atan2(norm, q.Real)
	return &R3AA{theta * q.Imag / norm, theta * q.Jmag / norm, theta * q.Kmag / norm}
}

// RotationMatrix is a 3x3 rotation matrix stored in row major order.
type RotationMatrix struct {
	mat [9]float64
}

// NewRotationMatrix creates a rotation matrix from 9 row major values. The values are not
// checked for orthonormality.
func NewRotationMatrix(data []float64) (*RotationMatrix, error) {
	if len(data) != 9 {
		return nil, errors.Errorf("rotation matrix needs 9 values, got %d", len(data))
	}
	var rm RotationMatrix
	copy(rm.mat[:], data)
	return &rm, nil
}

// At returns the value at row, col.
func (rm *RotationMatrix) At(row, col int) float64 {
	return rm.mat[row*3+col]
}

// Row returns the given row as a vector.
func (rm *RotationMatrix) Row(row int) r3.Vector {
	return r3.Vector{X: rm.mat[row*3], Y: rm.mat[row*3+1], Z: rm.mat[row*3+2]}
}

// Mul rotates v.
func (rm *RotationMatrix) Mul(v r3.Vector) r3.Vector {
	return r3.Vector{X: rm.Row(0).Dot(v), Y: rm.Row(1).Dot(v), Z: rm.Row(2).Dot(v)}
}

// Transpose returns the inverse rotation.
func (rm *RotationMatrix) Transpose() *RotationMatrix {
	var t RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.mat[j*3+i] = rm.mat[i*3+j]
		}
	}
	return &t
}

// RotationMatrix returns itself.
func (rm *RotationMatrix) RotationMatrix() *RotationMatrix {
	return rm
}

// Quaternion converts the matrix to a unit quaternion.
func (rm *RotationMatrix) Quaternion() quat.Number {
	m := func(i, j int) float64 { return rm.mat[i*3+j] }
	var q quat.Number
	switch tr := m(0, 0) + m(1, 1) + m(2, 2); {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{Real: s / 4, Imag: (m(2, 1) - m(1, 2)) / s, Jmag: (m(0, 2) - m(2, 0)) / s, Kmag: (m(1, 0) - m(0, 1)) / s}
	case m(0, 0) > m(1, 1) && m(0, 0) > m(2, 2):
		s := math.Sqrt(1+m(0, 0)-m(1, 1)-m(2, 2)) * 2
		q = quat.Number{Real: (m(2, 1) - m(1, 2)) / s, Imag: s / 4, Jmag: (m(0, 1) + m(1, 0)) / s, Kmag: (m(0, 2) + m(2, 0)) / s}
	case m(1, 1) > m(2, 2):
		s := math.Sqrt(1+m(1, 1)-m(0, 0)-m(2, 2)) * 2
		q = quat.Number{Real: (m(0, 2) - m(2, 0)) / s, Imag: (m(0, 1) + m(1, 0)) / s, Jmag: s / 4, Kmag: (m(1, 2) + m(2, 1)) / s}
	default:
		s := math.Sqrt(1+m(2, 2)-m(0, 0)-m(1, 1)) * 2
		q = quat.Number{Real: (m(1, 0) - m(0, 1)) / s, Imag: (m(0, 2) + m(2, 0)) / s, Jmag: (m(1, 2) + m(2, 1)) / s, Kmag: s / 4}
	}
	return Normalize(q)
}

// QuatToRotationMatrix converts a unit quaternion to a rotation matrix.
func QuatToRotationMatrix(q quat.Number) *RotationMatrix {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return &RotationMatrix{[9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}}
}

// Normalize scales q to unit length. The zero quaternion becomes the identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// OrientationBetweenAngle returns the angle in radians of the rotation taking a onto b.
func OrientationBetweenAngle(a, b Orientation) float64 {
	rel := quat.Mul(quat.Conj(a.Quaternion()), b.Quaternion())
	imag := math.Sqrt(rel.Imag*rel.Imag + rel.Jmag*rel.Jmag + rel.Kmag*rel.Kmag)
	return 2 * math.Atan2(imag, math.Abs(rel.Real))
}
