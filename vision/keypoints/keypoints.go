// Package keypoints contains the keypoint and descriptor types of a visual observation and the
// matching between two descriptor sets.
package keypoints

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

type (
	// KeyPoint is the sub-pixel image location of a feature.
	KeyPoint = r2.Point
	// KeyPoints is an ordered set of keypoints.
	KeyPoints []KeyPoint
	// Descriptor is the feature vector describing one keypoint.
	Descriptor []float64
	// Descriptors is an ordered set of descriptors, one row per keypoint.
	Descriptors []Descriptor
)

// Dimension returns the length of the descriptor rows, or 0 for an empty set. It errors when
// rows have different lengths.
func (d Descriptors) Dimension() (int, error) {
	if len(d) == 0 {
		return 0, nil
	}
	dim := len(d[0])
	for i, row := range d {
		if len(row) != dim {
			return 0, errors.Errorf("descriptor %d has dimension %d, expected %d", i, len(row), dim)
		}
	}
	return dim, nil
}

// Clone returns a deep copy of the descriptors.
func (d Descriptors) Clone() Descriptors {
	if d == nil {
		return nil
	}
	out := make(Descriptors, len(d))
	for i, row := range d {
		out[i] = append(Descriptor(nil), row...)
	}
	return out
}
