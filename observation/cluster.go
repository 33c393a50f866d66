// Package observation persists the visual observations (clusters) seen by the loop closer so
// they can be read back by id without keeping the whole history in memory.
package observation

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/melights/stereo-slam/spatialmath"
	"github.com/melights/stereo-slam/vision/keypoints"
)

// Cluster is one visual observation. KeyPoints, Descriptors and Points are positionally
// aligned: entry i of each describes the same feature. Points are in the camera frame and Pose
// takes them to the world frame. A cluster is never modified once stored.
type Cluster struct {
	ID          int
	FrameID     int
	Pose        spatialmath.Pose
	KeyPoints   keypoints.KeyPoints
	Descriptors keypoints.Descriptors
	Points      []r3.Vector
}

// Validate checks the alignment of the feature arrays.
func (c *Cluster) Validate() error {
	if c == nil {
		return errors.New("nil cluster")
	}
	if c.Pose == nil {
		return errors.Errorf("cluster %d has no pose", c.ID)
	}
	if len(c.KeyPoints) != len(c.Descriptors) || len(c.Points) != len(c.Descriptors) {
		return errors.Errorf("cluster %d is misaligned: %d keypoints, %d descriptors, %d points",
			c.ID, len(c.KeyPoints), len(c.Descriptors), len(c.Points))
	}
	if _, err := c.Descriptors.Dimension(); err != nil {
		return errors.Wrapf(err, "cluster %d", c.ID)
	}
	return nil
}

// WorldPoint returns point i of the cluster in the world frame.
func (c *Cluster) WorldPoint(i int) r3.Vector {
	return spatialmath.TransformPoint(c.Pose, c.Points[i])
}
