// Package odometry estimates camera motion from 2D-3D correspondences.
package odometry

import (
	"math"
	"math/rand/v2"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/melights/stereo-slam/rimage/transform"
	"github.com/melights/stereo-slam/spatialmath"
)

// minimalSet is the number of correspondences the linear PnP solver needs.
const minimalSet = 6

// ErrNotEnoughCorrespondences is returned when fewer correspondences than the minimal set are given.
var ErrNotEnoughCorrespondences = errors.New("not enough 2D-3D correspondences to estimate a pose")

// Correspondence pairs an observed pixel with the 3D point it is the image of.
type Correspondence struct {
	Pixel r2.Point
	Point r3.Vector
}

// PnPConfig contains the parameters of the RANSAC pose estimation.
type PnPConfig struct {
	Iterations        int     `json:"iterations"`
	ReprojectionError float64 `json:"reprojection_error_px"`
	// MaxInliers stops the search once a model has this many inliers. Zero disables it.
	MaxInliers int    `json:"max_inliers"`
	Seed       uint64 `json:"seed"`
}

// PnPResult is the result of a pose estimation.
type PnPResult struct {
	// Pose is the pose of the camera expressed in the frame of the 3D points.
	Pose    spatialmath.Pose
	Inliers []int
}

// PnPRansac estimates a camera pose from correspondences with a linear PnP solver inside RANSAC.
type PnPRansac struct{}

// extrinsics maps points of the reference frame into the camera frame: x = R*X + t.
type extrinsics struct {
	rot   *spatialmath.RotationMatrix
	trans r3.Vector
}

func (e *extrinsics) apply(pt r3.Vector) r3.Vector {
	return e.rot.Mul(pt).Add(e.trans)
}

// cameraPose returns the inverse of the extrinsics, the camera in the reference frame.
func (e *extrinsics) cameraPose() spatialmath.Pose {
	rt := e.rot.Transpose()
	return spatialmath.NewPose(rt.Mul(e.trans).Mul(-1), rt)
}

// Estimate runs RANSAC over the correspondences. A result with zero inliers is not an error.
func (PnPRansac) Estimate(
	corrs []Correspondence,
	intrinsics *transform.PinholeCameraIntrinsics,
	cfg PnPConfig,
) (*PnPResult, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	if len(corrs) < minimalSet {
		return nil, errors.Wrapf(ErrNotEnoughCorrespondences, "got %d, need %d", len(corrs), minimalSet)
	}
	normalized := make([]r2.Point, len(corrs))
	for i, c := range corrs {
		normalized[i] = intrinsics.NormalizedCoordinates(c.Pixel)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(len(corrs))))
	sample := make([]int, len(corrs))
	for i := range sample {
		sample[i] = i
	}

	var best *extrinsics
	var bestInliers []int
	for it := 0; it < cfg.Iterations; it++ {
		// partial Fisher-Yates: the first minimalSet entries become the sample
		for i := 0; i < minimalSet; i++ {
			j := i + rng.IntN(len(sample)-i)
			sample[i], sample[j] = sample[j], sample[i]
		}
		model, err := solveLinearPnP(corrs, normalized, sample[:minimalSet])
		if err != nil {
			continue
		}
		if inliers := findInliers(model, corrs, intrinsics, cfg.ReprojectionError); len(inliers) > len(bestInliers) {
			best, bestInliers = model, inliers
		}
		if cfg.MaxInliers > 0 && len(bestInliers) >= cfg.MaxInliers {
			break
		}
	}
	if best == nil {
		return &PnPResult{Pose: spatialmath.NewZeroPose()}, nil
	}

	if len(bestInliers) >= minimalSet {
		if refined, err := solveLinearPnP(corrs, normalized, bestInliers); err == nil {
			if inliers := findInliers(refined, corrs, intrinsics, cfg.ReprojectionError); len(inliers) >= len(bestInliers) {
				best, bestInliers = refined, inliers
			}
		}
	}
	return &PnPResult{Pose: best.cameraPose(), Inliers: bestInliers}, nil
}

func findInliers(
	model *extrinsics,
	corrs []Correspondence,
	intrinsics *transform.PinholeCameraIntrinsics,
	threshold float64,
) []int {
	var inliers []int
	for i, c := range corrs {
		px, ok := intrinsics.Project(model.apply(c.Point))
		if !ok {
			continue
		}
		if px.Sub(c.Pixel).Norm() < threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// solveLinearPnP solves the direct linear transform for the projection matrix of the selected
// correspondences and projects its left 3x3 block onto the rotation group.
func solveLinearPnP(corrs []Correspondence, normalized []r2.Point, idx []int) (*extrinsics, error) {
	// condition the 3D points: zero centroid, mean distance sqrt(3)
	var centroid r3.Vector
	for _, i := range idx {
		centroid = centroid.Add(corrs[i].Point)
	}
	centroid = centroid.Mul(1 / float64(len(idx)))
	var meanDist float64
	for _, i := range idx {
		meanDist += corrs[i].Point.Sub(centroid).Norm()
	}
	meanDist /= float64(len(idx))
	if meanDist < 1e-12 {
		return nil, errors.New("degenerate point configuration")
	}
	scale := math.Sqrt(3) / meanDist

	a := mat.NewDense(2*len(idx), 12, nil)
	for row, i := range idx {
		p := corrs[i].Point.Sub(centroid).Mul(scale)
		x, y := normalized[i].X, normalized[i].Y
		a.SetRow(2*row, []float64{p.X, p.Y, p.Z, 1, 0, 0, 0, 0, -x * p.X, -x * p.Y, -x * p.Z, -x})
		a.SetRow(2*row+1, []float64{0, 0, 0, 0, p.X, p.Y, p.Z, 1, -y * p.X, -y * p.Y, -y * p.Z, -y})
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.New("failed to factorize the DLT system")
	}
	var v mat.Dense
	svd.VTo(&v)
	p := mat.Col(nil, 11, &v)

	// undo the conditioning: P = P' * T
	m := mat.NewDense(3, 3, nil)
	var p4 r3.Vector
	for r := 0; r < 3; r++ {
		row := r3.Vector{X: p[4*r], Y: p[4*r+1], Z: p[4*r+2]}
		m.SetRow(r, []float64{scale * row.X, scale * row.Y, scale * row.Z})
		last := p[4*r+3] - scale*row.Dot(centroid)
		switch r {
		case 0:
			p4.X = last
		case 1:
			p4.Y = last
		default:
			p4.Z = last
		}
	}

	det := mat.Det(m)
	if math.Abs(det) < 1e-15 {
		return nil, errors.New("degenerate projection matrix")
	}
	sign := 1.
	if det < 0 {
		sign = -1
	}
	m.Scale(sign, m)

	var rsvd mat.SVD
	if ok := rsvd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize the rotation block")
	}
	var u, vt mat.Dense
	rsvd.UTo(&u)
	rsvd.VTo(&vt)
	var rot mat.Dense
	rot.Mul(&u, vt.T())
	values := rsvd.Values(nil)
	lambda := (values[0] + values[1] + values[2]) / 3

	rm, err := spatialmath.NewRotationMatrix(rot.RawMatrix().Data)
	if err != nil {
		return nil, err
	}
	return &extrinsics{rot: rm, trans: p4.Mul(sign / lambda)}, nil
}
