package odometry

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/melights/stereo-slam/rimage/transform"
	"github.com/melights/stereo-slam/spatialmath"
)

var testIntrinsics = &transform.PinholeCameraIntrinsics{
	Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240,
}

// syntheticScene returns correspondences seen by a camera at camPose, the last nOutliers
// of them paired with random pixels.
func syntheticScene(rng *rand.Rand, camPose spatialmath.Pose, n, nOutliers int) []Correspondence {
	corrs := make([]Correspondence, 0, n)
	for i := 0; i < n; i++ {
		inCam := r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*3 - 1.5, Z: 4 + rng.Float64()*4}
		px, _ := testIntrinsics.Project(inCam)
		if i >= n-nOutliers {
			px = r2.Point{X: rng.Float64() * 640, Y: rng.Float64() * 480}
		}
		corrs = append(corrs, Correspondence{Pixel: px, Point: spatialmath.TransformPoint(camPose, inCam)})
	}
	return corrs
}

func TestPnPRansacRecoversPose(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	camPose := spatialmath.NewPose(r3.Vector{X: 0.5, Y: -0.3, Z: 1}, &spatialmath.R3AA{RX: 0.1, RY: -0.2, RZ: 0.05})
	corrs := syntheticScene(rng, camPose, 50, 10)

	cfg := PnPConfig{Iterations: 100, ReprojectionError: 1.3}
	res, err := PnPRansac{}.Estimate(corrs, testIntrinsics, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Inliers, test.ShouldHaveLength, 40)
	for _, idx := range res.Inliers {
		test.That(t, idx, test.ShouldBeLessThan, 40)
	}
	test.That(t, spatialmath.PoseAlmostEqualEps(res.Pose, camPose, 1e-6), test.ShouldBeTrue)
}

func TestPnPRansacDeterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	camPose := spatialmath.NewPoseFromPoint(r3.Vector{X: 2, Y: 0, Z: -1})
	corrs := syntheticScene(rng, camPose, 30, 12)

	cfg := PnPConfig{Iterations: 100, ReprojectionError: 1.3, Seed: 42}
	first, err := PnPRansac{}.Estimate(corrs, testIntrinsics, cfg)
	test.That(t, err, test.ShouldBeNil)
	second, err := PnPRansac{}.Estimate(corrs, testIntrinsics, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second.Inliers, test.ShouldResemble, first.Inliers)
	test.That(t, spatialmath.PoseAlmostEqual(first.Pose, second.Pose), test.ShouldBeTrue)
}

func TestPnPRansacMaxInliers(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	corrs := syntheticScene(rng, spatialmath.NewZeroPose(), 60, 0)

	res, err := PnPRansac{}.Estimate(corrs, testIntrinsics, PnPConfig{Iterations: 100, ReprojectionError: 1.3, MaxInliers: 10})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Inliers), test.ShouldBeGreaterThanOrEqualTo, 10)
}

func TestPnPRansacDegenerateInput(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	corrs := syntheticScene(rng, spatialmath.NewZeroPose(), 5, 0)

	_, err := PnPRansac{}.Estimate(corrs, testIntrinsics, PnPConfig{Iterations: 10, ReprojectionError: 1.3})
	test.That(t, errors.Is(err, ErrNotEnoughCorrespondences), test.ShouldBeTrue)

	_, err = PnPRansac{}.Estimate(syntheticScene(rng, spatialmath.NewZeroPose(), 10, 0), nil, PnPConfig{Iterations: 10})
	test.That(t, errors.Is(err, transform.ErrNoIntrinsics), test.ShouldBeTrue)

	// every pixel is noise: a result with few or no inliers, never an error
	noise := syntheticScene(rng, spatialmath.NewZeroPose(), 20, 20)
	res, err := PnPRansac{}.Estimate(noise, testIntrinsics, PnPConfig{Iterations: 50, ReprojectionError: 1.3})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Inliers), test.ShouldBeLessThan, 10)
}
