package loopclosing

import (
	"math/rand/v2"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/melights/stereo-slam/logging"
	"github.com/melights/stereo-slam/observation"
	"github.com/melights/stereo-slam/posegraph"
	"github.com/melights/stereo-slam/rimage/transform"
	"github.com/melights/stereo-slam/spatialmath"
	"github.com/melights/stereo-slam/vision/keypoints"
)

const (
	testDim      = 32
	testFeatures = 50
	testFrames   = 20
)

var testIntrinsics = &transform.PinholeCameraIntrinsics{
	Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240,
}

func randomDescriptor(rng *rand.Rand) keypoints.Descriptor {
	d := make(keypoints.Descriptor, testDim)
	for i := range d {
		d[i] = rng.NormFloat64()
	}
	return d
}

func randomPose(rng *rand.Rand, frameID int) spatialmath.Pose {
	return spatialmath.NewPose(
		r3.Vector{X: float64(frameID), Y: rng.Float64(), Z: rng.Float64()},
		spatialmath.NewR3AAFromVector(r3.Vector{Z: 0.2 * rng.Float64()}),
	)
}

// addFeature appends a feature at world point world as seen from the cluster pose.
func addFeature(c *observation.Cluster, world r3.Vector, desc keypoints.Descriptor) {
	inCam := spatialmath.TransformPoint(spatialmath.PoseInverse(c.Pose), world)
	px, _ := testIntrinsics.Project(inCam)
	c.KeyPoints = append(c.KeyPoints, px)
	c.Descriptors = append(c.Descriptors, desc)
	c.Points = append(c.Points, inCam)
}

// randomCluster returns a cluster of n features with unrelated descriptors in front of a
// camera at pose.
func randomCluster(rng *rand.Rand, frameID int, pose spatialmath.Pose, n int) observation.Cluster {
	c := observation.Cluster{FrameID: frameID, Pose: pose}
	for i := 0; i < n; i++ {
		inCam := r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*3 - 1.5, Z: 4 + rng.Float64()*4}
		addFeature(&c, spatialmath.TransformPoint(pose, inCam), randomDescriptor(rng))
	}
	return c
}

// revisit returns a cluster at pose seeing the first shared features of ref, padded with
// extra unrelated features.
func revisit(rng *rand.Rand, ref observation.Cluster, frameID int, pose spatialmath.Pose, shared, extra int) observation.Cluster {
	c := observation.Cluster{FrameID: frameID, Pose: pose}
	for i := 0; i < shared; i++ {
		addFeature(&c, ref.WorldPoint(i), ref.Descriptors[i])
	}
	padding := randomCluster(rng, frameID, pose, extra)
	c.KeyPoints = append(c.KeyPoints, padding.KeyPoints...)
	c.Descriptors = append(c.Descriptors, padding.Descriptors...)
	c.Points = append(c.Points, padding.Points...)
	return c
}

type testEnv struct {
	pipeline *Pipeline
	graph    *posegraph.Graph
	store    *observation.Store
}

func newTestEnv(t *testing.T, logger logging.Logger, workingDir string, cfg Config, policy Policy) *testEnv {
	t.Helper()
	store, err := observation.NewStore(
		observation.NewDirRecordStore(workingDir, logger),
		observation.StoreConfig{CacheSize: 4},
		logger,
	)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	})

	graph := posegraph.NewGraph(testIntrinsics, nil, logger)
	for i := 0; i < testFrames; i++ {
		graph.AddVertex(spatialmath.NewZeroPose())
	}
	p, err := NewPipeline(cfg, Dependencies{Store: store, Graph: graph, Policy: policy}, logger)
	test.That(t, err, test.ShouldBeNil)
	return &testEnv{pipeline: p, graph: graph, store: store}
}

func (env *testEnv) drain() {
	for env.pipeline.processNext() {
	}
}
