package loopclosing

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"
	"go.viam.com/test"

	"github.com/melights/stereo-slam/logging"
	"github.com/melights/stereo-slam/observation"
	"github.com/melights/stereo-slam/posegraph"
	"github.com/melights/stereo-slam/spatialmath"
	"github.com/melights/stereo-slam/vision/keypoints"
)

// revisitScenario queues 20 clusters of unrelated features, except cluster 17 which sees 30 of
// the 50 features of cluster 2 from the same pose.
func revisitScenario(t *testing.T, p *Pipeline) {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	var clusters []observation.Cluster
	for i := 0; i < testFrames; i++ {
		if i == 17 {
			clusters = append(clusters, revisit(rng, clusters[2], i, clusters[2].Pose, 30, 20))
			continue
		}
		clusters = append(clusters, randomCluster(rng, i, randomPose(rng, i), testFeatures))
	}
	for i, c := range clusters {
		test.That(t, p.AddCluster(c), test.ShouldEqual, i)
	}
}

func TestLoopClosureEndToEnd(t *testing.T) {
	env := newTestEnv(t, logging.NewTestLogger(t), t.TempDir(), DefaultConfig(), InlierPolicy{MinCandidateInliers: 20})
	revisitScenario(t, env.pipeline)
	env.drain()

	test.That(t, env.pipeline.Processed(), test.ShouldEqual, int64(testFrames))
	test.That(t, env.pipeline.LoopClosings(), test.ShouldEqual, int64(1))
	test.That(t, env.pipeline.Records(), test.ShouldResemble, []Record{{A: 2, B: 17}})

	edges := env.graph.Edges()
	test.That(t, edges, test.ShouldHaveLength, 1)
	test.That(t, edges[0].From, test.ShouldEqual, 2)
	test.That(t, edges[0].To, test.ShouldEqual, 17)
	test.That(t, edges[0].Kind, test.ShouldEqual, posegraph.LoopClosureEdge)
	test.That(t, edges[0].Inliers, test.ShouldBeGreaterThanOrEqualTo, 30)
	// both clusters were taken from the same pose
	test.That(t, spatialmath.PoseAlmostEqualEps(edges[0].Transform, spatialmath.NewZeroPose(), 1e-6), test.ShouldBeTrue)
	test.That(t, env.graph.RejectedEdges(), test.ShouldEqual, int64(0))
}

func TestLoopClosureUndecidedPolicy(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	env := newTestEnv(t, logger, t.TempDir(), DefaultConfig(), nil)
	revisitScenario(t, env.pipeline)
	env.drain()

	// the candidate is verified but nothing decides to accept it
	verified := logs.FilterMessage("verified candidate").
		FilterField(zap.Int("cluster_id", 17)).
		FilterField(zap.Int("candidate_id", 2))
	test.That(t, verified.Len(), test.ShouldEqual, 1)
	test.That(t, env.pipeline.LoopClosings(), test.ShouldEqual, int64(0))
	test.That(t, env.graph.Edges(), test.ShouldBeEmpty)
}

func TestNeighborhoodSearch(t *testing.T) {
	policy := InlierPolicy{MinNeighborhoodInliers: 20}
	rng := rand.New(rand.NewPCG(3, 4))
	scene := randomCluster(rng, 0, randomPose(rng, 0), testFeatures)
	moved := spatialmath.Compose(scene.Pose, spatialmath.NewPoseFromPoint(r3.Vector{X: 0.2, Z: 0.1}))

	t.Run("matches earlier frames within the window", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.NeighborWindow = 2
		env := newTestEnv(t, logging.NewTestLogger(t), t.TempDir(), cfg, policy)
		env.pipeline.AddCluster(scene)
		env.pipeline.AddCluster(randomCluster(rng, 1, randomPose(rng, 1), testFeatures))
		env.pipeline.AddCluster(revisit(rng, scene, 2, moved, testFeatures, 0))
		env.drain()

		edges := env.graph.Edges()
		test.That(t, edges, test.ShouldHaveLength, 1)
		test.That(t, edges[0].From, test.ShouldEqual, 0)
		test.That(t, edges[0].To, test.ShouldEqual, 2)
		test.That(t, spatialmath.PoseAlmostEqualEps(edges[0].Transform, spatialmath.PoseBetween(scene.Pose, moved), 1e-6),
			test.ShouldBeTrue)
		// neighbors are not loop closures
		test.That(t, env.pipeline.LoopClosings(), test.ShouldEqual, int64(0))
	})

	t.Run("window excludes older frames", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.NeighborWindow = 1
		env := newTestEnv(t, logging.NewTestLogger(t), t.TempDir(), cfg, policy)
		env.pipeline.AddCluster(scene)
		env.pipeline.AddCluster(randomCluster(rng, 1, randomPose(rng, 1), testFeatures))
		env.pipeline.AddCluster(revisit(rng, scene, 2, moved, testFeatures, 0))
		env.drain()
		test.That(t, env.graph.Edges(), test.ShouldBeEmpty)
	})

	t.Run("same frame neighbors do not count", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.NeighborWindow = 1
		env := newTestEnv(t, logging.NewTestLogger(t), t.TempDir(), cfg, policy)
		env.pipeline.AddCluster(scene)
		env.pipeline.AddCluster(randomCluster(rng, 2, moved, testFeatures))
		env.pipeline.AddCluster(revisit(rng, scene, 2, moved, testFeatures, 0))
		env.drain()

		edges := env.graph.Edges()
		test.That(t, edges, test.ShouldHaveLength, 1)
		test.That(t, edges[0].From, test.ShouldEqual, 0)
		test.That(t, edges[0].To, test.ShouldEqual, 2)
	})
}

func TestCandidateExclusion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NeighborWindow = 2
	cfg.NumCandidates = 100
	env := newTestEnv(t, logging.NewTestLogger(t), t.TempDir(), cfg, nil)
	rng := rand.New(rand.NewPCG(5, 6))
	for i := 0; i < 14; i++ {
		env.pipeline.AddCluster(randomCluster(rng, i, randomPose(rng, i), testFeatures))
	}
	env.drain()

	ids := func(cands []Candidate) []int {
		out := make([]int, 0, len(cands))
		for _, c := range cands {
			out = append(out, c.ClusterID)
		}
		return out
	}
	test.That(t, ids(env.pipeline.Candidates(10)), test.ShouldContain, 3)
	test.That(t, ids(env.pipeline.Candidates(3)), test.ShouldContain, 10)

	env.pipeline.records = []Record{{A: 3, B: 10}}
	test.That(t, ids(env.pipeline.Candidates(10)), test.ShouldNotContain, 3)
	test.That(t, ids(env.pipeline.Candidates(3)), test.ShouldNotContain, 10)
	// other clusters are unaffected
	test.That(t, ids(env.pipeline.Candidates(11)), test.ShouldContain, 3)
}

func TestCandidateWindow(t *testing.T) {
	env := newTestEnv(t, logging.NewTestLogger(t), t.TempDir(), DefaultConfig(), nil)
	rng := rand.New(rand.NewPCG(7, 8))

	for i := 0; i < 10; i++ {
		env.pipeline.AddCluster(randomCluster(rng, i, randomPose(rng, i), testFeatures))
	}
	env.drain()
	// not more clusters than the window yet
	test.That(t, env.pipeline.Candidates(9), test.ShouldBeEmpty)

	for i := 10; i < 30; i++ {
		env.pipeline.AddCluster(randomCluster(rng, i%testFrames, randomPose(rng, i), testFeatures))
	}
	env.drain()
	test.That(t, env.pipeline.Candidates(100), test.ShouldBeEmpty)

	for _, query := range []int{29, 15, 0} {
		cands := env.pipeline.Candidates(query)
		test.That(t, cands, test.ShouldHaveLength, 5)
		for _, c := range cands {
			dist := c.ClusterID - query
			if dist < 0 {
				dist = -dist
			}
			test.That(t, dist, test.ShouldBeGreaterThan, 10)
		}
		test.That(t, sort.SliceIsSorted(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score }), test.ShouldBeTrue)
	}
}

func TestUnusableWorkingArea(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	file := filepath.Join(t.TempDir(), "file")
	test.That(t, os.WriteFile(file, nil, 0o600), test.ShouldBeNil)
	env := newTestEnv(t, logger, file, DefaultConfig(), InlierPolicy{MinNeighborhoodInliers: 1, MinCandidateInliers: 1})

	revisitScenario(t, env.pipeline)
	env.drain()

	test.That(t, env.pipeline.Processed(), test.ShouldEqual, int64(testFrames))
	test.That(t, logs.FilterMessage("unable to persist cluster").Len(), test.ShouldEqual, testFrames)
	test.That(t, env.pipeline.table.Len(), test.ShouldEqual, testFrames)
	// fingerprints stay searchable even though nothing can be verified
	test.That(t, env.pipeline.Candidates(17), test.ShouldHaveLength, 5)
	test.That(t, env.pipeline.Candidates(17)[0].ClusterID, test.ShouldEqual, 2)
	test.That(t, env.pipeline.LoopClosings(), test.ShouldEqual, int64(0))
}

func TestRejectsDescriptorDimensionChange(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	env := newTestEnv(t, logger, t.TempDir(), DefaultConfig(), nil)
	rng := rand.New(rand.NewPCG(9, 10))

	env.pipeline.AddCluster(randomCluster(rng, 0, randomPose(rng, 0), testFeatures))
	bad := randomCluster(rng, 1, randomPose(rng, 1), 5)
	for i := range bad.Descriptors {
		bad.Descriptors[i] = bad.Descriptors[i][:testDim/2]
	}
	badID := env.pipeline.AddCluster(bad)
	env.pipeline.AddCluster(observation.Cluster{FrameID: 2})
	env.drain()

	test.That(t, env.pipeline.Processed(), test.ShouldEqual, int64(3))
	test.That(t, env.pipeline.table.Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("dropping cluster").Len(), test.ShouldEqual, 2)
	_, err := env.store.Get(badID)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEmptyFirstClusterDoesNotInitialize(t *testing.T) {
	env := newTestEnv(t, logging.NewTestLogger(t), t.TempDir(), DefaultConfig(), nil)
	env.pipeline.AddCluster(observation.Cluster{FrameID: 0, Pose: spatialmath.NewZeroPose(), Descriptors: keypoints.Descriptors{}})
	env.drain()
	test.That(t, env.pipeline.index.Initialized(), test.ShouldBeFalse)

	rng := rand.New(rand.NewPCG(1, 1))
	env.pipeline.AddCluster(randomCluster(rng, 1, randomPose(rng, 1), testFeatures))
	env.drain()
	test.That(t, env.pipeline.index.Dimension(), test.ShouldEqual, testDim)
}

func TestAddClusterConcurrentIDs(t *testing.T) {
	env := newTestEnv(t, logging.NewTestLogger(t), t.TempDir(), DefaultConfig(), nil)
	const producers, perProducer = 4, 25

	var mu sync.Mutex
	seen := map[int]bool{}
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				id := env.pipeline.AddCluster(observation.Cluster{FrameID: p})
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	test.That(t, seen, test.ShouldHaveLength, producers*perProducer)
	test.That(t, env.pipeline.QueueLen(), test.ShouldEqual, producers*perProducer)

	// queue order is id order
	for want := 0; want < producers*perProducer; want++ {
		c, ok := env.pipeline.queue.TryPop()
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, c.ID, test.ShouldEqual, want)
	}
}

func TestTelemetry(t *testing.T) {
	env := newTestEnv(t, logging.NewTestLogger(t), t.TempDir(), DefaultConfig(), InlierPolicy{MinCandidateInliers: 20})
	closings, cancelClosings := env.pipeline.LoopClosingsTopic().Subscribe(1)
	defer cancelClosings()
	depth, cancelDepth := env.pipeline.QueueDepthTopic().Subscribe(1)
	defer cancelDepth()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.pipeline.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	revisitScenario(t, env.pipeline)
	timeout := time.After(30 * time.Second)
	for {
		select {
		case n := <-closings:
			if n == 1 {
				select {
				case d := <-depth:
					test.That(t, d, test.ShouldBeGreaterThanOrEqualTo, int64(0))
				case <-timeout:
					t.Fatal("no queue depth published")
				}
				return
			}
		case <-timeout:
			t.Fatal("loop closure count never reached 1")
		}
	}
}
