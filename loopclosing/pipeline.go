// Package loopclosing detects when the camera revisits a place. Clusters are fingerprinted and
// stored as they arrive; each new cluster is verified against its temporal neighbors and
// against the most similar older clusters, and accepted matches become pose graph edges.
package loopclosing

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/melights/stereo-slam/hashindex"
	"github.com/melights/stereo-slam/logging"
	"github.com/melights/stereo-slam/metrics"
	"github.com/melights/stereo-slam/observation"
	"github.com/melights/stereo-slam/rimage/transform"
	"github.com/melights/stereo-slam/spatialmath"
	"github.com/melights/stereo-slam/utils"
	"github.com/melights/stereo-slam/vision/keypoints"
	"github.com/melights/stereo-slam/vision/odometry"
)

// Topic names.
const (
	LoopClosingsTopic = "loop_closings"
	QueueDepthTopic   = "loop_closing_queue"
)

// Config holds the loop closing parameters.
type Config struct {
	// NeighborWindow is how many earlier clusters of other frames are matched against each new
	// one. Hash candidates this close in id are never considered.
	NeighborWindow int
	// MatchRatio is the ratio test threshold.
	MatchRatio float64
	// MinMatchPercent is the percentage of matched descriptors a cluster pair must exceed.
	MinMatchPercent int
	// NumCandidates is how many hash candidates are verified.
	NumCandidates int
	PnP           odometry.PnPConfig
	PollInterval  time.Duration
}

// DefaultConfig returns the default parameters.
func DefaultConfig() Config {
	return Config{
		NeighborWindow:  10,
		MatchRatio:      0.8,
		MinMatchPercent: 50,
		NumCandidates:   5,
		PnP: odometry.PnPConfig{
			Iterations:        100,
			ReprojectionError: 1.3,
			MaxInliers:        80,
		},
		PollInterval: 2 * time.Millisecond,
	}
}

// A Matcher matches two descriptor sets with a ratio test.
type Matcher interface {
	Match(desc1, desc2 keypoints.Descriptors, ratio float64) []keypoints.DescriptorMatch
}

// A MotionEstimator estimates the camera pose from 2D-3D correspondences.
type MotionEstimator interface {
	Estimate(
		corrs []odometry.Correspondence,
		intrinsics *transform.PinholeCameraIntrinsics,
		cfg odometry.PnPConfig,
	) (*odometry.PnPResult, error)
}

// An EdgeProposer receives accepted edges. Frame ids are used as vertex ids.
type EdgeProposer interface {
	AddEdge(from, to int, tf spatialmath.Pose, inliers int) error
	CameraIntrinsics() *transform.PinholeCameraIntrinsics
}

// Record is a confirmed loop closure between clusters A and B, A being the older one.
type Record struct {
	A, B int
}

// Dependencies are the collaborators of a Pipeline. Store and Graph are required.
type Dependencies struct {
	Store *observation.Store
	Graph EdgeProposer
	// Index defaults to a hashindex.Index with the default configuration.
	Index *hashindex.Index
	// Matcher defaults to keypoints.RatioMatcher.
	Matcher Matcher
	// Estimator defaults to odometry.PnPRansac.
	Estimator MotionEstimator
	// Policy defaults to NoAcceptance.
	Policy Policy
	// Topics are created when nil.
	LoopClosings *metrics.Topic[int64]
	QueueDepth   *metrics.Topic[int64]
}

// Pipeline is the loop closing worker. AddCluster may be called from any goroutine; Run must
// only be called once at a time.
type Pipeline struct {
	cfg       Config
	queue     *utils.Queue[*observation.Cluster]
	store     *observation.Store
	index     *hashindex.Index
	table     *hashindex.Table
	graph     EdgeProposer
	matcher   Matcher
	estimator MotionEstimator
	policy    Policy

	loopClosings *metrics.Topic[int64]
	queueDepth   *metrics.Topic[int64]

	mu      sync.Mutex
	records []Record

	closings  atomic.Int64
	processed atomic.Int64
	logger    logging.Logger
}

// NewPipeline returns a pipeline with an empty queue.
func NewPipeline(cfg Config, deps Dependencies, logger logging.Logger) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.New("loop closing requires an observation store")
	}
	if deps.Graph == nil {
		return nil, errors.New("loop closing requires a pose graph")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	p := &Pipeline{
		cfg:          cfg,
		queue:        utils.NewQueue[*observation.Cluster](),
		store:        deps.Store,
		index:        deps.Index,
		table:        hashindex.NewTable(),
		graph:        deps.Graph,
		matcher:      deps.Matcher,
		estimator:    deps.Estimator,
		policy:       deps.Policy,
		loopClosings: deps.LoopClosings,
		queueDepth:   deps.QueueDepth,
		logger:       logger,
	}
	if p.index == nil {
		p.index = hashindex.NewIndex(hashindex.Config{})
	}
	if p.matcher == nil {
		p.matcher = keypoints.RatioMatcher{}
	}
	if p.estimator == nil {
		p.estimator = odometry.PnPRansac{}
	}
	if p.policy == nil {
		p.policy = NoAcceptance{}
	}
	if p.loopClosings == nil {
		p.loopClosings = metrics.NewTopic[int64](LoopClosingsTopic)
	}
	if p.queueDepth == nil {
		p.queueDepth = metrics.NewTopic[int64](QueueDepthTopic)
	}
	return p, nil
}

// AddCluster queues a copy of c with the next cluster id and returns that id. Ids start at 0
// and follow queue order.
func (p *Pipeline) AddCluster(c observation.Cluster) int {
	return p.queue.PushSeq(func(seq int) *observation.Cluster {
		c.ID = seq
		return &c
	})
}

// QueueLen returns the number of clusters waiting.
func (p *Pipeline) QueueLen() int {
	return p.queue.Len()
}

// Processed returns how many clusters were taken off the queue.
func (p *Pipeline) Processed() int64 {
	return p.processed.Load()
}

// LoopClosings returns the number of confirmed loop closures.
func (p *Pipeline) LoopClosings() int64 {
	return p.closings.Load()
}

// Records returns the confirmed loop closures in the order they were found.
func (p *Pipeline) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Record(nil), p.records...)
}

// LoopClosingsTopic receives the number of loop closures on every iteration with subscribers.
func (p *Pipeline) LoopClosingsTopic() *metrics.Topic[int64] {
	return p.loopClosings
}

// QueueDepthTopic receives the queue length on every iteration with subscribers.
func (p *Pipeline) QueueDepthTopic() *metrics.Topic[int64] {
	return p.queueDepth
}

// Run processes clusters until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	for ctx.Err() == nil {
		busy := p.processNext()
		p.publishTelemetry()
		if busy {
			continue
		}
		if !goutils.SelectContextOrWait(ctx, p.cfg.PollInterval) {
			return
		}
	}
}

// processNext handles the oldest queued cluster, if any, and returns whether there was one.
func (p *Pipeline) processNext() bool {
	c, ok := p.queue.TryPop()
	if !ok {
		return false
	}
	defer p.processed.Inc()

	if err := p.ingest(c); err != nil {
		p.logger.Warnw("dropping cluster", "cluster_id", c.ID, "frame_id", c.FrameID, "error", err)
		return true
	}
	p.searchNeighborhood(c)
	p.verifyCandidates(c, p.Candidates(c.ID))
	return true
}

// ingest fingerprints and persists c. A cluster that cannot be fingerprinted is rejected
// before anything is stored; a storage failure only costs its later lookups.
func (p *Pipeline) ingest(c *observation.Cluster) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if !p.index.Initialized() {
		if err := p.index.Initialize(c.Descriptors); err != nil {
			return errors.Wrap(err, "initializing hash index")
		}
		p.logger.Infow("initialized hash index", "dimension", p.index.Dimension(), "cluster_id", c.ID)
	}
	fp, err := p.index.Fingerprint(c.Descriptors)
	if err != nil {
		return err
	}
	if err := p.store.Put(c); err != nil {
		p.logger.Warnw("unable to persist cluster", "cluster_id", c.ID, "error", err)
	}
	if !p.table.Append(c.ID, fp) {
		return errors.Errorf("cluster %d was already fingerprinted", c.ID)
	}
	return nil
}

func (p *Pipeline) publishTelemetry() {
	if p.loopClosings.NumSubscribers() > 0 {
		p.loopClosings.Publish(p.closings.Load())
	}
	if p.queueDepth.NumSubscribers() > 0 {
		p.queueDepth.Publish(int64(p.queue.Len()))
	}
}
