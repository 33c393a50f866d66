package posegraph

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/melights/stereo-slam/logging"
	"github.com/melights/stereo-slam/spatialmath"
	"github.com/melights/stereo-slam/utils"
)

// DefaultPollInterval is how long an idle pipeline waits before checking its queue again.
const DefaultPollInterval = 2 * time.Millisecond

// Frame is one odometry pose estimate from the front end.
type Frame struct {
	Sequence  int
	Timestamp time.Time
	Pose      spatialmath.Pose
}

// IngesterConfig configures an Ingester.
type IngesterConfig struct {
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// OptimizeInterval is the minimum time between optimizations. 0 disables them.
	OptimizeInterval time.Duration
	// SnapshotPath, if set, receives a g2o snapshot after every optimization.
	SnapshotPath string
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// An Ingester turns queued frames into graph vertices joined by sequential edges, in FIFO
// order. RunOptimization periodically optimizes the graph on its own worker so ingestion never
// waits for the optimizer.
type Ingester struct {
	graph  *Graph
	queue  *utils.Queue[Frame]
	cfg    IngesterConfig
	logger logging.Logger

	// owned by the ingest worker
	prevID   int
	prevPose spatialmath.Pose

	// owned by the optimization worker
	lastOptimize time.Time

	ingested atomic.Int64
}

// NewIngester returns an Ingester feeding graph.
func NewIngester(graph *Graph, cfg IngesterConfig, logger logging.Logger) *Ingester {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Ingester{
		graph:        graph,
		queue:        utils.NewQueue[Frame](),
		cfg:          cfg,
		logger:       logger,
		prevID:       -1,
		lastOptimize: cfg.Clock.Now(),
	}
}

// Enqueue queues a frame. It never blocks and frames are never dropped.
func (in *Ingester) Enqueue(f Frame) {
	in.queue.Push(f)
}

// QueueLen returns the number of frames waiting.
func (in *Ingester) QueueLen() int {
	return in.queue.Len()
}

// Ingested returns how many frames became vertices.
func (in *Ingester) Ingested() int64 {
	return in.ingested.Load()
}

// Run consumes frames until ctx is done. It must only be called once at a time.
func (in *Ingester) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if in.step() {
			continue
		}
		if !goutils.SelectContextOrWait(ctx, in.cfg.PollInterval) {
			return
		}
	}
}

// step ingests at most one frame. It returns whether a frame was taken.
func (in *Ingester) step() bool {
	f, ok := in.queue.TryPop()
	if ok {
		in.ingest(f)
	}
	return ok
}

// RunOptimization optimizes the graph whenever OptimizeInterval has elapsed and new edges
// exist, until ctx is done. It returns immediately when optimization is disabled.
func (in *Ingester) RunOptimization(ctx context.Context) {
	if in.cfg.OptimizeInterval <= 0 {
		return
	}
	for ctx.Err() == nil {
		in.maybeOptimize(ctx)
		if !goutils.SelectContextOrWait(ctx, in.cfg.PollInterval) {
			return
		}
	}
}

func (in *Ingester) ingest(f Frame) {
	id := in.graph.AddVertex(f.Pose)
	if in.prevID >= 0 {
		//nolint:errcheck
		in.graph.addEdge(Edge{
			From:      in.prevID,
			To:        id,
			Transform: spatialmath.PoseBetween(in.prevPose, f.Pose),
			Inliers:   SequentialInliers,
			Kind:      SequentialEdge,
		})
	}
	in.prevID, in.prevPose = id, f.Pose
	in.ingested.Inc()
	in.logger.Debugw("added vertex", "vertex_id", id, "sequence", f.Sequence)
}

// maybeOptimize reports whether an optimization was attempted.
func (in *Ingester) maybeOptimize(ctx context.Context) bool {
	if in.cfg.OptimizeInterval <= 0 {
		return false
	}
	now := in.cfg.Clock.Now()
	if now.Sub(in.lastOptimize) < in.cfg.OptimizeInterval || !in.graph.HasNewEdges() {
		return false
	}
	in.lastOptimize = now
	if err := in.graph.Optimize(ctx); err != nil {
		in.logger.Warnw("pose graph optimization failed", "error", err)
		return true
	}
	if in.cfg.SnapshotPath != "" {
		if err := in.graph.SaveSnapshot(in.cfg.SnapshotPath); err != nil {
			in.logger.Warnw("unable to save graph snapshot", "path", in.cfg.SnapshotPath, "error", err)
		}
	}
	return true
}
