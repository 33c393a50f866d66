// Package mapping wires the pose graph and loop closing pipelines into one mapper process.
package mapping

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/melights/stereo-slam/config"
	"github.com/melights/stereo-slam/hashindex"
	"github.com/melights/stereo-slam/logging"
	"github.com/melights/stereo-slam/loopclosing"
	"github.com/melights/stereo-slam/observation"
	"github.com/melights/stereo-slam/posegraph"
	"github.com/melights/stereo-slam/utils"
)

// Mapper owns the pose graph and both pipelines feeding it.
type Mapper struct {
	cfg         *config.Config
	store       *observation.Store
	graph       *posegraph.Graph
	ingester    *posegraph.Ingester
	loopClosing *loopclosing.Pipeline

	framesAdded   atomic.Int64
	clustersAdded atomic.Int64

	mu      sync.Mutex
	workers *utils.Workers
	closed  bool

	logger logging.Logger
}

// New prepares the working area and builds the mapper. Nothing runs until Start. A working area
// that cannot be created is logged and the mapper runs without stored clusters.
func New(cfg *config.Config, logger logging.Logger) (*Mapper, error) {
	if err := cfg.Validate("mapper"); err != nil {
		return nil, err
	}
	records := newRecordStore(cfg, logger.Sublogger("observations"))
	store, err := observation.NewStore(records, observation.StoreConfig{
		CacheSize: cfg.ClusterCacheSize,
		Compress:  cfg.CompressRecords,
	}, logger.Sublogger("observations"))
	if err != nil {
		return nil, multierr.Combine(err, records.Close())
	}

	graph := posegraph.NewGraph(
		cfg.Intrinsics,
		posegraph.NewRelaxationOptimizer(posegraph.RelaxationConfig{MaxIterations: cfg.OptimizerIterations}),
		logger.Sublogger("graph"),
	)
	ingester := posegraph.NewIngester(graph, posegraph.IngesterConfig{
		PollInterval:     cfg.PollInterval,
		OptimizeInterval: cfg.OptimizeInterval,
		SnapshotPath:     cfg.GraphSnapshotPath,
	}, logger.Sublogger("ingest"))

	lc := cfg.LoopClosing
	pipeline, err := loopclosing.NewPipeline(loopclosing.Config{
		NeighborWindow:  lc.NeighborWindow,
		MatchRatio:      lc.MatchRatio,
		MinMatchPercent: lc.MinMatchPercent,
		NumCandidates:   lc.NumCandidates,
		PnP:             lc.PnP,
		PollInterval:    cfg.PollInterval,
	}, loopclosing.Dependencies{
		Store: store,
		Graph: graph,
		Index: hashindex.NewIndex(hashindex.Config{NumProjections: cfg.Hash.NumProjections, Seed: cfg.Hash.Seed}),
		Policy: loopclosing.InlierPolicy{
			MinNeighborhoodInliers: lc.MinNeighborhoodInliers,
			MinCandidateInliers:    lc.MinCandidateInliers,
		},
	}, logger.Sublogger("loop_closing"))
	if err != nil {
		return nil, multierr.Combine(err, store.Close())
	}

	return &Mapper{
		cfg:         cfg,
		store:       store,
		graph:       graph,
		ingester:    ingester,
		loopClosing: pipeline,
		logger:      logger,
	}, nil
}

func newRecordStore(cfg *config.Config, logger logging.Logger) observation.RecordStore {
	if cfg.RecordStore == config.RecordStoreBadger {
		s, err := observation.NewBadgerRecordStore(cfg.WorkingDirectory, logger)
		if err == nil {
			return s
		}
		logger.Errorw("unable to open record database, falling back to files", "error", err)
	}
	return observation.NewDirRecordStore(cfg.WorkingDirectory, logger)
}

// Graph returns the pose graph.
func (m *Mapper) Graph() *posegraph.Graph {
	return m.graph
}

// LoopClosing returns the loop closing pipeline.
func (m *Mapper) LoopClosing() *loopclosing.Pipeline {
	return m.loopClosing
}

// AddFrame queues an odometry frame.
func (m *Mapper) AddFrame(f posegraph.Frame) {
	m.framesAdded.Inc()
	m.ingester.Enqueue(f)
}

// AddCluster queues a cluster and returns the id it was given.
func (m *Mapper) AddCluster(c observation.Cluster) int {
	m.clustersAdded.Inc()
	return m.loopClosing.AddCluster(c)
}

// Start launches both pipelines. It is a no-op if they are already running.
func (m *Mapper) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mapper is closed")
	}
	if m.workers != nil {
		return nil
	}
	m.workers = utils.NewWorkers(m.logger.Sublogger("workers"))
	m.workers.Go("ingest", m.ingester.Run)
	m.workers.Go("optimize", m.ingester.RunOptimization)
	m.workers.Go("loop_closing", m.loopClosing.Run)
	m.logger.Infow("mapper started", "working_directory", m.cfg.WorkingDirectory, "record_store", m.cfg.RecordStore)
	return nil
}

// Run starts the pipelines, blocks until ctx is done and closes the mapper.
func (m *Mapper) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return m.Close()
}

// Idle returns whether every frame and cluster added so far has been processed.
func (m *Mapper) Idle() bool {
	return m.ingester.Ingested() == m.framesAdded.Load() && m.loopClosing.Processed() == m.clustersAdded.Load()
}

// WaitForIdle blocks until Idle or ctx is done.
func (m *Mapper) WaitForIdle(ctx context.Context, pollInterval time.Duration) error {
	for !m.Idle() {
		if !goutils.SelectContextOrWait(ctx, pollInterval) {
			return ctx.Err()
		}
	}
	return nil
}

// Close stops the pipelines after their current iteration, removes the stored clusters, writes
// a last graph snapshot if configured and releases the store.
func (m *Mapper) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	workers := m.workers
	m.mu.Unlock()

	if workers != nil {
		workers.Stop()
	}
	err := m.store.Clear()
	if m.cfg.GraphSnapshotPath != "" {
		err = multierr.Combine(err, m.graph.SaveSnapshot(m.cfg.GraphSnapshotPath))
	}
	err = multierr.Combine(err, m.store.Close())
	m.logger.Infow("mapper stopped",
		"vertices", len(m.graph.Vertices()),
		"loop_closings", m.loopClosing.LoopClosings(),
		"rejected_edges", m.graph.RejectedEdges())
	return err
}
