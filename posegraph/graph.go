// Package posegraph holds the pose graph built from odometry frames and loop closures, and
// the pipeline that feeds it.
package posegraph

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/melights/stereo-slam/logging"
	"github.com/melights/stereo-slam/rimage/transform"
	"github.com/melights/stereo-slam/spatialmath"
)

// SequentialInliers is the inlier count given to edges between consecutive frames.
const SequentialInliers = 10000

// ErrVertexNotFound is returned when an edge references a vertex that does not exist.
var ErrVertexNotFound = errors.New("vertex not found")

// EdgeKind tells how an edge was produced.
type EdgeKind int

// The edge kinds.
const (
	SequentialEdge EdgeKind = iota
	LoopClosureEdge
)

func (k EdgeKind) String() string {
	switch k {
	case SequentialEdge:
		return "sequential"
	case LoopClosureEdge:
		return "loop_closure"
	default:
		return "unknown"
	}
}

// Vertex is one pose estimate of the camera in the world frame.
type Vertex struct {
	ID   int
	Pose spatialmath.Pose
}

// Edge constrains the pose of To relative to From.
type Edge struct {
	From      int
	To        int
	Transform spatialmath.Pose
	Inliers   int
	Kind      EdgeKind
}

// An Optimizer refines vertex poses given the edges between them. It returns one pose per
// vertex, in the order given.
type Optimizer interface {
	Optimize(ctx context.Context, vertices []Vertex, edges []Edge) ([]spatialmath.Pose, error)
}

// Graph is a pose graph safe for concurrent use. Vertex ids are assigned densely from 0.
type Graph struct {
	mu       sync.Mutex
	vertices []Vertex
	edges    []Edge
	// edge count when Optimize last copied the graph
	optimizedEdges int

	optimizer  Optimizer
	intrinsics *transform.PinholeCameraIntrinsics
	rejected   atomic.Int64
	logger     logging.Logger
}

// NewGraph returns an empty graph. intrinsics describe the camera the frames come from.
func NewGraph(intrinsics *transform.PinholeCameraIntrinsics, optimizer Optimizer, logger logging.Logger) *Graph {
	if optimizer == nil {
		optimizer = NewRelaxationOptimizer(RelaxationConfig{})
	}
	return &Graph{optimizer: optimizer, intrinsics: intrinsics, logger: logger}
}

// CameraIntrinsics returns the intrinsics of the camera the graph is built from.
func (g *Graph) CameraIntrinsics() *transform.PinholeCameraIntrinsics {
	return g.intrinsics
}

// AddVertex inserts a vertex and returns its id.
func (g *Graph) AddVertex(pose spatialmath.Pose) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := len(g.vertices)
	g.vertices = append(g.vertices, Vertex{ID: id, Pose: pose})
	return id
}

// AddEdge inserts a loop closure edge. Edges referencing unknown vertices are rejected and
// counted; the graph is left unchanged.
func (g *Graph) AddEdge(from, to int, tf spatialmath.Pose, inliers int) error {
	return g.addEdge(Edge{From: from, To: to, Transform: tf, Inliers: inliers, Kind: LoopClosureEdge})
}

func (g *Graph) addEdge(e Edge) error {
	g.mu.Lock()
	n := len(g.vertices)
	if e.From >= 0 && e.From < n && e.To >= 0 && e.To < n {
		g.edges = append(g.edges, e)
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	g.rejected.Inc()
	err := errors.Wrapf(ErrVertexNotFound, "%s edge %d -> %d with %d vertices", e.Kind, e.From, e.To, n)
	g.logger.Warnw("rejected edge", "from", e.From, "to", e.To, "kind", e.Kind.String(), "error", err)
	return err
}

// RejectedEdges returns how many edges were rejected so far.
func (g *Graph) RejectedEdges() int64 {
	return g.rejected.Load()
}

// Vertex returns the vertex with the given id.
func (g *Graph) Vertex(id int) (Vertex, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id < 0 || id >= len(g.vertices) {
		return Vertex{}, false
	}
	return g.vertices[id], true
}

// Vertices returns a copy of the vertices.
func (g *Graph) Vertices() []Vertex {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Vertex(nil), g.vertices...)
}

// Edges returns a copy of the edges.
func (g *Graph) Edges() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Edge(nil), g.edges...)
}

// HasNewEdges returns whether edges were added since the last optimization.
func (g *Graph) HasNewEdges() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges) > g.optimizedEdges
}

// Optimize refines the vertex poses. The lock is only held while copying the graph out and the
// results back, so vertices and edges can be added while the optimizer runs.
func (g *Graph) Optimize(ctx context.Context) error {
	g.mu.Lock()
	vertices := append([]Vertex(nil), g.vertices...)
	edges := append([]Edge(nil), g.edges...)
	g.optimizedEdges = len(edges)
	g.mu.Unlock()

	if len(vertices) < 2 || len(edges) == 0 {
		return nil
	}
	poses, err := g.optimizer.Optimize(ctx, vertices, edges)
	if err != nil {
		return errors.Wrap(err, "optimizing pose graph")
	}
	if len(poses) != len(vertices) {
		return errors.Errorf("optimizer returned %d poses for %d vertices", len(poses), len(vertices))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i, p := range poses {
		g.vertices[i].Pose = p
	}
	g.logger.Debugw("optimized pose graph", "vertices", len(vertices), "edges", len(edges))
	return nil
}
