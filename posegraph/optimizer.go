package posegraph

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"github.com/melights/stereo-slam/spatialmath"
)

const dofPerVertex = 6

// RelaxationConfig configures a RelaxationOptimizer.
type RelaxationConfig struct {
	// MaxIterations bounds the number of major iterations. 0 uses the default of 100.
	MaxIterations int
}

// RelaxationOptimizer minimizes the squared error of every edge over all vertex poses with
// L-BFGS. The first vertex is held fixed to anchor the graph. Each vertex is parameterized by
// its translation and rotation vector.
type RelaxationOptimizer struct {
	cfg RelaxationConfig
}

// NewRelaxationOptimizer returns a RelaxationOptimizer.
func NewRelaxationOptimizer(cfg RelaxationConfig) *RelaxationOptimizer {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}
	return &RelaxationOptimizer{cfg: cfg}
}

// Optimize implements Optimizer.
func (o *RelaxationOptimizer) Optimize(ctx context.Context, vertices []Vertex, edges []Edge) ([]spatialmath.Pose, error) {
	if len(vertices) == 0 {
		return nil, nil
	}
	index := make(map[int]int, len(vertices))
	for i, v := range vertices {
		index[v.ID] = i
	}
	for _, e := range edges {
		if _, ok := index[e.From]; !ok {
			return nil, errors.Wrapf(ErrVertexNotFound, "edge %d -> %d", e.From, e.To)
		}
		if _, ok := index[e.To]; !ok {
			return nil, errors.Wrapf(ErrVertexNotFound, "edge %d -> %d", e.From, e.To)
		}
	}
	if len(vertices) == 1 {
		return []spatialmath.Pose{vertices[0].Pose}, nil
	}

	r := newRelaxation(vertices, edges, index)
	x0 := r.initial()
	initial := r.cost(x0)

	problem := optimize.Problem{
		Func: r.cost,
		Grad: r.gradient,
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
	result, err := optimize.Minimize(problem, x0, &optimize.Settings{MajorIterations: o.cfg.MaxIterations}, &optimize.LBFGS{})
	// line searches commonly fail once the finite difference gradient stops improving; any
	// result no worse than the start is kept
	if result == nil || result.F > initial || ctx.Err() != nil {
		if err == nil {
			err = errors.New("optimization did not improve the graph")
		}
		return nil, err
	}
	return r.poses(result.X), nil
}

// relaxation is the least squares problem over every vertex but the first, which is fixed.
// x holds dofPerVertex parameters per free vertex.
type relaxation struct {
	vertices     []Vertex
	edges        []Edge
	index        map[int]int
	anchorParams []float64
}

func newRelaxation(vertices []Vertex, edges []Edge, index map[int]int) *relaxation {
	r := &relaxation{vertices: vertices, edges: edges, index: index, anchorParams: make([]float64, dofPerVertex)}
	encodePose(vertices[0].Pose, r.anchorParams)
	return r
}

func (r *relaxation) initial() []float64 {
	x := make([]float64, dofPerVertex*(len(r.vertices)-1))
	for i, v := range r.vertices[1:] {
		encodePose(v.Pose, x[i*dofPerVertex:])
	}
	return x
}

// params returns the parameters of vertex i.
func (r *relaxation) params(x []float64, i int) []float64 {
	if i == 0 {
		return r.anchorParams
	}
	return x[(i-1)*dofPerVertex : i*dofPerVertex]
}

func (r *relaxation) poses(x []float64) []spatialmath.Pose {
	out := make([]spatialmath.Pose, len(r.vertices))
	out[0] = r.vertices[0].Pose
	for i := 1; i < len(r.vertices); i++ {
		out[i] = decodePose(r.params(x, i))
	}
	return out
}

func (r *relaxation) cost(x []float64) float64 {
	poses := r.poses(x)
	var sum float64
	for _, e := range r.edges {
		sum += edgeError(poses[r.index[e.From]], poses[r.index[e.To]], e.Transform)
	}
	return sum
}

// gradient accumulates the gradient of cost one edge at a time. An edge only depends on the
// parameters of its two vertices, so each one is differentiated over those alone and a pass
// is linear in the number of edges.
func (r *relaxation) gradient(grad, x []float64) {
	for i := range grad {
		grad[i] = 0
	}
	settings := &fd.Settings{Formula: fd.Central}
	local := make([]float64, 2*dofPerVertex)
	localGrad := make([]float64, 2*dofPerVertex)
	for _, e := range r.edges {
		from, to := r.index[e.From], r.index[e.To]
		copy(local[:dofPerVertex], r.params(x, from))
		copy(local[dofPerVertex:], r.params(x, to))
		measured := e.Transform
		fd.Gradient(localGrad, func(p []float64) float64 {
			return edgeError(decodePose(p[:dofPerVertex]), decodePose(p[dofPerVertex:]), measured)
		}, local, settings)
		r.accumulate(grad, from, localGrad[:dofPerVertex])
		r.accumulate(grad, to, localGrad[dofPerVertex:])
	}
}

// accumulate adds g to the gradient of vertex i. The anchor has no parameters.
func (r *relaxation) accumulate(grad []float64, i int, g []float64) {
	if i == 0 {
		return
	}
	dst := grad[(i-1)*dofPerVertex : i*dofPerVertex]
	for k, v := range g {
		dst[k] += v
	}
}

func encodePose(p spatialmath.Pose, dst []float64) {
	pt := p.Point()
	rv := spatialmath.QuatToR3AA(p.Orientation().Quaternion()).Vector()
	copy(dst, []float64{pt.X, pt.Y, pt.Z, rv.X, rv.Y, rv.Z})
}

func decodePose(x []float64) spatialmath.Pose {
	return spatialmath.NewPose(
		r3.Vector{X: x[0], Y: x[1], Z: x[2]},
		spatialmath.NewR3AAFromVector(r3.Vector{X: x[3], Y: x[4], Z: x[5]}),
	)
}

// edgeError is the squared norm of the difference between the measured and the current
// relative transform, as translation plus rotation vector.
func edgeError(from, to, measured spatialmath.Pose) float64 {
	diff := spatialmath.PoseBetween(measured, spatialmath.PoseBetween(from, to))
	rv := spatialmath.QuatToR3AA(diff.Orientation().Quaternion()).Vector()
	return diff.Point().Norm2() + rv.Norm2()
}

// GraphError returns the total squared edge error of a graph.
func GraphError(vertices []Vertex, edges []Edge) float64 {
	byID := make(map[int]spatialmath.Pose, len(vertices))
	for _, v := range vertices {
		byID[v.ID] = v.Pose
	}
	var sum float64
	for _, e := range edges {
		from, ok1 := byID[e.From]
		to, ok2 := byID[e.To]
		if ok1 && ok2 {
			sum += edgeError(from, to, e.Transform)
		}
	}
	return sum
}
