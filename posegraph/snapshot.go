package posegraph

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/melights/stereo-slam/spatialmath"
)

const partSuffix = ".part"

// information matrix written for every edge: the upper triangle of a 6x6 identity
const identityInformation = "1 0 0 0 0 0 1 0 0 0 0 1 0 0 0 1 0 0 1 0 1"

// SaveSnapshot writes the graph in g2o format to path. The file is written next to path and
// renamed into place, so readers never see a partial snapshot.
func (g *Graph) SaveSnapshot(path string) (err error) {
	g.mu.Lock()
	vertices := append([]Vertex(nil), g.vertices...)
	edges := append([]Edge(nil), g.edges...)
	g.mu.Unlock()

	//nolint:gosec
	f, err := os.Create(path + partSuffix)
	if err != nil {
		return errors.Wrap(err, "creating graph snapshot")
	}
	defer func() {
		if err != nil {
			//nolint:errcheck
			os.Remove(path + partSuffix)
		}
	}()

	w := bufio.NewWriter(f)
	err = multierr.Combine(WriteG2O(w, vertices, edges), w.Flush(), f.Close())
	if err != nil {
		return errors.Wrap(err, "writing graph snapshot")
	}
	return errors.Wrap(os.Rename(path+partSuffix, path), "saving graph snapshot")
}

// WriteG2O writes vertices and edges as g2o VERTEX_SE3:QUAT and EDGE_SE3:QUAT lines. The first
// vertex is marked fixed.
func WriteG2O(w io.Writer, vertices []Vertex, edges []Edge) error {
	for _, v := range vertices {
		if _, err := fmt.Fprintf(w, "VERTEX_SE3:QUAT %d %s\n", v.ID, g2oPose(v.Pose)); err != nil {
			return err
		}
	}
	if len(vertices) > 0 {
		if _, err := fmt.Fprintf(w, "FIX %d\n", vertices[0].ID); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if _, err := fmt.Fprintf(w, "EDGE_SE3:QUAT %d %d %s %s\n", e.From, e.To, g2oPose(e.Transform), identityInformation); err != nil {
			return err
		}
	}
	return nil
}

// g2oPose formats a pose as "x y z qx qy qz qw".
func g2oPose(p spatialmath.Pose) string {
	pt := p.Point()
	q := p.Orientation().Quaternion()
	return fmt.Sprintf("%g %g %g %g %g %g %g", pt.X, pt.Y, pt.Z, q.Imag, q.Jmag, q.Kmag, q.Real)
}
