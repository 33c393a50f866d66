package loopclosing

import (
	"github.com/melights/stereo-slam/observation"
	"github.com/melights/stereo-slam/spatialmath"
)

// Hypothesis is a geometrically verified relation between the cluster being processed and an
// earlier one.
type Hypothesis struct {
	Query     *observation.Cluster
	Reference *observation.Cluster
	// Correspondences counts the matched keypoint and world point pairs.
	Correspondences int
	Inliers         int
	// Pose is the estimated world pose of the query camera.
	Pose spatialmath.Pose
	// Score is the fingerprint similarity of a hash candidate, 0 for neighborhood hypotheses.
	Score float64
}

// Transform returns the estimated pose of the query relative to the reference.
func (h Hypothesis) Transform() spatialmath.Pose {
	return spatialmath.PoseBetween(h.Reference.Pose, h.Pose)
}

// A Policy decides which verified hypotheses become graph edges.
type Policy interface {
	// AcceptNeighborhood decides on the motion estimated against the temporal neighbors. The
	// reference is the most recent neighbor that contributed matches.
	AcceptNeighborhood(h Hypothesis) bool
	// AcceptCandidate decides whether a hash candidate is a loop closure.
	AcceptCandidate(h Hypothesis) bool
}

// NoAcceptance never accepts a hypothesis. Verification still runs and is logged.
type NoAcceptance struct{}

// AcceptNeighborhood implements Policy.
func (NoAcceptance) AcceptNeighborhood(Hypothesis) bool { return false }

// AcceptCandidate implements Policy.
func (NoAcceptance) AcceptCandidate(Hypothesis) bool { return false }

// InlierPolicy accepts hypotheses with at least a minimum number of PnP inliers. A minimum of
// 0 leaves that path undecided and nothing is accepted on it.
type InlierPolicy struct {
	MinNeighborhoodInliers int
	MinCandidateInliers    int
}

// AcceptNeighborhood implements Policy.
func (p InlierPolicy) AcceptNeighborhood(h Hypothesis) bool {
	return p.MinNeighborhoodInliers > 0 && h.Inliers >= p.MinNeighborhoodInliers
}

// AcceptCandidate implements Policy.
func (p InlierPolicy) AcceptCandidate(h Hypothesis) bool {
	return p.MinCandidateInliers > 0 && h.Inliers >= p.MinCandidateInliers
}
