package loopclosing

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/melights/stereo-slam/hashindex"
	"github.com/melights/stereo-slam/observation"
	"github.com/melights/stereo-slam/vision/keypoints"
	"github.com/melights/stereo-slam/vision/odometry"
)

// Candidate is an older cluster ranked by fingerprint similarity.
type Candidate struct {
	ClusterID int
	Score     float64
}

// lookup reads a stored cluster. Missing and unreadable clusters are both treated as absent.
func (p *Pipeline) lookup(id int) (*observation.Cluster, bool) {
	c, err := p.store.Get(id)
	if err != nil {
		if !errors.Is(err, observation.ErrNotFound) {
			p.logger.Warnw("unable to read cluster", "cluster_id", id, "error", err)
		}
		return nil, false
	}
	return c, true
}

// match returns the correspondences between the keypoints of query and the world points of
// ref, or nil when too few of their descriptors match.
func (p *Pipeline) match(query, ref *observation.Cluster) []odometry.Correspondence {
	matches := p.matcher.Match(query.Descriptors, ref.Descriptors, p.cfg.MatchRatio)
	pct := keypoints.MatchFraction(len(matches), len(query.Descriptors), len(ref.Descriptors))
	if pct <= p.cfg.MinMatchPercent {
		return nil
	}
	corrs := make([]odometry.Correspondence, 0, len(matches))
	for _, m := range matches {
		corrs = append(corrs, odometry.Correspondence{
			Pixel: query.KeyPoints[m.Idx1],
			Point: ref.WorldPoint(m.Idx2),
		})
	}
	return corrs
}

// estimate runs the motion estimator on corrs. ok is false when no pose could be estimated.
func (p *Pipeline) estimate(query, ref *observation.Cluster, corrs []odometry.Correspondence) (Hypothesis, bool) {
	res, err := p.estimator.Estimate(corrs, p.graph.CameraIntrinsics(), p.cfg.PnP)
	if err != nil {
		if errors.Is(err, odometry.ErrNotEnoughCorrespondences) {
			p.logger.Debugw("skipping motion estimation", "cluster_id", query.ID, "reference_id", ref.ID, "error", err)
		} else {
			p.logger.Warnw("motion estimation failed", "cluster_id", query.ID, "reference_id", ref.ID, "error", err)
		}
		return Hypothesis{}, false
	}
	return Hypothesis{
		Query:           query,
		Reference:       ref,
		Correspondences: len(corrs),
		Inliers:         len(res.Inliers),
		Pose:            res.Pose,
	}, true
}

// searchNeighborhood matches c against up to NeighborWindow earlier clusters of other frames,
// pools the correspondences and estimates the camera motion from them. Clusters that cannot be
// read still count toward the window.
func (p *Pipeline) searchNeighborhood(c *observation.Cluster) {
	var corrs []odometry.Correspondence
	var closest *observation.Cluster
	examined := 0
	for id := c.ID - 1; id >= 0 && examined < p.cfg.NeighborWindow; id-- {
		neighbor, ok := p.lookup(id)
		if !ok {
			examined++
			continue
		}
		if neighbor.FrameID == c.FrameID {
			continue
		}
		examined++
		matched := p.match(c, neighbor)
		if matched == nil {
			continue
		}
		if closest == nil {
			closest = neighbor
		}
		corrs = append(corrs, matched...)
	}
	if closest == nil {
		return
	}

	h, ok := p.estimate(c, closest, corrs)
	if !ok {
		return
	}
	p.logger.Debugw("neighborhood motion",
		"cluster_id", c.ID, "neighbors", examined, "correspondences", len(corrs), "inliers", h.Inliers)
	if !p.policy.AcceptNeighborhood(h) {
		return
	}
	p.proposeEdge(h)
}

// Candidates returns the clusters most similar to queryID by fingerprint, best first, ties
// broken by lower id. Clusters within NeighborWindow ids of the query and clusters already
// closed with it are excluded, and nothing is returned until more than NeighborWindow clusters
// have been fingerprinted.
func (p *Pipeline) Candidates(queryID int) []Candidate {
	if p.table.Len() <= p.cfg.NeighborWindow {
		return nil
	}
	query, ok := p.table.Get(queryID)
	if !ok {
		return nil
	}
	excluded := p.closedWith(queryID)

	candidates := lo.FilterMap(p.table.Entries(), func(e hashindex.Entry, _ int) (Candidate, bool) {
		dist := queryID - e.ClusterID
		if dist < 0 {
			dist = -dist
		}
		if dist <= p.cfg.NeighborWindow || lo.Contains(excluded, e.ClusterID) {
			return Candidate{}, false
		}
		return Candidate{ClusterID: e.ClusterID, Score: hashindex.Similarity(query, e.Fingerprint)}, true
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ClusterID < candidates[j].ClusterID
	})
	if len(candidates) > p.cfg.NumCandidates {
		candidates = candidates[:p.cfg.NumCandidates]
	}
	return candidates
}

// closedWith returns the ids already confirmed as loop closures with id, in either direction.
func (p *Pipeline) closedWith(id int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo.FilterMap(p.records, func(r Record, _ int) (int, bool) {
		switch id {
		case r.A:
			return r.B, true
		case r.B:
			return r.A, true
		default:
			return 0, false
		}
	})
}

// verifyCandidates verifies each candidate in rank order the same way as the neighborhood and
// records the first one the policy accepts as a loop closure.
func (p *Pipeline) verifyCandidates(c *observation.Cluster, candidates []Candidate) {
	for _, cand := range candidates {
		ref, ok := p.lookup(cand.ClusterID)
		if !ok {
			continue
		}
		corrs := p.match(c, ref)
		if corrs == nil {
			continue
		}
		h, ok := p.estimate(c, ref, corrs)
		if !ok {
			continue
		}
		h.Score = cand.Score
		p.logger.Debugw("verified candidate",
			"cluster_id", c.ID, "candidate_id", ref.ID, "score", cand.Score, "inliers", h.Inliers)
		if !p.policy.AcceptCandidate(h) {
			continue
		}

		p.mu.Lock()
		p.records = append(p.records, Record{A: ref.ID, B: c.ID})
		p.mu.Unlock()
		total := p.closings.Inc()
		p.logger.Infow("loop closure", "cluster_id", c.ID, "candidate_id", ref.ID, "inliers", h.Inliers, "total", total)
		p.proposeEdge(h)
		return
	}
}

func (p *Pipeline) proposeEdge(h Hypothesis) {
	if err := p.graph.AddEdge(h.Reference.FrameID, h.Query.FrameID, h.Transform(), h.Inliers); err != nil {
		p.logger.Warnw("edge proposal rejected",
			"from_frame", h.Reference.FrameID, "to_frame", h.Query.FrameID, "error", err)
	}
}
