package loopclosing

import (
	"testing"

	"go.viam.com/test"
)

func TestInlierPolicy(t *testing.T) {
	h := Hypothesis{Inliers: 25}

	test.That(t, NoAcceptance{}.AcceptNeighborhood(h), test.ShouldBeFalse)
	test.That(t, NoAcceptance{}.AcceptCandidate(h), test.ShouldBeFalse)

	// a zero minimum leaves the decision open
	undecided := InlierPolicy{}
	test.That(t, undecided.AcceptNeighborhood(h), test.ShouldBeFalse)
	test.That(t, undecided.AcceptCandidate(h), test.ShouldBeFalse)

	p := InlierPolicy{MinNeighborhoodInliers: 30, MinCandidateInliers: 25}
	test.That(t, p.AcceptNeighborhood(h), test.ShouldBeFalse)
	test.That(t, p.AcceptCandidate(h), test.ShouldBeTrue)
	h.Inliers = 30
	test.That(t, p.AcceptNeighborhood(h), test.ShouldBeTrue)
}
