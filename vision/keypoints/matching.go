package keypoints

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// DescriptorMatch contains the index of a match in the first and second set of descriptors.
type DescriptorMatch struct {
	Idx1 int
	Idx2 int
}

// RatioMatcher matches descriptors with Lowe's ratio test on the euclidean distance: a match is
// kept when its nearest neighbor is closer than ratio times the second nearest.
type RatioMatcher struct {
	// CrossCheck additionally requires the first set descriptor to be the nearest neighbor of
	// its match in the second set.
	CrossCheck bool
}

// Match returns the matches from desc1 into desc2. Descriptors with fewer than two candidates in
// desc2 cannot pass the ratio test and are never matched.
func (m RatioMatcher) Match(desc1, desc2 Descriptors, ratio float64) []DescriptorMatch {
	if len(desc1) == 0 || len(desc2) < 2 {
		return nil
	}
	var reverse []int
	if m.CrossCheck {
		reverse = make([]int, len(desc2))
		for j := range desc2 {
			reverse[j], _, _ = nearestTwo(desc2[j], desc1)
		}
	}

	matches := make([]DescriptorMatch, 0, len(desc1))
	for i, d := range desc1 {
		best, bestDist, secondDist := nearestTwo(d, desc2)
		if best < 0 || bestDist >= ratio*secondDist {
			continue
		}
		if reverse != nil && reverse[best] != i {
			continue
		}
		matches = append(matches, DescriptorMatch{Idx1: i, Idx2: best})
	}
	return matches
}

// nearestTwo returns the index of the nearest row of set to d with the distances to the nearest
// and second nearest rows.
func nearestTwo(d Descriptor, set Descriptors) (int, float64, float64) {
	best, first, second := -1, math.Inf(1), math.Inf(1)
	for j, candidate := range set {
		if len(candidate) != len(d) {
			continue
		}
		dist := floats.Distance(d, candidate, 2)
		switch {
		case dist < first:
			best, first, second = j, dist, first
		case dist < second:
			second = dist
		}
	}
	return best, first, second
}

// MatchFraction returns the number of matches as a percentage of the smaller descriptor set,
// rounded to the nearest integer.
func MatchFraction(numMatches, size1, size2 int) int {
	smaller := size1
	if size2 < smaller {
		smaller = size2
	}
	if smaller == 0 {
		return 0
	}
	return int(math.Round(100 * float64(numMatches) / float64(smaller)))
}
