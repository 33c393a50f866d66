// Package hashindex builds order independent fingerprints of descriptor sets and keeps the
// append-only table of fingerprints used to look for previously visited places.
//
// A fingerprint is built by hashing every descriptor with a set of random hyperplanes (one bit
// per hyperplane) and taking the normalized histogram of the resulting bucket codes. The
// histogram does not depend on row order and two sets sharing descriptors share histogram mass.
package hashindex

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/melights/stereo-slam/vision/keypoints"
)

var (
	// ErrUninitialized is returned when fingerprinting before Initialize.
	ErrUninitialized = errors.New("hash index is not initialized")
	// ErrDimensionMismatch is returned for descriptors whose length differs from the one the
	// index was initialized with.
	ErrDimensionMismatch = errors.New("descriptor dimension does not match the hash index")
)

const (
	// DefaultNumProjections gives 2^8 histogram bins.
	DefaultNumProjections = 8
	maxNumProjections     = 16
)

// Config contains the parameters of the index.
type Config struct {
	NumProjections int    `json:"num_projections"`
	Seed           uint64 `json:"seed"`
}

// Index is the fingerprinting function. Its layout is fixed by the first call to Initialize.
type Index struct {
	cfg Config

	mu          sync.RWMutex
	dim         int
	projections [][]float64
}

// NewIndex returns an uninitialized index.
func NewIndex(cfg Config) *Index {
	if cfg.NumProjections <= 0 {
		cfg.NumProjections = DefaultNumProjections
	}
	if cfg.NumProjections > maxNumProjections {
		cfg.NumProjections = maxNumProjections
	}
	return &Index{cfg: cfg}
}

// Initialized returns whether the fingerprint layout has been set.
func (idx *Index) Initialized() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.projections != nil
}

// Dimension returns the descriptor dimension the index accepts, 0 before initialization.
func (idx *Index) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// FingerprintLength returns the length of every fingerprint.
func (idx *Index) FingerprintLength() int {
	return 1 << idx.cfg.NumProjections
}

// Initialize fixes the descriptor dimension from reference and draws the random hyperplanes.
// Calling it again once initialized is a no-op.
func (idx *Index) Initialize(reference keypoints.Descriptors) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.projections != nil {
		return nil
	}
	dim, err := reference.Dimension()
	if err != nil {
		return err
	}
	if dim == 0 {
		return errors.New("cannot initialize the hash index from an empty descriptor set")
	}

	rng := rand.New(rand.NewPCG(idx.cfg.Seed, uint64(dim)))
	projections := make([][]float64, idx.cfg.NumProjections)
	for i := range projections {
		p := make([]float64, dim)
		for j := range p {
			p[j] = rng.NormFloat64()
		}
		floats.Scale(1/floats.Norm(p, 2), p)
		projections[i] = p
	}
	idx.dim = dim
	idx.projections = projections
	return nil
}

// Fingerprint returns the normalized bucket histogram of desc. The same set of rows gives the
// same fingerprint whatever their order. An empty set gives the all zero fingerprint.
func (idx *Index) Fingerprint(desc keypoints.Descriptors) ([]float64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.projections == nil {
		return nil, ErrUninitialized
	}
	hist := make([]float64, 1<<len(idx.projections))
	for i, d := range desc {
		if len(d) != idx.dim {
			return nil, errors.Wrapf(ErrDimensionMismatch, "descriptor %d has dimension %d, index has %d", i, len(d), idx.dim)
		}
		code := 0
		for bit, p := range idx.projections {
			if floats.Dot(p, d) >= 0 {
				code |= 1 << bit
			}
		}
		hist[code]++
	}
	if len(desc) > 0 {
		floats.Scale(1/float64(len(desc)), hist)
	}
	return hist, nil
}

// MaxSimilarity is the score of a fingerprint against itself.
const MaxSimilarity = 1.0

// Similarity returns the histogram intersection of two fingerprints normalized by the larger
// histogram mass, in [0, 1]. It is symmetric and Similarity(x, x) == MaxSimilarity. Two
// fingerprints of empty sets are identical and score MaxSimilarity; fingerprints of different
// lengths score 0.
func Similarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var inter, massA, massB float64
	for i := range a {
		inter += math.Min(a[i], b[i])
		massA += a[i]
		massB += b[i]
	}
	mass := math.Max(massA, massB)
	if mass == 0 {
		return MaxSimilarity
	}
	return math.Min(inter/mass, MaxSimilarity)
}
