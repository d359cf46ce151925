package facematch

import (
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/kozaktomas/face-attendance/internal/constants"
)

// Gallery is the read side of the descriptor store the matcher scans.
type Gallery interface {
	// AllActive yields (identity ID, reference descriptor) pairs of active identities
	// in enrollment order. Identities with several descriptors yield several pairs.
	AllActive() iter.Seq2[string, []float32]
	// Dim returns the gallery dimensionality, or 0 when nothing is enrolled.
	Dim() int
}

// MatchResult is the outcome of identifying one probe.
type MatchResult struct {
	IdentityID string    `json:"identity_id,omitempty"`
	Matched    bool      `json:"matched"`
	Distance   float64   `json:"distance"`
	Confidence float64   `json:"confidence"`
	MatchedAt  time.Time `json:"matched_at"`
}

// Candidate is an identity ranked by its nearest reference descriptor.
type Candidate struct {
	IdentityID string  `json:"identity_id"`
	Distance   float64 `json:"distance"`
}

// Matcher performs exhaustive nearest-neighbour identification.
type Matcher struct {
	gallery Gallery
	now     func() time.Time
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithClock overrides the time source used for MatchedAt.
func WithClock(now func() time.Time) MatcherOption {
	return func(m *Matcher) {
		m.now = now
	}
}

// NewMatcher creates a matcher over the given gallery.
func NewMatcher(g Gallery, opts ...MatcherOption) *Matcher {
	m := &Matcher{gallery: g, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Identify returns the identity whose nearest reference descriptor is closest to the
// probe, provided that distance is strictly below threshold. A threshold <= 0 selects
// constants.DefaultMatchThreshold. On exact ties the identity scanned first wins.
//
// When nothing qualifies the result has Matched=false and Distance holds the nearest
// distance seen (0 for an empty gallery).
func (m *Matcher) Identify(probe []float32, threshold float64) (MatchResult, error) {
	if threshold <= 0 {
		threshold = constants.DefaultMatchThreshold
	}

	ranked, err := m.rank(probe)
	if err != nil {
		return MatchResult{}, err
	}

	result := MatchResult{MatchedAt: m.now()}
	if len(ranked) == 0 {
		return result, nil
	}

	best := ranked[0]
	for _, c := range ranked[1:] {
		if c.Distance < best.Distance {
			best = c
		}
	}

	result.Distance = best.Distance
	if best.Distance < threshold {
		result.IdentityID = best.IdentityID
		result.Matched = true
		result.Confidence = Confidence(best.Distance)
	}
	return result, nil
}

// Nearest returns up to k identities ordered by distance (ties keep scan order).
func (m *Matcher) Nearest(probe []float32, k int) ([]Candidate, error) {
	ranked, err := m.rank(probe)
	if err != nil {
		return nil, err
	}

	// Insertion sort keeps equal distances in scan order.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].Distance < ranked[j-1].Distance; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

// rank computes each active identity's minimum distance to the probe, in scan order.
func (m *Matcher) rank(probe []float32) ([]Candidate, error) {
	if len(probe) == 0 {
		return nil, ErrEmptyDescriptor
	}
	if dim := m.gallery.Dim(); dim != 0 && len(probe) != dim {
		return nil, fmt.Errorf("%w: probe has %d values, gallery has %d", ErrDimensionMismatch, len(probe), dim)
	}

	index := make(map[string]int)
	var ranked []Candidate
	for id, ref := range m.gallery.AllActive() {
		d := EuclideanDistance(probe, ref)
		if math.IsInf(d, 1) {
			continue
		}
		i, seen := index[id]
		if !seen {
			index[id] = len(ranked)
			ranked = append(ranked, Candidate{IdentityID: id, Distance: d})
			continue
		}
		if d < ranked[i].Distance {
			ranked[i].Distance = d
		}
	}
	return ranked, nil
}
