package facematch

import (
	"errors"
	"iter"
	"math"
	"math/rand/v2"
	"testing"
	"time"
)

type entry struct {
	id   string
	desc []float32
}

// sliceGallery is a fixed, ordered gallery for tests.
type sliceGallery []entry

func (g sliceGallery) AllActive() iter.Seq2[string, []float32] {
	return func(yield func(string, []float32) bool) {
		for _, e := range g {
			if !yield(e.id, e.desc) {
				return
			}
		}
	}
}

func (g sliceGallery) Dim() int {
	if len(g) == 0 {
		return 0
	}
	return len(g[0].desc)
}

func filled(dim int, v float32) []float32 {
	d := make([]float32, dim)
	for i := range d {
		d[i] = v
	}
	return d
}

func TestEuclideanDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"3-4-5", []float32{0, 0}, []float32{3, 4}, 5},
		{"length mismatch", []float32{1}, []float32{1, 2}, math.Inf(1)},
		{"empty", nil, nil, math.Inf(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EuclideanDistance(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("EuclideanDistance() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIdentify_NearAndFarScenario(t *testing.T) {
	const dim = 16
	g := sliceGallery{
		{"A", filled(dim, 0)},
		{"B", filled(dim, 10)},
	}
	m := NewMatcher(g)

	res, err := m.Identify(filled(dim, 0.1), 0.6)
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if !res.Matched || res.IdentityID != "A" {
		t.Fatalf("expected match on A, got %+v", res)
	}
	wantDist := 0.1 * math.Sqrt(dim)
	if math.Abs(res.Distance-wantDist) > 1e-6 {
		t.Errorf("distance = %v, want %v", res.Distance, wantDist)
	}
	if math.Abs(res.Confidence-(1-wantDist)) > 1e-6 {
		t.Errorf("confidence = %v, want %v", res.Confidence, 1-wantDist)
	}

	res, err = m.Identify(filled(dim, 5), 0.6)
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if res.Matched || res.IdentityID != "" {
		t.Errorf("expected no match, got %+v", res)
	}
}

func TestIdentify_ThresholdIsExclusive(t *testing.T) {
	g := sliceGallery{{"A", []float32{0, 0}}}
	m := NewMatcher(g)

	res, err := m.Identify([]float32{0.5, 0}, 0.5)
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if res.Matched {
		t.Errorf("distance equal to threshold must not match, got %+v", res)
	}
	if res.Distance != 0.5 {
		t.Errorf("expected nearest distance 0.5 to be reported, got %v", res.Distance)
	}
}

func TestIdentify_TieGoesToFirstScanned(t *testing.T) {
	g := sliceGallery{
		{"first", []float32{1, 0}},
		{"second", []float32{-1, 0}},
	}
	m := NewMatcher(g)

	for range 10 {
		res, err := m.Identify([]float32{0, 0}, 2)
		if err != nil {
			t.Fatalf("Identify() error = %v", err)
		}
		if res.IdentityID != "first" {
			t.Fatalf("expected first-scanned identity on tie, got %q", res.IdentityID)
		}
	}
}

func TestIdentify_UsesPerIdentityMinimum(t *testing.T) {
	g := sliceGallery{
		{"A", []float32{5, 5}},
		{"B", []float32{0.3, 0}},
		{"A", []float32{0.1, 0}},
	}
	m := NewMatcher(g)

	res, err := m.Identify([]float32{0, 0}, 0.6)
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if res.IdentityID != "A" {
		t.Errorf("expected A via its second descriptor, got %+v", res)
	}
	if math.Abs(res.Distance-0.1) > 1e-6 {
		t.Errorf("distance = %v, want 0.1", res.Distance)
	}
}

func TestIdentify_Errors(t *testing.T) {
	g := sliceGallery{{"A", filled(128, 0)}}
	m := NewMatcher(g)

	if _, err := m.Identify(filled(64, 0), 0.6); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := m.Identify(nil, 0.6); !errors.Is(err, ErrEmptyDescriptor) {
		t.Errorf("expected ErrEmptyDescriptor, got %v", err)
	}
}

func TestIdentify_EmptyGallery(t *testing.T) {
	m := NewMatcher(sliceGallery{})

	res, err := m.Identify([]float32{1, 2, 3}, 0.6)
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if res.Matched || res.Distance != 0 {
		t.Errorf("expected empty no-match result, got %+v", res)
	}
}

func TestIdentify_DefaultThresholdAndClock(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	g := sliceGallery{{"A", []float32{0, 0}}}
	m := NewMatcher(g, WithClock(func() time.Time { return fixed }))

	res, err := m.Identify([]float32{0.5, 0}, 0)
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if !res.Matched {
		t.Errorf("0.5 should match under the default threshold, got %+v", res)
	}
	if !res.MatchedAt.Equal(fixed) {
		t.Errorf("MatchedAt = %v, want %v", res.MatchedAt, fixed)
	}
}

// TestIdentify_RandomGalleries checks that a returned identity is always the global
// minimum and strictly below the threshold.
func TestIdentify_RandomGalleries(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	const dim = 8

	randVec := func() []float32 {
		v := make([]float32, dim)
		for i := range v {
			v[i] = float32(rng.Float64()*2 - 1)
		}
		return v
	}

	for trial := range 200 {
		var g sliceGallery
		ids := []string{"a", "b", "c", "d", "e"}
		for _, id := range ids {
			for range 1 + rng.IntN(3) {
				g = append(g, entry{id, randVec()})
			}
		}
		probe := randVec()
		threshold := rng.Float64() * 2

		res, err := NewMatcher(g).Identify(probe, threshold)
		if err != nil {
			t.Fatalf("trial %d: Identify() error = %v", trial, err)
		}

		globalMin := math.Inf(1)
		minOf := map[string]float64{}
		for _, e := range g {
			d := EuclideanDistance(probe, e.desc)
			if cur, ok := minOf[e.id]; !ok || d < cur {
				minOf[e.id] = d
			}
			globalMin = math.Min(globalMin, d)
		}

		if res.Matched {
			if minOf[res.IdentityID] >= threshold {
				t.Fatalf("trial %d: matched %s at %v with threshold %v", trial, res.IdentityID, minOf[res.IdentityID], threshold)
			}
			if minOf[res.IdentityID] != globalMin {
				t.Fatalf("trial %d: matched %s at %v but global minimum is %v", trial, res.IdentityID, minOf[res.IdentityID], globalMin)
			}
		} else if globalMin < threshold {
			t.Fatalf("trial %d: no match although global minimum %v < threshold %v", trial, globalMin, threshold)
		}
	}
}

func TestNearest(t *testing.T) {
	g := sliceGallery{
		{"far", []float32{3, 0}},
		{"near", []float32{1, 0}},
		{"mid", []float32{2, 0}},
	}
	m := NewMatcher(g)

	got, err := m.Nearest([]float32{0, 0}, 2)
	if err != nil {
		t.Fatalf("Nearest() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].IdentityID != "near" || got[1].IdentityID != "mid" {
		t.Errorf("unexpected order: %+v", got)
	}
}
