package gallery

import (
	"github.com/coder/hnsw"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/facematch"
)

// Neighbor is a reference descriptor close to a query.
type Neighbor struct {
	IdentityID string  `json:"identity_id"`
	Distance   float64 `json:"distance"`
}

// descriptorIndex is an approximate nearest-neighbour graph over one snapshot.
type descriptorIndex struct {
	graph  *hnsw.Graph[int]
	owners []string // node key -> identity ID
}

func buildIndex(snap *snapshot) *descriptorIndex {
	g := hnsw.NewGraph[int]()
	g.M = constants.HNSWMaxNeighbors
	g.Ml = 1.0 / float64(constants.HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = constants.HNSWEfSearch
	g.Distance = hnsw.EuclideanDistance

	idx := &descriptorIndex{graph: g}
	for _, id := range snap.order {
		e := snap.entries[id]
		if !e.Active {
			continue
		}
		for _, d := range e.Descriptors {
			g.Add(hnsw.MakeNode(len(idx.owners), d))
			idx.owners = append(idx.owners, id)
		}
	}
	return idx
}

// Nearest returns up to k distinct identities whose reference descriptors lie closest
// to the query, using an HNSW graph built lazily for the current snapshot. Results are
// approximate and must not replace the exact scan in facematch.Matcher.
func (s *Store) Nearest(query []float32, k int) ([]Neighbor, error) {
	snap := s.current.Load()
	if snap.dim != 0 && len(query) != snap.dim {
		return nil, facematch.ErrDimensionMismatch
	}
	if len(query) == 0 {
		return nil, facematch.ErrEmptyDescriptor
	}

	snap.indexOnce.Do(func() {
		snap.index = buildIndex(snap)
	})
	idx := snap.index
	if len(idx.owners) == 0 || k <= 0 {
		return nil, nil
	}

	// Over-fetch: several nodes may belong to the same identity.
	nodes := idx.graph.Search(query, k*constants.DefaultDuplicateCandidates)

	seen := make(map[string]int, k)
	var out []Neighbor
	for _, n := range nodes {
		owner := idx.owners[n.Key]
		d := facematch.EuclideanDistance(query, n.Value)
		if i, ok := seen[owner]; ok {
			if d < out[i].Distance {
				out[i].Distance = d
			}
			continue
		}
		seen[owner] = len(out)
		out = append(out, Neighbor{IdentityID: owner, Distance: d})
	}

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Distance < out[j-1].Distance; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
