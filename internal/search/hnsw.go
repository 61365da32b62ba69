package search

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/hnsw"

	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/store"
)

// HNSWIndex is an in-memory approximate nearest neighbour index over record
// embeddings. It only proposes candidates: every candidate is re-scored
// exactly before it is returned.
type HNSWIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dims  int

	// coder/hnsw keys are integers; records are strings.
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

var _ CandidateIndex = (*HNSWIndex)(nil)

// NewHNSWIndex creates an empty index for vectors of dims components.
func NewHNSWIndex(dims int) *HNSWIndex {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 64
	g.Ml = 0.25
	return &HNSWIndex{
		graph:  g,
		dims:   dims,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// Add inserts or replaces the vector for id.
func (x *HNSWIndex) Add(id string, vec []float32) error {
	if err := media.CheckDimension(vec, x.dims); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	// Replaced nodes stay in the graph unmapped; deleting the last node of a
	// coder/hnsw graph corrupts it.
	if old, ok := x.idMap[id]; ok {
		delete(x.keyMap, old)
	}
	key := x.nextKey
	x.nextKey++
	x.graph.Add(hnsw.MakeNode(key, media.Normalize(vec)))
	x.idMap[id] = key
	x.keyMap[key] = id
	return nil
}

// Delete unmaps id. Unknown ids are ignored.
func (x *HNSWIndex) Delete(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if key, ok := x.idMap[id]; ok {
		delete(x.keyMap, key)
		delete(x.idMap, id)
	}
}

// Len returns the number of live vectors.
func (x *HNSWIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.idMap)
}

// Orphans returns how many replaced or deleted nodes remain in the graph.
func (x *HNSWIndex) Orphans() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.graph.Len() - len(x.idMap)
}

// Nearest returns up to k candidates with their exact cosine similarity to
// query.
func (x *HNSWIndex) Nearest(query []float32, k int) ([]Candidate, error) {
	if err := media.CheckDimension(query, x.dims); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.idMap) == 0 || k <= 0 {
		return nil, nil
	}

	q := media.Normalize(query)
	// Orphans can take result slots, so ask for enough to cover them.
	nodes := x.graph.Search(q, k+x.graph.Len()-len(x.idMap))
	out := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		id, ok := x.keyMap[n.Key]
		if !ok {
			continue
		}
		out = append(out, Candidate{ID: id, Similarity: media.Dot(q, n.Value)})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Rebuild replaces the contents with every indexed record in rs.
func (x *HNSWIndex) Rebuild(ctx context.Context, rs store.RecordStore) (int, error) {
	items, err := rs.ListEmbeddings(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list embeddings: %w", err)
	}
	fresh := NewHNSWIndex(x.dims)
	for _, it := range items {
		if err := fresh.Add(it.ID, it.Vector); err != nil {
			return 0, fmt.Errorf("failed to index %s: %w", it.ID, err)
		}
	}

	x.mu.Lock()
	x.graph, x.idMap, x.keyMap, x.nextKey = fresh.graph, fresh.idMap, fresh.keyMap, fresh.nextKey
	x.mu.Unlock()
	return len(items), nil
}
