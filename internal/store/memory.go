package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Aman-CERP/imgsift/internal/media"
)

// MemoryStore is a RecordStore held in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	dims     int
	records  map[string]*media.Record
	byHash   map[string]string
	clusters map[int]*media.Cluster
	now      func() time.Time
}

var _ RecordStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. dims <= 0 disables the embedding
// width check.
func NewMemoryStore(dims int) *MemoryStore {
	return &MemoryStore{
		dims:     dims,
		records:  make(map[string]*media.Record),
		byHash:   make(map[string]string),
		clusters: make(map[int]*media.Cluster),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateMedia(_ context.Context, rec *media.Record) error {
	if err := checkDimension(rec.Embedding, s.dims); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return conflict("media", rec.ID)
	}
	if rec.ContentHash != "" {
		if _, ok := s.byHash[rec.ContentHash]; ok {
			return conflict("content_hash", rec.ContentHash)
		}
		s.byHash[rec.ContentHash] = rec.ID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) GetMedia(_ context.Context, id string) (*media.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, notFound("media", id)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) GetMediaByHash(_ context.Context, hash string) (*media.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, notFound("content_hash", hash)
	}
	return cloneRecord(s.records[id]), nil
}

func (s *MemoryStore) UpdateMedia(_ context.Context, id string, u media.Update) error {
	if err := checkDimension(u.Embedding, s.dims); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return notFound("media", id)
	}
	applyUpdate(rec, u)
	return nil
}

func (s *MemoryStore) DeleteMedia(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return notFound("media", id)
	}
	delete(s.records, id)
	if rec.ContentHash != "" {
		delete(s.byHash, rec.ContentHash)
	}
	for _, c := range s.clusters {
		if c.RemoveMember(id) {
			c.UpdatedAt = s.now()
		}
	}
	return nil
}

func (s *MemoryStore) ListMedia(_ context.Context, f media.Filter) ([]*media.Record, error) {
	s.mu.RLock()
	out := make([]*media.Record, 0, len(s.records))
	for _, rec := range s.records {
		if f.Status != nil && rec.Status != *f.Status {
			continue
		}
		if f.Liked != nil && rec.Liked != *f.Liked {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *MemoryStore) ListEmbeddings(_ context.Context) ([]media.Embedded, error) {
	s.mu.RLock()
	out := make([]media.Embedded, 0, len(s.records))
	for _, rec := range s.records {
		if !rec.HasEmbedding() {
			continue
		}
		out = append(out, media.Embedded{
			ID:        rec.ID,
			CreatedAt: rec.CreatedAt,
			Vector:    append([]float32(nil), rec.Embedding...),
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ApplyClustering(_ context.Context, run media.ClusterRun) error {
	if err := validateRun(run); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	indexed := make(map[string]bool, len(s.records))
	for id, rec := range s.records {
		if rec.Status == media.StatusIndexed {
			indexed[id] = true
		}
	}
	run = pruneRun(run, indexed)

	now := s.now()
	clusters := make(map[int]*media.Cluster, len(run.Clusters))
	for _, c := range run.Clusters {
		cp := cloneCluster(c)
		if prev, ok := s.clusters[c.ID]; ok {
			keepTags(cp, prev)
		}
		cp.Type = clusterType(cp.Type)
		cp.MemberCount = len(cp.MemberIDs)
		cp.UpdatedAt = now
		clusters[c.ID] = cp
	}
	s.clusters = clusters

	for id, rec := range s.records {
		if rec.Status != media.StatusIndexed {
			continue
		}
		label, ok := run.Assignments[id]
		if !ok || label == media.NoiseLabel {
			rec.ClusterID = nil
			continue
		}
		rec.ClusterID = media.Ptr(label)
	}
	return nil
}

func (s *MemoryStore) GetCluster(_ context.Context, id int) (*media.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, notFound("cluster", itoa(id))
	}
	return cloneCluster(c), nil
}

func (s *MemoryStore) ListClusters(_ context.Context) ([]*media.Cluster, error) {
	s.mu.RLock()
	out := make([]*media.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		out = append(out, cloneCluster(c))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (media.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := media.Stats{ByStatus: make(map[media.Status]int), Clusters: len(s.clusters)}
	for _, rec := range s.records {
		st.ByStatus[rec.Status]++
		st.Total++
		if rec.Liked {
			st.Liked++
		}
	}
	return st, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
