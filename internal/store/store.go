// Package store persists media records, clusters and original image bytes.
//
// RecordStore has three implementations: an in-memory store for tests and
// throwaway runs, SQLite (the single-node default) and Postgres with
// pgvector for shared deployments. ObjectStore keeps the original bytes.
package store

import (
	"context"
	"sort"
	"time"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
)

// Sentinel errors. They match by code, so errors.Is works against any
// error built with the same code.
var (
	ErrNotFound          = siftErrors.New(siftErrors.ErrCodeRecordNotFound, "not found", nil)
	ErrObjectNotFound    = siftErrors.New(siftErrors.ErrCodeObjectNotFound, "object not found", nil)
	ErrDimensionMismatch = siftErrors.New(siftErrors.ErrCodeDimensionMismatch, "embedding dimension mismatch", nil)
)

// RecordStore persists media records and clusters.
type RecordStore interface {
	CreateMedia(ctx context.Context, rec *media.Record) error
	GetMedia(ctx context.Context, id string) (*media.Record, error)
	GetMediaByHash(ctx context.Context, hash string) (*media.Record, error)

	// UpdateMedia applies the non-nil fields of u atomically.
	UpdateMedia(ctx context.Context, id string, u media.Update) error

	// DeleteMedia removes the record and pulls it from cluster member lists
	// in the same transaction.
	DeleteMedia(ctx context.Context, id string) error

	// ListMedia returns records newest first.
	ListMedia(ctx context.Context, f media.Filter) ([]*media.Record, error)

	// ListEmbeddings returns every indexed record with a vector, ordered by
	// created_at then id.
	ListEmbeddings(ctx context.Context) ([]media.Embedded, error)

	// ApplyClustering reconciles the cluster table with run: clusters in the
	// run are created or overwritten in place, clusters absent from it are
	// deleted, and every indexed record's cluster id is set. Members that
	// are no longer indexed when the run is applied are left out. All or
	// nothing.
	ApplyClustering(ctx context.Context, run media.ClusterRun) error

	GetCluster(ctx context.Context, id int) (*media.Cluster, error)
	ListClusters(ctx context.Context) ([]*media.Cluster, error)

	Stats(ctx context.Context) (media.Stats, error)
	Close() error
}

// Match is one vector search hit.
type Match struct {
	ID         string
	Similarity float64
	CreatedAt  time.Time
}

// VectorSearcher is implemented by stores that can rank by cosine similarity
// server side. Results have similarity strictly above threshold and are
// ordered by similarity desc, created_at desc, id asc.
type VectorSearcher interface {
	SimilarTo(ctx context.Context, query []float32, threshold float64, limit int) ([]Match, error)
}

// ObjectStore holds the original image bytes.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores data under key and returns the key.
	Put(ctx context.Context, data []byte, key, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// notFound builds a not-found error naming what was missing.
func notFound(kind, id string) error {
	return siftErrors.New(siftErrors.ErrCodeRecordNotFound, kind+" "+id+" not found", nil).
		WithDetail(kind, id)
}

// checkDimension validates an embedding write.
func checkDimension(v []float32, dims int) error {
	if dims <= 0 || v == nil {
		return nil
	}
	if err := media.CheckDimension(v, dims); err != nil {
		return siftErrors.New(siftErrors.ErrCodeDimensionMismatch, err.Error(), err)
	}
	return nil
}

// validateRun checks the invariants every ApplyClustering implementation
// relies on.
func validateRun(run media.ClusterRun) error {
	seen := make(map[int]bool, len(run.Clusters))
	for _, c := range run.Clusters {
		if c.ID < 0 {
			return siftErrors.New(siftErrors.ErrCodeClusterFailed, "noise label cannot be persisted as a cluster", nil)
		}
		if seen[c.ID] {
			return siftErrors.New(siftErrors.ErrCodeClusterFailed, "duplicate cluster id in run", nil)
		}
		seen[c.ID] = true
	}
	for id, label := range run.Assignments {
		if label != media.NoiseLabel && !seen[label] {
			return siftErrors.New(siftErrors.ErrCodeClusterFailed, "assignment to unknown cluster", nil).
				WithDetail("media_id", id)
		}
	}
	return nil
}

// pruneRun restricts run to the records in indexed. A record deleted or
// re-analysed after the embeddings were listed drops out of its cluster and
// its assignment is ignored. Clusters left without members are not kept.
func pruneRun(run media.ClusterRun, indexed map[string]bool) media.ClusterRun {
	out := media.ClusterRun{
		Clusters:    make([]*media.Cluster, 0, len(run.Clusters)),
		Assignments: make(map[string]int, len(run.Assignments)),
	}
	kept := make(map[int]bool, len(run.Clusters))
	for _, c := range run.Clusters {
		cp := cloneCluster(c)
		members := make([]string, 0, len(c.MemberIDs))
		for _, id := range c.MemberIDs {
			if indexed[id] {
				members = append(members, id)
			}
		}
		if len(members) == 0 {
			continue
		}
		cp.MemberIDs = members
		cp.MemberCount = len(members)
		out.Clusters = append(out.Clusters, cp)
		kept[cp.ID] = true
	}
	for id, label := range run.Assignments {
		if !indexed[id] {
			continue
		}
		if label != media.NoiseLabel && !kept[label] {
			label = media.NoiseLabel
		}
		out.Assignments[id] = label
	}
	return out
}

// clusterType defaults an empty type to "general".
func clusterType(t string) string {
	if t == "" {
		return "general"
	}
	return t
}

// keepTags carries the classification tags of a cluster id that recurs in
// a new run, unless the run sets its own.
func keepTags(next, prev *media.Cluster) {
	if next.Type == "" {
		next.Type = prev.Type
	}
	if next.Label == "" {
		next.Label = prev.Label
	}
	if next.Description == "" {
		next.Description = prev.Description
	}
}

// sortNewestFirst orders records by created_at desc, id asc.
func sortNewestFirst(recs []*media.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

// paginate applies offset and limit; limit <= 0 means no limit.
func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
