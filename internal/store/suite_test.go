package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
)

const testDims = 4

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newRecord(id string, offset time.Duration) *media.Record {
	return &media.Record{
		ID:          id,
		ContentHash: "hash-" + id,
		StorageKey:  id + ".jpg",
		Filename:    id + ".jpg",
		ContentType: "image/jpeg",
		Size:        1024,
		Status:      media.StatusPending,
		Metadata:    media.EmptyMetadata(),
		CreatedAt:   baseTime.Add(offset),
	}
}

// indexRecord moves a record to indexed with the given vector.
func indexRecord(t *testing.T, s RecordStore, id string, vec []float32) {
	t.Helper()
	meta := media.EmptyMetadata()
	meta.Caption = "caption " + id
	require.NoError(t, s.UpdateMedia(context.Background(), id, media.Update{
		Status:      media.Ptr(media.StatusIndexed),
		Metadata:    &meta,
		Embedding:   vec,
		ProcessedAt: media.Ptr(baseTime.Add(time.Hour)),
	}))
}

// runRecordStoreSuite exercises the RecordStore contract against any
// implementation.
func runRecordStoreSuite(t *testing.T, open func(t *testing.T) RecordStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		rec := newRecord("a", 0)
		require.NoError(t, s.CreateMedia(ctx, rec))

		got, err := s.GetMedia(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "a.jpg", got.StorageKey)
		assert.Equal(t, media.StatusPending, got.Status)
		assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))
		assert.NotNil(t, got.Metadata.Objects)

		byHash, err := s.GetMediaByHash(ctx, "hash-a")
		require.NoError(t, err)
		assert.Equal(t, "a", byHash.ID)
	})

	t.Run("missing rows are ErrNotFound", func(t *testing.T) {
		s := open(t)
		_, err := s.GetMedia(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetMediaByHash(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateMedia(ctx, "nope", media.Update{Liked: media.Ptr(true)}), ErrNotFound)
		assert.ErrorIs(t, s.DeleteMedia(ctx, "nope"), ErrNotFound)
		_, err = s.GetCluster(ctx, 7)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate hash is rejected", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateMedia(ctx, newRecord("a", 0)))
		dup := newRecord("b", 0)
		dup.ContentHash = "hash-a"
		require.Error(t, s.CreateMedia(ctx, dup))
	})

	t.Run("update applies only set fields", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateMedia(ctx, newRecord("a", 0)))
		indexRecord(t, s, "a", []float32{1, 0, 0, 0})
		require.NoError(t, s.UpdateMedia(ctx, "a", media.Update{Liked: media.Ptr(true)}))

		got, err := s.GetMedia(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, media.StatusIndexed, got.Status)
		assert.True(t, got.Liked)
		assert.Equal(t, "caption a", got.Metadata.Caption)
		assert.Equal(t, []float32{1, 0, 0, 0}, got.Embedding)
		require.NotNil(t, got.ProcessedAt)
	})

	t.Run("embedding width is checked", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateMedia(ctx, newRecord("a", 0)))
		err := s.UpdateMedia(ctx, "a", media.Update{Embedding: []float32{1, 0}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("list newest first with filters", func(t *testing.T) {
		s := open(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.CreateMedia(ctx, newRecord(fmt.Sprintf("r%d", i), time.Duration(i)*time.Minute)))
		}
		indexRecord(t, s, "r1", []float32{1, 0, 0, 0})
		require.NoError(t, s.UpdateMedia(ctx, "r3", media.Update{Liked: media.Ptr(true)}))

		all, err := s.ListMedia(ctx, media.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "r4", all[0].ID)
		assert.Equal(t, "r0", all[4].ID)

		page, err := s.ListMedia(ctx, media.Filter{Offset: 1, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "r3", page[0].ID)

		indexed, err := s.ListMedia(ctx, media.Filter{Status: media.Ptr(media.StatusIndexed)})
		require.NoError(t, err)
		require.Len(t, indexed, 1)
		assert.Equal(t, "r1", indexed[0].ID)

		liked, err := s.ListMedia(ctx, media.Filter{Liked: media.Ptr(true)})
		require.NoError(t, err)
		require.Len(t, liked, 1)
		assert.Equal(t, "r3", liked[0].ID)
	})

	t.Run("list embeddings only returns indexed vectors in creation order", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateMedia(ctx, newRecord("late", 2*time.Minute)))
		require.NoError(t, s.CreateMedia(ctx, newRecord("early", time.Minute)))
		require.NoError(t, s.CreateMedia(ctx, newRecord("pending", 0)))
		indexRecord(t, s, "late", []float32{0, 1, 0, 0})
		indexRecord(t, s, "early", []float32{1, 0, 0, 0})

		embs, err := s.ListEmbeddings(ctx)
		require.NoError(t, err)
		require.Len(t, embs, 2)
		assert.Equal(t, "early", embs[0].ID)
		assert.Equal(t, "late", embs[1].ID)
		assert.Equal(t, []float32{0, 1, 0, 0}, embs[1].Vector)
	})

	t.Run("apply clustering reconciles and assigns", func(t *testing.T) {
		s := open(t)
		for _, id := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.CreateMedia(ctx, newRecord(id, 0)))
			indexRecord(t, s, id, []float32{1, 0, 0, 0})
		}

		// Given a first run with two clusters
		require.NoError(t, s.ApplyClustering(ctx, media.ClusterRun{
			Clusters: []*media.Cluster{
				{ID: 0, MemberIDs: []string{"a", "b"}, Centroid: []float32{1, 0, 0, 0}, Label: "cats"},
				{ID: 1, MemberIDs: []string{"c"}, Centroid: []float32{0, 1, 0, 0}},
			},
			Assignments: map[string]int{"a": 0, "b": 0, "c": 1, "d": media.NoiseLabel},
		}))

		// When a second run produces only cluster 0
		require.NoError(t, s.ApplyClustering(ctx, media.ClusterRun{
			Clusters: []*media.Cluster{
				{ID: 0, MemberIDs: []string{"a", "b", "c"}, Centroid: []float32{0, 0, 1, 0}},
			},
			Assignments: map[string]int{"a": 0, "b": 0, "c": 0, "d": media.NoiseLabel},
		}))

		// Then cluster 1 is retired and cluster 0 is overwritten in place
		clusters, err := s.ListClusters(ctx)
		require.NoError(t, err)
		require.Len(t, clusters, 1)
		c := clusters[0]
		assert.Equal(t, 0, c.ID)
		assert.Equal(t, "general", c.Type)
		assert.Equal(t, "cats", c.Label, "tags survive a rerun")
		assert.Equal(t, 3, c.MemberCount)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, c.MemberIDs)
		assert.Equal(t, []float32{0, 0, 1, 0}, c.Centroid)

		rc, err := s.GetMedia(ctx, "c")
		require.NoError(t, err)
		require.NotNil(t, rc.ClusterID)
		assert.Equal(t, 0, *rc.ClusterID)

		rd, err := s.GetMedia(ctx, "d")
		require.NoError(t, err)
		assert.Nil(t, rd.ClusterID, "noise is never persisted as a cluster")
	})

	t.Run("apply clustering skips records gone since the snapshot", func(t *testing.T) {
		s := open(t)
		for _, id := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.CreateMedia(ctx, newRecord(id, 0)))
			indexRecord(t, s, id, []float32{1, 0, 0, 0})
		}

		// Given a run computed while b, c and d were still indexed
		run := media.ClusterRun{
			Clusters: []*media.Cluster{
				{ID: 0, MemberIDs: []string{"a", "b"}},
				{ID: 1, MemberIDs: []string{"c"}},
			},
			Assignments: map[string]int{"a": 0, "b": 0, "c": 1, "d": media.NoiseLabel},
		}

		// When b is deleted and c goes back to pending before the run lands
		require.NoError(t, s.DeleteMedia(ctx, "b"))
		require.NoError(t, s.UpdateMedia(ctx, "c", media.Update{
			Status:         media.Ptr(media.StatusPending),
			ClearEmbedding: true,
		}))
		require.NoError(t, s.ApplyClustering(ctx, run))

		// Then only a remains a member and the emptied cluster is not kept
		clusters, err := s.ListClusters(ctx)
		require.NoError(t, err)
		require.Len(t, clusters, 1)
		assert.Equal(t, 0, clusters[0].ID)
		assert.Equal(t, []string{"a"}, clusters[0].MemberIDs)
		assert.Equal(t, 1, clusters[0].MemberCount)

		rc, err := s.GetMedia(ctx, "c")
		require.NoError(t, err)
		assert.Nil(t, rc.ClusterID)
		_, err = s.GetMedia(ctx, "b")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("apply clustering rejects noise cluster", func(t *testing.T) {
		s := open(t)
		err := s.ApplyClustering(ctx, media.ClusterRun{
			Clusters: []*media.Cluster{{ID: media.NoiseLabel}},
		})
		require.Error(t, err)
		assert.True(t, siftErrors.HasCode(err, siftErrors.ErrCodeClusterFailed))
	})

	t.Run("delete pulls member from cluster", func(t *testing.T) {
		s := open(t)
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.CreateMedia(ctx, newRecord(id, 0)))
			indexRecord(t, s, id, []float32{1, 0, 0, 0})
		}
		require.NoError(t, s.ApplyClustering(ctx, media.ClusterRun{
			Clusters:    []*media.Cluster{{ID: 0, MemberIDs: []string{"a", "b", "c"}}},
			Assignments: map[string]int{"a": 0, "b": 0, "c": 0},
		}))

		require.NoError(t, s.DeleteMedia(ctx, "b"))

		c, err := s.GetCluster(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, c.MemberCount)
		assert.ElementsMatch(t, []string{"a", "c"}, c.MemberIDs)

		_, err = s.GetMedia(ctx, "b")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.GetMediaByHash(ctx, "hash-b")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("stats", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateMedia(ctx, newRecord("a", 0)))
		require.NoError(t, s.CreateMedia(ctx, newRecord("b", 0)))
		indexRecord(t, s, "a", []float32{1, 0, 0, 0})
		require.NoError(t, s.UpdateMedia(ctx, "a", media.Update{Liked: media.Ptr(true)}))
		require.NoError(t, s.ApplyClustering(ctx, media.ClusterRun{
			Clusters:    []*media.Cluster{{ID: 0, MemberIDs: []string{"a"}}},
			Assignments: map[string]int{"a": 0},
		}))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, st.Total)
		assert.Equal(t, 1, st.ByStatus[media.StatusIndexed])
		assert.Equal(t, 1, st.ByStatus[media.StatusPending])
		assert.Equal(t, 1, st.Liked)
		assert.Equal(t, 1, st.Clusters)
	})
}
