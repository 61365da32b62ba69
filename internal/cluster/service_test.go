package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/imgsift/internal/config"
	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clusterConfig() config.ClusterConfig {
	return config.ClusterConfig{MinClusterSize: 2, MinSamples: 1, Metric: MetricEuclidean, AssignThreshold: 0.7}
}

// seedIndexed creates indexed records with the given vectors, ids m0, m1...
// in creation order.
func seedIndexed(t *testing.T, s store.RecordStore, vectors ...[]float32) {
	t.Helper()
	for i, v := range vectors {
		require.NoError(t, s.CreateMedia(context.Background(), &media.Record{
			ID:          fmt.Sprintf("m%d", i),
			ContentHash: fmt.Sprintf("h%d", i),
			StorageKey:  fmt.Sprintf("m%d.png", i),
			Status:      media.StatusIndexed,
			Metadata:    media.EmptyMetadata(),
			Embedding:   v,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func scenarioVectors() [][]float32 {
	return append(tightGroup(1, 0, 0), unit(0, 0, 1))
}

// ============================================================================
// ClusterAll
// ============================================================================

func TestClusterAll_GroupAndOutlier(t *testing.T) {
	// Given: three similar images and one unrelated image
	s := store.NewMemoryStore(3)
	seedIndexed(t, s, scenarioVectors()...)
	svc := NewService(s, clusterConfig())

	// When: clustering
	info, err := svc.ClusterAll(context.Background())

	// Then: one cluster of three is persisted and the outlier is unassigned
	require.NoError(t, err)
	assert.Equal(t, 1, info.NClusters)
	assert.Equal(t, 1, info.NoisePoints)

	c, err := s.GetCluster(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1", "m2"}, c.MemberIDs)
	assert.Equal(t, 3, c.MemberCount)
	assert.Equal(t, "general", c.Type)

	for _, id := range []string{"m0", "m1", "m2"} {
		rec, err := s.GetMedia(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, rec.ClusterID)
		assert.Equal(t, 0, *rec.ClusterID)
	}
	outlier, err := s.GetMedia(context.Background(), "m3")
	require.NoError(t, err)
	assert.Nil(t, outlier.ClusterID)
}

func TestClusterAll_CentroidIsRenormalisedMeanOfMembers(t *testing.T) {
	s := store.NewMemoryStore(3)
	vectors := scenarioVectors()
	seedIndexed(t, s, vectors...)

	_, err := NewService(s, clusterConfig()).ClusterAll(context.Background())
	require.NoError(t, err)

	c, err := s.GetCluster(context.Background(), 0)
	require.NoError(t, err)
	want := media.Normalize(media.Mean(vectors[0], vectors[1], vectors[2]))
	require.Len(t, c.Centroid, 3)
	for i := range want {
		assert.InDelta(t, want[i], c.Centroid[i], 1e-6)
	}
}

func TestClusterAll_SkipsRecordsWithoutEmbeddings(t *testing.T) {
	s := store.NewMemoryStore(3)
	seedIndexed(t, s, scenarioVectors()...)
	require.NoError(t, s.CreateMedia(context.Background(), &media.Record{
		ID: "pending", ContentHash: "hp", Status: media.StatusPending, Metadata: media.EmptyMetadata(),
	}))

	info, err := NewService(s, clusterConfig()).ClusterAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 4, info.TotalPoints)
}

func TestClusterAll_EmptyStore(t *testing.T) {
	s := store.NewMemoryStore(3)

	info, err := NewService(s, clusterConfig()).ClusterAll(context.Background())

	require.NoError(t, err)
	assert.Zero(t, info.TotalPoints)
	clusters, err := s.ListClusters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestClusterAll_RetiresClustersThatDoNotRecur(t *testing.T) {
	// Given: a previous run left clusters 0 and 7
	s := store.NewMemoryStore(3)
	seedIndexed(t, s, scenarioVectors()...)
	require.NoError(t, s.ApplyClustering(context.Background(), media.ClusterRun{
		Clusters: []*media.Cluster{
			{ID: 0, Label: "kittens", MemberIDs: []string{"m0"}, MemberCount: 1},
			{ID: 7, MemberIDs: []string{"m3"}, MemberCount: 1},
		},
		Assignments: map[string]int{"m0": 0, "m3": 7},
	}))

	// When: re-clustering
	_, err := NewService(s, clusterConfig()).ClusterAll(context.Background())
	require.NoError(t, err)

	// Then: cluster 0 is overwritten in place and keeps its label, 7 is gone
	clusters, err := s.ListClusters(context.Background())
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 0, clusters[0].ID)
	assert.Equal(t, "kittens", clusters[0].Label)
	assert.Equal(t, 3, clusters[0].MemberCount)

	_, err = s.GetCluster(context.Background(), 7)
	assert.Equal(t, siftErrors.ErrCodeRecordNotFound, siftErrors.GetCode(err))
	outlier, err := s.GetMedia(context.Background(), "m3")
	require.NoError(t, err)
	assert.Nil(t, outlier.ClusterID)
}

func TestClusterAll_RepeatRunsAgree(t *testing.T) {
	s := store.NewMemoryStore(3)
	seedIndexed(t, s, scenarioVectors()...)
	svc := NewService(s, clusterConfig())

	first, err := svc.ClusterAll(context.Background())
	require.NoError(t, err)
	before, err := s.ListClusters(context.Background())
	require.NoError(t, err)
	second, err := svc.ClusterAll(context.Background())
	require.NoError(t, err)
	after, err := s.ListClusters(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].MemberIDs, after[i].MemberIDs)
		assert.Equal(t, before[i].Centroid, after[i].Centroid)
	}
}

func TestClusterAll_DeleteMemberShrinksCluster(t *testing.T) {
	// Given: a persisted cluster with three members
	s := store.NewMemoryStore(3)
	seedIndexed(t, s, scenarioVectors()...)
	_, err := NewService(s, clusterConfig()).ClusterAll(context.Background())
	require.NoError(t, err)

	// When: one member is deleted
	require.NoError(t, s.DeleteMedia(context.Background(), "m1"))

	// Then: the member list loses it
	c, err := s.GetCluster(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m2"}, c.MemberIDs)
	assert.Equal(t, 2, c.MemberCount)
}

// deletingStore deletes one record right after the embeddings are listed,
// as a concurrent request would.
type deletingStore struct {
	*store.MemoryStore
	victim string
}

func (d deletingStore) ListEmbeddings(ctx context.Context) ([]media.Embedded, error) {
	items, err := d.MemoryStore.ListEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	return items, d.MemoryStore.DeleteMedia(ctx, d.victim)
}

func TestClusterAll_RecordDeletedMidRunIsNotAMember(t *testing.T) {
	// Given: a group of three where m1 is deleted during the run
	mem := store.NewMemoryStore(3)
	seedIndexed(t, mem, scenarioVectors()...)
	svc := NewService(deletingStore{MemoryStore: mem, victim: "m1"}, clusterConfig())

	// When: clustering
	_, err := svc.ClusterAll(context.Background())

	// Then: the cluster lists only records that still exist
	require.NoError(t, err)
	c, err := mem.GetCluster(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m2"}, c.MemberIDs)
	assert.Equal(t, 2, c.MemberCount)
}

func TestClusterAll_UsesConfiguredOutlierCutoff(t *testing.T) {
	// Given: a batch that never splits, with a straggler scoring 1/3
	s := store.NewMemoryStore(2)
	seedIndexed(t, s, []float32{0, 0}, []float32{1, 0}, []float32{2, 0}, []float32{3.5, 0})
	cfg := clusterConfig()
	cfg.MinClusterSize = 3
	cfg.OutlierCutoff = 0.25

	// When: clustering with a cutoff below the straggler's score
	info, err := NewService(s, cfg).ClusterAll(context.Background())

	// Then: the straggler is noise
	require.NoError(t, err)
	assert.Equal(t, 1, info.NoisePoints)
	straggler, err := s.GetMedia(context.Background(), "m3")
	require.NoError(t, err)
	assert.Nil(t, straggler.ClusterID)
}

func TestClusterAll_ObserverAndInvalidParams(t *testing.T) {
	s := store.NewMemoryStore(3)
	seedIndexed(t, s, scenarioVectors()...)
	cfg := clusterConfig()
	cfg.MinClusterSize = 1
	var seen []error
	svc := NewService(s, cfg, WithRunObserver(func(_ Info, _ time.Duration, err error) {
		seen = append(seen, err)
	}))

	_, err := svc.ClusterAll(context.Background())

	require.Error(t, err)
	assert.Equal(t, siftErrors.ErrCodeClusterFailed, siftErrors.GetCode(err))
	require.Len(t, seen, 1)
	assert.Error(t, seen[0])
}

func TestBuildRun(t *testing.T) {
	items := []media.Embedded{
		{ID: "a", Vector: unit(1, 0)},
		{ID: "b", Vector: unit(0, 1)},
		{ID: "c", Vector: unit(1, 0.1)},
		{ID: "d", Vector: unit(0.1, 1)},
		{ID: "e", Vector: unit(-1, -1)},
	}

	run := BuildRun(items, []int{1, 0, 1, 0, media.NoiseLabel}, base)

	require.Len(t, run.Clusters, 2)
	assert.Equal(t, 0, run.Clusters[0].ID)
	assert.Equal(t, []string{"b", "d"}, run.Clusters[0].MemberIDs)
	assert.Equal(t, 1, run.Clusters[1].ID)
	assert.Equal(t, []string{"a", "c"}, run.Clusters[1].MemberIDs)
	assert.Equal(t, 2, run.Clusters[1].MemberCount)
	assert.Equal(t, media.NoiseLabel, run.Assignments["e"])
	assert.Len(t, run.Assignments, 5)
	assert.True(t, media.IsUnit(run.Clusters[0].Centroid))
}

// ============================================================================
// Suggest
// ============================================================================

func TestSuggest(t *testing.T) {
	// Given: a clustered store and a new indexed record near the cluster
	s := store.NewMemoryStore(3)
	seedIndexed(t, s, scenarioVectors()...)
	svc := NewService(s, clusterConfig())
	_, err := svc.ClusterAll(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.CreateMedia(context.Background(), &media.Record{
		ID: "new", ContentHash: "hn", Status: media.StatusIndexed,
		Metadata: media.EmptyMetadata(), Embedding: unit(1, 0.02, 0),
	}))

	// When: suggesting
	got, err := svc.Suggest(context.Background(), "new")

	// Then: the cluster is suggested and nothing is written
	require.NoError(t, err)
	assert.True(t, got.Assigned)
	assert.Equal(t, 0, got.ClusterID)
	assert.Greater(t, got.Similarity, 0.99)
	rec, err := s.GetMedia(context.Background(), "new")
	require.NoError(t, err)
	assert.Nil(t, rec.ClusterID)
}

func TestSuggest_FarRecordIsUnassigned(t *testing.T) {
	s := store.NewMemoryStore(3)
	seedIndexed(t, s, scenarioVectors()...)
	svc := NewService(s, clusterConfig())
	_, err := svc.ClusterAll(context.Background())
	require.NoError(t, err)

	got, err := svc.Suggest(context.Background(), "m3")

	require.NoError(t, err)
	assert.False(t, got.Assigned)
	assert.Equal(t, media.NoiseLabel, got.ClusterID)
}

func TestSuggest_RequiresIndexedRecord(t *testing.T) {
	s := store.NewMemoryStore(3)
	require.NoError(t, s.CreateMedia(context.Background(), &media.Record{
		ID: "p", ContentHash: "hp", Status: media.StatusPending, Metadata: media.EmptyMetadata(),
	}))
	svc := NewService(s, clusterConfig())

	_, err := svc.Suggest(context.Background(), "p")
	assert.Equal(t, siftErrors.ErrCodeInvalidInput, siftErrors.GetCode(err))

	_, err = svc.Suggest(context.Background(), "missing")
	assert.Equal(t, siftErrors.ErrCodeRecordNotFound, siftErrors.GetCode(err))
}
