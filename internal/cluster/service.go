package cluster

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/imgsift/internal/config"
	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/store"
)

// Service runs clustering over the record store.
type Service struct {
	records   store.RecordStore
	params    Params
	threshold float64
	logger    *slog.Logger
	observer  func(info Info, d time.Duration, err error)
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRunObserver is called after every ClusterAll.
func WithRunObserver(fn func(info Info, d time.Duration, err error)) Option {
	return func(s *Service) { s.observer = fn }
}

// NewService creates a Service from the cluster configuration.
func NewService(records store.RecordStore, cfg config.ClusterConfig, opts ...Option) *Service {
	s := &Service{
		records: records,
		params: Params{
			MinClusterSize: cfg.MinClusterSize,
			MinSamples:     cfg.MinSamples,
			Metric:         cfg.Metric,
			OutlierCutoff:  cfg.OutlierCutoff,
		},
		threshold: cfg.AssignThreshold,
		logger:    slog.Default(),
		now:       time.Now,
	}
	if s.threshold == 0 {
		s.threshold = DefaultAssignThreshold
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClusterAll clusters every indexed record and reconciles the cluster table
// with the result in one transaction. Clusters whose label does not recur
// are retired.
func (s *Service) ClusterAll(ctx context.Context) (info Info, err error) {
	start := s.now()
	defer func() {
		if s.observer != nil {
			s.observer(info, s.now().Sub(start), err)
		}
	}()

	items, err := s.records.ListEmbeddings(ctx)
	if err != nil {
		return Info{}, err
	}
	points := make([][]float32, len(items))
	for i, it := range items {
		points[i] = it.Vector
	}

	res, err := HDBSCAN(points, s.params)
	if err != nil {
		return Info{}, siftErrors.New(siftErrors.ErrCodeClusterFailed, "clustering failed: "+err.Error(), err)
	}

	run := BuildRun(items, res.Labels, s.now().UTC())
	if err := s.records.ApplyClustering(ctx, run); err != nil {
		return Info{}, err
	}

	s.logger.Info("clustering_completed",
		slog.Int("total_points", res.Info.TotalPoints),
		slog.Int("n_clusters", res.Info.NClusters),
		slog.Int("noise_points", res.Info.NoisePoints),
		slog.Duration("duration", s.now().Sub(start)))
	return res.Info, nil
}

// BuildRun turns labels over items into a ClusterRun. Clusters are ordered
// by label and members keep the input order.
func BuildRun(items []media.Embedded, labels []int, at time.Time) media.ClusterRun {
	vectors := make([][]float32, len(items))
	for i, it := range items {
		vectors[i] = it.Vector
	}
	centroids := ComputeCentroids(vectors, labels)

	byLabel := make(map[int]*media.Cluster, len(centroids))
	run := media.ClusterRun{Assignments: make(map[string]int, len(items))}
	for i, it := range items {
		l := labels[i]
		run.Assignments[it.ID] = l
		if l == media.NoiseLabel {
			continue
		}
		c, ok := byLabel[l]
		if !ok {
			c = &media.Cluster{ID: l, Centroid: centroids[l], UpdatedAt: at}
			byLabel[l] = c
		}
		c.MemberIDs = append(c.MemberIDs, it.ID)
		c.MemberCount = len(c.MemberIDs)
	}
	for l := 0; len(run.Clusters) < len(byLabel); l++ {
		if c, ok := byLabel[l]; ok {
			run.Clusters = append(run.Clusters, c)
		}
	}
	return run
}

// Suggestion is the read-only outcome of Suggest.
type Suggestion struct {
	MediaID    string  `json:"media_id"`
	ClusterID  int     `json:"cluster_id"`
	Similarity float64 `json:"similarity"`
	Assigned   bool    `json:"assigned"`
}

// Suggest finds the persisted cluster an indexed record belongs to, without
// changing anything.
func (s *Service) Suggest(ctx context.Context, mediaID string) (Suggestion, error) {
	rec, err := s.records.GetMedia(ctx, mediaID)
	if err != nil {
		return Suggestion{}, err
	}
	if !rec.HasEmbedding() {
		return Suggestion{}, siftErrors.ValidationError("media "+mediaID+" is not indexed", nil).
			WithDetail("status", string(rec.Status))
	}

	clusters, err := s.records.ListClusters(ctx)
	if err != nil {
		return Suggestion{}, err
	}
	centroids := make(map[int][]float32, len(clusters))
	for _, c := range clusters {
		if len(c.Centroid) > 0 {
			centroids[c.ID] = c.Centroid
		}
	}

	label, sim := Assign(rec.Embedding, centroids, s.threshold)
	return Suggestion{
		MediaID:    mediaID,
		ClusterID:  label,
		Similarity: sim,
		Assigned:   label != media.NoiseLabel,
	}, nil
}
