package cluster

import (
	"sort"

	"github.com/Aman-CERP/imgsift/internal/media"
)

// DefaultAssignThreshold is the minimum cosine similarity for Assign.
const DefaultAssignThreshold = 0.7

// ComputeCentroids returns the unit-normalised mean of each label's members.
// Noise has no centroid.
func ComputeCentroids(vectors [][]float32, labels []int) map[int][]float32 {
	groups := make(map[int][][]float32)
	for i, l := range labels {
		if l == media.NoiseLabel || i >= len(vectors) {
			continue
		}
		groups[l] = append(groups[l], vectors[i])
	}
	out := make(map[int][]float32, len(groups))
	for l, members := range groups {
		out[l] = media.Normalize(media.Mean(members...))
	}
	return out
}

// Assign returns the label whose centroid is most similar to query, and
// that similarity. Centroids are scanned in ascending label order and the
// first maximum wins. It returns NoiseLabel when there are no centroids or
// the best similarity is below threshold.
func Assign(query []float32, centroids map[int][]float32, threshold float64) (int, float64) {
	if len(centroids) == 0 {
		return media.NoiseLabel, 0
	}
	q := media.Normalize(query)

	labels := make([]int, 0, len(centroids))
	for l := range centroids {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	best, bestSim := media.NoiseLabel, 0.0
	for _, l := range labels {
		c := centroids[l]
		if len(c) != len(q) {
			continue
		}
		sim := media.Dot(q, c)
		if best == media.NoiseLabel || sim > bestSim {
			best, bestSim = l, sim
		}
	}
	if best == media.NoiseLabel || bestSim < threshold {
		return media.NoiseLabel, bestSim
	}
	return best, bestSim
}
