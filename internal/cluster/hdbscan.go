// Package cluster groups indexed images by density and assigns new images
// to existing groups.
//
// HDBSCAN labels every point with a dense cluster label or NoiseLabel. It is
// deterministic: identical input in identical order with identical
// parameters always yields identical labels.
package cluster

import (
	"fmt"
	"math"
	"sort"

	"github.com/Aman-CERP/imgsift/internal/media"
)

// Metrics understood by HDBSCAN.
const (
	MetricEuclidean = "euclidean"
	MetricCosine    = "cosine"
)

// DefaultOutlierCutoff is the GLOSH score above which a point is noise when
// the whole batch forms a single cluster.
const DefaultOutlierCutoff = 0.5

// minLambdaDistance avoids infinite lambda for duplicate points.
const minLambdaDistance = 1e-12

// Params controls HDBSCAN.
type Params struct {
	MinClusterSize int
	// MinSamples counts the point itself, so 1 means the core distance is 0
	// and mutual reachability is the plain distance.
	MinSamples int
	Metric     string
	// OutlierCutoff applies only when the tree never splits. Zero means
	// DefaultOutlierCutoff.
	OutlierCutoff float64
}

// Info summarises one clustering result.
type Info struct {
	NClusters    int         `json:"n_clusters"`
	NoisePoints  int         `json:"noise_points"`
	TotalPoints  int         `json:"total_points"`
	ClusterSizes map[int]int `json:"cluster_sizes"`
}

// Result is the label of every input point plus the summary.
type Result struct {
	Labels []int
	Info   Info
}

func (p Params) validate() error {
	if p.MinClusterSize < 2 {
		return fmt.Errorf("min_cluster_size must be at least 2, got %d", p.MinClusterSize)
	}
	if p.MinSamples < 1 {
		return fmt.Errorf("min_samples must be at least 1, got %d", p.MinSamples)
	}
	if p.OutlierCutoff < 0 || p.OutlierCutoff > 1 {
		return fmt.Errorf("outlier_cutoff must be between 0 and 1, got %f", p.OutlierCutoff)
	}
	switch p.Metric {
	case "", MetricEuclidean, MetricCosine:
		return nil
	}
	return fmt.Errorf("unknown metric %q", p.Metric)
}

// HDBSCAN clusters points. Batches smaller than MinClusterSize come back as
// all noise rather than an error.
func HDBSCAN(points [][]float32, p Params) (Result, error) {
	if err := p.validate(); err != nil {
		return Result{}, err
	}
	n := len(points)
	for i := 1; i < n; i++ {
		if len(points[i]) != len(points[0]) {
			return Result{}, media.DimensionError{Expected: len(points[0]), Got: len(points[i])}
		}
	}
	if n < p.MinClusterSize {
		return summarise(allNoise(n)), nil
	}

	dist := distanceFunc(points, p.Metric)
	core := coreDistances(n, p.MinSamples, dist)
	edges := primMST(n, func(i, j int) float64 {
		return math.Max(dist(i, j), math.Max(core[i], core[j]))
	})
	tree := singleLinkage(n, edges)
	ct := condense(tree, n, p.MinClusterSize)
	cutoff := p.OutlierCutoff
	if cutoff == 0 {
		cutoff = DefaultOutlierCutoff
	}
	labels := ct.labels(n, p.MinClusterSize, cutoff)
	return summarise(labels), nil
}

func allNoise(n int) []int {
	labels := make([]int, n)
	for i := range labels {
		labels[i] = media.NoiseLabel
	}
	return labels
}

func summarise(labels []int) Result {
	info := Info{TotalPoints: len(labels), ClusterSizes: map[int]int{}}
	for _, l := range labels {
		if l == media.NoiseLabel {
			info.NoisePoints++
			continue
		}
		info.ClusterSizes[l]++
	}
	info.NClusters = len(info.ClusterSizes)
	return Result{Labels: labels, Info: info}
}

// distanceFunc returns a pairwise distance over points. Cosine distance
// normalises each point once up front.
func distanceFunc(points [][]float32, metric string) func(i, j int) float64 {
	if metric == MetricCosine {
		unit := make([][]float32, len(points))
		for i, v := range points {
			unit[i] = media.Normalize(v)
		}
		return func(i, j int) float64 {
			d := 1 - media.Dot(unit[i], unit[j])
			if d < 0 {
				return 0
			}
			return d
		}
	}
	return func(i, j int) float64 {
		return media.Distance(points[i], points[j])
	}
}

// coreDistances returns, for each point, the distance to its k-th nearest
// neighbour counting itself as the first.
func coreDistances(n, minSamples int, dist func(i, j int) float64) []float64 {
	k := minSamples - 1
	if k > n-1 {
		k = n - 1
	}
	core := make([]float64, n)
	if k == 0 {
		return core
	}
	row := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			row[j] = dist(i, j)
		}
		row[i] = 0
		sort.Float64s(row)
		core[i] = row[k]
	}
	return core
}

type edge struct {
	a, b   int
	weight float64
}

// primMST builds a minimum spanning tree over the complete graph weighted
// by w, starting at node 0. Ties pick the lowest node index. Edges come back
// stably sorted by weight.
func primMST(n int, w func(i, j int) float64) []edge {
	inTree := make([]bool, n)
	best := make([]float64, n)
	from := make([]int, n)
	for i := range best {
		best[i] = math.Inf(1)
	}

	edges := make([]edge, 0, n-1)
	current := 0
	inTree[0] = true
	for step := 1; step < n; step++ {
		next := -1
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			if d := w(current, j); d < best[j] {
				best[j] = d
				from[j] = current
			}
			if next == -1 || best[j] < best[next] {
				next = j
			}
		}
		inTree[next] = true
		edges = append(edges, edge{a: from[next], b: next, weight: best[next]})
		current = next
	}

	sort.SliceStable(edges, func(i, j int) bool { return edges[i].weight < edges[j].weight })
	return edges
}

// linkageNode is an internal node of the single-linkage dendrogram. Leaves
// are ids 0..n-1; internal node i has id n+i.
type linkageNode struct {
	left, right int
	distance    float64
	size        int
}

func singleLinkage(n int, edges []edge) []linkageNode {
	parent := make([]int, 2*n-1)
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	size := func(tree []linkageNode, id int) int {
		if id < n {
			return 1
		}
		return tree[id-n].size
	}

	tree := make([]linkageNode, 0, n-1)
	for _, e := range edges {
		ra, rb := find(e.a), find(e.b)
		id := n + len(tree)
		tree = append(tree, linkageNode{
			left:     ra,
			right:    rb,
			distance: e.weight,
			size:     size(tree, ra) + size(tree, rb),
		})
		parent[ra] = id
		parent[rb] = id
	}
	return tree
}

// condensedEdge records a child leaving parent cluster at lambda. Child is a
// point id (< n) with size 1 or a cluster label (>= n).
type condensedEdge struct {
	parent int
	child  int
	lambda float64
	size   int
}

type condensedTree struct {
	edges []condensedEdge
	root  int
	// next is one past the highest cluster label.
	next int
}

func lambdaOf(d float64) float64 {
	return 1 / math.Max(d, minLambdaDistance)
}

// condense walks the dendrogram from the root and keeps only splits where
// both sides have at least minSize points. Smaller sides fall out of their
// parent cluster as individual points.
func condense(tree []linkageNode, n, minSize int) condensedTree {
	root := n + len(tree) - 1
	ct := condensedTree{root: n, next: n + 1}

	size := func(id int) int {
		if id < n {
			return 1
		}
		return tree[id-n].size
	}
	var leaves func(id int, out []int) []int
	leaves = func(id int, out []int) []int {
		if id < n {
			return append(out, id)
		}
		node := tree[id-n]
		out = leaves(node.left, out)
		return leaves(node.right, out)
	}

	relabel := map[int]int{root: n}
	queue := []int{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id < n {
			continue
		}
		node := tree[id-n]
		label := relabel[id]
		lambda := lambdaOf(node.distance)
		left, right := node.left, node.right
		lsize, rsize := size(left), size(right)

		fallOut := func(child int) {
			for _, p := range leaves(child, nil) {
				ct.edges = append(ct.edges, condensedEdge{parent: label, child: p, lambda: lambda, size: 1})
			}
		}

		switch {
		case lsize >= minSize && rsize >= minSize:
			for _, child := range []int{left, right} {
				relabel[child] = ct.next
				ct.edges = append(ct.edges, condensedEdge{parent: label, child: ct.next, lambda: lambda, size: size(child)})
				ct.next++
				queue = append(queue, child)
			}
		case lsize < minSize && rsize < minSize:
			fallOut(left)
			fallOut(right)
		case lsize < minSize:
			fallOut(left)
			relabel[right] = label
			queue = append(queue, right)
		default:
			fallOut(right)
			relabel[left] = label
			queue = append(queue, left)
		}
	}
	return ct
}

// labels selects clusters by excess of mass and labels every point.
func (ct condensedTree) labels(n, minSize int, cutoff float64) []int {
	birth := make(map[int]float64, ct.next-ct.root)
	birth[ct.root] = 0
	children := make(map[int][]int)
	for _, e := range ct.edges {
		if e.child >= n {
			birth[e.child] = e.lambda
			children[e.parent] = append(children[e.parent], e.child)
		}
	}

	if len(children[ct.root]) == 0 {
		return ct.singleCluster(n, minSize, cutoff)
	}

	stability := make(map[int]float64, ct.next-ct.root)
	for _, e := range ct.edges {
		stability[e.parent] += (e.lambda - birth[e.parent]) * float64(e.size)
	}

	selected := make(map[int]bool)
	var deselect func(c int)
	deselect = func(c int) {
		for _, child := range children[c] {
			selected[child] = false
			deselect(child)
		}
	}
	for c := ct.next - 1; c > ct.root; c-- {
		var childSum float64
		for _, child := range children[c] {
			childSum += stability[child]
		}
		if len(children[c]) > 0 && childSum > stability[c] {
			selected[c] = false
			stability[c] = childSum
			continue
		}
		selected[c] = true
		deselect(c)
	}

	// Walk each point up to the nearest selected ancestor.
	parentOf := make(map[int]int, len(ct.edges))
	for _, e := range ct.edges {
		parentOf[e.child] = e.parent
	}
	var chosen []int
	for c := ct.root + 1; c < ct.next; c++ {
		if selected[c] {
			chosen = append(chosen, c)
		}
	}
	dense := make(map[int]int, len(chosen))
	for i, c := range chosen {
		dense[c] = i
	}

	labels := allNoise(n)
	for p := 0; p < n; p++ {
		for c := parentOf[p]; c != ct.root; c = parentOf[c] {
			if selected[c] {
				labels[p] = dense[c]
				break
			}
		}
	}
	return labels
}

// singleCluster handles a tree that never splits. Points are scored by how
// early they left the root relative to the densest point; outliers above
// cutoff are noise and the rest form cluster 0.
func (ct condensedTree) singleCluster(n, minSize int, cutoff float64) []int {
	lambdas := make([]float64, n)
	var maxLambda float64
	for _, e := range ct.edges {
		if e.child < n {
			lambdas[e.child] = e.lambda
			maxLambda = math.Max(maxLambda, e.lambda)
		}
	}

	labels := allNoise(n)
	if maxLambda == 0 {
		return labels
	}
	members := 0
	for p := 0; p < n; p++ {
		if 1-lambdas[p]/maxLambda <= cutoff {
			labels[p] = 0
			members++
		}
	}
	if members < minSize {
		return allNoise(n)
	}
	return labels
}
