package stage

import (
	"context"
	"hash/fnv"
	"image"
	"math"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/Aman-CERP/imgsift/internal/media"
)

// Static backend model names.
const (
	StaticTextModel  = "static-text"
	StaticImageModel = "static-image"

	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3

	// gridSize is the side of the colour layout grid.
	gridSize = 8
	// projectionSeed fixes the random projection so vectors are stable
	// across processes.
	projectionSeed = 0x1a2b3c4d
)

var tokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// StaticTextEmbedder hashes tokens and character trigrams into buckets.
// It needs no network or model download and is deterministic, at the cost
// of semantic quality.
type StaticTextEmbedder struct {
	dims int
}

// NewStaticTextEmbedder creates a static text embedder.
func NewStaticTextEmbedder(dims int) *StaticTextEmbedder {
	return &StaticTextEmbedder{dims: dims}
}

// blankToken stands in for blank input, which still maps to a unit vector.
const blankToken = "\x00blank"

// EmbedText returns a unit vector for any input, blank included.
func (e *StaticTextEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		vec[hashToIndex(blankToken, e.dims)] = 1
		return vec, nil
	}

	for _, tok := range tokenRegex.FindAllString(strings.ToLower(trimmed), -1) {
		vec[hashToIndex(tok, e.dims)] += tokenWeight
	}
	for _, ng := range ngrams(trimmed, ngramSize) {
		vec[hashToIndex(ng, e.dims)] += ngramWeight
	}
	return media.Normalize(vec), nil
}

// Dimensions returns the vector width.
func (e *StaticTextEmbedder) Dimensions() int { return e.dims }

// ModelName returns the model identifier.
func (e *StaticTextEmbedder) ModelName() string { return StaticTextModel }

func hashToIndex(s string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}

func ngrams(text string, n int) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	runes := []rune(b.String())
	if len(runes) < n {
		return []string{}
	}
	out := make([]string, 0, len(runes)-n+1)
	for i := 0; i <= len(runes)-n; i++ {
		out = append(out, string(runes[i:i+n]))
	}
	return out
}

// StaticImageEmbedder summarises colour layout and brightness statistics and
// projects them into the embedding space with a fixed random projection.
// Near-duplicate images land close together; nothing more is promised.
type StaticImageEmbedder struct {
	dims int

	once       sync.Once
	projection [][]float32
}

// NewStaticImageEmbedder creates a static image embedder.
func NewStaticImageEmbedder(dims int) *StaticImageEmbedder {
	return &StaticImageEmbedder{dims: dims}
}

// featureCount is grid cells times RGB plus a 16 bin luminance histogram.
const featureCount = gridSize*gridSize*3 + 16

// EmbedImage returns a unit vector describing img.
func (e *StaticImageEmbedder) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.once.Do(e.buildProjection)

	features := imageFeatures(img)
	out := make([]float32, e.dims)
	for j := range out {
		row := e.projection[j]
		var sum float32
		for i, f := range features {
			sum += row[i] * f
		}
		out[j] = sum
	}
	return media.Normalize(out), nil
}

// Dimensions returns the vector width.
func (e *StaticImageEmbedder) Dimensions() int { return e.dims }

// ModelName returns the model identifier.
func (e *StaticImageEmbedder) ModelName() string { return StaticImageModel }

func (e *StaticImageEmbedder) buildProjection() {
	rng := rand.New(rand.NewPCG(projectionSeed, projectionSeed))
	scale := float32(1 / math.Sqrt(float64(featureCount)))
	e.projection = make([][]float32, e.dims)
	for j := range e.projection {
		row := make([]float32, featureCount)
		for i := range row {
			row[i] = float32(rng.NormFloat64()) * scale
		}
		e.projection[j] = row
	}
}

// imageFeatures computes mean RGB per grid cell, centred on mid-grey, and a
// luminance histogram.
func imageFeatures(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	features := make([]float32, featureCount)
	if w == 0 || h == 0 {
		return features
	}

	var counts [gridSize * gridSize]float32
	hist := features[gridSize*gridSize*3:]
	var pixels float32

	for y := b.Min.Y; y < b.Max.Y; y++ {
		gy := (y - b.Min.Y) * gridSize / h
		for x := b.Min.X; x < b.Max.X; x++ {
			gx := (x - b.Min.X) * gridSize / w
			r, g, bl, _ := img.At(x, y).RGBA()
			rf, gf, bf := float32(r)/0xffff, float32(g)/0xffff, float32(bl)/0xffff

			cell := gy*gridSize + gx
			features[cell*3] += rf
			features[cell*3+1] += gf
			features[cell*3+2] += bf
			counts[cell]++

			lum := 0.299*rf + 0.587*gf + 0.114*bf
			bin := int(lum * 16)
			if bin > 15 {
				bin = 15
			}
			hist[bin]++
			pixels++
		}
	}

	for cell, n := range counts {
		if n == 0 {
			continue
		}
		for c := 0; c < 3; c++ {
			features[cell*3+c] = features[cell*3+c]/n - 0.5
		}
	}
	for i := range hist {
		hist[i] /= pixels
	}
	return features
}
