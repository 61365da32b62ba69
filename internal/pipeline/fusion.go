package pipeline

import (
	"sort"
	"strconv"
	"strings"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
)

// objectsPrefix starts the text embedded for detected objects.
const objectsPrefix = "detected objects: "

// ObjectsText describes detections as "detected objects: a, b" with unique
// class names in sorted order, or "" when nothing was detected.
func ObjectsText(dets []media.Detection) string {
	seen := make(map[string]struct{}, len(dets))
	classes := make([]string, 0, len(dets))
	for _, d := range dets {
		if d.Class == "" {
			continue
		}
		if _, ok := seen[d.Class]; ok {
			continue
		}
		seen[d.Class] = struct{}{}
		classes = append(classes, d.Class)
	}
	if len(classes) == 0 {
		return ""
	}
	sort.Strings(classes)
	return objectsPrefix + strings.Join(classes, ", ")
}

// Fuse averages the unit-normalised image, caption and objects vectors and
// normalises the result. Every input must have exactly dims components.
// Inputs that cancel out fail with ErrCodeEmbeddingFailed instead of
// yielding a zero vector.
func Fuse(dims int, image, caption, objects []float32) ([]float32, error) {
	parts := [][]float32{image, caption, objects}
	for _, p := range parts {
		if err := media.CheckDimension(p, dims); err != nil {
			return nil, err
		}
	}
	normed := make([][]float32, len(parts))
	for i, p := range parts {
		normed[i] = media.Normalize(p)
	}
	fused := media.Normalize(media.Mean(normed...))
	if !media.IsUnit(fused) {
		return nil, siftErrors.New(siftErrors.ErrCodeEmbeddingFailed,
			"fused embedding has zero length", nil)
	}
	return fused, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
