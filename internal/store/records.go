package store

import (
	"strconv"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
)

// applyUpdate copies the set fields of u onto rec.
func applyUpdate(rec *media.Record, u media.Update) {
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Width != nil {
		rec.Width = *u.Width
	}
	if u.Height != nil {
		rec.Height = *u.Height
	}
	if u.Metadata != nil {
		rec.Metadata = cloneMetadata(*u.Metadata)
	}
	if u.Embedding != nil {
		rec.Embedding = append([]float32(nil), u.Embedding...)
	}
	if u.ClearEmbedding {
		rec.Embedding = nil
	}
	if u.ErrorMessage != nil {
		rec.ErrorMessage = *u.ErrorMessage
	}
	if u.ProcessedAt != nil {
		t := *u.ProcessedAt
		rec.ProcessedAt = &t
	}
	if u.Liked != nil {
		rec.Liked = *u.Liked
	}
}

func cloneRecord(r *media.Record) *media.Record {
	cp := *r
	cp.Metadata = cloneMetadata(r.Metadata)
	if r.Embedding != nil {
		cp.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.ClusterID != nil {
		cp.ClusterID = media.Ptr(*r.ClusterID)
	}
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

func cloneMetadata(m media.Metadata) media.Metadata {
	cp := m
	if m.Objects != nil {
		cp.Objects = append([]media.Detection(nil), m.Objects...)
	}
	if m.TextBlocks != nil {
		cp.TextBlocks = append([]media.TextBlock(nil), m.TextBlocks...)
	}
	cp.EXIF = media.EXIF{Tags: cloneMap(m.EXIF.Tags), GPS: cloneMap(m.EXIF.GPS)}
	return cp
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneCluster(c *media.Cluster) *media.Cluster {
	cp := *c
	cp.MemberIDs = append([]string{}, c.MemberIDs...)
	if c.Centroid != nil {
		cp.Centroid = append([]float32(nil), c.Centroid...)
	}
	return &cp
}

func conflict(kind, id string) error {
	return siftErrors.New(siftErrors.ErrCodeStoreFailed, kind+" "+id+" already exists", nil)
}

func itoa(i int) string { return strconv.Itoa(i) }
