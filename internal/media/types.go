// Package media defines the records the pipeline produces and the vector
// helpers shared by fusion, clustering and search.
package media

import (
	"time"
)

// Status is the processing state of a MediaRecord.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusIndexed    Status = "indexed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusIndexed, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further pipeline transition can happen.
func (s Status) Terminal() bool {
	return s == StatusIndexed || s == StatusFailed
}

// NoiseLabel marks an item the clusterer declined to assign.
const NoiseLabel = -1

// Record is one ingested image.
type Record struct {
	ID          string `json:"id"`
	ContentHash string `json:"content_hash"`
	StorageKey  string `json:"storage_key"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`

	Status       Status `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`

	Metadata Metadata `json:"metadata"`

	// Embedding is set only when Status is StatusIndexed.
	Embedding []float32 `json:"-"`

	// ClusterID is nil when unassigned.
	ClusterID *int `json:"cluster_id,omitempty"`
	Liked     bool `json:"liked"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// HasEmbedding reports whether the record can take part in search and clustering.
func (r *Record) HasEmbedding() bool {
	return r.Status == StatusIndexed && len(r.Embedding) > 0
}

// Metadata is everything the analysis stages extracted from an image.
type Metadata struct {
	Objects    []Detection `json:"objects"`
	Caption    string      `json:"caption"`
	OCRText    string      `json:"ocr_text"`
	TextBlocks []TextBlock `json:"text_blocks"`
	EXIF       EXIF        `json:"exif"`
}

// EmptyMetadata returns metadata with every stage at its empty default.
func EmptyMetadata() Metadata {
	return Metadata{
		Objects:    []Detection{},
		TextBlocks: []TextBlock{},
		EXIF:       EXIF{Tags: map[string]string{}},
	}
}

// BBox is an axis-aligned box in pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one detected object.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// TextBox is the OCR block geometry.
type TextBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// TextBlock is one recognised span of text.
type TextBlock struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	BBox       TextBox `json:"bbox"`
}

// OCRResult is the output of the text extraction stage.
type OCRResult struct {
	Text   string      `json:"text"`
	Blocks []TextBlock `json:"blocks"`
}

// EXIF holds camera metadata. GPS fields live in their own map.
type EXIF struct {
	Tags map[string]string `json:"tags"`
	GPS  map[string]string `json:"gps,omitempty"`
}

// Empty reports whether nothing was extracted.
func (e EXIF) Empty() bool {
	return len(e.Tags) == 0 && len(e.GPS) == 0
}

// Cluster is one discovered group of records. ID is the non-negative label
// produced by the clustering run.
type Cluster struct {
	ID          int       `json:"id"`
	Type        string    `json:"cluster_type"`
	Label       string    `json:"label,omitempty"`
	Description string    `json:"description,omitempty"`
	MemberIDs   []string  `json:"member_ids"`
	MemberCount int       `json:"member_count"`
	Centroid    []float32 `json:"-"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RemoveMember drops id from the member list and keeps MemberCount in step.
// It reports whether id was a member.
func (c *Cluster) RemoveMember(id string) bool {
	for i, m := range c.MemberIDs {
		if m == id {
			c.MemberIDs = append(c.MemberIDs[:i:i], c.MemberIDs[i+1:]...)
			c.MemberCount = len(c.MemberIDs)
			return true
		}
	}
	return false
}

// Update lists the fields to change on a record. Nil fields are left alone.
type Update struct {
	Status       *Status
	Width        *int
	Height       *int
	Metadata     *Metadata
	Embedding    []float32
	ErrorMessage *string
	ProcessedAt  *time.Time
	Liked        *bool

	// ClearEmbedding drops any stored vector. Embedding must be nil.
	ClearEmbedding bool
}

// Filter narrows ListMedia.
type Filter struct {
	Status *Status
	Liked  *bool
	Offset int
	Limit  int
}

// Embedded is the projection clustering and exact search work on.
type Embedded struct {
	ID        string
	CreatedAt time.Time
	Vector    []float32
}

// Stats summarises the record store.
type Stats struct {
	ByStatus map[Status]int `json:"by_status"`
	Total    int            `json:"total"`
	Clusters int            `json:"clusters"`
	Liked    int            `json:"liked"`
}

// ClusterRun is the complete output of one clustering run, applied by the
// record store in a single transaction.
type ClusterRun struct {
	Clusters    []*Cluster
	Assignments map[string]int
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
