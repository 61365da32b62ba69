package mcp

import (
	"time"

	"github.com/Aman-CERP/imgsift/internal/media"
)

// SearchImagesInput is the search_images tool input.
type SearchImagesInput struct {
	Query     string   `json:"query" jsonschema:"natural language description of the images to find"`
	Limit     int      `json:"limit,omitempty" jsonschema:"maximum number of results, default 20"`
	Threshold *float64 `json:"threshold,omitempty" jsonschema:"minimum cosine similarity, default from config"`
	Mode      string   `json:"mode,omitempty" jsonschema:"vector (default) or text for keyword search over captions and OCR"`
}

// SearchImagesOutput is the search_images tool output.
type SearchImagesOutput struct {
	Query   string        `json:"query"`
	Results []ImageResult `json:"results"`
}

// ImageResult is one image in tool output.
type ImageResult struct {
	ID         string   `json:"id"`
	Filename   string   `json:"filename,omitempty"`
	Caption    string   `json:"caption,omitempty"`
	Objects    []string `json:"objects,omitempty"`
	OCRText    string   `json:"ocr_text,omitempty"`
	Similarity float64  `json:"similarity,omitempty"`
	Score      float64  `json:"score,omitempty"`
	ClusterID  *int     `json:"cluster_id,omitempty"`
	Liked      bool     `json:"liked"`
}

// ImageStatusInput is the image_status tool input.
type ImageStatusInput struct {
	ID    string `json:"id,omitempty" jsonschema:"media record id"`
	JobID string `json:"job_id,omitempty" jsonschema:"job id returned by ingest"`
}

// ImageStatusOutput is the image_status tool output. Job is set when a
// job id was given.
type ImageStatusOutput struct {
	Record *RecordStatus `json:"record,omitempty"`
	Job    *JobStatus    `json:"job,omitempty"`
}

// RecordStatus summarises a media record.
type RecordStatus struct {
	ID           string       `json:"id"`
	Status       media.Status `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Caption      string       `json:"caption,omitempty"`
	Objects      []string     `json:"objects,omitempty"`
	ClusterID    *int         `json:"cluster_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ProcessedAt  *time.Time   `json:"processed_at,omitempty"`
}

// JobStatus summarises a queued job.
type JobStatus struct {
	ID     string     `json:"id"`
	Kind   string     `json:"kind"`
	State  string     `json:"state"`
	Result string     `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
	Ended  *time.Time `json:"ended_at,omitempty"`
}

// ListClustersInput is the list_clusters tool input.
type ListClustersInput struct {
	// Samples caps member ids per cluster.
	Samples int `json:"samples,omitempty" jsonschema:"member ids to include per cluster, default 5"`
}

// ListClustersOutput is the list_clusters tool output.
type ListClustersOutput struct {
	Clusters []ClusterSummary `json:"clusters"`
}

// ClusterSummary is one cluster in tool output.
type ClusterSummary struct {
	ID          int      `json:"id"`
	Label       string   `json:"label,omitempty"`
	Type        string   `json:"type"`
	MemberCount int      `json:"member_count"`
	SampleIDs   []string `json:"sample_ids"`
}

// classes returns the distinct object classes of rec in detection order.
func classes(rec *media.Record) []string {
	seen := make(map[string]bool, len(rec.Metadata.Objects))
	var out []string
	for _, d := range rec.Metadata.Objects {
		if !seen[d.Class] {
			seen[d.Class] = true
			out = append(out, d.Class)
		}
	}
	return out
}
