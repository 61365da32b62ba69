package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Aman-CERP/imgsift/internal/cluster"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/pipeline"
	"github.com/Aman-CERP/imgsift/internal/search"
)

const captionWidth = 60

// SearchResults prints ranked search hits, one per line.
func (w *Writer) SearchResults(query string, results []search.Result) {
	if len(results) == 0 {
		w.Warningf("No images match %q", query)
		return
	}
	w.Header(fmt.Sprintf("%d result(s) for %q", len(results), query))
	for i, r := range results {
		score := r.Similarity
		if score == 0 {
			score = r.Score
		}
		_, _ = fmt.Fprintf(w.out, "%3d. %s  %s  %s\n",
			i+1,
			w.styles.Score.Render(fmt.Sprintf("%.3f", score)),
			r.Record.ID,
			w.styles.Dim.Render(displayName(r.Record)))
		if r.Record.Metadata.Caption != "" {
			_, _ = fmt.Fprintf(w.out, "     %s\n", truncate(r.Record.Metadata.Caption, captionWidth))
		}
	}
}

// Record prints every field of one record.
func (w *Writer) Record(rec *media.Record) {
	w.Header(rec.ID)
	w.Field("status", rec.Status)
	if rec.ErrorMessage != "" {
		w.Field("error", w.styles.Error.Render(rec.ErrorMessage))
	}
	w.Field("file", displayName(rec))
	w.Field("type", rec.ContentType)
	w.Field("size", humanBytes(rec.Size))
	if rec.Width > 0 {
		w.Field("dimensions", fmt.Sprintf("%dx%d", rec.Width, rec.Height))
	}
	w.Field("created", rec.CreatedAt.Format(time.RFC3339))
	if rec.ProcessedAt != nil {
		w.Field("processed", rec.ProcessedAt.Format(time.RFC3339))
	}
	if rec.ClusterID != nil {
		w.Field("cluster", *rec.ClusterID)
	}
	w.Field("liked", rec.Liked)

	md := rec.Metadata
	if md.Caption != "" {
		w.Field("caption", md.Caption)
	}
	if len(md.Objects) > 0 {
		parts := make([]string, 0, len(md.Objects))
		for _, d := range md.Objects {
			parts = append(parts, fmt.Sprintf("%s (%.2f)", d.Class, d.Confidence))
		}
		w.Field("objects", strings.Join(parts, ", "))
	}
	if md.OCRText != "" {
		w.Field("text", truncate(md.OCRText, captionWidth))
	}
	if len(md.EXIF.Tags) > 0 {
		keys := make([]string, 0, len(md.EXIF.Tags))
		for k := range md.EXIF.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Field("exif", "")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w.out, "    %s %s\n", w.styles.Label.Render(k+":"), md.EXIF.Tags[k])
		}
	}
}

// RecordList prints a compact line per record.
func (w *Writer) RecordList(recs []*media.Record) {
	if len(recs) == 0 {
		w.Status("", "No records")
		return
	}
	for _, rec := range recs {
		liked := " "
		if rec.Liked {
			liked = "♥"
		}
		_, _ = fmt.Fprintf(w.out, "%s %s  %-10s  %s\n",
			liked, rec.ID, rec.Status, w.styles.Dim.Render(displayName(rec)))
	}
}

// Clusters prints a summary line per cluster with up to samples member ids.
func (w *Writer) Clusters(clusters []*media.Cluster, samples int) {
	if len(clusters) == 0 {
		w.Status("", "No clusters. Run 'imgsift cluster run' after indexing some images.")
		return
	}
	w.Header(fmt.Sprintf("%d cluster(s)", len(clusters)))
	for _, c := range clusters {
		label := c.Label
		if label == "" {
			label = fmt.Sprintf("cluster %d", c.ID)
		}
		_, _ = fmt.Fprintf(w.out, "%4d  %-24s %4d member(s)\n", c.ID, truncate(label, 24), c.MemberCount)
		ids := c.MemberIDs
		if samples >= 0 && len(ids) > samples {
			ids = ids[:samples]
		}
		for _, id := range ids {
			_, _ = fmt.Fprintf(w.out, "      %s\n", w.styles.Dim.Render(id))
		}
	}
}

// ClusterInfo prints the summary of a clustering run.
func (w *Writer) ClusterInfo(info cluster.Info) {
	w.Successf("Clustered %d image(s) into %d cluster(s), %d unassigned",
		info.TotalPoints, info.NClusters, info.NoisePoints)
	labels := make([]int, 0, len(info.ClusterSizes))
	for l := range info.ClusterSizes {
		labels = append(labels, l)
	}
	sort.Ints(labels)
	for _, l := range labels {
		w.Field(fmt.Sprintf("cluster %d", l), info.ClusterSizes[l])
	}
}

// Suggestion prints the outcome of a cluster suggestion.
func (w *Writer) Suggestion(s cluster.Suggestion) {
	if !s.Assigned {
		w.Warningf("%s does not fit any cluster (best similarity %.3f)", s.MediaID, s.Similarity)
		return
	}
	w.Successf("%s belongs to cluster %d (similarity %.3f)", s.MediaID, s.ClusterID, s.Similarity)
}

// Stats prints store totals.
func (w *Writer) Stats(st media.Stats) {
	w.Header("Library")
	w.Field("total", st.Total)
	for _, s := range []media.Status{media.StatusPending, media.StatusProcessing, media.StatusIndexed, media.StatusFailed} {
		w.Field(string(s), st.ByStatus[s])
	}
	w.Field("clusters", st.Clusters)
	w.Field("liked", st.Liked)
}

// IngestResults prints one line per ingested file and returns how many failed.
func (w *Writer) IngestResults(results []*pipeline.IngestResult) int {
	failed := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
			w.Errorf("%s: %v", r.Path, r.Err)
		case r.Duplicate:
			w.Statusf("↺", "%s already ingested as %s", r.Path, r.Record.ID)
		default:
			w.Successf("%s → %s (job %s)", r.Path, r.Record.ID, r.JobID)
		}
	}
	return failed
}

func displayName(rec *media.Record) string {
	if rec.Filename != "" {
		return rec.Filename
	}
	return rec.StorageKey
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
