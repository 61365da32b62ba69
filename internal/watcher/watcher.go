package watcher

import (
	"path/filepath"
	"strings"
	"time"
)

// Operation is the kind of change seen for a path.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
	OpRename
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one change to a file in the inbox.
type FileEvent struct {
	// Path is absolute.
	Path      string
	Operation Operation
	Timestamp time.Time
}

// Options configures an InboxWatcher.
type Options struct {
	// Debounce is how long a path must be quiet before it is ingested.
	// Default: 500ms
	Debounce time.Duration

	// IngestPerSecond limits ingest calls. Zero or less means unlimited.
	IngestPerSecond float64

	// Extensions are the lower-case file extensions treated as images.
	// Default: DefaultExtensions
	Extensions []string

	// ScanExisting ingests files already in the inbox at start. Duplicates
	// are absorbed by content-hash dedup.
	ScanExisting bool
}

// DefaultExtensions are the image formats the decoder understands.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff"}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if len(o.Extensions) == 0 {
		o.Extensions = DefaultExtensions
	}
	return o
}

// isImage reports whether path has one of exts. Hidden and partial
// download files are never images.
func isImage(path string, exts []string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
