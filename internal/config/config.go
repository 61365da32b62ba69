// Package config loads imgsift configuration: defaults, then the user file,
// then the project file, then IMGSIFT_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectFileNames are searched in the working directory, in order.
var ProjectFileNames = []string{"imgsift.yaml", "imgsift.yml"}

// Config represents the complete imgsift configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Models   ModelsConfig   `yaml:"models" json:"models"`
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Cluster  ClusterConfig  `yaml:"cluster" json:"cluster"`
	Search   SearchConfig   `yaml:"search" json:"search"`
	Worker   WorkerConfig   `yaml:"worker" json:"worker"`
	Watch    WatchConfig    `yaml:"watch" json:"watch"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// StorageConfig configures the object store.
type StorageConfig struct {
	// ObjectsRoot is the directory holding original image bytes.
	ObjectsRoot string `yaml:"objects_root" json:"objects_root"`
}

// DatabaseConfig selects and configures the record store.
type DatabaseConfig struct {
	// Driver is "sqlite" (default), "postgres" or "memory".
	Driver      string `yaml:"driver" json:"driver"`
	SQLitePath  string `yaml:"sqlite_path" json:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url" json:"postgres_url"`
	MaxConns    int32  `yaml:"max_conns" json:"max_conns"`
}

// QueueConfig selects the job queue.
type QueueConfig struct {
	// Backend is "memory" (default, single process) or "redis".
	Backend  string `yaml:"backend" json:"backend"`
	RedisURL string `yaml:"redis_url" json:"redis_url"`
	// Name prefixes every Redis key.
	Name string `yaml:"name" json:"name"`
	// ResultTTL is how long job status survives after the job ends.
	ResultTTL time.Duration `yaml:"result_ttl" json:"result_ttl"`
}

// ModelsConfig configures the stage adapters.
type ModelsConfig struct {
	// Backend is "sidecar" (model server over HTTP) or "static" (offline).
	Backend    string `yaml:"backend" json:"backend"`
	SidecarURL string `yaml:"sidecar_url" json:"sidecar_url"`

	// CaptionBackend is "ollama", "sidecar" or "none".
	CaptionBackend string `yaml:"caption_backend" json:"caption_backend"`
	OllamaHost     string `yaml:"ollama_host" json:"ollama_host"`
	CaptionModel   string `yaml:"caption_model" json:"caption_model"`

	DetectEnabled     bool          `yaml:"detect_enabled" json:"detect_enabled"`
	DetectModel       string        `yaml:"detect_model" json:"detect_model"`
	DetectConfidence  float64       `yaml:"detect_confidence" json:"detect_confidence"`
	OCREnabled        bool          `yaml:"ocr_enabled" json:"ocr_enabled"`
	EmbeddingModel    string        `yaml:"embedding_model" json:"embedding_model"`
	EmbeddingDim      int           `yaml:"embedding_dim" json:"embedding_dim"`
	RequestTimeout    time.Duration `yaml:"request_timeout" json:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	QueryCacheSize    int           `yaml:"query_cache_size" json:"query_cache_size"`
}

// PipelineConfig bounds what ingest accepts.
type PipelineConfig struct {
	MaxUploadMB  int `yaml:"max_upload_mb" json:"max_upload_mb"`
	MaxBulkFiles int `yaml:"max_bulk_files" json:"max_bulk_files"`
	// MaxImagePixels caps width*height as declared by the image header.
	MaxImagePixels int `yaml:"max_image_pixels" json:"max_image_pixels"`
}

// ClusterConfig configures the clusterer.
type ClusterConfig struct {
	MinClusterSize int `yaml:"min_cluster_size" json:"min_cluster_size"`
	MinSamples     int `yaml:"min_samples" json:"min_samples"`
	// Metric is "euclidean" (default) or "cosine".
	Metric          string  `yaml:"metric" json:"metric"`
	AssignThreshold float64 `yaml:"assign_threshold" json:"assign_threshold"`
	// OutlierCutoff is the GLOSH score above which a point is dropped from
	// the single cluster kept when the tree has no stable split.
	OutlierCutoff float64 `yaml:"outlier_cutoff" json:"outlier_cutoff"`
}

// SearchConfig configures the search engine.
type SearchConfig struct {
	Threshold    float64 `yaml:"threshold" json:"threshold"`
	DefaultLimit int     `yaml:"default_limit" json:"default_limit"`
	MaxLimit     int     `yaml:"max_limit" json:"max_limit"`
	// Index is "exact" (default) or "hnsw".
	Index            string `yaml:"index" json:"index"`
	KeywordIndexPath string `yaml:"keyword_index_path" json:"keyword_index_path"`
}

// WorkerConfig configures job execution.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	JobTimeout  time.Duration `yaml:"job_timeout" json:"job_timeout"`
	// LockFile, when set, makes the accelerator gate exclusive across
	// every worker process on the host.
	LockFile string `yaml:"lock_file" json:"lock_file"`
}

// WatchConfig configures the inbox watcher.
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
	// IngestPerSecond throttles ingest of a burst of new files.
	IngestPerSecond float64 `yaml:"ingest_per_second" json:"ingest_per_second"`
}

// ServerConfig configures `imgsift serve`.
type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	File   string `yaml:"file" json:"file"`
	Format string `yaml:"format" json:"format"`
}

// NewConfig returns a configuration with every default applied.
func NewConfig() *Config {
	home := dataDir()
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			ObjectsRoot: filepath.Join(home, "objects"),
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(home, "imgsift.db"),
			MaxConns:   10,
		},
		Queue: QueueConfig{
			Backend:   "memory",
			RedisURL:  "redis://localhost:6379/0",
			Name:      "imgsift",
			ResultTTL: 24 * time.Hour,
		},
		Models: ModelsConfig{
			Backend:           "sidecar",
			SidecarURL:        "http://localhost:8500",
			CaptionBackend:    "ollama",
			OllamaHost:        "http://localhost:11434",
			CaptionModel:      "llava:7b",
			DetectEnabled:     true,
			DetectModel:       "yolov10b",
			DetectConfidence:  0.25,
			OCREnabled:        true,
			EmbeddingModel:    "ViT-L-14",
			EmbeddingDim:      768,
			RequestTimeout:    2 * time.Minute,
			RequestsPerSecond: 10,
			QueryCacheSize:    1000,
		},
		Pipeline: PipelineConfig{
			MaxUploadMB:    50,
			MaxBulkFiles:   200,
			MaxImagePixels: 89_478_485,
		},
		Cluster: ClusterConfig{
			MinClusterSize:  2,
			MinSamples:      1,
			Metric:          "euclidean",
			AssignThreshold: 0.7,
			OutlierCutoff:   0.5,
		},
		Search: SearchConfig{
			Threshold:        0.45,
			DefaultLimit:     20,
			MaxLimit:         100,
			Index:            "exact",
			KeywordIndexPath: filepath.Join(home, "keyword.bleve"),
		},
		Worker: WorkerConfig{
			Concurrency: 1,
			JobTimeout:  600 * time.Second,
		},
		Watch: WatchConfig{
			Debounce:        500 * time.Millisecond,
			IngestPerSecond: 5,
		},
		Server: ServerConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// dataDir returns ~/.imgsift, or a temp dir without a home.
func dataDir() string {
	if v := os.Getenv("IMGSIFT_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".imgsift")
	}
	return filepath.Join(home, ".imgsift")
}

// DataDir returns the directory imgsift keeps its local state in.
func DataDir() string {
	return dataDir()
}

// GetUserConfigPath returns $XDG_CONFIG_HOME/imgsift/config.yaml or
// ~/.config/imgsift/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "imgsift", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "imgsift", "config.yaml")
	}
	return filepath.Join(home, ".config", "imgsift", "config.yaml")
}

// Load builds the configuration. explicit, when non-empty, names the
// project file and must exist; otherwise imgsift.yaml in dir is used if
// present. Precedence, lowest first:
//  1. Defaults
//  2. User config
//  3. Project config
//  4. IMGSIFT_* environment variables
func Load(dir, explicit string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	switch {
	case explicit != "":
		if !fileExists(explicit) {
			return nil, fmt.Errorf("config file not found: %s", explicit)
		}
		if err := cfg.loadYAML(explicit); err != nil {
			return nil, err
		}
	default:
		for _, name := range ProjectFileNames {
			p := filepath.Join(dir, name)
			if fileExists(p) {
				if err := cfg.loadYAML(p); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadYAML parses path and merges its non-zero values into c.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith copies non-zero values from other into c. Booleans are only
// ever switched off through the environment, since false is their zero value.
func (c *Config) mergeWith(o *Config) {
	if o.Version != 0 {
		c.Version = o.Version
	}
	setString(&c.Storage.ObjectsRoot, o.Storage.ObjectsRoot)

	setString(&c.Database.Driver, o.Database.Driver)
	setString(&c.Database.SQLitePath, o.Database.SQLitePath)
	setString(&c.Database.PostgresURL, o.Database.PostgresURL)
	if o.Database.MaxConns > 0 {
		c.Database.MaxConns = o.Database.MaxConns
	}

	setString(&c.Queue.Backend, o.Queue.Backend)
	setString(&c.Queue.RedisURL, o.Queue.RedisURL)
	setString(&c.Queue.Name, o.Queue.Name)
	setDuration(&c.Queue.ResultTTL, o.Queue.ResultTTL)

	m := o.Models
	setString(&c.Models.Backend, m.Backend)
	setString(&c.Models.SidecarURL, m.SidecarURL)
	setString(&c.Models.CaptionBackend, m.CaptionBackend)
	setString(&c.Models.OllamaHost, m.OllamaHost)
	setString(&c.Models.CaptionModel, m.CaptionModel)
	setString(&c.Models.DetectModel, m.DetectModel)
	setString(&c.Models.EmbeddingModel, m.EmbeddingModel)
	setFloat(&c.Models.DetectConfidence, m.DetectConfidence)
	setInt(&c.Models.EmbeddingDim, m.EmbeddingDim)
	setDuration(&c.Models.RequestTimeout, m.RequestTimeout)
	setFloat(&c.Models.RequestsPerSecond, m.RequestsPerSecond)
	setInt(&c.Models.QueryCacheSize, m.QueryCacheSize)

	setInt(&c.Pipeline.MaxUploadMB, o.Pipeline.MaxUploadMB)
	setInt(&c.Pipeline.MaxBulkFiles, o.Pipeline.MaxBulkFiles)
	setInt(&c.Pipeline.MaxImagePixels, o.Pipeline.MaxImagePixels)

	setInt(&c.Cluster.MinClusterSize, o.Cluster.MinClusterSize)
	setInt(&c.Cluster.MinSamples, o.Cluster.MinSamples)
	setString(&c.Cluster.Metric, o.Cluster.Metric)
	setFloat(&c.Cluster.AssignThreshold, o.Cluster.AssignThreshold)
	setFloat(&c.Cluster.OutlierCutoff, o.Cluster.OutlierCutoff)

	setFloat(&c.Search.Threshold, o.Search.Threshold)
	setInt(&c.Search.DefaultLimit, o.Search.DefaultLimit)
	setInt(&c.Search.MaxLimit, o.Search.MaxLimit)
	setString(&c.Search.Index, o.Search.Index)
	setString(&c.Search.KeywordIndexPath, o.Search.KeywordIndexPath)

	setInt(&c.Worker.Concurrency, o.Worker.Concurrency)
	setDuration(&c.Worker.JobTimeout, o.Worker.JobTimeout)
	setString(&c.Worker.LockFile, o.Worker.LockFile)

	setDuration(&c.Watch.Debounce, o.Watch.Debounce)
	setFloat(&c.Watch.IngestPerSecond, o.Watch.IngestPerSecond)

	setString(&c.Server.MetricsAddr, o.Server.MetricsAddr)

	setString(&c.Logging.Level, o.Logging.Level)
	setString(&c.Logging.File, o.Logging.File)
	setString(&c.Logging.Format, o.Logging.Format)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies IMGSIFT_* environment variable overrides.
// Malformed numeric values are ignored.
func (c *Config) applyEnvOverrides() {
	envString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				*dst = f
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}
	envDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				*dst = d
			}
		}
	}

	envString("IMGSIFT_OBJECTS_ROOT", &c.Storage.ObjectsRoot)

	envString("IMGSIFT_DATABASE_DRIVER", &c.Database.Driver)
	envString("IMGSIFT_SQLITE_PATH", &c.Database.SQLitePath)
	// DATABASE_URL is honoured for compatibility with container platforms.
	envString("DATABASE_URL", &c.Database.PostgresURL)
	envString("IMGSIFT_POSTGRES_URL", &c.Database.PostgresURL)

	envString("IMGSIFT_QUEUE_BACKEND", &c.Queue.Backend)
	envString("IMGSIFT_REDIS_URL", &c.Queue.RedisURL)

	envString("IMGSIFT_MODELS_BACKEND", &c.Models.Backend)
	envString("IMGSIFT_SIDECAR_URL", &c.Models.SidecarURL)
	envString("IMGSIFT_CAPTION_BACKEND", &c.Models.CaptionBackend)
	envString("IMGSIFT_OLLAMA_HOST", &c.Models.OllamaHost)
	envString("IMGSIFT_CAPTION_MODEL", &c.Models.CaptionModel)
	envBool("IMGSIFT_DETECT_ENABLED", &c.Models.DetectEnabled)
	envBool("IMGSIFT_OCR_ENABLED", &c.Models.OCREnabled)
	envInt("IMGSIFT_EMBEDDING_DIM", &c.Models.EmbeddingDim)

	envInt("IMGSIFT_MIN_CLUSTER_SIZE", &c.Cluster.MinClusterSize)
	envInt("IMGSIFT_MIN_SAMPLES", &c.Cluster.MinSamples)
	envFloat("IMGSIFT_ASSIGN_THRESHOLD", &c.Cluster.AssignThreshold)
	envFloat("IMGSIFT_OUTLIER_CUTOFF", &c.Cluster.OutlierCutoff)

	envFloat("IMGSIFT_SEARCH_THRESHOLD", &c.Search.Threshold)
	envString("IMGSIFT_SEARCH_INDEX", &c.Search.Index)

	envInt("IMGSIFT_WORKER_CONCURRENCY", &c.Worker.Concurrency)
	envDuration("IMGSIFT_WORKER_TIMEOUT", &c.Worker.JobTimeout)
	envString("IMGSIFT_LOCK_FILE", &c.Worker.LockFile)

	envString("IMGSIFT_METRICS_ADDR", &c.Server.MetricsAddr)
	envString("IMGSIFT_LOG_LEVEL", &c.Logging.Level)
}

// Validate checks the final configuration.
func (c *Config) Validate() error {
	if err := oneOf("database.driver", c.Database.Driver, "sqlite", "postgres", "memory"); err != nil {
		return err
	}
	if c.Database.Driver == "postgres" && c.Database.PostgresURL == "" {
		return fmt.Errorf("database.postgres_url is required for the postgres driver")
	}
	if err := oneOf("queue.backend", c.Queue.Backend, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("models.backend", c.Models.Backend, "sidecar", "static"); err != nil {
		return err
	}
	if err := oneOf("models.caption_backend", c.Models.CaptionBackend, "ollama", "sidecar", "none"); err != nil {
		return err
	}
	if c.Models.EmbeddingDim <= 0 {
		return fmt.Errorf("models.embedding_dim must be positive, got %d", c.Models.EmbeddingDim)
	}
	if c.Models.DetectConfidence < 0 || c.Models.DetectConfidence > 1 {
		return fmt.Errorf("models.detect_confidence must be between 0 and 1, got %f", c.Models.DetectConfidence)
	}

	if c.Cluster.MinClusterSize < 2 {
		return fmt.Errorf("cluster.min_cluster_size must be at least 2, got %d", c.Cluster.MinClusterSize)
	}
	if c.Cluster.MinSamples < 1 {
		return fmt.Errorf("cluster.min_samples must be at least 1, got %d", c.Cluster.MinSamples)
	}
	if err := oneOf("cluster.metric", c.Cluster.Metric, "euclidean", "cosine"); err != nil {
		return err
	}
	if c.Cluster.AssignThreshold < -1 || c.Cluster.AssignThreshold > 1 {
		return fmt.Errorf("cluster.assign_threshold must be between -1 and 1, got %f", c.Cluster.AssignThreshold)
	}
	if c.Cluster.OutlierCutoff <= 0 || c.Cluster.OutlierCutoff > 1 {
		return fmt.Errorf("cluster.outlier_cutoff must be in (0, 1], got %f", c.Cluster.OutlierCutoff)
	}

	if c.Search.Threshold < -1 || c.Search.Threshold > 1 {
		return fmt.Errorf("search.threshold must be between -1 and 1, got %f", c.Search.Threshold)
	}
	if c.Search.DefaultLimit < 1 || c.Search.MaxLimit < c.Search.DefaultLimit {
		return fmt.Errorf("search limits invalid: default %d, max %d", c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	if err := oneOf("search.index", c.Search.Index, "exact", "hnsw"); err != nil {
		return err
	}

	if c.Pipeline.MaxUploadMB <= 0 || c.Pipeline.MaxBulkFiles <= 0 || c.Pipeline.MaxImagePixels <= 0 {
		return fmt.Errorf("pipeline limits must be positive")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be positive")
	}
	if err := oneOf("logging.level", c.Logging.Level, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Pipeline.MaxUploadMB) * 1024 * 1024
}

// ClampLimit applies the search limit defaults and bounds.
func (c *Config) ClampLimit(limit int) int {
	return c.Search.ClampLimit(limit)
}

// ClampLimit maps a non-positive limit to the default and caps the rest
// at MaxLimit.
func (s SearchConfig) ClampLimit(limit int) int {
	if limit <= 0 {
		limit = s.DefaultLimit
	}
	if s.MaxLimit > 0 && limit > s.MaxLimit {
		return s.MaxLimit
	}
	if limit < 1 {
		return 1
	}
	return limit
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
