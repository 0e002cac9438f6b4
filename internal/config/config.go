// Package config loads the indexer configuration: built-in defaults, then an
// optional YAML file, then METAINDEX_* environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"metaindex/internal/blob"
	"metaindex/internal/core"
	"metaindex/internal/index"
	"metaindex/pkg/domain"
)

// Repository kinds.
const (
	RepositoryCanned   = "canned"
	RepositorySnapshot = "snapshot"
)

// Config is the top-level metaindex.yml configuration.
type Config struct {
	Catalog     string            `yaml:"catalog"`
	SourceName  string            `yaml:"source_name"`
	Index       IndexConfig       `yaml:"index"`
	Blob        BlobConfig        `yaml:"blob"`
	Repository  RepositoryConfig  `yaml:"repository"`
	Transform   TransformConfig   `yaml:"transform"`
	Writer      WriterConfig      `yaml:"writer"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// IndexConfig selects the document index backend.
type IndexConfig struct {
	Driver      string      `yaml:"driver"` // memory, redis, sqlite or postgres
	Redis       RedisConfig `yaml:"redis,omitempty"`
	SQLitePath  string      `yaml:"sqlite_path,omitempty"`
	PostgresDSN string      `yaml:"postgres_dsn,omitempty"`
}

// RedisConfig configures the redis index backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// BlobConfig selects the blob store holding canned bundles.
type BlobConfig struct {
	Driver string        `yaml:"driver"` // fs, s3 or memory
	FSRoot string        `yaml:"fs_root,omitempty"`
	S3     blob.S3Config `yaml:"s3,omitempty"`
}

// RepositoryConfig selects where bundles are read from.
type RepositoryConfig struct {
	Kind        string `yaml:"kind"` // canned or snapshot
	SnapshotDSN string `yaml:"snapshot_dsn,omitempty"`
	// StitchBatchSize bounds the bundles named in one snapshot query.
	StitchBatchSize int `yaml:"stitch_batch_size"`
	// Workers bounds concurrent metadata reads while fetching a bundle.
	Workers int `yaml:"workers"`
}

// TransformConfig bounds the contributions produced in one step.
type TransformConfig struct {
	// MaxPartitionSize is the largest number of entities contributed at once;
	// bigger bundles are divided into partitions.
	MaxPartitionSize int `yaml:"max_partition_size"`
}

// WriterConfig bounds retries and sizes bulk writes.
type WriterConfig struct {
	ConflictRetryLimit Limit `yaml:"conflict_retry_limit"`
	ErrorRetryLimit    Limit `yaml:"error_retry_limit"`
	BulkThreshold      int   `yaml:"bulk_threshold"`
	ParallelThreshold  int   `yaml:"parallel_threshold"`
	BulkWorkers        int   `yaml:"bulk_workers"`
	ChunkSize          int   `yaml:"chunk_size"`
	MaxChunkBytes      int   `yaml:"max_chunk_bytes"`
}

// AggregationConfig tunes contribution reads and aggregate size.
type AggregationConfig struct {
	ContributionPageSize int `yaml:"contribution_page_size"`
	MaxAggregateBundles  int `yaml:"max_aggregate_bundles"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig configures metrics and trace export.
type MetricsConfig struct {
	// Addr serves Prometheus metrics on /metrics when set.
	Addr string `yaml:"addr,omitempty"`
	// TracePath appends JSON trace spans to the file when set.
	TracePath string `yaml:"trace_path,omitempty"`
}

// Limit is a retry limit; Unlimited disables it. YAML accepts an integer or
// the string "unlimited".
type Limit int

// Unlimited disables a retry limit.
const Unlimited Limit = domain.Unlimited

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseLimit(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*l = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (l Limit) MarshalYAML() (any, error) {
	if l == Unlimited {
		return "unlimited", nil
	}
	return int(l), nil
}

func parseLimit(s string) (Limit, error) {
	if strings.EqualFold(s, "unlimited") {
		return Unlimited, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid retry limit %q", s)
	}
	return Limit(n), nil
}

// Default returns the configuration used when nothing is overridden: an
// in-memory index fed from canned bundles on the local filesystem.
func Default() Config {
	svc := core.DefaultConfig()
	return Config{
		Catalog:    svc.Catalog,
		SourceName: "canned",
		Index: IndexConfig{
			Driver:     string(index.DriverMemory),
			Redis:      RedisConfig{Addr: "localhost:6379", Prefix: "metaindex"},
			SQLitePath: "metaindex.db",
		},
		Blob: BlobConfig{
			Driver: string(blob.DriverFilesystem),
			FSRoot: "./blobdata",
		},
		Repository: RepositoryConfig{
			Kind:            RepositoryCanned,
			StitchBatchSize: 1000,
			Workers:         8,
		},
		Transform: TransformConfig{MaxPartitionSize: svc.MaxPartitionSize},
		Writer: WriterConfig{
			ConflictRetryLimit: Limit(svc.ConflictRetryLimit),
			ErrorRetryLimit:    Limit(svc.ErrorRetryLimit),
			BulkThreshold:      svc.BulkThreshold,
			ParallelThreshold:  svc.ParallelThreshold,
			BulkWorkers:        svc.BulkWorkers,
			ChunkSize:          svc.ChunkSize,
			MaxChunkBytes:      svc.MaxChunkBytes,
		},
		Aggregation: AggregationConfig{
			ContributionPageSize: svc.ContributionPageSize,
			MaxAggregateBundles:  svc.MaxAggregateBundles,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// process environment and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

func str(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*field(c) = n
		return nil
	}
}

func limit(field func(c *Config) *Limit) func(*Config, string) error {
	return func(c *Config, v string) error {
		l, err := parseLimit(v)
		if err != nil {
			return err
		}
		*field(c) = l
		return nil
	}
}

var envBindings = []envBinding{
	{"METAINDEX_CATALOG", str(func(c *Config) *string { return &c.Catalog })},
	{"METAINDEX_SOURCE_NAME", str(func(c *Config) *string { return &c.SourceName })},
	{"METAINDEX_INDEX_DRIVER", str(func(c *Config) *string { return &c.Index.Driver })},
	{"METAINDEX_REDIS_ADDR", str(func(c *Config) *string { return &c.Index.Redis.Addr })},
	{"METAINDEX_REDIS_PASSWORD", str(func(c *Config) *string { return &c.Index.Redis.Password })},
	{"METAINDEX_REDIS_DB", integer(func(c *Config) *int { return &c.Index.Redis.DB })},
	{"METAINDEX_REDIS_PREFIX", str(func(c *Config) *string { return &c.Index.Redis.Prefix })},
	{"METAINDEX_SQLITE_PATH", str(func(c *Config) *string { return &c.Index.SQLitePath })},
	{"METAINDEX_POSTGRES_DSN", str(func(c *Config) *string { return &c.Index.PostgresDSN })},
	{"METAINDEX_BLOB_DRIVER", str(func(c *Config) *string { return &c.Blob.Driver })},
	{"METAINDEX_BLOB_ROOT", str(func(c *Config) *string { return &c.Blob.FSRoot })},
	{"METAINDEX_S3_BUCKET", str(func(c *Config) *string { return &c.Blob.S3.Bucket })},
	{"METAINDEX_S3_REGION", str(func(c *Config) *string { return &c.Blob.S3.Region })},
	{"METAINDEX_S3_ENDPOINT", str(func(c *Config) *string { return &c.Blob.S3.Endpoint })},
	{"METAINDEX_REPOSITORY", str(func(c *Config) *string { return &c.Repository.Kind })},
	{"METAINDEX_SNAPSHOT_DSN", str(func(c *Config) *string { return &c.Repository.SnapshotDSN })},
	{"METAINDEX_FETCH_WORKERS", integer(func(c *Config) *int { return &c.Repository.Workers })},
	{"METAINDEX_CONFLICT_RETRY_LIMIT", limit(func(c *Config) *Limit { return &c.Writer.ConflictRetryLimit })},
	{"METAINDEX_ERROR_RETRY_LIMIT", limit(func(c *Config) *Limit { return &c.Writer.ErrorRetryLimit })},
	{"METAINDEX_MAX_PARTITION_SIZE", integer(func(c *Config) *int { return &c.Transform.MaxPartitionSize })},
	{"METAINDEX_BULK_WORKERS", integer(func(c *Config) *int { return &c.Writer.BulkWorkers })},
	{"METAINDEX_LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"METAINDEX_LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"METAINDEX_METRICS_ADDR", str(func(c *Config) *string { return &c.Metrics.Addr })},
	{"METAINDEX_TRACE_PATH", str(func(c *Config) *string { return &c.Metrics.TracePath })},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
	}
	return nil
}

var catalogPattern = regexp.MustCompile(`^[a-z][a-z0-9]{0,63}$`)

// Validate checks the configuration for values the indexer cannot run with.
func (c *Config) Validate() error {
	if !catalogPattern.MatchString(c.Catalog) {
		return fmt.Errorf("catalog %q must be lower-case alphanumeric and start with a letter", c.Catalog)
	}
	switch index.Driver(c.Index.Driver) {
	case index.DriverMemory, index.DriverSQLite:
	case index.DriverRedis:
		if c.Index.Redis.Addr == "" {
			return fmt.Errorf("index.redis.addr is required for the redis driver")
		}
	case index.DriverPostgres:
		if c.Index.PostgresDSN == "" {
			return fmt.Errorf("index.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown index driver %q", c.Index.Driver)
	}
	switch c.Repository.Kind {
	case RepositoryCanned:
		if err := c.validateBlob(); err != nil {
			return err
		}
	case RepositorySnapshot:
		if c.Repository.SnapshotDSN == "" {
			return fmt.Errorf("repository.snapshot_dsn is required for snapshot repositories")
		}
	default:
		return fmt.Errorf("unknown repository kind %q (expected %s or %s)", c.Repository.Kind, RepositoryCanned, RepositorySnapshot)
	}
	for name, v := range map[string]Limit{
		"writer.conflict_retry_limit": c.Writer.ConflictRetryLimit,
		"writer.error_retry_limit":    c.Writer.ErrorRetryLimit,
	} {
		if v < Unlimited {
			return fmt.Errorf("%s must be >= 0 or unlimited, got %d", name, v)
		}
	}
	for name, v := range map[string]int{
		"transform.max_partition_size":       c.Transform.MaxPartitionSize,
		"writer.bulk_threshold":              c.Writer.BulkThreshold,
		"writer.parallel_threshold":          c.Writer.ParallelThreshold,
		"writer.bulk_workers":                c.Writer.BulkWorkers,
		"writer.chunk_size":                  c.Writer.ChunkSize,
		"writer.max_chunk_bytes":             c.Writer.MaxChunkBytes,
		"aggregation.contribution_page_size": c.Aggregation.ContributionPageSize,
		"aggregation.max_aggregate_bundles":  c.Aggregation.MaxAggregateBundles,
		"repository.stitch_batch_size":       c.Repository.StitchBatchSize,
		"repository.workers":                 c.Repository.Workers,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func (c *Config) validateBlob() error {
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem:
		if c.Blob.FSRoot == "" {
			return fmt.Errorf("blob.fs_root is required for the fs driver")
		}
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required for the s3 driver")
		}
	case blob.DriverMemory:
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	return nil
}

// IndexConfig returns the settings for index.Open.
func (c *Config) IndexConfig() index.Config {
	return index.Config{
		Driver:        index.Driver(c.Index.Driver),
		RedisAddr:     c.Index.Redis.Addr,
		RedisPassword: c.Index.Redis.Password,
		RedisDB:       c.Index.Redis.DB,
		RedisPrefix:   c.Index.Redis.Prefix,
		SQLitePath:    c.Index.SQLitePath,
		PostgresDSN:   c.Index.PostgresDSN,
	}
}

// BlobConfig returns the settings for blob.Open.
func (c *Config) BlobConfig() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3:     c.Blob.S3,
	}
}

// ServiceConfig returns the settings for core.NewIndexService.
func (c *Config) ServiceConfig() core.Config {
	return core.Config{
		Catalog:              c.Catalog,
		ConflictRetryLimit:   int(c.Writer.ConflictRetryLimit),
		ErrorRetryLimit:      int(c.Writer.ErrorRetryLimit),
		BulkThreshold:        c.Writer.BulkThreshold,
		ParallelThreshold:    c.Writer.ParallelThreshold,
		BulkWorkers:          c.Writer.BulkWorkers,
		ChunkSize:            c.Writer.ChunkSize,
		MaxChunkBytes:        c.Writer.MaxChunkBytes,
		ContributionPageSize: c.Aggregation.ContributionPageSize,
		MaxAggregateBundles:  c.Aggregation.MaxAggregateBundles,
		MaxPartitionSize:     c.Transform.MaxPartitionSize,
	}
}
