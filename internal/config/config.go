// Package config provides configuration loading for the memory server
// core. Values come from a YAML file overridden by environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/emmilco/claude-memory-server-sub004/internal/logging"
)

// Config holds the complete core configuration.
type Config struct {
	Logging       logging.Config      `koanf:"logging"`
	Qdrant        QdrantConfig        `koanf:"qdrant"`
	Store         StoreConfig         `koanf:"store"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Indexing      IndexingConfig      `koanf:"indexing"`
	Lifecycle     LifecycleConfig     `koanf:"lifecycle"`
	Optimizer     OptimizerConfig     `koanf:"optimizer"`
	Git           GitConfig           `koanf:"git"`
	Consolidation ConsolidationConfig `koanf:"consolidation"`
	Registry      RegistryConfig      `koanf:"registry"`
}

// StoreConfig holds store-level settings that are backend agnostic.
type StoreConfig struct {
	// Provider selects the vector store backend: "qdrant" (external
	// server) or "chromem" (embedded, used for local mode and tests).
	Provider string `koanf:"provider"`

	// ChromemPath is the persistence directory for the embedded backend.
	ChromemPath string `koanf:"chromem_path"`

	// ReadOnly swaps the store for its read-only decorator at
	// initialization. Also settable via MEMORYD_READ_ONLY=1.
	ReadOnly bool `koanf:"read_only"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	CollectionName string        `koanf:"collection_name"`
	VectorSize     uint64        `koanf:"vector_size"`
	UseTLS         bool          `koanf:"use_tls"`
	MaxRetries     int           `koanf:"max_retries"`
	RetryBackoff   time.Duration `koanf:"retry_backoff"`
}

// Validate validates the Qdrant configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("qdrant: host required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("qdrant: invalid port %d", c.Port)
	}
	if c.CollectionName == "" {
		return fmt.Errorf("qdrant: collection name required")
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("qdrant: vector size required")
	}
	return nil
}

// EmbeddingsConfig holds embedding service settings.
type EmbeddingsConfig struct {
	// BaseURL of the embedding inference server.
	BaseURL string `koanf:"base_url"`

	// Model is the embedding model identifier. Must be one of the
	// supported models; the collection records it and mismatches fail
	// closed.
	Model string `koanf:"model"`

	// BatchSize for batched generation requests.
	BatchSize int `koanf:"batch_size"`

	// CacheEnabled turns on the content-addressed embedding cache.
	CacheEnabled bool `koanf:"cache_enabled"`

	// CacheDir is the on-disk cache directory.
	CacheDir string `koanf:"cache_dir"`

	// CacheMaxEntries bounds the in-memory cache tier.
	CacheMaxEntries int `koanf:"cache_max_entries"`

	// Workers sizes the generation worker pool.
	Workers int `koanf:"workers"`

	// ForceCPU forces CPU inference regardless of accelerator state.
	ForceCPU bool `koanf:"force_cpu"`

	// EnableGPU requests accelerator inference when one is detected.
	// Load failure falls back to CPU and is logged.
	EnableGPU bool `koanf:"enable_gpu"`

	// GPUMemoryFraction limits accelerator memory use, (0, 1].
	GPUMemoryFraction float64 `koanf:"gpu_memory_fraction"`
}

// IndexingConfig holds incremental indexer settings.
type IndexingConfig struct {
	// MaxFileSize is the largest file the indexer will read, in bytes.
	MaxFileSize int64 `koanf:"max_file_size"`

	// IgnoreFiles are gitignore-style files parsed from the repository
	// root for exclude patterns.
	IgnoreFiles []string `koanf:"ignore_files"`

	// DebounceInterval coalesces bursts of watch events per file.
	DebounceInterval time.Duration `koanf:"debounce_interval"`

	// MaxConcurrentRepos bounds parallel repository indexing.
	MaxConcurrentRepos int `koanf:"max_concurrent_repos"`
}

// LifecycleConfig holds lifecycle thresholds and search weights. The
// weights are policy, exposed here rather than fixed in the engine.
type LifecycleConfig struct {
	ActiveDays   int `koanf:"active_days"`
	RecentDays   int `koanf:"recent_days"`
	ArchivedDays int `koanf:"archived_days"`

	ActiveWeight   float64 `koanf:"active_weight"`
	RecentWeight   float64 `koanf:"recent_weight"`
	ArchivedWeight float64 `koanf:"archived_weight"`
	StaleWeight    float64 `koanf:"stale_weight"`
}

// OptimizerConfig holds storage optimizer thresholds.
type OptimizerConfig struct {
	SessionExpiryHours     int `koanf:"session_expiry_hours"`
	CompressionThresholdKB int `koanf:"compression_threshold_kb"`
	StaleThresholdDays     int `koanf:"stale_threshold_days"`
}

// GitConfig holds git history indexing settings.
type GitConfig struct {
	Enabled             bool  `koanf:"enabled"`
	MaxCommits          int   `koanf:"max_commits"`
	MaxDiffBytes        int   `koanf:"max_diff_bytes"`
	AutoSizeThresholdMB int64 `koanf:"auto_size_threshold_mb"`
}

// ConsolidationConfig holds duplicate detection thresholds and job paths.
type ConsolidationConfig struct {
	AutoMergeThreshold  float64 `koanf:"auto_merge_threshold"`
	ReviewThreshold     float64 `koanf:"review_threshold"`
	ContradictionMinSim float64 `koanf:"contradiction_min_similarity"`

	// PreferenceVerbs is the lexical heuristic knob for contradiction
	// detection: content lines matching one of these verbs contribute a
	// preferred-object token for mutual-exclusivity comparison.
	PreferenceVerbs []string `koanf:"preference_verbs"`

	// ReportDir receives the weekly/monthly job report files.
	ReportDir string `koanf:"report_dir"`

	// LockTimeout ages out stale job lock files.
	LockTimeout time.Duration `koanf:"lock_timeout"`
}

// RegistryConfig holds the persisted document paths.
type RegistryConfig struct {
	// Path of the repository registry JSON file.
	Path string `koanf:"path"`

	// WorkspacePath of the workspace JSON file.
	WorkspacePath string `koanf:"workspace_path"`
}

// Validate validates the full configuration.
func (c *Config) Validate() error {
	switch c.Store.Provider {
	case "qdrant":
		if err := c.Qdrant.Validate(); err != nil {
			return err
		}
	case "chromem":
	default:
		return fmt.Errorf("store: unsupported provider %q (supported: qdrant, chromem)", c.Store.Provider)
	}
	if c.Embeddings.Model == "" {
		return fmt.Errorf("embeddings: model required")
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings: batch_size must be positive")
	}
	if c.Embeddings.GPUMemoryFraction < 0 || c.Embeddings.GPUMemoryFraction > 1 {
		return fmt.Errorf("embeddings: gpu_memory_fraction must be in (0, 1]")
	}
	if c.Lifecycle.ActiveDays >= c.Lifecycle.RecentDays || c.Lifecycle.RecentDays >= c.Lifecycle.ArchivedDays {
		return fmt.Errorf("lifecycle: thresholds must be strictly increasing (active < recent < archived)")
	}
	if c.Consolidation.ReviewThreshold > c.Consolidation.AutoMergeThreshold {
		return fmt.Errorf("consolidation: review_threshold cannot exceed auto_merge_threshold")
	}
	return nil
}
