package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "MEMORYD_"

// Load reads configuration from a YAML file, then overrides with
// MEMORYD_* environment variables, then applies defaults and validates.
//
// Precedence (highest first):
//  1. Environment variables (MEMORYD_QDRANT_HOST, MEMORYD_STORE_READ_ONLY, ...)
//  2. YAML config file (default ~/.config/memoryd/config.yaml)
//  3. Defaults
//
// Environment variables map to config keys by stripping the prefix,
// lowercasing, and splitting on the first underscore:
//
//	MEMORYD_QDRANT_COLLECTION_NAME -> qdrant.collection_name
//	MEMORYD_EMBEDDINGS_BATCH_SIZE  -> embeddings.batch_size
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "memoryd", "config.yaml")
	}

	if content, err := os.ReadFile(configPath); err == nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	// MEMORYD_READ_ONLY=1 is the documented switch for read-only mode.
	if os.Getenv("MEMORYD_READ_ONLY") == "1" {
		cfg.Store.ReadOnly = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Store.Provider == "" {
		cfg.Store.Provider = "qdrant"
	}
	if cfg.Store.ChromemPath == "" {
		cfg.Store.ChromemPath = defaultDataPath("vectorstore")
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.CollectionName == "" {
		cfg.Qdrant.CollectionName = "claude_memories"
	}
	if cfg.Qdrant.VectorSize == 0 {
		cfg.Qdrant.VectorSize = 384
	}
	if cfg.Qdrant.MaxRetries == 0 {
		cfg.Qdrant.MaxRetries = 3
	}
	if cfg.Qdrant.RetryBackoff == 0 {
		cfg.Qdrant.RetryBackoff = time.Second
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "all-MiniLM-L6-v2"
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 32
	}
	if cfg.Embeddings.CacheDir == "" {
		cfg.Embeddings.CacheDir = defaultDataPath("embedding-cache")
	}
	if cfg.Embeddings.CacheMaxEntries == 0 {
		cfg.Embeddings.CacheMaxEntries = 4096
	}
	if cfg.Embeddings.Workers == 0 {
		cfg.Embeddings.Workers = 2
	}
	if cfg.Embeddings.GPUMemoryFraction == 0 {
		cfg.Embeddings.GPUMemoryFraction = 0.5
	}

	if cfg.Indexing.MaxFileSize == 0 {
		cfg.Indexing.MaxFileSize = 1024 * 1024
	}
	if len(cfg.Indexing.IgnoreFiles) == 0 {
		cfg.Indexing.IgnoreFiles = []string{".gitignore", ".memorydignore"}
	}
	if cfg.Indexing.DebounceInterval == 0 {
		cfg.Indexing.DebounceInterval = 500 * time.Millisecond
	}
	if cfg.Indexing.MaxConcurrentRepos == 0 {
		cfg.Indexing.MaxConcurrentRepos = 3
	}

	if cfg.Lifecycle.ActiveDays == 0 {
		cfg.Lifecycle.ActiveDays = 14
	}
	if cfg.Lifecycle.RecentDays == 0 {
		cfg.Lifecycle.RecentDays = 60
	}
	if cfg.Lifecycle.ArchivedDays == 0 {
		cfg.Lifecycle.ArchivedDays = 180
	}
	if cfg.Lifecycle.ActiveWeight == 0 {
		cfg.Lifecycle.ActiveWeight = 1.0
	}
	if cfg.Lifecycle.RecentWeight == 0 {
		cfg.Lifecycle.RecentWeight = 0.9
	}
	if cfg.Lifecycle.ArchivedWeight == 0 {
		cfg.Lifecycle.ArchivedWeight = 0.7
	}
	if cfg.Lifecycle.StaleWeight == 0 {
		cfg.Lifecycle.StaleWeight = 0.5
	}

	if cfg.Optimizer.SessionExpiryHours == 0 {
		cfg.Optimizer.SessionExpiryHours = 48
	}
	if cfg.Optimizer.CompressionThresholdKB == 0 {
		cfg.Optimizer.CompressionThresholdKB = 10
	}
	if cfg.Optimizer.StaleThresholdDays == 0 {
		cfg.Optimizer.StaleThresholdDays = 180
	}

	if cfg.Git.MaxCommits == 0 {
		cfg.Git.MaxCommits = 100
	}
	if cfg.Git.MaxDiffBytes == 0 {
		cfg.Git.MaxDiffBytes = 16 * 1024
	}
	if cfg.Git.AutoSizeThresholdMB == 0 {
		cfg.Git.AutoSizeThresholdMB = 500
	}

	if cfg.Consolidation.AutoMergeThreshold == 0 {
		cfg.Consolidation.AutoMergeThreshold = 0.95
	}
	if cfg.Consolidation.ReviewThreshold == 0 {
		cfg.Consolidation.ReviewThreshold = 0.85
	}
	if cfg.Consolidation.ContradictionMinSim == 0 {
		cfg.Consolidation.ContradictionMinSim = 0.7
	}
	if len(cfg.Consolidation.PreferenceVerbs) == 0 {
		cfg.Consolidation.PreferenceVerbs = []string{"prefer", "prefers", "use", "always", "never"}
	}
	if cfg.Consolidation.ReportDir == "" {
		cfg.Consolidation.ReportDir = defaultDataPath("reports")
	}
	if cfg.Consolidation.LockTimeout == 0 {
		cfg.Consolidation.LockTimeout = 5 * time.Minute
	}

	if cfg.Registry.Path == "" {
		cfg.Registry.Path = defaultDataPath("repositories.json")
	}
	if cfg.Registry.WorkspacePath == "" {
		cfg.Registry.WorkspacePath = defaultDataPath("workspaces.json")
	}
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".memoryd", name)
	}
	return filepath.Join(home, ".memoryd", name)
}
