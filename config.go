// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Size units.
const (
	KiB = 1 << 10
	MiB = 1 << 20
)

// Defaults applied by [DefaultConfig] and to zero fields of any [Config].
const (
	DefaultMemoryBudget     = 256 * MiB
	DefaultChunkFloor       = 64 * KiB
	DefaultChunkCeiling     = 2 * MiB
	DefaultMmapThreshold    = 100 * MiB
	DefaultLookahead        = 256
	DefaultSpoolMemoryLimit = 10 * MiB
)

// Config holds the engine-wide policy. It is copied into the engine at
// construction and never mutated afterwards.
type Config struct {
	// Workers is the requested pool size. The effective size is further
	// bounded so that Workers * ChunkCeiling fits in MemoryBudget.
	Workers      int   `mapstructure:"workers"`
	MemoryBudget int64 `mapstructure:"memory_budget"`
	ChunkFloor   int   `mapstructure:"chunk_floor"`
	ChunkCeiling int   `mapstructure:"chunk_ceiling"`
	// MmapThreshold is the smallest source mapped into memory.
	// Negative disables mapping.
	MmapThreshold int64 `mapstructure:"mmap_threshold"`
	// Lookahead bounds how many walked entries may wait for a worker.
	Lookahead int `mapstructure:"lookahead"`
	// SpoolMemoryLimit is the compressed size above which a finished entry
	// is spilled to a temp file while it waits for the writer.
	SpoolMemoryLimit int64     `mapstructure:"spool_memory_limit"`
	TempDir          string    `mapstructure:"temp_dir"`
	Log              LogConfig `mapstructure:"log"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Workers:          runtime.NumCPU(),
		MemoryBudget:     DefaultMemoryBudget,
		ChunkFloor:       DefaultChunkFloor,
		ChunkCeiling:     DefaultChunkCeiling,
		MmapThreshold:    DefaultMmapThreshold,
		Lookahead:        DefaultLookahead,
		SpoolMemoryLimit: DefaultSpoolMemoryLimit,
		Log:              LogConfig{Level: "warn"},
	}
}

// LoadConfig reads a YAML configuration file. An empty path searches
// ./zipflow.yaml and $HOME/.zipflow/zipflow.yaml; a missing file is not an
// error. ZIPFLOW_* environment variables override file values, e.g.
// ZIPFLOW_MMAP_THRESHOLD or ZIPFLOW_LOG_LEVEL.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("zipflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("workers", def.Workers)
	v.SetDefault("memory_budget", def.MemoryBudget)
	v.SetDefault("chunk_floor", def.ChunkFloor)
	v.SetDefault("chunk_ceiling", def.ChunkCeiling)
	v.SetDefault("mmap_threshold", def.MmapThreshold)
	v.SetDefault("lookahead", def.Lookahead)
	v.SetDefault("spool_memory_limit", def.SpoolMemoryLimit)
	v.SetDefault("temp_dir", def.TempDir)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.file", def.Log.File)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("zipflow")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.zipflow")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg.normalize(), nil
}

// normalize fills zero fields with defaults and keeps the chunk bounds ordered.
func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.MemoryBudget <= 0 {
		c.MemoryBudget = DefaultMemoryBudget
	}
	if c.ChunkFloor <= 0 {
		c.ChunkFloor = DefaultChunkFloor
	}
	if c.ChunkCeiling <= 0 {
		c.ChunkCeiling = DefaultChunkCeiling
	}
	if c.ChunkCeiling < c.ChunkFloor {
		c.ChunkCeiling = c.ChunkFloor
	}
	if c.MmapThreshold == 0 {
		c.MmapThreshold = DefaultMmapThreshold
	}
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.SpoolMemoryLimit <= 0 {
		c.SpoolMemoryLimit = DefaultSpoolMemoryLimit
	}
	return c
}

// effectiveWorkers bounds Workers so that every worker can hold a chunk of
// ChunkCeiling bytes without exceeding MemoryBudget.
func (c Config) effectiveWorkers() int {
	c = c.normalize()
	byBudget := int(c.MemoryBudget / int64(c.ChunkCeiling))
	return max(1, min(c.Workers, byBudget))
}

// chunkCeiling is the per-worker share of the memory budget, capped by
// ChunkCeiling and never below ChunkFloor.
func (c Config) chunkCeiling() int64 {
	c = c.normalize()
	share := c.MemoryBudget / int64(c.effectiveWorkers())
	return max(int64(c.ChunkFloor), min(int64(c.ChunkCeiling), share))
}
