// Package config defines the explicit EngineConfig passed at
// construction (spec.md §9: "global configuration flags in source" ->
// no process-wide mutable state) and its yaml.v3 file format.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/inference-core/internal/coreerr"
)

// EngineConfig groups every tunable named in spec.md §6.
type EngineConfig struct {
	// BlockSize is slots per block; must be a positive multiple of 16.
	BlockSize int `yaml:"block_size"`
	// MaxCacheSize is an upper bound on KV bytes per device (0 = unbounded).
	MaxCacheSize int64 `yaml:"max_cache_size"`
	// MaxMemoryUtilization is the fraction of total device memory the
	// engine may claim, in (0, 1].
	MaxMemoryUtilization float64 `yaml:"max_memory_utilization"`
	// MaxNumTokensPerBatch bounds profiling and batch token budgets.
	MaxNumTokensPerBatch int64 `yaml:"max_num_tokens_per_batch"`
	// MaxNumSeqsPerBatch bounds profiling and batch sequence count.
	MaxNumSeqsPerBatch int64 `yaml:"max_num_seqs_per_batch"`
	// DisableCustomKernels toggles the high-performance attention path.
	DisableCustomKernels bool `yaml:"disable_custom_kernels"`

	// Devices lists the device identifiers the Engine creates one
	// Worker per; all must share the same kind.
	Devices []string `yaml:"devices"`
	// ModelArchitecture names the registered model.Factory to load.
	ModelArchitecture string `yaml:"model_architecture"`
	// ModelWeightsPath is passed opaquely to the model loader collaborator.
	ModelWeightsPath string `yaml:"model_weights_path"`
	// DType is the requested storage dtype string ("auto", "float16", ...).
	DType string `yaml:"dtype"`

	// SpeculativeK is the number of tokens the draft model proposes
	// per tick (0 disables speculative decoding).
	SpeculativeK int `yaml:"speculative_k"`
}

// Default returns a config with the values spec.md §6 cites as the
// original engine's flag defaults.
func Default() EngineConfig {
	return EngineConfig{
		BlockSize:            16,
		MaxCacheSize:         5 * (1 << 30),
		MaxMemoryUtilization: 0.9,
		MaxNumTokensPerBatch: 1024,
		MaxNumSeqsPerBatch:   32,
		DType:                "auto",
		Devices:              []string{"cuda:0"},
		ModelArchitecture:    "echo",
	}
}

// Load reads and validates an EngineConfig from a yaml file, starting
// from Default() so unset fields keep their defaults.
func Load(path string) (EngineConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, &coreerr.ErrConfig{Msg: "reading config file: " + err.Error()}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &coreerr.ErrConfig{Msg: "parsing config file: " + err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces spec.md §6's configuration constraints.
func (c EngineConfig) Validate() error {
	if c.BlockSize <= 0 || c.BlockSize%16 != 0 {
		return &coreerr.ErrConfig{Msg: "block_size must be a positive multiple of 16"}
	}
	if c.MaxMemoryUtilization <= 0 || c.MaxMemoryUtilization > 1 {
		return &coreerr.ErrConfig{Msg: "max_memory_utilization must be in (0, 1]"}
	}
	if c.MaxNumTokensPerBatch <= 0 {
		return &coreerr.ErrConfig{Msg: "max_num_tokens_per_batch must be > 0"}
	}
	if c.MaxNumSeqsPerBatch <= 0 {
		return &coreerr.ErrConfig{Msg: "max_num_seqs_per_batch must be > 0"}
	}
	if len(c.Devices) == 0 {
		return &coreerr.ErrConfig{Msg: "at least one device is required"}
	}
	if c.SpeculativeK < 0 {
		return &coreerr.ErrConfig{Msg: "speculative_k must be >= 0"}
	}
	return nil
}
