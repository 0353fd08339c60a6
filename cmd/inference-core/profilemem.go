package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inference-sim/inference-core/internal/engine"
	"github.com/inference-sim/inference-core/internal/humanize"
	"github.com/inference-sim/inference-core/internal/model"
)

var profileMemoryFlags struct {
	configPath string
	modelArgs  modelArgsFlags
}

var profileMemoryCmd = &cobra.Command{
	Use:   "profile-memory",
	Short: "Run the engine's init/profiling protocol and report the resulting KV-cache sizing",
	Long: "profile-memory runs Engine.Init against the requested config and " +
		"model architecture and prints the number of KV-cache blocks it was " +
		"sized to, without driving any generation — useful for sanity-checking " +
		"max_cache_size/max_memory_utilization against a given model's shape " +
		"before serving traffic.",
	RunE: runProfileMemory,
}

func init() {
	fs := profileMemoryCmd.Flags()
	fs.StringVar(&profileMemoryFlags.configPath, "config", "", "Path to an EngineConfig yaml file (defaults to config.Default())")
	bindModelArgsFlags(fs, &profileMemoryFlags.modelArgs)
}

func runProfileMemory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadEngineConfig(profileMemoryFlags.configPath)
	if err != nil {
		return err
	}
	modelArgs, err := profileMemoryFlags.modelArgs.resolve()
	if err != nil {
		return err
	}

	e, err := engine.New(ctx, cfg, 1, model.Default)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}
	defer e.Close()
	if err := e.Init(ctx, staticWeightSource(modelArgs)); err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	pool := e.BlockManager().Pool()
	blockSize := e.BlockManager().BlockSize()
	numBlocks := pool.TotalBlocks()
	numKVHeads := modelArgs.ResolvedNumKVHeads() / int64(e.NumWorkers())
	if numKVHeads <= 0 {
		numKVHeads = 1
	}
	bytesPerBlock := 2 * int64(blockSize) * numKVHeads * modelArgs.HeadDim() * modelArgs.NumLayers * e.DType().Sizeof()
	totalBytes := bytesPerBlock * int64(numBlocks)

	fmt.Printf("devices:          %v\n", cfg.Devices)
	fmt.Printf("model_architecture: %s\n", cfg.ModelArchitecture)
	fmt.Printf("block_size:       %d tokens/block\n", blockSize)
	fmt.Printf("num_kv_blocks:    %d\n", numBlocks)
	fmt.Printf("kv_cache_size:    %s\n", humanize.Bytes(totalBytes))
	return nil
}
