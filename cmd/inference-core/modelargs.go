package main

import (
	"fmt"

	"github.com/inference-sim/inference-core/internal/engine"
	"github.com/inference-sim/inference-core/internal/model"
	"github.com/inference-sim/inference-core/internal/modelsource"
)

// modelArgsFlags are the CLI knobs for resolving model.Args: either from
// a HuggingFace repo, a local config.json, or explicit overrides (the
// echo reference architecture has no real checkpoint to introspect).
type modelArgsFlags struct {
	hfRepo     string
	configFile string
	vocabSize  int64
	hiddenSize int64
	numLayers  int64
	numHeads   int64
}

func (f *modelArgsFlags) resolve() (model.Args, error) {
	var args model.Args
	var err error
	switch {
	case f.hfRepo != "":
		args, err = modelsource.FetchConfig(f.hfRepo)
	case f.configFile != "":
		args, err = modelsource.LoadConfigFile(f.configFile)
	}
	if err != nil {
		return model.Args{}, err
	}
	if f.vocabSize > 0 {
		args.VocabSize = f.vocabSize
	}
	if f.hiddenSize > 0 {
		args.HiddenSize = f.hiddenSize
	}
	if f.numLayers > 0 {
		args.NumLayers = f.numLayers
	}
	if f.numHeads > 0 {
		args.NumHeads = f.numHeads
	}
	if args.VocabSize <= 0 {
		return model.Args{}, fmt.Errorf("model vocab size is required: pass --hf-model, --model-config, or --vocab-size")
	}
	if args.NumLayers <= 0 || args.HiddenSize <= 0 || args.NumHeads <= 0 {
		return model.Args{}, fmt.Errorf("model hidden_size/num_layers/num_heads are required: pass --hf-model, --model-config, or the matching override flags")
	}
	return args, nil
}

func bindModelArgsFlags(fs interface {
	StringVar(*string, string, string, string)
	Int64Var(*int64, string, int64, string)
}, f *modelArgsFlags) {
	fs.StringVar(&f.hfRepo, "hf-model", "", "HuggingFace repo (org/model) to resolve architecture fields from")
	fs.StringVar(&f.configFile, "model-config", "", "Path to a local HuggingFace-style config.json")
	fs.Int64Var(&f.vocabSize, "vocab-size", 0, "Override vocab size")
	fs.Int64Var(&f.hiddenSize, "hidden-size", 0, "Override hidden size")
	fs.Int64Var(&f.numLayers, "num-layers", 0, "Override layer count")
	fs.Int64Var(&f.numHeads, "num-heads", 0, "Override attention head count")
}

// staticWeightSource builds a WeightSource carrying a single synthetic
// shard: real weight tensors are out of scope (spec.md's weight-format
// Non-goal), so this only needs to satisfy whatever the chosen
// architecture's VerifyLoadedWeights checks for. The echo reference
// architecture looks for an "echo.bias" tensor.
func staticWeightSource(args model.Args) engine.StaticWeightSource {
	return engine.StaticWeightSource{
		Args: args,
		ShardList: []model.StateDictShard{
			{Tensors: map[string][]byte{"echo.bias": {1}}},
		},
	}
}
