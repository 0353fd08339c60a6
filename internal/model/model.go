// Package model defines the closed Model interface any architecture
// plugs into a Worker through, plus a name-keyed registry (spec.md §9:
// "polymorphic model via templates in source" -> closed interface with
// an object-safe method table, concrete architectures self-register).
package model

import (
	"context"
	"fmt"

	"github.com/inference-sim/inference-core/internal/kvcache"
)

// Args describes a model's architecture-level hyperparameters. Only the
// fields the engine needs to size the KV cache and reconcile vocab are
// modeled here; everything else is architecture-specific and opaque.
type Args struct {
	VocabSize  int64
	HiddenSize int64
	NumLayers  int64
	NumHeads   int64
	NumKVHeads int64 // 0 means "same as NumHeads" (no GQA/MQA split)
	DType      string
}

// ResolvedNumKVHeads returns NumKVHeads, defaulting to NumHeads when unset.
func (a Args) ResolvedNumKVHeads() int64 {
	if a.NumKVHeads <= 0 {
		return a.NumHeads
	}
	return a.NumKVHeads
}

// HeadDim returns HiddenSize/NumHeads.
func (a Args) HeadDim() int64 {
	if a.NumHeads == 0 {
		return 0
	}
	return a.HiddenSize / a.NumHeads
}

// QuantArgs is an opaque placeholder for quantization configuration;
// quantization formats are out of scope per spec.md's Non-goals, but
// the field threads through the load protocol exactly as ScaleLLM's
// engine.cpp does (worker.init_model(dtype, args, quant_args)).
type QuantArgs struct {
	Format string
}

// StateDictShard is one chunk of a sharded checkpoint: a flat map of
// parameter name to architecture-opaque weight bytes. Weight-format
// parsing is a black-box collaborator per spec.md's Non-goals.
type StateDictShard struct {
	Tensors map[string][]byte
}

// Model is the closed interface every architecture must implement to
// run inside a Worker (spec.md §6 "model forward contract").
type Model interface {
	// Forward returns logits of shape [num_tokens, vocab_size],
	// flattened row-major, one row per input token.
	Forward(ctx context.Context, tokens, positions []int64, kvCaches []kvcache.Layer, params kvcache.InputParameters) ([]float32, error)
	LoadStateDict(shard StateDictShard) error
	VerifyLoadedWeights() error
	VocabSize() int64
}

// Factory constructs a Model instance for the given args.
type Factory func(args Args, quant QuantArgs, dtype DType, worldSize, rank int) (Model, error)

// Registry is a name-keyed factory table, the closed set of
// architectures available at build time (spec.md §9).
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds an architecture factory under name. Re-registering the
// same name replaces the prior factory, matching init()-time
// self-registration idioms where test builds may override.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// New constructs a Model of the named architecture.
func (r *Registry) New(name string, args Args, quant QuantArgs, dtype DType, worldSize, rank int) (Model, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("model: unregistered architecture %q", name)
	}
	return f(args, quant, dtype, worldSize, rank)
}

// Default is the process-wide registry pre-populated with the
// reference EchoModel architecture. Additional architectures register
// themselves into Default via init(), or callers build a private
// Registry for tests.
var Default = NewRegistry()

func init() {
	Default.Register("echo", NewEchoModel)
}
