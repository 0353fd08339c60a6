package engine

import "github.com/inference-sim/inference-core/internal/model"

// WeightSource is the model-loader collaborator: it knows how to parse
// a checkpoint into model args and a sequence of state-dict shards.
// Weight-format parsing is a black-box collaborator per spec.md's
// Non-goals; Engine only needs this narrow interface to drive its init
// protocol.
type WeightSource interface {
	ModelArgs() model.Args
	QuantArgs() model.QuantArgs
	// TokenizerVocabSize is the vocabulary size reported by the
	// tokenizer collaborator, used to reconcile against ModelArgs.VocabSize.
	TokenizerVocabSize() int64
	// Shards streams the checkpoint's state-dict shards in load order.
	Shards() []model.StateDictShard
}

// StaticWeightSource is a WeightSource backed by in-memory values,
// useful for tests and for the reference EchoModel which has no real
// checkpoint to parse.
type StaticWeightSource struct {
	Args           model.Args
	Quant          model.QuantArgs
	TokenizerVocab int64
	ShardList      []model.StateDictShard
}

func (s StaticWeightSource) ModelArgs() model.Args           { return s.Args }
func (s StaticWeightSource) QuantArgs() model.QuantArgs      { return s.Quant }
func (s StaticWeightSource) TokenizerVocabSize() int64       { return s.TokenizerVocab }
func (s StaticWeightSource) Shards() []model.StateDictShard  { return s.ShardList }
