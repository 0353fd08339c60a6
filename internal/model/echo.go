package model

import (
	"context"
	"fmt"

	"github.com/inference-sim/inference-core/internal/kvcache"
)

// EchoModel is the reference architecture registered by default: it
// predicts the next token as the next position index (pos+1), modulo
// vocab size. It exists to exercise the Worker/Engine/Scheduler machinery
// without depending on a real transformer implementation (spec.md §8
// scenario 1: "model echoes position"), and to give
// VerifyLoadedWeights something real to check.
type EchoModel struct {
	args     Args
	rank     int
	loaded   map[string]bool
	required []string
}

// NewEchoModel is a model.Factory for the "echo" architecture name.
func NewEchoModel(args Args, _ QuantArgs, _ DType, _ int, rank int) (Model, error) {
	if args.VocabSize <= 0 {
		return nil, &loadError{msg: "echo model requires a positive vocab size"}
	}
	return &EchoModel{
		args:     args,
		rank:     rank,
		loaded:   make(map[string]bool),
		required: []string{"echo.bias"},
	}, nil
}

type loadError struct{ msg string }

func (e *loadError) Error() string { return e.msg }

func (m *EchoModel) VocabSize() int64 { return m.args.VocabSize }

// Forward ignores kvCaches for arithmetic purposes (a real architecture
// would read/append through them) beyond writing this step's K/V so
// that AppendKV/CopyBlock plumbing is exercised end-to-end.
func (m *EchoModel) Forward(_ context.Context, tokens, positions []int64, kvCaches []kvcache.Layer, params kvcache.InputParameters) ([]float32, error) {
	if len(tokens) != len(positions) {
		return nil, fmt.Errorf("echo model: tokens/positions length mismatch: %d vs %d", len(tokens), len(positions))
	}
	vocab := int(m.args.VocabSize)
	out := make([]float32, len(tokens)*vocab)
	for i, pos := range positions {
		next := int((pos + 1) % int64(vocab))
		row := out[i*vocab : (i+1)*vocab]
		for j := range row {
			row[j] = -1e4
		}
		row[next] = 1e4
	}
	for l := range kvCaches {
		for i, slot := range params.SlotMapping {
			if i >= len(tokens) {
				break
			}
			blockID, offset := slot/kvCaches[l].BlockSize, slot%kvCaches[l].BlockSize
			width := kvCaches[l].NumLocalHeads * kvCaches[l].HeadDim
			vec := make([]float32, width)
			for w := range vec {
				vec[w] = float32(tokens[i])
			}
			kvCaches[l].Write(blockID, offset, vec, vec)
		}
	}
	return out, nil
}

func (m *EchoModel) LoadStateDict(shard StateDictShard) error {
	for name := range shard.Tensors {
		m.loaded[name] = true
	}
	return nil
}

func (m *EchoModel) VerifyLoadedWeights() error {
	for _, name := range m.required {
		if !m.loaded[name] {
			return &loadError{msg: fmt.Sprintf("echo model: required parameter %q was never written", name)}
		}
	}
	return nil
}
