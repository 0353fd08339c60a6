package speculative

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-core/internal/config"
	"github.com/inference-sim/inference-core/internal/engine"
	"github.com/inference-sim/inference-core/internal/kvcache"
	"github.com/inference-sim/inference-core/internal/model"
	"github.com/inference-sim/inference-core/internal/respond"
	"github.com/inference-sim/inference-core/internal/sequence"
)

// offsetModel is a test-only architecture that always predicts
// (pos+offset)%vocab, instead of echo's fixed (pos+1)%vocab. Giving the
// draft engine a different offset than the target engine guarantees a
// deterministic disagreement, exercising the reject/resample path
// without depending on any particular RNG draw.
type offsetModel struct {
	vocab  int64
	offset int64
}

func newOffsetModel(offset int64) model.Factory {
	return func(args model.Args, _ model.QuantArgs, _ model.DType, _, _ int) (model.Model, error) {
		return &offsetModel{vocab: args.VocabSize, offset: offset}, nil
	}
}

func (m *offsetModel) VocabSize() int64 { return m.vocab }

func (m *offsetModel) Forward(_ context.Context, tokens, positions []int64, _ []kvcache.Layer, _ kvcache.InputParameters) ([]float32, error) {
	vocab := int(m.vocab)
	out := make([]float32, len(tokens)*vocab)
	for i, pos := range positions {
		next := int((pos + m.offset) % int64(vocab))
		row := out[i*vocab : (i+1)*vocab]
		for j := range row {
			row[j] = -1e4
		}
		row[next] = 1e4
	}
	return out, nil
}

func (m *offsetModel) LoadStateDict(model.StateDictShard) error { return nil }
func (m *offsetModel) VerifyLoadedWeights() error                { return nil }

func testRegistry() *model.Registry {
	r := model.NewRegistry()
	r.Register("echo", model.NewEchoModel)
	r.Register("offset2", newOffsetModel(2))
	return r
}

func newTestEngine(t *testing.T, vocab int64, arch string) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Devices = []string{"cpu:0"}
	cfg.ModelArchitecture = arch
	cfg.DType = "auto"
	cfg.BlockSize = 16
	cfg.MaxCacheSize = 1 << 16

	e, err := engine.New(context.Background(), cfg, 1, testRegistry())
	require.NoError(t, err)
	t.Cleanup(e.Close)

	src := engine.StaticWeightSource{
		Args: model.Args{
			VocabSize:  vocab,
			HiddenSize: 8,
			NumLayers:  1,
			NumHeads:   2,
		},
		ShardList: []model.StateDictShard{{Tensors: map[string][]byte{"echo.bias": {1}}}},
	}
	require.NoError(t, e.Init(context.Background(), src))
	return e
}

func TestSpeculative_FullAcceptanceAppendsBonusToken(t *testing.T) {
	target := newTestEngine(t, 8, "echo")
	draft := newTestEngine(t, 8, "echo")
	handler := respond.NewCollectingHandler()
	sched := New(target, draft, target.BlockManager(), 2, -1, 1, handler)

	req := sequence.NewRequest([]int64{1, 2}, sequence.SamplingParams{MaxTokens: 4}, 0, 0, 1)
	sched.Submit(req)

	// Tick 1: prefill. Echo predicts next = (pos+1)%vocab from the last
	// prompt position (1), so the committed token is 2.
	n, err := sched.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sched.NumRunning())

	// Tick 2: draft proposes 2 tokens via the same echo model the target
	// uses, so the accept/reject ratio is always 1 and every proposal is
	// accepted, followed by a bonus token sampled from the K+1'th row.
	n, err = sched.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, sched.NumRunning())

	seq := req.Sequences[0]
	assert.Equal(t, []int64{1, 2, 2, 3, 4, 5}, seq.TokenIDs)
	require.Len(t, handler.Finished, 1)
}

func TestSpeculative_DisagreeingDraftTriggersResidualResample(t *testing.T) {
	target := newTestEngine(t, 8, "echo")
	draft := newTestEngine(t, 8, "offset2")
	handler := respond.NewCollectingHandler()
	sched := New(target, draft, target.BlockManager(), 2, -1, 1, handler)

	req := sequence.NewRequest([]int64{1, 2}, sequence.SamplingParams{}, 0, 0, 1)
	sched.Submit(req)

	n, err := sched.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The draft (offset2) and target (echo) models disagree at every
	// position, so the draft's first proposal is rejected: the target's
	// probability for the draft's choice is exactly 0, making the
	// accept threshold 0 and residual resampling deterministic (it
	// degenerates to sampling straight from the target's distribution).
	n, err = sched.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	seq := req.Sequences[0]
	assert.Equal(t, []int64{1, 2, 2, 3}, seq.TokenIDs)
	assert.Empty(t, handler.Finished)
}

func TestSpeculative_TickIsNoopOnEmptyQueues(t *testing.T) {
	target := newTestEngine(t, 8, "echo")
	draft := newTestEngine(t, 8, "echo")
	sched := New(target, draft, target.BlockManager(), 2, -1, 1, respond.NewCollectingHandler())

	n, err := sched.Tick()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSpeculative_WaitingSequenceBlocksOnInsufficientSpace(t *testing.T) {
	target := newTestEngine(t, 8, "echo")
	draft := newTestEngine(t, 8, "echo")
	sched := New(target, draft, target.BlockManager(), 2, -1, 1, respond.NewCollectingHandler())

	// Drain the pool down to zero free blocks so CanAllocate always
	// fails, keeping the submitted sequence stuck in waiting.
	pool := target.BlockManager().Pool()
	for pool.FreeBlocks() > 0 {
		if _, err := pool.Allocate(); err != nil {
			break
		}
	}

	req := sequence.NewRequest([]int64{1, 2}, sequence.SamplingParams{}, 0, 0, 1)
	sched.Submit(req)

	n, err := sched.Tick()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, sched.NumWaiting())
	assert.Equal(t, 0, sched.NumRunning())
}

func TestOffsetModel_PredictsPosPlusOffset(t *testing.T) {
	m, err := newOffsetModel(2)(model.Args{VocabSize: 8}, model.QuantArgs{}, model.DTypeFloat16, 1, 0)
	require.NoError(t, err)
	logits, err := m.Forward(context.Background(), []int64{5}, []int64{3}, nil, kvcache.InputParameters{})
	require.NoError(t, err)
	require.Len(t, logits, 8)
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	assert.Equal(t, 5, best, fmt.Sprintf("expected argmax at (3+2)%%8=5, got %d", best))
}
