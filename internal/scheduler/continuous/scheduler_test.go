package continuous

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-core/internal/block"
	"github.com/inference-sim/inference-core/internal/config"
	"github.com/inference-sim/inference-core/internal/engine"
	"github.com/inference-sim/inference-core/internal/model"
	"github.com/inference-sim/inference-core/internal/respond"
	"github.com/inference-sim/inference-core/internal/scheduler/policy"
	"github.com/inference-sim/inference-core/internal/sequence"
)

func newTestEngine(t *testing.T, vocab int64) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Devices = []string{"cpu:0"}
	cfg.ModelArchitecture = "echo"
	cfg.DType = "auto"
	cfg.BlockSize = 16
	cfg.MaxCacheSize = 1 << 16

	e, err := engine.New(context.Background(), cfg, 1, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	src := engine.StaticWeightSource{
		Args: model.Args{
			VocabSize:  vocab,
			HiddenSize: 8,
			NumLayers:  1,
			NumHeads:   2,
		},
		ShardList: []model.StateDictShard{
			{Tensors: map[string][]byte{"echo.bias": {1}}},
		},
	}
	require.NoError(t, e.Init(context.Background(), src))
	return e
}

func TestScheduler_PrefillThenDecodeThenFinish(t *testing.T) {
	e := newTestEngine(t, 8)
	pol := policy.New(e.BlockManager(), 1024, 8)
	handler := respond.NewCollectingHandler()
	sched := New(e, pol, handler, -1)

	req := sequence.NewRequest([]int64{1, 2}, sequence.SamplingParams{MaxTokens: 2}, 0, 0, 1)
	sched.Submit(req)

	n, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sched.NumRunning())
	assert.Equal(t, 0, sched.NumWaiting())

	n, err = sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, sched.NumRunning())

	require.Len(t, handler.Tokens, 2)
	assert.Equal(t, int64(2), handler.Tokens[0].Token)
	assert.Equal(t, int64(3), handler.Tokens[1].Token)
	require.Len(t, handler.Finished, 1)
}

// TestScheduler_COWForkPreservesSharedBlockOnWrite drives n=2 sampling
// through a real tick: the primary's prefill completes and forks a
// sibling sharing its block table (spec.md §3 Request, §8 scenario 3),
// then a decode tick forces copy-on-write on their shared last block.
// The last block holds 4 occupied slots (prompt len 20, block_size 16),
// so a copy-on-write split that copies only offset 0 (rather than the
// whole block) would silently zero the canary this test reads back.
func TestScheduler_COWForkPreservesSharedBlockOnWrite(t *testing.T) {
	e := newTestEngine(t, 64)
	pol := policy.New(e.BlockManager(), 1024, 8)
	handler := respond.NewCollectingHandler()
	sched := New(e, pol, handler, -1)

	prompt := make([]int64, 20)
	for i := range prompt {
		prompt[i] = int64(100 + i) // distinct, non-zero canary values
	}
	req := sequence.NewRequest(prompt, sequence.SamplingParams{MaxTokens: 4}, 0, 0, 2)
	sched.Submit(req)

	// Tick 1: the 20-token prompt fits in one chunk, so the primary's
	// prefill completes and commits its first generated token, which
	// forks the n=2 sibling onto a shared block table.
	n, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, req.Sequences, 2)
	primary, child := req.Sequences[0], req.Sequences[1]

	require.Equal(t, primary.BlockTable, child.BlockTable)
	require.Len(t, primary.BlockTable, 2)
	sharedLast := block.ID(primary.BlockTable[1])
	require.Equal(t, 2, e.BlockManager().Pool().RefCount(sharedLast))

	// Position 17 lives at offset 1 of block 1 (block_size 16); its K
	// value is the prompt token fed at that position — the canary.
	before, err := e.PeekKVSlot(0, int(sharedLast), 1)
	require.NoError(t, err)
	require.Equal(t, float32(117), before.K[0])

	// Tick 2: both siblings decode their next token. The primary runs
	// first in the batch and triggers copy-on-write on the still-shared
	// last block; the child is left as its sole remaining owner.
	n, err = sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NotEqual(t, primary.BlockTable[1], child.BlockTable[1],
		"copy-on-write must split the siblings onto independent last blocks")
	assert.Equal(t, 1, e.BlockManager().Pool().RefCount(block.ID(primary.BlockTable[1])))
	assert.Equal(t, 1, e.BlockManager().Pool().RefCount(block.ID(child.BlockTable[1])))

	primaryAfter, err := e.PeekKVSlot(0, primary.BlockTable[1], 1)
	require.NoError(t, err)
	childAfter, err := e.PeekKVSlot(0, child.BlockTable[1], 1)
	require.NoError(t, err)

	// Both post-split copies must still carry the position-17 canary:
	// the split copied every occupied slot of the shared block, not
	// just offset 0.
	assert.Equal(t, float32(117), primaryAfter.K[0])
	assert.Equal(t, float32(117), childAfter.K[0])
}

func TestScheduler_EmptyQueuesNoop(t *testing.T) {
	e := newTestEngine(t, 8)
	pol := policy.New(e.BlockManager(), 1024, 8)
	sched := New(e, pol, respond.NewCollectingHandler(), -1)

	n, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
