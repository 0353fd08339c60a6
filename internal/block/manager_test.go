package block

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-core/internal/sequence"
)

// recordingCopier stands in for a worker-mediated device block copy.
type recordingCopier struct {
	calls [][2]ID
	err   error
}

func (c *recordingCopier) CopyBlock(dst, src ID) error {
	c.calls = append(c.calls, [2]ID{dst, src})
	return c.err
}

func newSeq(prompt int) *sequence.Sequence {
	tokens := make([]int64, prompt)
	return sequence.NewSequence("req", tokens, sequence.SamplingParams{}, 0, 0)
}

func TestManager_AllocateFor_GrowsByBlockSize(t *testing.T) {
	m := NewManager(NewPool(10), 4)
	seq := newSeq(5) // 5 tokens prompt -> ceil(5/4) = 2 blocks

	require.NoError(t, m.AllocateFor(seq, 0))
	assert.Len(t, seq.BlockTable, 2)

	// Growing by 3 more tokens (total 8) still fits in 2 blocks.
	require.NoError(t, m.AllocateFor(seq, 3))
	assert.Len(t, seq.BlockTable, 2)

	// Four more tokens (total 9) need a 3rd block. AllocateFor counts
	// from len(seq.TokenIDs), which is still 5 here.
	require.NoError(t, m.AllocateFor(seq, 4))
	assert.Len(t, seq.BlockTable, 3)
}

func TestManager_AllocateFor_ExactMultipleOfBlockSize(t *testing.T) {
	m := NewManager(NewPool(10), 4)
	seq := newSeq(8) // exact multiple: last block full
	require.NoError(t, m.AllocateFor(seq, 0))
	assert.Len(t, seq.BlockTable, 2)
}

func TestManager_AllocateFor_OutOfBlocks(t *testing.T) {
	m := NewManager(NewPool(1), 4)
	seq := newSeq(8) // needs 2 blocks, only 1 available
	err := m.AllocateFor(seq, 0)
	assert.Error(t, err)
}

func TestManager_ForkSharesBlocksAndCOWSplitsOnWrite(t *testing.T) {
	// n=2 sampling on a 17-token prompt with block_size=16: fork yields
	// two sequences sharing block 0; the first sibling to write copies the
	// shared last block, leaving the other as its sole owner, so only one
	// copy is made (spec §8 scenario 3).
	pool := NewPool(4)
	m := NewManager(pool, 16)

	parent := newSeq(17)
	require.NoError(t, m.AllocateFor(parent, 0)) // 2 blocks: [0, 1]
	require.Len(t, parent.BlockTable, 2)

	child := newSeq(17)
	child.TokenIDs = append([]int64{}, parent.TokenIDs...)
	m.Fork(parent, child)
	require.Equal(t, parent.BlockTable, child.BlockTable)

	lastBlock := ID(parent.BlockTable[1])
	assert.Equal(t, 2, pool.RefCount(lastBlock))

	copier := &recordingCopier{}
	require.NoError(t, m.EnsureWritableTail(parent, copier))
	require.NoError(t, m.EnsureWritableTail(child, copier))

	assert.NotEqual(t, parent.BlockTable[1], child.BlockTable[1],
		"after COW the siblings must hold independent last blocks")
	assert.Equal(t, 1, pool.RefCount(ID(parent.BlockTable[1])))
	assert.Equal(t, 1, pool.RefCount(ID(child.BlockTable[1])))
	// shared first block is untouched by either COW
	assert.Equal(t, parent.BlockTable[0], child.BlockTable[0])
	assert.Len(t, copier.calls, 1)
}

func TestManager_EnsureWritableTail_NoopWhenExclusive(t *testing.T) {
	m := NewManager(NewPool(4), 16)
	seq := newSeq(5)
	require.NoError(t, m.AllocateFor(seq, 0))
	copier := &recordingCopier{}
	require.NoError(t, m.EnsureWritableTail(seq, copier))
	assert.Empty(t, copier.calls)
}

func TestManager_EnsureWritableTail_PropagatesCopyFailure(t *testing.T) {
	pool := NewPool(4)
	m := NewManager(pool, 16)
	parent := newSeq(5)
	require.NoError(t, m.AllocateFor(parent, 0))
	child := newSeq(5)
	m.Fork(parent, child)

	wantErr := errors.New("device copy failed")
	copier := &recordingCopier{err: wantErr}
	err := m.EnsureWritableTail(parent, copier)
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	// the freshly allocated block must be released back to the pool on failure
	assert.Equal(t, 3, pool.FreeBlocks())
}

func TestManager_ReleaseReturnsAllBlocks(t *testing.T) {
	pool := NewPool(4)
	m := NewManager(pool, 16)
	seq := newSeq(33) // 3 blocks
	require.NoError(t, m.AllocateFor(seq, 0))
	require.Equal(t, 1, pool.FreeBlocks())

	m.Release(seq)
	assert.Equal(t, 4, pool.FreeBlocks())
	assert.Empty(t, seq.BlockTable)
}

func TestManager_TruncateToFreesTrailingBlocksPhysically(t *testing.T) {
	pool := NewPool(4)
	m := NewManager(pool, 16)
	seq := newSeq(48) // 3 blocks
	require.NoError(t, m.AllocateFor(seq, 0))
	require.Equal(t, 1, pool.FreeBlocks())

	m.TruncateTo(seq, 17) // should keep only 2 blocks
	assert.Len(t, seq.BlockTable, 2)
	assert.Equal(t, 2, pool.FreeBlocks())
}

func TestManager_CanAllocate(t *testing.T) {
	m := NewManager(NewPool(2), 16)
	assert.True(t, m.CanAllocate(32))
	assert.False(t, m.CanAllocate(33))
}
