package block

import (
	"fmt"

	"github.com/inference-sim/inference-core/internal/coreerr"
	"github.com/inference-sim/inference-core/internal/sequence"
)

// Copier performs a worker-mediated device-level copy of one block's
// live slots into another block, for copy-on-write branching. Workers
// implement this; the manager never touches device memory itself.
type Copier interface {
	CopyBlock(dst, src ID) error
}

// Manager owns per-sequence block tables on top of a Pool: append-on-
// growth allocation, copy-on-write branching, and eviction release.
//
// Not safe for concurrent use — accessed only by the scheduler thread,
// per the single-writer concurrency model (spec §5).
type Manager struct {
	pool      *Pool
	blockSize int
}

// NewManager creates a Manager backed by pool, with the given block_size
// (slots per block; must already have been validated a positive
// multiple of 16 by the caller — see internal/config).
func NewManager(pool *Pool, blockSize int) *Manager {
	return &Manager{pool: pool, blockSize: blockSize}
}

func (m *Manager) blocksFor(nTokens int) int {
	if nTokens <= 0 {
		return 0
	}
	return (nTokens + m.blockSize - 1) / m.blockSize
}

// BlocksFor exposes the block-count-for-n-tokens computation for
// admission planning (spec §5 scheduler needs it to simulate
// preemption without mutating the pool mid-plan).
func (m *Manager) BlocksFor(nTokens int) int {
	return m.blocksFor(nTokens)
}

// CanAllocate reports whether nTokens additional tokens could be
// accommodated without exceeding pool capacity, ignoring any partially
// free space in a sequence's current last block (a conservative,
// O(1) check suited to scheduler admission).
func (m *Manager) CanAllocate(nTokens int) bool {
	return m.blocksFor(nTokens) <= m.pool.FreeBlocks()
}

// AllocateFor grows seq's block table so that it covers
// len(seq.TokenIDs) + nTokens positions, allocating fresh blocks from
// the pool as needed. It does not write token data — only reserves
// physical slots; the worker's append-KV kernel fills them during
// execute_model.
func (m *Manager) AllocateFor(seq *sequence.Sequence, nTokens int) error {
	return m.GrowTo(seq, seq.Len()+nTokens)
}

// GrowTo grows seq's block table so it covers exactly targetLen
// logical positions (an absolute length, not a delta against the
// sequence's current token count), allocating fresh blocks as needed.
// Chunked prefill uses this directly since a sequence's full prompt
// already sits in TokenIDs well before every chunk has been forwarded,
// so the table must track NumPromptProcessed rather than len(TokenIDs).
func (m *Manager) GrowTo(seq *sequence.Sequence, targetLen int) error {
	targetBlocks := m.blocksFor(targetLen)
	for len(seq.BlockTable) < targetBlocks {
		id, err := m.pool.Allocate()
		if err != nil {
			return err
		}
		seq.BlockTable = append(seq.BlockTable, int(id))
	}
	return nil
}

// Fork makes child share every block currently in parent's table,
// incrementing refcounts. The shared last block becomes subject to
// copy-on-write the next time either sibling writes to it.
func (m *Manager) Fork(parent, child *sequence.Sequence) {
	child.BlockTable = append([]int{}, parent.BlockTable...)
	for _, id := range child.BlockTable {
		m.pool.Retain(ID(id))
	}
}

// EnsureWritableTail triggers copy-on-write on seq's last block if it
// is shared (refcount > 1): allocates a fresh block, copies the shared
// block's live slots into it via copier, retains the new block and
// releases the old one, and rewrites the table entry. A no-op when the
// last block is already exclusively owned.
func (m *Manager) EnsureWritableTail(seq *sequence.Sequence, copier Copier) error {
	if len(seq.BlockTable) == 0 {
		return nil
	}
	last := ID(seq.BlockTable[len(seq.BlockTable)-1])
	if m.pool.RefCount(last) <= 1 {
		return nil
	}
	fresh, err := m.pool.Allocate()
	if err != nil {
		return fmt.Errorf("copy-on-write allocation: %w", coreerr.ErrOutOfBlocks)
	}
	if err := copier.CopyBlock(fresh, last); err != nil {
		m.pool.Release(fresh)
		return fmt.Errorf("copy-on-write block copy: %w", err)
	}
	seq.BlockTable[len(seq.BlockTable)-1] = int(fresh)
	m.pool.Release(last)
	return nil
}

// Release returns every block in seq's table to the pool (decrementing
// refcounts; shared blocks survive until all owners release) and
// clears the table. Used on FINISHED completion and on preemption.
func (m *Manager) Release(seq *sequence.Sequence) {
	for _, id := range seq.BlockTable {
		m.pool.Release(ID(id))
	}
	seq.BlockTable = nil
}

// TruncateTo shrinks seq's block table to cover exactly nTokens logical
// positions, physically freeing any now-unneeded trailing blocks. Used
// by the speculative scheduler to discard a draft model's KV state for
// rejected proposal positions: a rejected tail must free real pool
// capacity, not just move a bookkeeping cursor (spec §9 open question).
func (m *Manager) TruncateTo(seq *sequence.Sequence, nTokens int) {
	targetBlocks := m.blocksFor(nTokens)
	for len(seq.BlockTable) > targetBlocks {
		last := len(seq.BlockTable) - 1
		m.pool.Release(ID(seq.BlockTable[last]))
		seq.BlockTable = seq.BlockTable[:last]
	}
}

// Pool exposes the underlying block pool for admission/eviction
// decisions and property tests.
func (m *Manager) Pool() *Pool { return m.pool }

// BlockSize returns the number of token slots per block.
func (m *Manager) BlockSize() int { return m.blockSize }
