// Package policy implements continuous-batching admission: which
// sequences run this tick, how many tokens each gets (1 for DECODE,
// a chunk for PREFILL), and which running sequences must be preempted
// to make room. Running DECODE sequences are always admitted ahead of
// fresh PREFILL work, and chunked prefill caps any one prompt's
// per-tick token count so a long prompt cannot starve the batch.
package policy

import (
	"sort"

	"github.com/inference-sim/inference-core/internal/block"
	"github.com/inference-sim/inference-core/internal/sequence"
)

// Batch is one tick's admission decision.
type Batch struct {
	// Sequences lists every admitted sequence, DECODE entries first
	// (in priority order), then PREFILL entries (FIFO by arrival).
	Sequences []*sequence.Sequence
	// NumScheduledTokens maps sequence.ID to how many of its tokens this
	// tick processes: 1 for every DECODE entry, up to the chunk size for
	// PREFILL entries.
	NumScheduledTokens map[sequence.ID]int
	// Preempted lists running sequences evicted to free blocks for
	// higher-priority work; the caller must release their block tables
	// and return them to the waiting queue re-marked PREFILL.
	Preempted []*sequence.Sequence
}

// Policy holds the batch-shape budgets and the block manager it
// consults for admission and preemption.
type Policy struct {
	blockMgr             *block.Manager
	maxNumTokensPerBatch int64
	maxNumSeqsPerBatch   int64
}

// New creates a Policy enforcing the given per-tick budgets against blockMgr.
func New(blockMgr *block.Manager, maxNumTokensPerBatch, maxNumSeqsPerBatch int64) *Policy {
	return &Policy{blockMgr: blockMgr, maxNumTokensPerBatch: maxNumTokensPerBatch, maxNumSeqsPerBatch: maxNumSeqsPerBatch}
}

// Schedule builds one tick's Batch from the currently running (DECODE)
// and waiting (PREFILL) sequences. running and waiting are left
// unmodified; the caller applies Batch.Preempted by moving those
// sequences out of running and back into the waiting queue.
func (p *Policy) Schedule(running, waiting []*sequence.Sequence) Batch {
	b := Batch{NumScheduledTokens: make(map[sequence.ID]int)}

	decodeOrder := append([]*sequence.Sequence{}, running...)
	sort.SliceStable(decodeOrder, func(i, j int) bool {
		if decodeOrder[i].Priority != decodeOrder[j].Priority {
			return decodeOrder[i].Priority > decodeOrder[j].Priority
		}
		return decodeOrder[i].ArrivalTime < decodeOrder[j].ArrivalTime
	})

	tokenBudget := p.maxNumTokensPerBatch
	seqBudget := p.maxNumSeqsPerBatch
	// freeBudget simulates pool.FreeBlocks() across this planning pass:
	// admission decrements it, preemption credits back the victim's full
	// block table. The pool itself is untouched until the caller applies
	// the plan (Release for Preempted, AllocateFor for Sequences).
	freeBudget := p.blockMgr.Pool().FreeBlocks()

	admitted := make(map[sequence.ID]bool)
	preemptedSet := make(map[sequence.ID]bool)
	// pending holds running sequences not yet admitted, lowest priority
	// last, so preemption always evicts from the tail of this slice.
	pending := append([]*sequence.Sequence{}, decodeOrder...)

	for i := 0; i < len(pending); {
		seq := pending[i]
		if preemptedSet[seq.ID] {
			i++
			continue
		}
		if int64(len(b.Sequences)) >= seqBudget || tokenBudget <= 0 {
			break
		}
		need := p.blockMgr.BlocksFor(seq.Len()+1) - len(seq.BlockTable)
		if need < 0 {
			need = 0
		}
		if need > freeBudget {
			victim := p.pickPreemptionVictim(pending[i+1:], admitted, preemptedSet)
			if victim == nil {
				break
			}
			b.Preempted = append(b.Preempted, victim)
			preemptedSet[victim.ID] = true
			freeBudget += len(victim.BlockTable)
			continue
		}
		b.Sequences = append(b.Sequences, seq)
		b.NumScheduledTokens[seq.ID] = 1
		admitted[seq.ID] = true
		freeBudget -= need
		tokenBudget--
		i++
	}

	prefillOrder := append([]*sequence.Sequence{}, waiting...)
	sort.SliceStable(prefillOrder, func(i, j int) bool {
		return prefillOrder[i].ArrivalTime < prefillOrder[j].ArrivalTime
	})
	for _, seq := range prefillOrder {
		if int64(len(b.Sequences)) >= seqBudget || tokenBudget <= 0 {
			break
		}
		remaining := seq.PrefillRemaining()
		if remaining <= 0 {
			continue
		}
		chunk := remaining
		if int64(chunk) > tokenBudget {
			chunk = int(tokenBudget)
		}
		need := p.blockMgr.BlocksFor(seq.NumPromptProcessed+chunk) - len(seq.BlockTable)
		if need < 0 {
			need = 0
		}
		if need > freeBudget {
			continue
		}
		b.Sequences = append(b.Sequences, seq)
		b.NumScheduledTokens[seq.ID] = chunk
		freeBudget -= need
		tokenBudget -= int64(chunk)
	}

	return b
}

// pickPreemptionVictim returns the lowest-priority, latest-arrived
// not-yet-admitted running sequence as a preemption candidate.
func (p *Policy) pickPreemptionVictim(candidates []*sequence.Sequence, admitted, preempted map[sequence.ID]bool) *sequence.Sequence {
	var victim *sequence.Sequence
	for _, c := range candidates {
		if admitted[c.ID] || preempted[c.ID] {
			continue
		}
		if victim == nil {
			victim = c
			continue
		}
		if c.Priority < victim.Priority || (c.Priority == victim.Priority && c.ArrivalTime > victim.ArrivalTime) {
			victim = c
		}
	}
	return victim
}
