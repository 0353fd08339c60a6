// Package continuous implements the per-tick continuous-batching state
// machine: schedule -> execute -> commit -> respond -> release blocks
// of finished sequences. Each call to Tick advances every admitted
// sequence by one step.
package continuous

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-core/internal/block"
	"github.com/inference-sim/inference-core/internal/engine"
	"github.com/inference-sim/inference-core/internal/kvcache"
	"github.com/inference-sim/inference-core/internal/respond"
	"github.com/inference-sim/inference-core/internal/scheduler/policy"
	"github.com/inference-sim/inference-core/internal/sequence"
	"github.com/inference-sim/inference-core/internal/worker"
)

// Scheduler owns the waiting (PREFILL) and running (DECODE) queues for
// one engine and drives them tick by tick.
type Scheduler struct {
	eng       *engine.Engine
	blockMgr  *block.Manager
	pol       *policy.Policy
	responder respond.Handler
	eosToken  int64

	waiting []*sequence.Sequence
	running []*sequence.Sequence

	log *logrus.Entry
}

// New creates a Scheduler over an already-Init'd engine.
func New(eng *engine.Engine, pol *policy.Policy, responder respond.Handler, eosToken int64) *Scheduler {
	return &Scheduler{
		eng:       eng,
		blockMgr:  eng.BlockManager(),
		pol:       pol,
		responder: responder,
		eosToken:  eosToken,
		log:       logrus.WithField("component", "scheduler"),
	}
}

// Submit enqueues every sequence of req as PREFILL work.
func (s *Scheduler) Submit(req *sequence.Request) {
	s.waiting = append(s.waiting, req.Sequences...)
}

// NumWaiting and NumRunning report queue depths, for observability.
func (s *Scheduler) NumWaiting() int { return len(s.waiting) }
func (s *Scheduler) NumRunning() int { return len(s.running) }

// Tick runs one schedule/execute/commit/respond/release cycle. It
// returns the number of sequences that ran this tick (0 means both
// queues are empty or wedged on resource exhaustion).
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	if len(s.waiting) == 0 && len(s.running) == 0 {
		return 0, nil
	}

	batch := s.pol.Schedule(s.running, s.waiting)
	s.applyPreemption(batch.Preempted)
	if len(batch.Sequences) == 0 {
		return 0, nil
	}

	for _, seq := range batch.Sequences {
		n := batch.NumScheduledTokens[seq.ID]
		var err error
		if seq.Stage == sequence.StageDecode {
			err = s.blockMgr.AllocateFor(seq, n)
			if err == nil {
				// A sequence forked via Fork may still share its last
				// block with its siblings; branch it before the coming
				// ExecuteModel call writes this decode step's KV into it.
				err = s.blockMgr.EnsureWritableTail(seq, s.eng)
			}
		} else {
			err = s.blockMgr.GrowTo(seq, seq.NumPromptProcessed+n)
		}
		if err != nil {
			return 0, err
		}
	}

	params, sampling := buildInputParameters(batch.Sequences, batch.NumScheduledTokens, s.blockMgr.BlockSize())
	identity := make([]int, len(batch.Sequences))
	for i := range identity {
		identity[i] = i
	}
	out, err := s.eng.ExecuteModel(params, sampling, identity)
	if err != nil {
		return 0, err
	}

	s.commit(batch, out)
	return len(batch.Sequences), nil
}

// applyPreemption releases a preempted sequence's blocks, resets its
// prefill cursor to zero (its KV state must be recomputed from
// scratch), and moves it from running back to the head of waiting.
func (s *Scheduler) applyPreemption(preempted []*sequence.Sequence) {
	if len(preempted) == 0 {
		return
	}
	victims := make(map[sequence.ID]bool, len(preempted))
	for _, v := range preempted {
		victims[v.ID] = true
		s.blockMgr.Release(v)
		v.NumPromptProcessed = 0
		// StagePrefill, not StagePreempted: the sequence re-enters the
		// waiting queue exactly like a fresh prefill, including the
		// PREFILL->DECODE transition Sequence.Append checks for.
		v.Stage = sequence.StagePrefill
		s.log.WithField("sequence_id", v.ID).Warn("preempting sequence to free KV cache blocks")
	}
	kept := s.running[:0]
	for _, r := range s.running {
		if !victims[r.ID] {
			kept = append(kept, r)
		}
	}
	s.running = kept
	s.waiting = append(preempted, s.waiting...)
}

// commit applies one tick's output: DECODE sequences and fully-chunked
// PREFILL sequences append their sampled token (the latter transitions
// PREFILL->DECODE); partially-chunked PREFILL sequences only advance
// their cursor. Finished sequences are released and reported.
func (s *Scheduler) commit(batch policy.Batch, out kvcache.OutputParameters) {
	admitted := make(map[sequence.ID]bool, len(batch.Sequences))
	for _, seq := range batch.Sequences {
		admitted[seq.ID] = true
	}

	// Sequences not admitted this tick (budget-starved, not preempted)
	// carry over to the next tick untouched.
	var newRunning, newWaiting []*sequence.Sequence
	for _, seq := range s.running {
		if !admitted[seq.ID] {
			newRunning = append(newRunning, seq)
		}
	}
	for _, seq := range s.waiting {
		if !admitted[seq.ID] {
			newWaiting = append(newWaiting, seq)
		}
	}

	for i, seq := range batch.Sequences {
		n := batch.NumScheduledTokens[seq.ID]
		if seq.Stage == sequence.StageDecode {
			s.appendAndRespond(seq, out.TokenIDs[i], out.Logprobs[i])
			if seq.Stage != sequence.StageFinished {
				newRunning = append(newRunning, seq)
			}
			continue
		}

		// PREFILL sequence scheduled for n tokens this tick.
		seq.NumPromptProcessed += n
		if seq.PrefillRemaining() > 0 {
			newWaiting = append(newWaiting, seq)
			continue
		}
		// Last chunk: the model's output at this position is the first
		// generated token.
		s.appendAndRespond(seq, out.TokenIDs[i], out.Logprobs[i])
		if seq.Stage != sequence.StageFinished {
			newRunning = append(newRunning, seq)
		}
		newRunning = append(newRunning, s.forkSiblingsIfNeeded(seq)...)
	}
	s.running = newRunning
	s.waiting = newWaiting
}

// forkSiblingsIfNeeded creates the remaining n>1 sibling sequences once
// a request's primary sequence finishes prefill, sharing its block
// table via block.Manager.Fork (spec.md §3 Request, §8 scenario 3). The
// siblings start from the primary's just-completed prompt and inherit
// its block table; each branches off independently on its next write
// via EnsureWritableTail. Returns the siblings newly admitted to
// running; ones that immediately hit a stop condition are released and
// reported instead.
func (s *Scheduler) forkSiblingsIfNeeded(primary *sequence.Sequence) []*sequence.Sequence {
	req := primary.Request
	if req == nil || req.Sequences[0] != primary || len(req.Sequences) >= req.N {
		return nil
	}
	var admitted []*sequence.Sequence
	for len(req.Sequences) < req.N {
		child := sequence.NewSequence(req.ID, primary.TokenIDs[:primary.NumPromptTokens], primary.Sampling, primary.ArrivalTime, primary.Priority)
		child.Request = req
		child.NumPromptProcessed = primary.NumPromptProcessed
		child.TokenIDs = append([]int64{}, primary.TokenIDs...)
		child.Stage = primary.Stage
		s.blockMgr.Fork(primary, child)
		req.Sequences = append(req.Sequences, child)
		if child.CheckStop(s.eosToken) {
			s.blockMgr.Release(child)
			s.responder.OnFinish(child)
			continue
		}
		admitted = append(admitted, child)
	}
	return admitted
}

func (s *Scheduler) appendAndRespond(seq *sequence.Sequence, token int64, logprob float32) {
	seq.Append(token)
	s.responder.OnToken(respond.TokenDelta{
		RequestID:  seq.RequestID,
		SequenceID: seq.ID,
		Token:      token,
		Logprob:    logprob,
	})
	if seq.CheckStop(s.eosToken) {
		s.blockMgr.Release(seq)
		s.responder.OnFinish(seq)
	}
}

// buildInputParameters flattens a scheduled batch into the wire shape
// a worker's Forward expects (spec.md §6): concatenated tokens and
// positions, cumulative sequence-length offsets, padded block tables,
// the append-KV slot mapping, and per-sequence sampling snapshots.
func buildInputParameters(seqs []*sequence.Sequence, numTokens map[sequence.ID]int, blockSize int) (kvcache.InputParameters, []worker.SamplingSnapshot) {
	params := kvcache.InputParameters{CuSeqlens: []int{0}}
	sampling := make([]worker.SamplingSnapshot, len(seqs))
	var rawTables [][]int

	for i, seq := range seqs {
		n := numTokens[seq.ID]
		start := seq.NumPromptProcessed
		if seq.Stage == sequence.StageDecode {
			start = seq.Len() - 1 // decode feeds the last-generated token, at its own position
		}
		for t := 0; t < n; t++ {
			pos := int64(start + t)
			var tok int64
			if seq.Stage == sequence.StageDecode {
				tok = seq.TokenIDs[len(seq.TokenIDs)-1]
			} else {
				tok = seq.TokenIDs[start+t]
			}
			params.FlattenTokenIDs = append(params.FlattenTokenIDs, tok)
			params.FlattenPositions = append(params.FlattenPositions, pos)
			blockID := seq.BlockTable[int(pos)/blockSize]
			offset := int(pos) % blockSize
			params.SlotMapping = append(params.SlotMapping, blockID*blockSize+offset)
		}
		params.CuSeqlens = append(params.CuSeqlens, len(params.FlattenTokenIDs))
		params.LastTokenIdxes = append(params.LastTokenIdxes, len(params.FlattenTokenIDs)-1)
		rawTables = append(rawTables, seq.BlockTable)
		sampling[i] = worker.SamplingSnapshot{
			Temperature: seq.Sampling.Temperature,
			TopK:        seq.Sampling.TopK,
			TopP:        seq.Sampling.TopP,
		}
	}
	params.BlockTables = kvcache.PadBlockTables(rawTables)
	return params, sampling
}
