// Package speculative implements the two-engine draft+verify scheduler:
// a cheap draft engine proposes K candidate tokens per tick, a single
// target-engine forward pass verifies all K at once, and an
// accept/reject rule (Leviathan et al.) decides how many of the draft's
// guesses the target model actually agrees with. Accepted tokens are
// committed at the cost of one target forward pass for K+1 positions,
// not K.
package speculative

import (
	"math/rand"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inference-sim/inference-core/internal/block"
	"github.com/inference-sim/inference-core/internal/coreerr"
	"github.com/inference-sim/inference-core/internal/engine"
	"github.com/inference-sim/inference-core/internal/kvcache"
	"github.com/inference-sim/inference-core/internal/respond"
	"github.com/inference-sim/inference-core/internal/sequence"
	"github.com/inference-sim/inference-core/internal/worker"
)

// Scheduler drives a target engine and a (cheaper) draft engine in
// lockstep over a shared block table per sequence: both engines keep
// independent physical KV storage but index it through the same
// block_ids, so the draft's speculative positions and the target's
// verify positions always agree.
type Scheduler struct {
	target *engine.Engine
	draft  *engine.Engine
	blockMgr *block.Manager
	k        int
	eosToken int64

	rng     *rand.Rand
	uniform distuv.Uniform

	waiting []*sequence.Sequence
	running []*sequence.Sequence

	responder respond.Handler
	log       *logrus.Entry
}

// New creates a speculative Scheduler over two already-Init'd engines
// sharing a block manager. k is the number of tokens the draft engine
// proposes per tick (spec.md §4.5). config.Validate rejects k<0; with
// k=0 no tokens are drafted and each tick commits only the target's
// bonus token.
func New(target, draft *engine.Engine, blockMgr *block.Manager, k int, eosToken, seed int64, responder respond.Handler) *Scheduler {
	src := rand.NewSource(seed)
	return &Scheduler{
		target:    target,
		draft:     draft,
		blockMgr:  blockMgr,
		k:         k,
		eosToken:  eosToken,
		rng:       rand.New(src),
		uniform:   distuv.Uniform{Min: 0, Max: 1, Src: src},
		responder: responder,
		log:       logrus.WithField("component", "speculative_scheduler"),
	}
}

// Submit enqueues every sequence of req as prefill work.
func (s *Scheduler) Submit(req *sequence.Request) {
	s.waiting = append(s.waiting, req.Sequences...)
}

func (s *Scheduler) NumWaiting() int { return len(s.waiting) }
func (s *Scheduler) NumRunning() int { return len(s.running) }

// Tick prefills waiting sequences in order until one does not fit in
// the free blocks, then runs one draft-K/verify-1 cycle for every
// sequence that was already running when the tick began; sequences
// prefilled this tick start drafting on the next one. It returns the
// number of sequences prefilled or advanced.
func (s *Scheduler) Tick() (int, error) {
	var prefilled []*sequence.Sequence
	for len(s.waiting) > 0 {
		next := s.waiting[0]
		if !s.blockMgr.CanAllocate(next.NumPromptTokens) {
			break
		}
		s.waiting = s.waiting[1:]
		if err := s.prefill(next); err != nil {
			return 0, err
		}
		prefilled = append(prefilled, next)
	}

	var survivors []*sequence.Sequence
	for _, seq := range s.running {
		finished, err := s.stepSpeculative(seq)
		if err != nil {
			if coreerr.IsRecoverable(err) {
				s.log.WithField("sequence_id", seq.ID).Warn("recoverable error mid-tick, re-queueing for retry")
				survivors = append(survivors, seq)
				continue
			}
			return 0, err
		}
		if !finished {
			survivors = append(survivors, seq)
		}
	}
	n := len(s.running) + len(prefilled)
	s.running = append(survivors, prefilled...)
	return n, nil
}

// prefill forwards seq's full prompt through both engines once, so
// their KV caches start in an identical state before any speculation.
// The target model is authoritative: its sampled token is the one
// committed. The draft's forward pass only seeds its own KV cache —
// its sampled token here is discarded, since drafting only begins
// from the next tick's stepSpeculative call.
func (s *Scheduler) prefill(seq *sequence.Sequence) error {
	if err := s.blockMgr.AllocateFor(seq, 0); err != nil {
		return err
	}
	params := singleSequenceParams(seq.TokenIDs, 0, seq.BlockTable, s.blockMgr.BlockSize(), true)
	sampling := []worker.SamplingSnapshot{{Temperature: seq.Sampling.Temperature, TopK: seq.Sampling.TopK, TopP: seq.Sampling.TopP}}

	out, err := s.target.ExecuteModel(params, sampling, []int{0})
	if err != nil {
		return err
	}
	if _, err := s.draft.ExecuteModel(params, sampling, []int{0}); err != nil {
		return err
	}
	seq.Append(out.TokenIDs[0])
	seq.CheckStop(s.eosToken)
	return nil
}

// stepSpeculative runs one draft(K)+verify(1) cycle for seq. It returns
// true if seq finished (stop condition reached) during this tick.
func (s *Scheduler) stepSpeculative(seq *sequence.Sequence) (bool, error) {
	blockSize := s.blockMgr.BlockSize()
	cur := seq.TokenIDs[len(seq.TokenIDs)-1]
	curPos := seq.Len() - 1

	draftTokens := make([]int64, 0, s.k)
	draftProbs := make([][]float64, 0, s.k)

	for i := 0; i < s.k; i++ {
		// Grow to an absolute target (Len()+i+1), not a relative delta:
		// TokenIDs isn't appended to until a draft token is accepted, so
		// seq.Len() stays constant across this loop.
		if err := s.blockMgr.GrowTo(seq, seq.Len()+i+1); err != nil {
			return false, err
		}
		params := singleTokenParams(cur, int64(curPos), seq.BlockTable, blockSize)
		out, err := s.draft.Validate(params, []int{0})
		if err != nil {
			return false, err
		}
		row := toFloat64(out.Probs[0])
		tok := worker.SampleCategorical(s.rng, row)
		draftTokens = append(draftTokens, int64(tok))
		draftProbs = append(draftProbs, row)
		cur = int64(tok)
		curPos++
	}

	verifyTokens := append([]int64{seq.TokenIDs[len(seq.TokenIDs)-1]}, draftTokens...)
	verifyPositions := make([]int64, len(verifyTokens))
	for i := range verifyTokens {
		verifyPositions[i] = int64(seq.Len() - 1 + i)
	}
	if len(verifyPositions) == 0 || int(verifyPositions[len(verifyPositions)-1])/blockSize >= len(seq.BlockTable) {
		return false, &coreerr.ErrProtocol{Msg: "verify pass runs past the allocated speculative block window"}
	}
	vparams := kvcache.InputParameters{
		FlattenTokenIDs:  verifyTokens,
		FlattenPositions: verifyPositions,
		CuSeqlens:        []int{0, len(verifyTokens)},
		BlockTables:      kvcache.PadBlockTables([][]int{seq.BlockTable}),
	}
	allIdxes := make([]int, len(verifyTokens))
	for i := range allIdxes {
		allIdxes[i] = i
		vparams.SlotMapping = append(vparams.SlotMapping, seq.BlockTable[int(verifyPositions[i])/blockSize]*blockSize+int(verifyPositions[i])%blockSize)
	}
	vparams.LastTokenIdxes = allIdxes

	outV, err := s.target.Validate(vparams, allIdxes)
	if err != nil {
		return false, err
	}
	if len(outV.Probs) != s.k+1 {
		return false, &coreerr.ErrProtocol{Msg: "verify pass returned the wrong number of candidate positions"}
	}

	accepted := 0
	finished := false
	for i := 0; i < s.k && !finished; i++ {
		p := float64(outV.Probs[i][draftTokens[i]])
		q := draftProbs[i][draftTokens[i]]
		threshold := 1.0
		if q > 0 {
			threshold = p / q
			if threshold > 1 {
				threshold = 1
			}
		}
		if s.uniform.Rand() <= threshold {
			seq.Append(draftTokens[i])
			accepted++
			finished = s.finishIfStopped(seq)
			continue
		}

		resampled := resampleResidual(s.rng, toFloat64(outV.Probs[i]), draftProbs[i])
		seq.Append(int64(resampled))
		accepted++
		finished = s.finishIfStopped(seq)
		break
	}

	if !finished && accepted == s.k {
		bonus := worker.SampleCategorical(s.rng, toFloat64(outV.Probs[s.k]))
		seq.Append(int64(bonus))
		finished = s.finishIfStopped(seq)
	}

	s.blockMgr.TruncateTo(seq, seq.Len())
	return finished, nil
}

func (s *Scheduler) finishIfStopped(seq *sequence.Sequence) bool {
	if !seq.CheckStop(s.eosToken) {
		return false
	}
	s.blockMgr.Release(seq)
	s.responder.OnFinish(seq)
	return true
}

// resampleResidual draws from the normalized residual distribution
// max(0, p - q), the correction the target model applies when it
// disagrees with the draft's proposal at this position.
func resampleResidual(rng *rand.Rand, p, q []float64) int {
	residual := make([]float64, len(p))
	var sum float64
	for i := range residual {
		d := p[i] - q[i]
		if d < 0 {
			d = 0
		}
		residual[i] = d
		sum += d
	}
	if sum <= 0 {
		return worker.SampleCategorical(rng, p)
	}
	for i := range residual {
		residual[i] /= sum
	}
	return worker.SampleCategorical(rng, residual)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// singleTokenParams builds InputParameters for a single-token forward
// of tok at position pos against an already-allocated block table.
func singleTokenParams(tok, pos int64, blockTable []int, blockSize int) kvcache.InputParameters {
	blockID := blockTable[int(pos)/blockSize]
	offset := int(pos) % blockSize
	return kvcache.InputParameters{
		FlattenTokenIDs:  []int64{tok},
		FlattenPositions: []int64{pos},
		CuSeqlens:        []int{0, 1},
		BlockTables:      kvcache.PadBlockTables([][]int{blockTable}),
		SlotMapping:      []int{blockID*blockSize + offset},
		LastTokenIdxes:   []int{0},
	}
}

// singleSequenceParams builds InputParameters for a full prompt forward.
func singleSequenceParams(tokens []int64, startPos int, blockTable []int, blockSize int, allPrefill bool) kvcache.InputParameters {
	positions := make([]int64, len(tokens))
	slots := make([]int, len(tokens))
	for i := range tokens {
		pos := startPos + i
		positions[i] = int64(pos)
		slots[i] = blockTable[pos/blockSize]*blockSize + pos%blockSize
	}
	return kvcache.InputParameters{
		FlattenTokenIDs:      tokens,
		FlattenPositions:     positions,
		CuSeqlens:            []int{0, len(tokens)},
		BlockTables:          kvcache.PadBlockTables([][]int{blockTable}),
		SlotMapping:          slots,
		LastTokenIdxes:       []int{len(tokens) - 1},
		AllPrefillSequences:  allPrefill,
	}
}
