// Package sequence defines the generation-stream and request types
// shared by the scheduler, block manager, and engine.
package sequence

import "github.com/google/uuid"

// Stage is a sequence's point in its lifecycle.
type Stage int

const (
	StagePrefill Stage = iota
	StageDecode
	StageFinished
	StagePreempted
)

func (s Stage) String() string {
	switch s {
	case StagePrefill:
		return "PREFILL"
	case StageDecode:
		return "DECODE"
	case StageFinished:
		return "FINISHED"
	case StagePreempted:
		return "PREEMPTED"
	default:
		return "UNKNOWN"
	}
}

// SamplingParams controls token selection for a sequence.
type SamplingParams struct {
	Temperature float64
	TopK        int
	TopP        float64
	StopTokens  map[int64]struct{}
	MaxTokens   int
}

// ID identifies a sequence, unique within its owning Request.
type ID string

// NewID generates a fresh sequence/request identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Sequence is one generation stream: a prompt extended with generated
// tokens, backed by a block table, advancing through Stage transitions.
type Sequence struct {
	ID              ID
	RequestID       ID
	TokenIDs        []int64
	NumPromptTokens int
	BlockTable      []int // block ids, position p lives in BlockTable[p/blockSize]
	Sampling        SamplingParams
	Stage           Stage
	ArrivalTime     int64
	Priority        float64

	// NumPromptProcessed counts how many prompt tokens have already been
	// pushed through a forward pass, for chunked prefill: a long prompt
	// is split across multiple ticks rather than scheduled all at once.
	NumPromptProcessed int

	// Speculative-only fields.
	NumValidated    int     // count of proposed_tokens already accepted/committed
	ProposedTokens  []int64 // rolling window of draft proposals awaiting validation
	ProposedDraftQ  []float64 // q_i(t): draft sampling probability of each proposed token

	// Request points back at the owning Request, so a scheduler can
	// discover when this sequence is the primary of an n>1 request and
	// fork its siblings once prefill completes.
	Request *Request

	// FailureReason is set when a sequence is terminated by a
	// user-visible failure rather than a normal stop condition.
	FailureReason string
}

// NewSequence creates a PREFILL-stage sequence from a prompt.
func NewSequence(reqID ID, prompt []int64, sp SamplingParams, arrival int64, priority float64) *Sequence {
	return &Sequence{
		ID:              NewID(),
		RequestID:       reqID,
		TokenIDs:        append([]int64{}, prompt...),
		NumPromptTokens: len(prompt),
		Sampling:        sp,
		Stage:           StagePrefill,
		ArrivalTime:     arrival,
		Priority:        priority,
	}
}

// Len returns the number of tokens (prompt + generated) in the sequence.
func (s *Sequence) Len() int {
	return len(s.TokenIDs)
}

// NumGenerated returns how many tokens have been generated so far.
func (s *Sequence) NumGenerated() int {
	return len(s.TokenIDs) - s.NumPromptTokens
}

// PrefillRemaining returns how many prompt tokens still need a forward
// pass. Zero once the prompt has been fully chunked through, at which
// point the sequence transitions to DECODE on its next Append.
func (s *Sequence) PrefillRemaining() int {
	return s.NumPromptTokens - s.NumPromptProcessed
}

// Append adds a generated token and evaluates the stage transition.
// The caller is responsible for ensuring block-table capacity before
// calling Append (see block.Manager.AllocateFor).
func (s *Sequence) Append(token int64) {
	s.TokenIDs = append(s.TokenIDs, token)
	if s.Stage == StagePrefill && len(s.TokenIDs) >= s.NumPromptTokens {
		s.Stage = StageDecode
	}
}

// CheckStop evaluates EOS/stop-token/max_tokens conditions and
// transitions the sequence to FINISHED if any apply. eos is the
// model's end-of-sequence token id.
func (s *Sequence) CheckStop(eos int64) bool {
	if len(s.TokenIDs) == 0 {
		return false
	}
	last := s.TokenIDs[len(s.TokenIDs)-1]
	if last == eos {
		s.Stage = StageFinished
		return true
	}
	if _, stop := s.Sampling.StopTokens[last]; stop {
		s.Stage = StageFinished
		return true
	}
	if s.Sampling.MaxTokens > 0 && s.NumGenerated() >= s.Sampling.MaxTokens {
		s.Stage = StageFinished
		return true
	}
	return false
}

// Fail terminates the sequence with a user-visible failure reason.
func (s *Sequence) Fail(reason string) {
	s.Stage = StageFinished
	s.FailureReason = reason
}

// Request is the user-facing unit of work: one or more sibling
// sequences sharing a prompt (for n>1 sampling), sharing a block-table
// prefix via copy-on-write.
type Request struct {
	ID        ID
	Prompt    []int64
	Sequences []*Sequence
	// N is the total number of sibling sequences this request wants
	// (n>1 sampling). Only the primary (Sequences[0]) is created eagerly;
	// a scheduler forks the remaining N-1 once the primary finishes
	// prefill, via block.Manager.Fork over a shared block table.
	N int
}

// NewRequest creates a Request whose primary sequence is created
// eagerly; n is the total number of sibling sequences wanted (n<1 is
// treated as 1). Siblings share the primary's block table via
// block.Manager.Fork once the primary has been prefilled — a scheduler
// is responsible for forking them once that happens (see
// Request.Sequences[0].Request).
func NewRequest(prompt []int64, sp SamplingParams, arrival int64, priority float64, n int) *Request {
	if n < 1 {
		n = 1
	}
	reqID := NewID()
	primary := NewSequence(reqID, prompt, sp, arrival, priority)
	req := &Request{
		ID:        reqID,
		Prompt:    prompt,
		Sequences: []*Sequence{primary},
		N:         n,
	}
	primary.Request = req
	return req
}

// Done reports whether every sequence in the request has finished.
func (r *Request) Done() bool {
	for _, s := range r.Sequences {
		if s.Stage != StageFinished {
			return false
		}
	}
	return true
}
