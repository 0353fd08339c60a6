// Package respond defines how the scheduler surfaces generated tokens
// to callers: one delta per newly committed token, plus a terminal
// event when a sequence finishes (spec.md §4.6 step 4, "response
// handler emits token deltas").
package respond

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-core/internal/sequence"
)

// TokenDelta is one incremental generation event.
type TokenDelta struct {
	RequestID sequence.ID
	SequenceID sequence.ID
	Token     int64
	Logprob   float32
}

// Handler receives generation events as the scheduler commits them.
// Implementations must not block the scheduler thread for long, since
// Tick calls these synchronously between batches.
type Handler interface {
	OnToken(d TokenDelta)
	OnFinish(seq *sequence.Sequence)
}

// LogHandler is a Handler that records every event via logrus,
// matching the teacher's structured-logging idiom; real deployments
// would instead stream deltas over a transport (gRPC, SSE) layered on
// top of the same interface.
type LogHandler struct {
	log *logrus.Entry
}

// NewLogHandler creates a Handler that logs every token delta and
// terminal event at debug/info level respectively.
func NewLogHandler() *LogHandler {
	return &LogHandler{log: logrus.WithField("component", "respond")}
}

func (h *LogHandler) OnToken(d TokenDelta) {
	h.log.WithFields(logrus.Fields{
		"request_id":  d.RequestID,
		"sequence_id": d.SequenceID,
		"token":       d.Token,
	}).Debug("token delta")
}

func (h *LogHandler) OnFinish(seq *sequence.Sequence) {
	entry := h.log.WithFields(logrus.Fields{
		"request_id":  seq.RequestID,
		"sequence_id": seq.ID,
		"num_tokens":  seq.NumGenerated(),
	})
	if seq.FailureReason != "" {
		entry.Warnf("sequence failed: %s", seq.FailureReason)
		return
	}
	entry.Info("sequence finished")
}

// CollectingHandler accumulates events in memory, useful for tests and
// for offline/batch callers that want the full transcript at the end
// rather than incremental deltas.
type CollectingHandler struct {
	Tokens   []TokenDelta
	Finished []*sequence.Sequence
}

func NewCollectingHandler() *CollectingHandler {
	return &CollectingHandler{}
}

func (h *CollectingHandler) OnToken(d TokenDelta) {
	h.Tokens = append(h.Tokens, d)
}

func (h *CollectingHandler) OnFinish(seq *sequence.Sequence) {
	h.Finished = append(h.Finished, seq)
}
