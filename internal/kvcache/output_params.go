package kvcache

// OutputParameters is what a worker returns from execute_model or
// validate: sampled (or candidate) token ids per sequence/position,
// and, for the speculative verify path, the full probability
// distribution at each candidate position so the scheduler can apply
// the accept/reject rule itself (spec.md §4.3 Worker.validate never
// samples in-worker).
type OutputParameters struct {
	TokenIDs []int64
	Logprobs []float32

	// Probs holds, for each output position, the full [vocab]
	// probability distribution. Populated by Validate; left empty by
	// ExecuteModel (which samples in-worker and only returns the
	// chosen token plus its logprob).
	Probs [][]float32
}
