package worker

import (
	"math"
	"math/rand"
)

// sampler turns a row of logits into a sampled token id plus the
// probability mass assigned to it under the (unfiltered) softmax
// distribution — ExecuteModel reports the log of the latter as the
// token's logprob.
type sampler struct {
	rng *rand.Rand
}

func newSampler(seed int64) *sampler {
	return &sampler{rng: rand.New(rand.NewSource(seed))}
}

func softmax(logits []float32) []float64 {
	max := logits[0]
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		p := math.Exp(float64(v - max))
		probs[i] = p
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Sample draws one token from logits under temperature/top-k/top-p,
// returning the chosen token id and its probability under the full
// (unfiltered) distribution. temperature<=0 means greedy (argmax).
func (s *sampler) Sample(logits []float32, temperature float64, topK int, topP float64) (int64, float64) {
	if temperature <= 0 {
		best := 0
		for i, v := range logits {
			if v > logits[best] {
				best = i
			}
		}
		probs := softmax(logits)
		return int64(best), probs[best]
	}

	scaled := make([]float32, len(logits))
	invT := float32(1.0 / temperature)
	for i, v := range logits {
		scaled[i] = v * invT
	}
	probs := softmax(scaled)
	fullProbs := probs
	if topK > 0 || topP > 0 {
		fullProbs = append([]float64{}, probs...)
		probs = applyTopKTopP(probs, topK, topP)
	}

	chosen := SampleCategorical(s.rng, probs)
	return int64(chosen), fullProbs[chosen]
}

// SampleCategorical draws an index from probs (a discrete distribution,
// need not be exactly normalized) via inverse-CDF sampling against
// rng. Exported so the speculative scheduler can draw draft proposals
// from a full probability row the same way ExecuteModel's greedy/
// temperature sampling does.
func SampleCategorical(rng *rand.Rand, probs []float64) int {
	u := rng.Float64()
	var cum float64
	chosen := len(probs) - 1
	for i, p := range probs {
		cum += p
		if u <= cum {
			chosen = i
			break
		}
	}
	return chosen
}

// applyTopKTopP zeroes out probability mass outside the top-k highest
// probabilities and/or outside the smallest nucleus whose cumulative
// probability reaches topP, then renormalizes.
func applyTopKTopP(probs []float64, topK int, topP float64) []float64 {
	out := append([]float64{}, probs...)
	if topK > 0 && topK < len(out) {
		threshold := nthLargest(out, topK)
		for i, p := range out {
			if p < threshold {
				out[i] = 0
			}
		}
	}
	if topP > 0 && topP < 1 {
		order := argsortDesc(out)
		var cum float64
		keep := make(map[int]bool, len(order))
		for _, idx := range order {
			if cum >= topP {
				break
			}
			keep[idx] = true
			cum += out[idx]
		}
		for i := range out {
			if !keep[i] {
				out[i] = 0
			}
		}
	}
	var sum float64
	for _, p := range out {
		sum += p
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

func nthLargest(vals []float64, n int) float64 {
	sorted := append([]float64{}, vals...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] > sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[n-1]
}

func argsortDesc(vals []float64) []int {
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < len(idx); i++ {
		for j := i + 1; j < len(idx); j++ {
			if vals[idx[j]] > vals[idx[i]] {
				idx[i], idx[j] = idx[j], idx[i]
			}
		}
	}
	return idx
}
