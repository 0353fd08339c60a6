// Package kvcache defines the per-worker KV-cache tensor shape and the
// flattened per-batch InputParameters passed to a Model's forward pass.
package kvcache

// Layer is the mock tensor storage for one transformer layer's (K, V)
// pair, shaped [N_blocks, block_size, n_local_kv_heads, head_dim].
// Real GPU tensor storage is a black-box collaborator per spec.md's
// Non-goals; Layer stands in as the handle a Model.Forward receives and
// a worker-mediated Copier writes into.
type Layer struct {
	NumBlocks     int
	BlockSize     int
	NumLocalHeads int
	HeadDim       int

	// K and V are flattened [NumBlocks*BlockSize*NumLocalHeads*HeadDim]
	// slices; slot(blockID, offset) indexes into them.
	K []float32
	V []float32
}

// NewLayer allocates a zeroed Layer with the given shape.
func NewLayer(numBlocks, blockSize, numLocalHeads, headDim int) Layer {
	sz := numBlocks * blockSize * numLocalHeads * headDim
	return Layer{
		NumBlocks:     numBlocks,
		BlockSize:     blockSize,
		NumLocalHeads: numLocalHeads,
		HeadDim:       headDim,
		K:             make([]float32, sz),
		V:             make([]float32, sz),
	}
}

func (l *Layer) slotWidth() int { return l.NumLocalHeads * l.HeadDim }

// slotRange returns the [start, end) byte-equivalent element range for
// physical slot blockID*BlockSize+offset.
func (l *Layer) slotRange(blockID, offset int) (int, int) {
	slot := blockID*l.BlockSize + offset
	start := slot * l.slotWidth()
	return start, start + l.slotWidth()
}

// Write stores one token's K/V vectors at the given physical slot.
func (l *Layer) Write(blockID, offset int, k, v []float32) {
	s, e := l.slotRange(blockID, offset)
	copy(l.K[s:e], k)
	copy(l.V[s:e], v)
}

// Slot holds one physical slot's K/V vectors, for introspection.
type Slot struct {
	K []float32
	V []float32
}

// ReadSlot returns copies of the K/V vectors stored at the given
// physical slot, for introspection (debugging, tests); never called
// from a model's Forward.
func (l *Layer) ReadSlot(blockID, offset int) (k, v []float32) {
	s, e := l.slotRange(blockID, offset)
	k = append([]float32{}, l.K[s:e]...)
	v = append([]float32{}, l.V[s:e]...)
	return k, v
}

// CopySlots copies every slot of the src block into the dst block (the
// whole block, not just offset 0), the kernel a Worker issues to
// implement copy-on-write.
func (l *Layer) CopySlots(dst, src int) {
	sStart, _ := l.slotRange(src, 0)
	sEnd := sStart + l.BlockSize*l.slotWidth()
	dStart, _ := l.slotRange(dst, 0)
	dEnd := dStart + l.BlockSize*l.slotWidth()
	copy(l.K[dStart:dEnd], l.K[sStart:sEnd])
	copy(l.V[dStart:dEnd], l.V[sStart:sEnd])
}
