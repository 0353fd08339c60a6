// Package worker implements the per-device execution unit: one
// dedicated OS thread (goroutine bound to a FIFO task queue) owning a
// model replica, its KV-cache tensors, and a sampler. All ops for a
// device are issued from that single goroutine, matching spec.md §4.3
// and §5 (no lock is ever held across a suspension because there is
// only ever one goroutine touching this worker's state).
//
// The task-queue-plus-goroutine shape is grounded on the pack's
// llm-d-kv-cache-manager tokenization pool (pkg/tokenization/pool.go),
// which the teacher (a single-threaded discrete-event simulator) has
// no equivalent of.
package worker

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-core/internal/block"
	"github.com/inference-sim/inference-core/internal/coreerr"
	"github.com/inference-sim/inference-core/internal/kvcache"
	"github.com/inference-sim/inference-core/internal/model"
)

// MemoryProfile reports a device's available and total memory, as
// measured by a warm-up forward pass (spec.md §4.3 profile_device_memory).
type MemoryProfile struct {
	AvailableBytes int64
	TotalBytes     int64
}

// Device describes one accelerator (or CPU) a Worker binds to.
type Device struct {
	Name string
	Kind model.DeviceKind
	// SimTotalBytes/SimFreeBytes stand in for a real CUDA memory query,
	// since device memory introspection is a black-box collaborator.
	SimTotalBytes int64
	SimFreeBytes  int64
}

// Worker owns one device: its model replica, per-layer KV-cache
// tensors, and sampler. Tasks are FIFO-serialized on a single
// goroutine; every exported op enqueues a task and returns a Future
// completed when that task runs.
type Worker struct {
	Rank      int
	device    Device
	blockSize int

	model    model.Model
	kvCache  []kvcache.Layer
	registry *model.Registry

	sampler *sampler
	log     *logrus.Entry

	tasks chan func()
}

// New creates a Worker bound to device, not yet started. A nil
// registry falls back to model.Default.
func New(rank int, device Device, blockSize int, seed int64, registry *model.Registry) *Worker {
	if registry == nil {
		registry = model.Default
	}
	return &Worker{
		Rank:      rank,
		device:    device,
		blockSize: blockSize,
		registry:  registry,
		sampler:   newSampler(seed + int64(rank)),
		log:       logrus.WithField("component", "worker").WithField("device", device.Name),
		tasks:     make(chan func(), 64),
	}
}

// Device returns the device this worker is bound to.
func (w *Worker) Device() Device { return w.device }

// Run is the worker's dedicated thread: it drains tasks FIFO until ctx
// is cancelled or Close is called. Callers launch it with `go w.Run(ctx)`.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-w.tasks:
			if !ok {
				return
			}
			task()
		}
	}
}

// Close signals the worker's task channel is done; in-flight tasks
// still drain before Run returns.
func (w *Worker) Close() {
	close(w.tasks)
}

// InitModel instantiates the model replica on this worker's device.
// The async variant (this one) always runs on the worker thread; a
// caller wanting the synchronous behavior spec.md describes for the
// single-worker case simply calls .Get() immediately.
func (w *Worker) InitModel(arch string, dtype model.DType, args model.Args, quant model.QuantArgs, worldSize int) Future[bool] {
	return submit(w, func() (bool, error) {
		m, err := w.registry.New(arch, args, quant, dtype, worldSize, w.Rank)
		if err != nil {
			return false, &coreerr.ErrModelLoad{Msg: err.Error()}
		}
		w.model = m
		w.log.Infof("model initialized: dtype=%s vocab=%d", dtype, args.VocabSize)
		return true, nil
	})
}

// LoadStateDict loads one weight shard, called repeatedly for sharded
// checkpoints.
func (w *Worker) LoadStateDict(shard model.StateDictShard) Future[Empty] {
	return submit(w, func() (Empty, error) {
		if w.model == nil {
			return Empty{}, &coreerr.ErrModelLoad{Msg: "load_state_dict called before init_model"}
		}
		return Empty{}, w.model.LoadStateDict(shard)
	})
}

// VerifyLoadedWeights fails hard if any registered parameter was never
// written by a prior LoadStateDict call.
func (w *Worker) VerifyLoadedWeights() Future[Empty] {
	return submit(w, func() (Empty, error) {
		if w.model == nil {
			return Empty{}, &coreerr.ErrModelLoad{Msg: "verify_loaded_weights called before init_model"}
		}
		return Empty{}, w.model.VerifyLoadedWeights()
	})
}

// ProfileDeviceMemory runs a warm-up forward with max-batch dummy
// inputs to realize peak activation memory, then reports the device's
// remaining free memory.
func (w *Worker) ProfileDeviceMemory(maxNumTokens, maxNumSeqs int64) Future[MemoryProfile] {
	return submit(w, func() (MemoryProfile, error) {
		if w.model == nil {
			return MemoryProfile{}, &coreerr.ErrModelLoad{Msg: "profile_device_memory called before init_model"}
		}
		tokens := make([]int64, maxNumTokens)
		positions := make([]int64, maxNumTokens)
		for i := range tokens {
			positions[i] = int64(i % int(maxNumSeqs+1))
		}
		params := kvcache.InputParameters{
			SlotMapping: make([]int, maxNumTokens), // dummy; no KV cache is passed, so nothing is written
		}
		if _, err := w.model.Forward(context.Background(), tokens, positions, nil, params); err != nil {
			return MemoryProfile{}, &coreerr.ErrDevice{Device: w.device.Name, Msg: err.Error()}
		}
		w.log.Infof("profiled device memory: available=%d total=%d", w.device.SimFreeBytes, w.device.SimTotalBytes)
		return MemoryProfile{AvailableBytes: w.device.SimFreeBytes, TotalBytes: w.device.SimTotalBytes}, nil
	})
}

// InitKVCache allocates K and V tensors per layer with the given shape.
func (w *Worker) InitKVCache(numLayers, numBlocks, blockSize, numLocalKVHeads, headDim int) Future[Empty] {
	return submit(w, func() (Empty, error) {
		w.blockSize = blockSize
		w.kvCache = make([]kvcache.Layer, numLayers)
		for i := range w.kvCache {
			w.kvCache[i] = kvcache.NewLayer(numBlocks, blockSize, numLocalKVHeads, headDim)
		}
		w.log.Infof("kv cache initialized: layers=%d blocks=%d block_size=%d", numLayers, numBlocks, blockSize)
		return Empty{}, nil
	})
}

// ExecuteModel runs forward + sample and returns sampled token ids.
func (w *Worker) ExecuteModel(params kvcache.InputParameters, sampling []SamplingSnapshot) Future[kvcache.OutputParameters] {
	return submit(w, func() (kvcache.OutputParameters, error) {
		logits, err := w.model.Forward(context.Background(), params.FlattenTokenIDs, params.FlattenPositions, w.kvCache, params)
		if err != nil {
			return kvcache.OutputParameters{}, &coreerr.ErrDevice{Device: w.device.Name, Msg: err.Error()}
		}
		vocab := int(w.model.VocabSize())
		out := kvcache.OutputParameters{
			TokenIDs: make([]int64, len(params.LastTokenIdxes)),
			Logprobs: make([]float32, len(params.LastTokenIdxes)),
		}
		for i, idx := range params.LastTokenIdxes {
			row := logits[idx*vocab : (idx+1)*vocab]
			sp := sampling[i]
			tok, prob := w.sampler.Sample(row, sp.Temperature, sp.TopK, sp.TopP)
			out.TokenIDs[i] = tok
			out.Logprobs[i] = float32(math.Log(prob))
		}
		return out, nil
	})
}

// Validate runs forward only and returns the full probability
// distribution at every candidate position; the scheduler applies the
// speculative accept/reject rule, not the worker.
func (w *Worker) Validate(params kvcache.InputParameters) Future[kvcache.OutputParameters] {
	return submit(w, func() (kvcache.OutputParameters, error) {
		logits, err := w.model.Forward(context.Background(), params.FlattenTokenIDs, params.FlattenPositions, w.kvCache, params)
		if err != nil {
			return kvcache.OutputParameters{}, &coreerr.ErrDevice{Device: w.device.Name, Msg: err.Error()}
		}
		vocab := int(w.model.VocabSize())
		out := kvcache.OutputParameters{
			Probs: make([][]float32, len(params.LastTokenIdxes)),
		}
		for i, idx := range params.LastTokenIdxes {
			row := logits[idx*vocab : (idx+1)*vocab]
			probs := softmax(row)
			f32 := make([]float32, len(probs))
			for j, p := range probs {
				f32[j] = float32(p)
			}
			out.Probs[i] = f32
		}
		return out, nil
	})
}

// CopyBlock implements block.Copier: a worker-mediated device-level
// copy of one block's live KV slots into another, across every layer.
func (w *Worker) CopyBlock(dst, src block.ID) error {
	f := submit(w, func() (Empty, error) {
		for l := range w.kvCache {
			w.kvCache[l].CopySlots(int(dst), int(src))
		}
		return Empty{}, nil
	})
	_, err := f.Get()
	return err
}

// PeekKVSlot reads one physical KV slot of the given layer, routed
// through the worker's task queue like any other op — for test and
// debugging introspection only; no forward pass depends on it.
func (w *Worker) PeekKVSlot(layer, blockID, offset int) Future[kvcache.Slot] {
	return submit(w, func() (kvcache.Slot, error) {
		k, v := w.kvCache[layer].ReadSlot(blockID, offset)
		return kvcache.Slot{K: k, V: v}, nil
	})
}

// SamplingSnapshot is the per-sequence sampling configuration flattened
// alongside InputParameters for one execute_model/validate call.
type SamplingSnapshot struct {
	Temperature float64
	TopK        int
	TopP        float64
}

