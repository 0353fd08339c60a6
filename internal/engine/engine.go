// Package engine orchestrates a tensor-parallel group of workers
// running one model replica each: the init protocol (model
// instantiation, sharded weight loading, memory profiling, KV-cache
// sizing), and fan-out for execute_model/validate. The init protocol
// and memory-profiling formula are ported directly from ScaleLLM's
// engine.cpp (init_model / profile_memory_for_kv_cache).
package engine

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/inference-core/internal/block"
	"github.com/inference-sim/inference-core/internal/config"
	"github.com/inference-sim/inference-core/internal/coreerr"
	"github.com/inference-sim/inference-core/internal/kvcache"
	"github.com/inference-sim/inference-core/internal/model"
	"github.com/inference-sim/inference-core/internal/worker"
)

// Engine owns one replica of a model sharded (trivially, in this
// CPU-oriented reference implementation) across a tensor-parallel
// group of Workers, and drives their lifecycle in lockstep.
type Engine struct {
	cfg     config.EngineConfig
	workers []*worker.Worker
	cancel  context.CancelFunc

	dtype    model.DType
	blockMgr *block.Manager
	log      *logrus.Entry
}

// New validates cfg.Devices (all must share the same model.DeviceKind,
// matching ScaleLLM's engine.cpp rejection of mixed CPU/GPU groups),
// constructs one Worker per device, and launches their task loops.
// registry may be nil to use model.Default.
func New(ctx context.Context, cfg config.EngineConfig, seed int64, registry *model.Registry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kinds := make([]model.DeviceKind, len(cfg.Devices))
	for i, d := range cfg.Devices {
		kinds[i] = deviceKind(d)
	}
	for i := 1; i < len(kinds); i++ {
		if kinds[i] != kinds[0] {
			return nil, &coreerr.ErrConfig{Msg: "devices must be homogeneous: mixed CPU/CUDA group"}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	e := &Engine{
		cfg:    cfg,
		cancel: cancel,
		log:    logrus.WithField("component", "engine"),
	}
	for rank, name := range cfg.Devices {
		dev := worker.Device{
			Name:          name,
			Kind:          kinds[rank],
			SimTotalBytes: cfg.MaxCacheSize * 4, // stand-in device capacity
			SimFreeBytes:  cfg.MaxCacheSize * 2,
		}
		w := worker.New(rank, dev, cfg.BlockSize, seed, registry)
		e.workers = append(e.workers, w)
		go w.Run(runCtx)
	}
	return e, nil
}

// Close shuts the engine's worker pool down.
func (e *Engine) Close() {
	e.cancel()
}

func deviceKind(name string) model.DeviceKind {
	if len(name) >= 3 && name[:3] == "cpu" {
		return model.DeviceCPU
	}
	return model.DeviceCUDA
}

// BlockManager returns the block manager sized by Init; nil before Init
// has run.
func (e *Engine) BlockManager() *block.Manager { return e.blockMgr }

// NumWorkers reports the tensor-parallel group size.
func (e *Engine) NumWorkers() int { return len(e.workers) }

// DType reports the dtype resolved by Init; zero value before Init runs.
func (e *Engine) DType() model.DType { return e.dtype }

// Init runs the full init protocol in the order ScaleLLM's Engine::init
// does: reconcile vocab size, init_model on every worker, stream weight
// shards, verify_loaded_weights, profile memory from the weakest
// device, size the KV cache pool, then init_kv_cache on every worker.
func (e *Engine) Init(ctx context.Context, src WeightSource) error {
	args := src.ModelArgs()
	if tv := src.TokenizerVocabSize(); tv > 0 {
		if args.VocabSize == 0 {
			args.VocabSize = tv
		} else if args.VocabSize != tv {
			e.log.Warnf("vocab size mismatch: model args=%d tokenizer=%d, keeping model args", args.VocabSize, tv)
		}
	}

	kind := e.workers[0].Device().Kind
	dtype, err := model.ParseDType(e.cfg.DType, kind)
	if err != nil {
		return err
	}
	e.dtype = dtype

	if err := e.fanOut(func(w *worker.Worker) error {
		ok, err := w.InitModel(e.cfg.ModelArchitecture, dtype, args, src.QuantArgs(), len(e.workers)).Get()
		if err != nil {
			return err
		}
		if !ok {
			return &coreerr.ErrModelLoad{Msg: "init_model returned false"}
		}
		return nil
	}); err != nil {
		return err
	}

	for _, shard := range src.Shards() {
		shard := shard
		if err := e.fanOut(func(w *worker.Worker) error {
			_, err := w.LoadStateDict(shard).Get()
			return err
		}); err != nil {
			return err
		}
	}

	if err := e.fanOut(func(w *worker.Worker) error {
		_, err := w.VerifyLoadedWeights().Get()
		return err
	}); err != nil {
		return err
	}

	numBlocks, err := e.profileMemoryForKVCache(ctx, args)
	if err != nil {
		return err
	}
	if numBlocks <= 0 {
		return &coreerr.ErrModelLoad{Msg: "memory profiling yielded zero usable KV cache blocks"}
	}
	e.blockMgr = block.NewManager(block.NewPool(numBlocks), e.cfg.BlockSize)
	e.log.Infof("kv cache sized: %d blocks x %d tokens", numBlocks, e.cfg.BlockSize)

	numKVHeads := int(args.ResolvedNumKVHeads()) / len(e.workers)
	if numKVHeads <= 0 {
		numKVHeads = 1
	}
	headDim := int(args.HeadDim())
	numLayers := int(args.NumLayers)
	return e.fanOut(func(w *worker.Worker) error {
		_, err := w.InitKVCache(numLayers, numBlocks, e.cfg.BlockSize, numKVHeads, headDim).Get()
		return err
	})
}

// profileMemoryForKVCache ports ScaleLLM's engine.cpp formula: run a
// warm-up forward pass on every worker to realize peak activation
// memory, take the SMALLEST usable capacity across the tensor-parallel
// group (the weakest device gates the whole replica), and divide by
// the per-block byte footprint.
func (e *Engine) profileMemoryForKVCache(ctx context.Context, args model.Args) (int, error) {
	profiles := make([]worker.MemoryProfile, len(e.workers))
	if err := e.fanOutIndexed(func(i int, w *worker.Worker) error {
		p, err := w.ProfileDeviceMemory(e.cfg.MaxNumTokensPerBatch, e.cfg.MaxNumSeqsPerBatch).Get()
		if err != nil {
			return err
		}
		profiles[i] = p
		return nil
	}); err != nil {
		return 0, err
	}

	smallestCap := int64(-1)
	for _, p := range profiles {
		cap := p.AvailableBytes - int64(float64(p.TotalBytes)*(1-e.cfg.MaxMemoryUtilization))
		if e.cfg.MaxCacheSize > 0 && cap > e.cfg.MaxCacheSize {
			cap = e.cfg.MaxCacheSize
		}
		if cap < 0 {
			cap = 0
		}
		if smallestCap < 0 || cap < smallestCap {
			smallestCap = cap
		}
	}

	numKVHeads := args.ResolvedNumKVHeads() / int64(len(e.workers))
	if numKVHeads <= 0 {
		numKVHeads = 1
	}
	bytesPerBlock := 2 * int64(e.cfg.BlockSize) * numKVHeads * args.HeadDim() * args.NumLayers * e.dtype.Sizeof()
	if bytesPerBlock <= 0 {
		return 0, &coreerr.ErrModelLoad{Msg: "model args yield zero-size KV block"}
	}
	return int(smallestCap / bytesPerBlock), nil
}

// ExecuteModel fans params out to every worker (all replicas process
// the same batch; rank 0's output is authoritative) and returns the
// sampled tokens reordered to match seqIdxes, the caller's original
// batch order. Reordering is applied unconditionally, including for a
// single worker, so output order never depends on tensor-parallel
// group size.
func (e *Engine) ExecuteModel(params kvcache.InputParameters, sampling []worker.SamplingSnapshot, seqIdxes []int) (kvcache.OutputParameters, error) {
	outs := make([]kvcache.OutputParameters, len(e.workers))
	if err := e.fanOutIndexed(func(i int, w *worker.Worker) error {
		out, err := w.ExecuteModel(params, sampling).Get()
		if err != nil {
			return err
		}
		outs[i] = out
		return nil
	}); err != nil {
		return kvcache.OutputParameters{}, err
	}
	return reorderExecuteOutput(outs[0], seqIdxes), nil
}

// Validate is ExecuteModel's counterpart for the speculative verify
// pass: returns the full probability distribution at every candidate
// position, reordered to seqIdxes.
func (e *Engine) Validate(params kvcache.InputParameters, seqIdxes []int) (kvcache.OutputParameters, error) {
	outs := make([]kvcache.OutputParameters, len(e.workers))
	if err := e.fanOutIndexed(func(i int, w *worker.Worker) error {
		out, err := w.Validate(params).Get()
		if err != nil {
			return err
		}
		outs[i] = out
		return nil
	}); err != nil {
		return kvcache.OutputParameters{}, err
	}
	return reorderValidateOutput(outs[0], seqIdxes), nil
}

func reorderExecuteOutput(out kvcache.OutputParameters, seqIdxes []int) kvcache.OutputParameters {
	if seqIdxes == nil {
		return out
	}
	reordered := kvcache.OutputParameters{
		TokenIDs: make([]int64, len(seqIdxes)),
		Logprobs: make([]float32, len(seqIdxes)),
	}
	for dst, src := range seqIdxes {
		reordered.TokenIDs[dst] = out.TokenIDs[src]
		reordered.Logprobs[dst] = out.Logprobs[src]
	}
	return reordered
}

func reorderValidateOutput(out kvcache.OutputParameters, seqIdxes []int) kvcache.OutputParameters {
	if seqIdxes == nil {
		return out
	}
	reordered := kvcache.OutputParameters{Probs: make([][]float32, len(seqIdxes))}
	for dst, src := range seqIdxes {
		reordered.Probs[dst] = out.Probs[src]
	}
	return reordered
}

// PeekKVSlot reads one physical KV slot from rank 0's cache (every
// rank mirrors the same logical state), for test and debugging
// introspection only.
func (e *Engine) PeekKVSlot(layer, blockID, offset int) (kvcache.Slot, error) {
	return e.workers[0].PeekKVSlot(layer, blockID, offset).Get()
}

// CopyBlock dispatches a copy-on-write block copy to every worker,
// implementing block.Copier across the whole tensor-parallel group.
func (e *Engine) CopyBlock(dst, src block.ID) error {
	return e.fanOut(func(w *worker.Worker) error {
		return w.CopyBlock(dst, src)
	})
}

// fanOut runs fn against every worker concurrently and waits for all to
// complete, per errgroup's standard fan-out-fan-in shape.
func (e *Engine) fanOut(fn func(w *worker.Worker) error) error {
	g, _ := errgroup.WithContext(context.Background())
	for _, w := range e.workers {
		w := w
		g.Go(func() error { return fn(w) })
	}
	return g.Wait()
}

func (e *Engine) fanOutIndexed(fn func(i int, w *worker.Worker) error) error {
	g, _ := errgroup.WithContext(context.Background())
	for i, w := range e.workers {
		i, w := i, w
		g.Go(func() error { return fn(i, w) })
	}
	return g.Wait()
}
