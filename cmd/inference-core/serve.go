package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/inference-core/internal/config"
	"github.com/inference-sim/inference-core/internal/engine"
	"github.com/inference-sim/inference-core/internal/model"
	"github.com/inference-sim/inference-core/internal/respond"
	"github.com/inference-sim/inference-core/internal/scheduler/continuous"
	"github.com/inference-sim/inference-core/internal/scheduler/policy"
	"github.com/inference-sim/inference-core/internal/scheduler/speculative"
	"github.com/inference-sim/inference-core/internal/sequence"
)

var serveFlags struct {
	configPath string
	prompt     string
	maxTokens  int
	eosToken   int64
	seed       int64

	modelArgs       modelArgsFlags
	draftArchitecture string

	temperature  float64
	topK         int
	topP         float64
	numSequences int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a batched generation loop over a single prompt",
	Long: "serve drives the execution core's scheduler to completion over one " +
		"prompt given as a comma-separated list of token ids — this command " +
		"has no tokenizer and no network listener (both out of scope); it is " +
		"the CLI surface the execution core exposes on its own.",
	RunE: runServe,
}

func init() {
	fs := serveCmd.Flags()
	fs.StringVar(&serveFlags.configPath, "config", "", "Path to an EngineConfig yaml file (defaults to config.Default())")
	fs.StringVar(&serveFlags.prompt, "prompt", "", "Comma-separated prompt token ids, e.g. \"1,2,3\"")
	fs.IntVar(&serveFlags.maxTokens, "max-tokens", 16, "Maximum tokens to generate")
	fs.Int64Var(&serveFlags.eosToken, "eos-token", -1, "End-of-sequence token id (-1 disables EOS stopping)")
	fs.Int64Var(&serveFlags.seed, "seed", 1, "RNG seed for sampling")
	fs.StringVar(&serveFlags.draftArchitecture, "draft-model-architecture", "", "Draft model architecture (defaults to the config's model_architecture; only used when speculative_k > 0)")
	fs.Float64Var(&serveFlags.temperature, "temperature", 1.0, "Sampling temperature")
	fs.IntVar(&serveFlags.topK, "top-k", 0, "Top-k sampling cutoff (0 disables)")
	fs.Float64Var(&serveFlags.topP, "top-p", 1.0, "Top-p sampling cutoff")
	fs.IntVar(&serveFlags.numSequences, "n", 1, "Number of sibling sequences to sample per request (n>1 sampling)")
	bindModelArgsFlags(fs, &serveFlags.modelArgs)
	_ = fs.MarkHidden("draft-model-architecture")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadEngineConfig(serveFlags.configPath)
	if err != nil {
		return err
	}

	modelArgs, err := serveFlags.modelArgs.resolve()
	if err != nil {
		return err
	}

	prompt, err := parseTokenList(serveFlags.prompt)
	if err != nil {
		return err
	}
	if len(prompt) == 0 {
		return fmt.Errorf("--prompt must contain at least one token id")
	}

	target, err := engine.New(ctx, cfg, serveFlags.seed, model.Default)
	if err != nil {
		return fmt.Errorf("construct target engine: %w", err)
	}
	defer target.Close()
	if err := target.Init(ctx, staticWeightSource(modelArgs)); err != nil {
		return fmt.Errorf("init target engine: %w", err)
	}

	handler := respond.NewLogHandler()
	sampling := sequence.SamplingParams{
		Temperature: serveFlags.temperature,
		TopK:        serveFlags.topK,
		TopP:        serveFlags.topP,
		MaxTokens:   serveFlags.maxTokens,
	}
	req := sequence.NewRequest(prompt, sampling, 0, 0, serveFlags.numSequences)

	if cfg.SpeculativeK > 0 {
		if serveFlags.numSequences > 1 {
			return fmt.Errorf("--n>1 sampling is not supported with speculative decoding (speculative_k > 0)")
		}
		return runSpeculative(ctx, cfg, modelArgs, target, req, handler)
	}
	return runContinuous(ctx, cfg, target, req, handler)
}

func runContinuous(ctx context.Context, cfg config.EngineConfig, target *engine.Engine, req *sequence.Request, handler respond.Handler) error {
	pol := policy.New(target.BlockManager(), cfg.MaxNumTokensPerBatch, cfg.MaxNumSeqsPerBatch)
	sched := continuous.New(target, pol, handler, serveFlags.eosToken)
	sched.Submit(req)

	for !req.Done() {
		n, err := sched.Tick(ctx)
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		if n == 0 && sched.NumWaiting() > 0 {
			return fmt.Errorf("scheduler made no progress with %d sequence(s) waiting: resource exhaustion", sched.NumWaiting())
		}
	}
	printResult(req)
	return nil
}

func runSpeculative(ctx context.Context, cfg config.EngineConfig, modelArgs model.Args, target *engine.Engine, req *sequence.Request, handler respond.Handler) error {
	draftArch := serveFlags.draftArchitecture
	if draftArch == "" {
		draftArch = cfg.ModelArchitecture
	}
	draftCfg := cfg
	draftCfg.ModelArchitecture = draftArch

	draft, err := engine.New(ctx, draftCfg, serveFlags.seed+1, model.Default)
	if err != nil {
		return fmt.Errorf("construct draft engine: %w", err)
	}
	defer draft.Close()
	if err := draft.Init(ctx, staticWeightSource(modelArgs)); err != nil {
		return fmt.Errorf("init draft engine: %w", err)
	}

	sched := speculative.New(target, draft, target.BlockManager(), cfg.SpeculativeK, serveFlags.eosToken, serveFlags.seed, handler)
	sched.Submit(req)

	for !req.Done() {
		n, err := sched.Tick()
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		if n == 0 && sched.NumWaiting() > 0 {
			return fmt.Errorf("scheduler made no progress with %d sequence(s) waiting: resource exhaustion", sched.NumWaiting())
		}
	}
	printResult(req)
	return nil
}

func printResult(req *sequence.Request) {
	for _, seq := range req.Sequences {
		if seq.FailureReason != "" {
			logrus.Warnf("sequence %s failed: %s", seq.ID, seq.FailureReason)
			continue
		}
		tokens := make([]string, len(seq.TokenIDs))
		for i, t := range seq.TokenIDs {
			tokens[i] = strconv.FormatInt(t, 10)
		}
		fmt.Println(strings.Join(tokens, ","))
	}
}

func loadEngineConfig(path string) (config.EngineConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func parseTokenList(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
