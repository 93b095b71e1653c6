package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/trace"
	"github.com/inference-sim/inference-engine/engine/workload"
)

var (
	configPath   string // engine config file (.yaml, .json, .toml)
	workloadPath string // workload spec file (.yaml)
	logLevel     string // Log verbosity level

	// engine overrides, applied only when the flag is set
	seed                      int64
	totalKVBlocks             int
	blockSizeTokens           int
	evictionPolicy            string
	disablePrefixCaching      bool
	maxRunningReqs            int
	maxScheduledTokens        int
	longPrefillTokenThreshold int
	maxModelLength            int
	schedulerName             string
	speculativeMethod         string
	numSpeculativeTokens      int
	acceptanceMode            string
	maxPendingRequests        int

	// workload overrides
	numRequests int
	rate        float64

	// run options
	betaCoeffs    []float64 // step cost coefficients of the synthetic executor
	offloadBlocks int       // CPU offload capacity in blocks; 0 disables offloading
	asyncExecutor bool
	traceLevel    string
	outputsPath   string // JSONL stream of per-step outputs
	metricsAddr   string // serve Prometheus metrics on this address while running
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "inference-engine",
	Short: "LLM inference engine core driven by a synthetic model",
}

// runCmd drives a synthetic workload through the engine
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload through the engine",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg := engine.DefaultEngineConfig()
		if configPath != "" {
			if cfg, err = engine.LoadEngineConfig(configPath); err != nil {
				logrus.Fatalf("%v", err)
			}
		}
		applyEngineFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("invalid engine configuration: %v", err)
		}

		spec := workload.DefaultWorkloadSpec()
		if workloadPath != "" {
			if spec, err = workload.LoadWorkloadSpec(workloadPath); err != nil {
				logrus.Fatalf("%v", err)
			}
		}
		applyWorkloadFlags(cmd, spec)

		if !trace.IsValidTraceLevel(traceLevel) {
			logrus.Fatalf("unknown trace level %q; valid: none, decisions", traceLevel)
		}

		opts := runOptions{
			Config:        cfg,
			Workload:      spec,
			BetaCoeffs:    betaCoeffs,
			OffloadBlocks: offloadBlocks,
			Async:         asyncExecutor,
			TraceLevel:    trace.TraceLevel(traceLevel),
		}

		if outputsPath != "" {
			f, err := os.Create(outputsPath)
			if err != nil {
				logrus.Fatalf("creating outputs file: %v", err)
			}
			defer f.Close()
			opts.Outputs = f
		}

		if metricsAddr != "" {
			reg := prometheus.NewRegistry()
			opts.Registerer = reg
			srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logrus.Errorf("metrics server: %v", err)
				}
			}()
			defer srv.Close()
			logrus.Infof("Serving metrics on %s/metrics", metricsAddr)
		}

		logrus.Infof("Starting engine with %d KV blocks of %d tokens, %d requests, speculative=%q",
			cfg.TotalKVBlocks, cfg.BlockSizeTokens, spec.NumRequests, cfg.Method)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		startTime := time.Now()
		res, err := runEngine(ctx, opts)
		if err != nil {
			logrus.Fatalf("engine run failed: %v", err)
		}
		res.Print(time.Since(startTime))
		logrus.Info("Run complete.")
	},
}

// applyEngineFlags overlays explicitly set flags on cfg.
func applyEngineFlags(cmd *cobra.Command, cfg *engine.EngineConfig) {
	f := cmd.Flags()
	if f.Changed("seed") {
		cfg.Seed = seed
	}
	if f.Changed("total-kv-blocks") {
		cfg.TotalKVBlocks = totalKVBlocks
	}
	if f.Changed("block-size-in-tokens") {
		cfg.BlockSizeTokens = blockSizeTokens
	}
	if f.Changed("eviction-policy") {
		cfg.EvictionPolicy = evictionPolicy
	}
	if f.Changed("disable-prefix-caching") {
		cfg.DisablePrefix = disablePrefixCaching
	}
	if f.Changed("max-num-running-reqs") {
		cfg.MaxRunningReqs = maxRunningReqs
	}
	if f.Changed("max-num-scheduled-tokens") {
		cfg.MaxScheduledTokens = maxScheduledTokens
	}
	if f.Changed("long-prefill-token-threshold") {
		cfg.LongPrefillTokenThreshold = longPrefillTokenThreshold
	}
	if f.Changed("max-model-len") {
		cfg.MaxModelLen = maxModelLength
	}
	if f.Changed("scheduler") {
		cfg.Scheduler = schedulerName
	}
	if f.Changed("speculative-method") {
		cfg.Method = speculativeMethod
	}
	if f.Changed("num-speculative-tokens") {
		cfg.NumSpeculativeTokens = numSpeculativeTokens
	}
	if f.Changed("acceptance") {
		cfg.Acceptance = acceptanceMode
	}
	if f.Changed("max-pending-requests") {
		cfg.MaxPendingRequests = maxPendingRequests
	}
}

// applyWorkloadFlags overlays explicitly set flags on spec. The engine seed
// also reseeds the workload so one --seed reproduces a whole run.
func applyWorkloadFlags(cmd *cobra.Command, spec *workload.WorkloadSpec) {
	f := cmd.Flags()
	if f.Changed("seed") {
		spec.Seed = seed
	}
	if f.Changed("num-requests") {
		spec.NumRequests = numRequests
	}
	if f.Changed("rate") {
		spec.AggregateRate = rate
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	def := engine.DefaultEngineConfig()

	runCmd.Flags().StringVar(&configPath, "config", "", "Engine config file (.yaml, .json or .toml)")
	runCmd.Flags().StringVar(&workloadPath, "workload", "", "Workload spec file (.yaml); defaults to a built-in two-class workload")
	runCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().Int64Var(&seed, "seed", def.Seed, "Seed for the engine samplers and the workload")

	runCmd.Flags().IntVar(&totalKVBlocks, "total-kv-blocks", def.TotalKVBlocks, "Total number of KV cache blocks")
	runCmd.Flags().IntVar(&blockSizeTokens, "block-size-in-tokens", def.BlockSizeTokens, "Number of tokens contained in a KV cache block")
	runCmd.Flags().StringVar(&evictionPolicy, "eviction-policy", def.EvictionPolicy, "Cached block eviction policy (lru, arc)")
	runCmd.Flags().BoolVar(&disablePrefixCaching, "disable-prefix-caching", def.DisablePrefix, "Disable automatic prefix caching")
	runCmd.Flags().IntVar(&maxRunningReqs, "max-num-running-reqs", def.MaxRunningReqs, "Maximum number of requests running together")
	runCmd.Flags().IntVar(&maxScheduledTokens, "max-num-scheduled-tokens", def.MaxScheduledTokens, "Maximum total number of new tokens across running requests")
	runCmd.Flags().IntVar(&longPrefillTokenThreshold, "long-prefill-token-threshold", def.LongPrefillTokenThreshold, "Max prefill chunk per step; 0 disables chunking")
	runCmd.Flags().IntVar(&maxModelLength, "max-model-len", def.MaxModelLen, "Max request length (input + output tokens)")
	runCmd.Flags().StringVar(&schedulerName, "scheduler", def.Scheduler, "Wait queue ordering (fcfs, priority-fcfs)")
	runCmd.Flags().StringVar(&speculativeMethod, "speculative-method", def.Method, "Draft proposer (ngram, suffix, tree); empty disables speculation")
	runCmd.Flags().IntVar(&numSpeculativeTokens, "num-speculative-tokens", def.NumSpeculativeTokens, "Max draft tokens per request per step")
	runCmd.Flags().StringVar(&acceptanceMode, "acceptance", def.Acceptance, "Draft acceptance rule (greedy, rejection)")
	runCmd.Flags().IntVar(&maxPendingRequests, "max-pending-requests", def.MaxPendingRequests, "Reject submissions beyond this many pending requests; 0 = unbounded")

	runCmd.Flags().IntVar(&numRequests, "num-requests", 0, "Number of requests to generate (overrides the workload)")
	runCmd.Flags().Float64Var(&rate, "rate", 0, "Aggregate arrivals per second (overrides the workload)")

	runCmd.Flags().Float64SliceVar(&betaCoeffs, "beta-coeffs", nil, "Comma-separated step cost coefficients (beta0,beta1,beta2[,beta3]) in microseconds")
	runCmd.Flags().IntVar(&offloadBlocks, "offload-blocks", 0, "CPU offload capacity in blocks; 0 disables offloading")
	runCmd.Flags().BoolVar(&asyncExecutor, "async", false, "Run the executor on a worker goroutine")
	runCmd.Flags().StringVar(&traceLevel, "trace-level", "decisions", "Decision trace level (none, decisions)")
	runCmd.Flags().StringVar(&outputsPath, "outputs", "", "Write per-step outputs as JSON lines to this file")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(defaultConfigCmd)
}
