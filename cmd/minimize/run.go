package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ematvey/NanoEngineer-1/internal/config"
	"github.com/ematvey/NanoEngineer-1/internal/optimization"
	"github.com/ematvey/NanoEngineer-1/internal/optimization/minimize"
	"github.com/ematvey/NanoEngineer-1/internal/structure"
)

type runOptions struct {
	objective  string
	structure  string
	demo       bool
	method     string
	lineSearch string
	start      []float64
	iterations int
	tolerance  float64
	out        string
	frames     bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single minimization",
		Long: `Minimizes a benchmark objective (--objective) or relaxes a structure read
from a JSON file (--structure, or --demo for the built in chain). Defaults
come from the MIN_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return opts.run(ctx, cmd.OutOrStdout())
		},
	}

	flags := runCmd.Flags()
	flags.StringVar(&opts.objective, "objective", "", "Benchmark objective: "+strings.Join(optimization.BenchmarkNames(), ", "))
	flags.StringVar(&opts.structure, "structure", "", "Structure description JSON file")
	flags.BoolVar(&opts.demo, "demo", false, "Relax the built in four atom chain")
	flags.StringVar(&opts.method, "method", "", "Search direction: steepest-descent, fletcher-reeves, polak-ribiere or lbfgs")
	flags.StringVar(&opts.lineSearch, "line-search", "", "Line search for objectives: bracket or brent")
	flags.Float64SliceVar(&opts.start, "start", nil, "Starting point for the objective")
	flags.IntVar(&opts.iterations, "iterations", 0, "Iteration limit (0 keeps MIN_ITERATION_LIMIT)")
	flags.Float64Var(&opts.tolerance, "tolerance", 0, "Relative tolerance for objectives (0 keeps MIN_TOLERANCE)")
	flags.StringVar(&opts.out, "out", "", "Write the relaxed structure as JSON to this file")
	flags.BoolVar(&opts.frames, "frames", false, "Print every structure frame")
	runCmd.MarkFlagsMutuallyExclusive("objective", "structure", "demo")
	runCmd.MarkFlagsOneRequired("objective", "structure", "demo")
	return runCmd
}

func (o *runOptions) run(ctx context.Context, w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", o.iterations)
	}
	if o.iterations == 0 {
		o.iterations = cfg.Minimize.IterationLimit
	}
	if o.objective != "" {
		return o.runObjective(ctx, w, cfg)
	}
	return o.runStructure(ctx, w, cfg)
}

func (o *runOptions) runObjective(ctx context.Context, w io.Writer, cfg *config.Config) error {
	benchmark, err := optimization.LookupBenchmark(o.objective)
	if err != nil {
		return err
	}
	start := benchmark.Start
	if len(o.start) > 0 {
		start = o.start
	}
	method, lineSearch, tolerance := o.method, o.lineSearch, o.tolerance
	if method == "" {
		method = cfg.Minimize.Algorithm
	}
	if lineSearch == "" {
		lineSearch = cfg.Minimize.LinearAlgorithm
	}
	if tolerance <= 0 {
		tolerance = cfg.Minimize.Tolerance
	}

	oc := optimization.OptimizerConfig{
		Objective:     benchmark.Objective,
		Gradient:      benchmark.Gradient,
		Start:         start,
		MaxIterations: o.iterations,
		Tolerance:     tolerance,
		Method:        method,
		LineSearch:    lineSearch,
		Verbose:       true,
	}
	optimizer, err := minimize.NewLineSearchOptimizer(oc,
		minimize.WithLogger(logger.Zap()),
		minimize.WithMessageBufferLength(cfg.Minimize.MessageBufferLength),
		minimize.WithGradientDelta(cfg.Minimize.GradientDelta))
	if err != nil {
		return err
	}

	result, err := optimizer.Optimize(ctx, oc)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "objective: %s (%s, %s)\n", benchmark.Name, method, lineSearch)
	fmt.Fprintf(w, "outcome: %s after %d iterations, evals: %d,%d\n",
		result.Outcome, result.Iterations, result.FunctionEvaluations, result.GradientEvaluations)
	if best := result.BestSolution; best != nil {
		fmt.Fprintf(w, "minimum: %.6e at %v\n", best.Value, best.Parameters)
	}
	if msg := strings.TrimSpace(result.Message); msg != "" {
		fmt.Fprintln(w, msg)
	}
	return nil
}

func (o *runOptions) description() (*structure.Description, error) {
	if o.demo {
		return structure.Demo(), nil
	}
	f, err := os.Open(o.structure)
	if err != nil {
		return nil, fmt.Errorf("failed to open structure: %w", err)
	}
	defer f.Close()
	return structure.ReadDescription(f)
}

func (o *runOptions) runStructure(ctx context.Context, w io.Writer, cfg *config.Config) error {
	desc, err := o.description()
	if err != nil {
		return err
	}
	part, err := desc.Build()
	if err != nil {
		return err
	}

	opts := []structure.Option{
		structure.WithThresholds(cfg.Thresholds()),
		structure.WithIterationLimit(o.iterations),
		structure.WithMessageBufferLength(cfg.Minimize.MessageBufferLength),
		structure.WithLogger(logger.Zap()),
	}
	if o.method != "" {
		algorithm, err := minimize.ParseAlgorithm(o.method)
		if err != nil {
			return err
		}
		if algorithm == minimize.LimitedMemoryBFGS {
			opts = append(opts, structure.WithLBFGS())
		}
	}
	if o.frames {
		opts = append(opts, structure.WithObserver(func(f structure.Frame) {
			fmt.Fprintf(w, "%4d %-16s rms %12.4f pN  max %12.4f pN  energy %.6e aJ\n",
				f.Iteration, f.Phase, f.RMSForce, f.MaxForce, f.Energy)
		}))
	}
	minimizer, err := structure.NewMinimizer(part, opts...)
	if err != nil {
		return err
	}

	result, err := minimizer.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "outcome: %s after %d iterations\n", result.Outcome, result.Iterations)
	fmt.Fprintln(w, result.Summary())
	if result.Err != nil {
		fmt.Fprintf(w, "error: %v\n", result.Err)
	}

	names := make([]string, 0, len(result.Measurements))
	for name := range result.Measurements {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %.4f\n", name, result.Measurements[name])
	}

	if o.out != "" {
		relaxed := *desc
		relaxed.Atoms = make([][3]float64, len(result.Positions))
		for i, p := range result.Positions {
			relaxed.Atoms[i] = [3]float64{p.X, p.Y, p.Z}
		}
		data, err := json.MarshalIndent(&relaxed, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(o.out, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to write structure: %w", err)
		}
	}
	return nil
}

func newObjectivesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "objectives",
		Short: "List the benchmark objectives",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range optimization.BenchmarkNames() {
				b, _ := optimization.LookupBenchmark(name)
				gradient := "finite differences"
				if b.Gradient != nil {
					gradient = "analytic gradient"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s start %v, %s\n", name, b.Start, gradient)
			}
		},
	}
}
