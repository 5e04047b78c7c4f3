package minimize

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ematvey/NanoEngineer-1/internal/optimization"
)

const (
	defaultIterationLimit      = 400
	defaultMessageBufferLength = 1024
)

// LineSearchOptimizer runs Minimize behind the optimization.Optimizer
// interface for plain objective functions over a parameter vector.
type LineSearchOptimizer struct {
	config              optimization.OptimizerConfig
	logger              *zap.Logger
	messageBufferLength int
	gradientDelta       float64

	recorder optimization.Recorder
}

// Option configures a LineSearchOptimizer.
type Option func(*LineSearchOptimizer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *LineSearchOptimizer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMessageBufferLength sets the size of the diagnostics buffer.
func WithMessageBufferLength(n int) Option {
	return func(o *LineSearchOptimizer) {
		o.messageBufferLength = n
	}
}

// WithGradientDelta sets the finite difference step used when the
// objective has no gradient.
func WithGradientDelta(delta float64) Option {
	return func(o *LineSearchOptimizer) {
		o.gradientDelta = delta
	}
}

// NewLineSearchOptimizer creates an optimizer for config.
func NewLineSearchOptimizer(config optimization.OptimizerConfig, opts ...Option) (*LineSearchOptimizer, error) {
	o := &LineSearchOptimizer{
		logger:              zap.NewNop(),
		messageBufferLength: defaultMessageBufferLength,
		gradientDelta:       defaultGradientDelta,
	}
	for _, opt := range opts {
		opt(o)
	}
	config = withDefaults(config)
	if _, _, err := methods(config); err != nil {
		return nil, err
	}
	o.config = config
	return o, nil
}

func withDefaults(config optimization.OptimizerConfig) optimization.OptimizerConfig {
	if config.MaxIterations < 1 {
		config.MaxIterations = defaultIterationLimit
	}
	if config.Tolerance <= 0 {
		config.Tolerance = defaultTolerance
	}
	return config
}

func methods(config optimization.OptimizerConfig) (Algorithm, LinearAlgorithm, error) {
	algorithm, linear := PolakRibiereConjugateGradient, LinearMinimize
	var err error
	if config.Method != "" {
		if algorithm, err = ParseAlgorithm(config.Method); err != nil {
			return 0, 0, err
		}
	}
	if config.LineSearch != "" {
		if linear, err = ParseLinearAlgorithm(config.LineSearch); err != nil {
			return 0, 0, err
		}
	}
	return algorithm, linear, nil
}

// Optimize minimizes the objective from config.Start. A config without an
// objective reuses the one the optimizer was created with.
func (o *LineSearchOptimizer) Optimize(ctx context.Context, config optimization.OptimizerConfig) (*optimization.OptimizationResult, error) {
	if config.Objective != nil {
		o.config = withDefaults(config)
	}
	cfg := o.config
	if cfg.Objective == nil {
		return nil, optimization.ErrNilObjective
	}
	algorithm, linear, err := methods(cfg)
	if err != nil {
		return nil, err
	}

	objective := cfg.Objective
	fd, err := NewFunctionDefinition(func(p *Configuration) (float64, error) {
		return objective(p.Coordinate)
	}, len(cfg.Start), o.messageBufferLength)
	if err != nil {
		return nil, err
	}
	fd.Tolerance = cfg.Tolerance
	fd.Algorithm = algorithm
	fd.LinearAlgorithm = linear
	fd.GradientDelta = o.gradientDelta
	if cfg.Gradient != nil {
		gradient := cfg.Gradient
		fd.Gradient = func(p *Configuration, g []float64) error {
			return gradient(p.Coordinate, g)
		}
	}
	fd.Termination = func(fd *FunctionDefinition, previous, current *Configuration) (bool, error) {
		done, err := DefaultTermination(fd, previous, current)
		if err == nil {
			if value, ok := current.FunctionValue(); ok {
				o.recorder.Record(current.Coordinate, value)
			}
		}
		return done, err
	}

	ctx, finished := o.recorder.Start(ctx)
	defer finished()

	initial, err := fd.NewConfigurationAt(cfg.Start)
	if err != nil {
		return nil, err
	}
	defer initial.Release()

	o.logger.Debug("starting minimization",
		zap.String("algorithm", algorithm.String()),
		zap.String("linear_algorithm", linear.String()),
		zap.Int("dimension", fd.Dimension),
		zap.Int("iteration_limit", cfg.MaxIterations))

	started := time.Now()
	res, err := Minimize(ctx, initial, cfg.MaxIterations)
	if err != nil {
		return nil, err
	}
	defer res.Release()

	if value, ok := res.Final.FunctionValue(); ok {
		o.recorder.Offer(res.Final.Coordinate, value)
	}

	message := fd.Message()
	if res.Err != nil {
		message += " " + res.Err.Error()
	}

	fields := []zap.Field{
		zap.String("outcome", res.Outcome.String()),
		zap.Int("iterations", res.Iterations),
		zap.Int("function_evaluations", fd.FunctionEvaluationCount),
		zap.Int("gradient_evaluations", fd.GradientEvaluationCount),
		zap.Int("max_live_configurations", fd.MaxAllocation),
		zap.Duration("elapsed", time.Since(started)),
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	if cfg.Verbose {
		fields = append(fields, zap.String("message", message))
	}
	o.logger.Info("minimization finished", fields...)

	return &optimization.OptimizationResult{
		BestSolution:        o.GetBestSolution(),
		History:             o.GetHistory(),
		Iterations:          res.Iterations,
		Converged:           res.Outcome == Converged,
		Outcome:             res.Outcome.String(),
		FunctionEvaluations: fd.FunctionEvaluationCount,
		GradientEvaluations: fd.GradientEvaluationCount,
		Message:             message,
	}, nil
}

// GetBestSolution returns the best solution found so far
func (o *LineSearchOptimizer) GetBestSolution() *optimization.Solution {
	return o.recorder.Best()
}

// GetHistory returns the accepted iterations so far
func (o *LineSearchOptimizer) GetHistory() []optimization.Evaluation {
	return o.recorder.History()
}

// Stop interrupts a running minimization. A later Optimize call stops at
// once if no run was in progress.
func (o *LineSearchOptimizer) Stop() {
	o.recorder.Stop()
}
