package structure

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"

	"github.com/ematvey/NanoEngineer-1/internal/optimization"
	"github.com/ematvey/NanoEngineer-1/internal/optimization/minimize"
)

const (
	coarseTolerance = 1e-8
	fineTolerance   = 1e-10

	defaultIterationLimit      = 400
	defaultMessageBufferLength = 1024

	// PhaseCoarse labels frames taken while steepest descent is running.
	PhaseCoarse = "gradient"
	// PhaseFine labels frames taken after the switch to conjugate gradients.
	PhaseFine = "gradient fine"
	// PhaseFinal labels the frame of the final structure.
	PhaseFinal = "final structure"
)

// Thresholds are the force levels, in pN, that steer a minimization.
type Thresholds struct {
	// EndRMS and EndMax: the run converges once both forces are below them.
	EndRMS float64
	EndMax float64
	// CutoverRMS and CutoverMax: the coarse phase hands over to the fine
	// phase once both forces are below them.
	CutoverRMS float64
	CutoverMax float64
}

// DefaultThresholds returns the usual minimization thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EndRMS:     1.0,
		EndMax:     5.0,
		CutoverRMS: 50.0,
		CutoverMax: 250.0,
	}
}

// Validate checks that every threshold is positive.
func (t Thresholds) Validate() error {
	if t.EndRMS <= 0 || t.EndMax <= 0 || t.CutoverRMS <= 0 || t.CutoverMax <= 0 {
		return optimization.NewErrorf("thresholds must be positive: %+v", t).WithComponent("structure")
	}
	return nil
}

// Frame is a snapshot of the structure taken on every gradient evaluation
// and once more on the final structure.
type Frame struct {
	Iteration int
	Positions []r3.Vector
	RMSForce  float64
	MaxForce  float64
	Energy    float64
	Phase     string
	Message   string
}

// Minimizer relaxes a Part to a local energy minimum. It starts with
// steepest descent and loose tolerance, moves to Polak-Ribière conjugate
// gradients once the forces are small, and falls back if they grow again.
//
// A Minimizer runs one minimization at a time.
type Minimizer struct {
	part                *Part
	thresholds          Thresholds
	iterationLimit      int
	algorithm           minimize.Algorithm
	messageBufferLength int
	logger              *zap.Logger
	observer            func(Frame)

	recorder optimization.Recorder
}

// Option configures a Minimizer.
type Option func(*Minimizer)

// WithThresholds replaces the default thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Minimizer) {
		m.thresholds = t
	}
}

// WithIterationLimit bounds the number of line searches.
func WithIterationLimit(n int) Option {
	return func(m *Minimizer) {
		m.iterationLimit = n
	}
}

// WithLBFGS runs L-BFGS in both phases instead of steepest descent and
// conjugate gradients. Only the tolerance changes between phases.
func WithLBFGS() Option {
	return func(m *Minimizer) {
		m.algorithm = minimize.LimitedMemoryBFGS
	}
}

// WithMessageBufferLength sets the size of the diagnostics buffer.
func WithMessageBufferLength(n int) Option {
	return func(m *Minimizer) {
		m.messageBufferLength = n
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Minimizer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver registers a function receiving every frame. It is called on
// the minimizing goroutine.
func WithObserver(observer func(Frame)) Option {
	return func(m *Minimizer) {
		m.observer = observer
	}
}

// NewMinimizer returns a minimizer for part.
func NewMinimizer(part *Part, opts ...Option) (*Minimizer, error) {
	if part == nil {
		return nil, optimization.NewError("part is required").WithComponent("structure")
	}
	m := &Minimizer{
		part:                part,
		thresholds:          DefaultThresholds(),
		iterationLimit:      defaultIterationLimit,
		algorithm:           minimize.SteepestDescent,
		messageBufferLength: defaultMessageBufferLength,
		logger:              zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.thresholds.Validate(); err != nil {
		return nil, err
	}
	if m.iterationLimit < 0 {
		return nil, optimization.NewErrorf("negative iteration limit %d", m.iterationLimit).WithComponent("structure")
	}
	return m, nil
}

// Result describes a finished minimization.
type Result struct {
	// Positions of the atoms in the final structure.
	Positions []r3.Vector
	// DegreesOfFreedom holds the final jig coordinates, in jig order.
	DegreesOfFreedom []float64

	Energy   float64
	RMSForce float64
	MaxForce float64

	Outcome             minimize.Outcome
	Iterations          int
	FunctionEvaluations int
	GradientEvaluations int

	Message string
	// Measurements maps meter names to their reading on the final structure.
	Measurements map[string]float64
	// Err is the cause of an Interrupted or NumericFailure outcome.
	Err error
}

// Summary is the one line report of the final forces and energy.
func (r *Result) Summary() string {
	format := "Final forces: rms %f pN, high %f pN, model energy: %.3f aJ evals: %d,%d"
	if r.Energy <= 0.25 {
		format = "Final forces: rms %f pN, high %f pN, model energy: %.3e aJ evals: %d,%d"
	}
	return fmt.Sprintf(format, r.RMSForce, r.MaxForce, r.Energy, r.FunctionEvaluations, r.GradientEvaluations)
}

// run holds the state of one minimization.
type run struct {
	m    *Minimizer
	part *Part
	// atomScale converts atom forces to gradient components. Line searches
	// take pN directly. L-BFGS needs the true derivative in aJ/pm.
	atomScale float64
	frame     int
}

func (r *run) potential(p *minimize.Configuration) (float64, error) {
	part := r.part
	positions := part.positions(p.Coordinate)
	energy, err := part.Field.Potential(positions)
	if err != nil {
		return 0, err
	}
	for i, jig := range part.Jigs {
		if a, ok := jig.(actuator); ok {
			energy += a.minimizePotential(positions, part.dof(p.Coordinate, i))
		}
	}
	return energy, nil
}

func (r *run) gradient(p *minimize.Configuration, gradient []float64) error {
	part := r.part
	fd := p.Definition()
	positions := part.positions(p.Coordinate)
	force := make([]r3.Vector, len(positions))
	if err := part.Field.Force(positions, force); err != nil {
		return err
	}

	generalized := make([]float64, len(gradient))
	parameterLimit := math.MaxFloat64
	for i, jig := range part.Jigs {
		a, ok := jig.(actuator)
		if !ok {
			continue
		}
		dofForce := part.dof(generalized, i)
		a.minimizeGradient(positions, force, part.dof(p.Coordinate, i), dofForce)
		for _, tau := range dofForce {
			if math.IsNaN(tau) {
				return optimization.WrapErrorf(optimization.ErrNonFinite, "jig %q", jig.Name())
			}
			limit := maxRadiansPerStep / math.Max(math.Abs(tau), 1e-8)
			if limit < parameterLimit {
				parameterLimit = limit
			}
		}
	}
	fd.ParameterLimit = parameterLimit

	for i, f := range force {
		if part.grounded[i] {
			f = r3.Vector{}
		}
		f = f.Mul(-r.atomScale)
		gradient[3*i] = f.X
		gradient[3*i+1] = f.Y
		gradient[3*i+2] = f.Z
	}
	for i := 3 * len(force); i < len(gradient); i++ {
		gradient[i] = -generalized[i]
	}

	rms, maximum := r.forces(gradient)
	fd.InitialParameterGuess = clamp(1e-20, 1e3, 0.7/(maximum+1000)+0.1/(maximum+20))

	energy, err := p.Evaluate()
	if err != nil {
		return err
	}
	if r.m.observer != nil {
		phase := PhaseFine
		if fd.Tolerance == coarseTolerance {
			phase = PhaseCoarse
		}
		r.emit(positions, rms, maximum, energy, phase, fd.Message())
	}
	return nil
}

// forces returns the RMS and largest force on the atoms that are not
// grounded. The RMS is taken over all atoms.
func (r *run) forces(gradient []float64) (rms, maximum float64) {
	var sum, largest float64
	for i := range r.part.Positions {
		if r.part.grounded[i] {
			continue
		}
		f := r3.Vector{X: gradient[3*i], Y: gradient[3*i+1], Z: gradient[3*i+2]}.Mul(1 / r.atomScale)
		squared := f.Norm2()
		sum += squared
		if squared > largest {
			largest = squared
		}
	}
	return math.Sqrt(sum / float64(len(r.part.Positions))), math.Sqrt(largest)
}

func (r *run) termination(fd *minimize.FunctionDefinition, previous, current *minimize.Configuration) (bool, error) {
	if _, err := previous.Evaluate(); err != nil {
		return false, err
	}
	value, err := current.Evaluate()
	if err != nil {
		return false, err
	}
	if err := current.EvaluateGradient(); err != nil {
		return false, err
	}
	r.m.recorder.Record(current.Coordinate, value)

	rms, maximum := r.forces(current.Gradient)
	t := r.m.thresholds
	tolerance := fd.Tolerance
	if tolerance == coarseTolerance && rms < t.CutoverRMS && maximum < t.CutoverMax {
		r.setPhase(fd, fineTolerance, minimize.PolakRibiereConjugateGradient, minimize.LinearMinimize)
		r.m.logger.Debug("switching to fine phase", zap.Float64("rms_force", rms), zap.Float64("max_force", maximum))
	}
	if tolerance == fineTolerance && (rms > 1.5*t.CutoverRMS || maximum > 1.5*t.CutoverMax) {
		r.setPhase(fd, coarseTolerance, minimize.SteepestDescent, minimize.LinearBracket)
		r.m.logger.Debug("switching to coarse phase", zap.Float64("rms_force", rms), zap.Float64("max_force", maximum))
	}
	if rms < t.EndRMS && maximum < t.EndMax {
		return true, nil
	}
	return minimize.DefaultTermination(fd, previous, current)
}

func (r *run) setPhase(fd *minimize.FunctionDefinition, tolerance float64, algorithm minimize.Algorithm, linear minimize.LinearAlgorithm) {
	fd.Tolerance = tolerance
	if fd.Algorithm == minimize.LimitedMemoryBFGS {
		return
	}
	fd.Algorithm = algorithm
	fd.LinearAlgorithm = linear
}

func (r *run) constraints(p *minimize.Configuration) {
	part := r.part
	positions := part.positions(p.Coordinate)
	for _, jig := range part.Jigs {
		if c, ok := jig.(constrainer); ok {
			c.constrain(part.Positions, positions)
		}
	}
	part.store(p.Coordinate, positions)
}

func (r *run) emit(positions []r3.Vector, rms, maximum, energy float64, phase, message string) {
	r.m.observer(Frame{
		Iteration: r.frame,
		Positions: positions,
		RMSForce:  rms,
		MaxForce:  maximum,
		Energy:    energy,
		Phase:     phase,
		Message:   message,
	})
	r.frame++
}

func clamp(lower, upper, value float64) float64 {
	if value > upper {
		return upper
	}
	if value < lower {
		return lower
	}
	return value
}

// Run minimizes the part from its initial positions.
func (m *Minimizer) Run(ctx context.Context) (*Result, error) {
	return m.run(ctx, m.part.Coordinates(), m.iterationLimit, m.algorithm)
}

func (m *Minimizer) run(ctx context.Context, start []float64, iterationLimit int, algorithm minimize.Algorithm) (*Result, error) {
	part := m.part
	r := &run{m: m, part: part, atomScale: 1}
	if algorithm == minimize.LimitedMemoryBFGS {
		r.atomScale = 1e-6
	}
	fd, err := minimize.NewFunctionDefinition(r.potential, part.Dimension(), m.messageBufferLength)
	if err != nil {
		return nil, err
	}
	fd.Gradient = r.gradient
	fd.Termination = r.termination
	fd.Constraints = r.constraints
	fd.Tolerance = coarseTolerance
	fd.Algorithm = minimize.SteepestDescent
	fd.LinearAlgorithm = minimize.LinearBracket
	if algorithm == minimize.LimitedMemoryBFGS {
		fd.Algorithm = minimize.LimitedMemoryBFGS
	}

	ctx, finished := m.recorder.Start(ctx)
	defer finished()

	initial, err := fd.NewConfigurationAt(start)
	if err != nil {
		return nil, err
	}
	defer initial.Release()

	m.logger.Debug("starting structure minimization",
		zap.Int("atoms", part.NumAtoms()),
		zap.Int("jigs", len(part.Jigs)),
		zap.Int("dimension", part.Dimension()),
		zap.String("algorithm", fd.Algorithm.String()),
		zap.Int("iteration_limit", iterationLimit))

	started := time.Now()
	res, err := minimize.Minimize(ctx, initial, iterationLimit)
	if err != nil {
		return nil, err
	}
	defer res.Release()

	final := res.Final
	result := &Result{
		Positions:        part.positions(final.Coordinate),
		DegreesOfFreedom: append([]float64(nil), final.Coordinate[3*part.NumAtoms():]...),
		Outcome:          res.Outcome,
		Iterations:       res.Iterations,
		Err:              res.Err,
	}
	if energy, err := final.Evaluate(); err == nil {
		result.Energy = energy
		m.recorder.Offer(final.Coordinate, energy)
	} else {
		result.Energy = math.NaN()
	}
	if err := final.EvaluateGradient(); err == nil {
		result.RMSForce, result.MaxForce = r.forces(final.Gradient)
	} else if result.Err == nil {
		result.Err = err
	}
	result.FunctionEvaluations = fd.FunctionEvaluationCount
	result.GradientEvaluations = fd.GradientEvaluationCount
	result.Message = fd.Message()

	for _, jig := range part.Jigs {
		if meter, ok := jig.(Meter); ok {
			if result.Measurements == nil {
				result.Measurements = make(map[string]float64)
			}
			result.Measurements[jig.Name()] = meter.Measure(result.Positions)
		}
	}
	if m.observer != nil {
		r.emit(result.Positions, result.RMSForce, result.MaxForce, result.Energy, PhaseFinal, result.Message)
	}

	fields := []zap.Field{
		zap.String("outcome", result.Outcome.String()),
		zap.Int("iterations", result.Iterations),
		zap.Float64("energy", result.Energy),
		zap.Float64("rms_force", result.RMSForce),
		zap.Float64("max_force", result.MaxForce),
		zap.Int("function_evaluations", result.FunctionEvaluations),
		zap.Int("gradient_evaluations", result.GradientEvaluations),
		zap.Duration("elapsed", time.Since(started)),
	}
	if result.Err != nil {
		fields = append(fields, zap.Error(result.Err))
	}
	m.logger.Info(result.Summary(), fields...)
	return result, nil
}

// Optimize implements optimization.Optimizer. The objective is always the
// part's energy; config.Start replaces the initial coordinates when it has
// the part's dimension, and config.Method "lbfgs" selects L-BFGS.
func (m *Minimizer) Optimize(ctx context.Context, config optimization.OptimizerConfig) (*optimization.OptimizationResult, error) {
	start := m.part.Coordinates()
	if len(config.Start) == len(start) {
		copy(start, config.Start)
	}
	limit := m.iterationLimit
	if config.MaxIterations > 0 {
		limit = config.MaxIterations
	}
	algorithm := m.algorithm
	if config.Method != "" {
		method, err := minimize.ParseAlgorithm(config.Method)
		if err != nil {
			return nil, err
		}
		if method == minimize.LimitedMemoryBFGS {
			algorithm = method
		}
	}
	res, err := m.run(ctx, start, limit, algorithm)
	if err != nil {
		return nil, err
	}
	message := res.Message
	if res.Err != nil {
		message += " " + res.Err.Error()
	}
	return &optimization.OptimizationResult{
		BestSolution:        m.GetBestSolution(),
		History:             m.GetHistory(),
		Iterations:          res.Iterations,
		Converged:           res.Outcome == minimize.Converged,
		Outcome:             res.Outcome.String(),
		FunctionEvaluations: res.FunctionEvaluations,
		GradientEvaluations: res.GradientEvaluations,
		Message:             message,
		Measurements:        res.Measurements,
	}, nil
}

// GetBestSolution returns the lowest energy coordinates found so far.
func (m *Minimizer) GetBestSolution() *optimization.Solution {
	return m.recorder.Best()
}

// GetHistory returns the accepted iterations so far.
func (m *Minimizer) GetHistory() []optimization.Evaluation {
	return m.recorder.History()
}

// Stop interrupts a running minimization.
func (m *Minimizer) Stop() {
	m.recorder.Stop()
}
