package minimize

import (
	"context"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// lbfgsRun adapts a FunctionDefinition to gonum's optimize package. Every
// evaluation goes through a throwaway configuration so constraints and the
// definition's counters behave as on the line search path.
type lbfgsRun struct {
	ctx         context.Context
	fd          *FunctionDefinition
	termination TerminationFunc
	previous    *Configuration
	err         error
}

func (l *lbfgsRun) point(x []float64) *Configuration {
	p := l.fd.NewConfiguration()
	copy(p.Coordinate, x)
	if l.fd.Constraints != nil {
		l.fd.Constraints(p)
	}
	return p
}

func (l *lbfgsRun) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *lbfgsRun) value(x []float64) float64 {
	p := l.point(x)
	defer p.Release()
	v, err := p.Evaluate()
	if err != nil {
		l.fail(err)
		return math.Inf(1)
	}
	return v
}

func (l *lbfgsRun) gradient(grad, x []float64) {
	p := l.point(x)
	defer p.Release()
	if err := p.EvaluateGradient(); err != nil {
		l.fail(err)
		for i := range grad {
			grad[i] = 0
		}
		return
	}
	copy(grad, p.Gradient)
}

func (l *lbfgsRun) status() (optimize.Status, error) {
	if l.err != nil {
		return optimize.Failure, l.err
	}
	if err := l.ctx.Err(); err != nil {
		return optimize.Failure, err
	}
	return optimize.NotTerminated, nil
}

// Init implements optimize.Converger.
func (l *lbfgsRun) Init(dim int) {
	Set(&l.previous, nil)
}

// Converged implements optimize.Converger by applying the definition's
// termination test to successive major iterations.
func (l *lbfgsRun) Converged(loc *optimize.Location) optimize.Status {
	current := l.point(loc.X)
	defer current.Release()
	if !math.IsInf(loc.F, 0) && !math.IsNaN(loc.F) {
		current.functionValue = loc.F
		current.functionValueValid = true
	}
	if l.previous == nil {
		Set(&l.previous, current)
		return optimize.NotTerminated
	}
	done, err := l.termination(l.fd, l.previous, current)
	if err != nil {
		l.fail(err)
		return optimize.Failure
	}
	Set(&l.previous, current)
	if done {
		return optimize.FunctionConvergence
	}
	return optimize.NotTerminated
}

func minimizeLBFGS(ctx context.Context, initial *Configuration, iterationLimit int) *Result {
	fd := initial.fd
	result := &Result{}
	if iterationLimit == 0 {
		fd.Messagef("reached iteration limit")
		Set(&result.Final, initial)
		result.Outcome = IterationLimit
		return result
	}

	run := &lbfgsRun{ctx: ctx, fd: fd, termination: fd.Termination}
	if run.termination == nil {
		run.termination = DefaultTermination
	}
	defer Set(&run.previous, nil)

	problem := optimize.Problem{
		Func:   run.value,
		Grad:   run.gradient,
		Status: run.status,
	}
	settings := &optimize.Settings{
		MajorIterations: iterationLimit,
		Converger:       run,
	}
	res, err := optimize.Minimize(problem, initial.Coordinate, settings, &optimize.LBFGS{})

	if res == nil || len(res.X) != fd.Dimension {
		Set(&result.Final, initial)
	} else {
		final := run.point(res.X)
		if !math.IsInf(res.F, 0) && !math.IsNaN(res.F) {
			final.functionValue = res.F
			final.functionValueValid = true
		}
		result.Final = final
		result.Iterations = res.MajorIterations
	}

	switch {
	case run.err != nil:
		result.Outcome = NumericFailure
		result.Err = run.err
	case ctx.Err() != nil:
		fd.Messagef("minimization interrupted")
		result.Outcome = Interrupted
		result.Err = ctx.Err()
	case res != nil && res.Status == optimize.IterationLimit:
		fd.Messagef("reached iteration limit")
		result.Outcome = IterationLimit
	default:
		// gonum reports line search stalls near the minimum as errors
		if err != nil {
			fd.Messagef("lbfgs: %v", err)
		}
		result.Outcome = Converged
	}
	return result
}
