package minimize

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ematvey/NanoEngineer-1/internal/optimization"
)

// Outcome says why a minimization stopped.
type Outcome int

const (
	Converged Outcome = iota
	IterationLimit
	Interrupted
	NumericFailure
)

func (o Outcome) String() string {
	switch o {
	case Converged:
		return "converged"
	case IterationLimit:
		return "iteration-limit"
	case Interrupted:
		return "interrupted"
	case NumericFailure:
		return "numeric-failure"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result is the outcome of Minimize. Final is the best configuration found
// and holds a reference owned by the Result.
type Result struct {
	Final      *Configuration
	Outcome    Outcome
	Iterations int
	// Err is the cause of an Interrupted or NumericFailure outcome.
	Err error
}

// Release drops the reference held on Final.
func (r *Result) Release() {
	Set(&r.Final, nil)
}

// DefaultTermination reports convergence once the relative change in
// function value between previous and current is within fd.Tolerance.
func DefaultTermination(fd *FunctionDefinition, previous, current *Configuration) (bool, error) {
	fp, err := previous.Evaluate()
	if err != nil {
		return false, err
	}
	fq, err := current.Evaluate()
	if err != nil {
		return false, err
	}
	if 2*math.Abs(fq-fp) <= fd.Tolerance*(math.Abs(fq)+math.Abs(fp)+epsilon) {
		if fd.Debug {
			fd.Messagef("fp: %e fq: %e || delta %e <= tolerance %e * averageValue %e",
				fp, fq, math.Abs(fq-fp), fd.Tolerance, (math.Abs(fq)+math.Abs(fp)+epsilon)/2)
		}
		return true, nil
	}
	return false, nil
}

// linearMinimize searches along p's direction for a minimum, stopping at the
// bracket's middle point for LinearBracket and refining it otherwise. The
// result carries a reference for the caller. On error it is the best point
// available, or nil if the bracket failed numerically.
func linearMinimize(ctx context.Context, p *Configuration, tolerance float64, algorithm LinearAlgorithm) (*Configuration, error) {
	a, b, c, err := bracketMinimum(ctx, p)
	if err != nil {
		releaseAll(&a, &c)
		return b, err
	}
	defer releaseAll(&a, &b, &c)

	fd := p.fd
	if fd.Debug {
		fa, _ := a.FunctionValue()
		fb, _ := b.FunctionValue()
		fc, _ := c.FunctionValue()
		fd.Messagef("bmin: a %e[%e] b %e[%e] c %e[%e]", fa, a.Parameter, fb, b.Parameter, fc, c.Parameter)
	}
	if algorithm == LinearBracket && b != p {
		return take(&b), nil
	}
	minimum, err := brent(ctx, p, a, b, c, tolerance)
	if fd.Debug && minimum == p {
		fd.Messagef("linearMinimize returning argument")
	}
	return minimum, err
}

// Minimize searches for a local minimum starting from initial, performing at
// most iterationLimit line searches. The caller keeps its reference to
// initial and must Release the Result.
//
// Running out of iterations, cancellation of ctx and numeric failures all
// still produce a Result holding the best point found; its Outcome tells them
// apart. The error return is reserved for invalid arguments.
func Minimize(ctx context.Context, initial *Configuration, iterationLimit int) (*Result, error) {
	if initial == nil {
		return nil, optimization.ErrNilConfiguration
	}
	if initial.referenceCount <= 0 {
		return nil, optimization.NewError("released configuration").WithComponent("minimize")
	}
	if iterationLimit < 0 {
		return nil, optimization.NewErrorf("negative iteration limit %d", iterationLimit).WithComponent("minimize")
	}
	fd := initial.fd
	if fd.Algorithm == LimitedMemoryBFGS {
		return minimizeLBFGS(ctx, initial, iterationLimit), nil
	}

	var p, q *Configuration
	defer releaseAll(&p, &q)

	result := &Result{}
	finish := func(final *Configuration, outcome Outcome, err error) (*Result, error) {
		Set(&result.Final, final)
		result.Outcome = outcome
		result.Err = err
		return result, nil
	}
	// best returns the most recent accepted point.
	best := func() *Configuration {
		if q != nil {
			return q
		}
		return p
	}

	Set(&p, initial)
	if _, err := p.Evaluate(); err != nil {
		return finish(initial, NumericFailure, err)
	}
	for result.Iterations < iterationLimit {
		if err := ctx.Err(); err != nil {
			fd.Messagef("minimization interrupted")
			return finish(best(), Interrupted, err)
		}
		termination := fd.Termination
		if termination == nil {
			termination = DefaultTermination
		}

		Set(&q, nil)
		next, err := linearMinimize(ctx, p, fd.Tolerance, fd.LinearAlgorithm)
		q = next
		if err != nil {
			if isInterrupt(err) {
				fd.Messagef("minimization interrupted")
				return finish(best(), Interrupted, err)
			}
			return finish(best(), NumericFailure, err)
		}
		result.Iterations++

		done, err := termination(fd, p, q)
		if err != nil {
			return finish(q, NumericFailure, err)
		}
		if done {
			return finish(q, Converged, nil)
		}
		if err := p.EvaluateGradient(); err != nil {
			return finish(q, NumericFailure, err)
		}
		if err := q.EvaluateGradient(); err != nil {
			return finish(q, NumericFailure, err)
		}
		if algorithm := fd.Algorithm; algorithm != SteepestDescent {
			gg := floats.Dot(p.Direction, p.Direction)
			var dgg float64
			if algorithm == PolakRibiereConjugateGradient {
				for i := range q.Direction {
					dgg += (q.Direction[i] + p.Direction[i]) * q.Direction[i]
				}
			} else {
				dgg = floats.Dot(q.Direction, q.Direction)
			}
			if gg == 0 {
				// zero gradient at p, nothing left to do
				return finish(q, Converged, nil)
			}
			gamma := dgg / gg
			if fd.Debug {
				fd.Messagef("gamma[%e] = %e / %e", gamma, dgg, gg)
			}
			floats.AddScaled(q.Direction, gamma, p.Direction)
		}
		if _, err := q.Evaluate(); err != nil {
			return finish(q, NumericFailure, err)
		}
		Set(&p, q)
	}
	fd.Messagef("reached iteration limit")
	return finish(best(), IterationLimit, nil)
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
