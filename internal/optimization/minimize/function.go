// Package minimize finds local minima of a scalar function of many
// parameters by repeated line searches along the downhill direction.
//
// Points in parameter space are Configurations. Each one caches its function
// value and gradient and is shared by reference count: a line search keeps
// several of them alive at once, and every slot that holds one must go through
// Set so the count stays balanced. A Configuration returned from a function
// already carries one reference which belongs to the caller.
package minimize

import (
	"fmt"
	"math"
	"strings"

	"github.com/ematvey/NanoEngineer-1/internal/optimization"
)

const (
	goldenRatio           = 1.61803399
	dontDivideByZero      = 1e-10
	parabolicBracketLimit = 10.0
	toleranceAtZero       = 1e-10
	linearIterationLimit  = 100
	epsilon               = 1e-10

	defaultTolerance     = 1e-8
	defaultGradientDelta = 1e-8
)

// Algorithm selects how successive search directions are chosen.
type Algorithm int

const (
	SteepestDescent Algorithm = iota
	FletcherReevesConjugateGradient
	PolakRibiereConjugateGradient
	// LimitedMemoryBFGS hands the outer loop to gonum's L-BFGS.
	LimitedMemoryBFGS
)

var algorithmNames = map[Algorithm]string{
	SteepestDescent:                 "steepest-descent",
	FletcherReevesConjugateGradient: "fletcher-reeves",
	PolakRibiereConjugateGradient:   "polak-ribiere",
	LimitedMemoryBFGS:               "lbfgs",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// ParseAlgorithm maps a name such as "polak-ribiere" to its Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for a, n := range algorithmNames {
		if n == name {
			return a, nil
		}
	}
	return 0, optimization.NewErrorf("unknown algorithm %q", name).WithComponent("minimize")
}

// LinearAlgorithm selects how far each line search is refined.
type LinearAlgorithm int

const (
	// LinearBracket stops at the middle point of the first bracket found.
	LinearBracket LinearAlgorithm = iota
	// LinearMinimize refines the bracket with Brent's method.
	LinearMinimize
)

func (l LinearAlgorithm) String() string {
	switch l {
	case LinearBracket:
		return "bracket"
	case LinearMinimize:
		return "brent"
	}
	return fmt.Sprintf("LinearAlgorithm(%d)", int(l))
}

// ParseLinearAlgorithm maps "bracket" or "brent" to its LinearAlgorithm.
func ParseLinearAlgorithm(name string) (LinearAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bracket":
		return LinearBracket, nil
	case "brent", "minimize":
		return LinearMinimize, nil
	}
	return 0, optimization.NewErrorf("unknown linear algorithm %q", name).WithComponent("minimize")
}

// Func returns the function value at p.Coordinate.
type Func func(p *Configuration) (float64, error)

// GradientFunc writes the gradient of the function at p.Coordinate into
// gradient, which has Dimension entries. The gradient points uphill.
type GradientFunc func(p *Configuration, gradient []float64) error

// ConstraintFunc projects p.Coordinate onto the feasible set in place.
type ConstraintFunc func(p *Configuration)

// TerminationFunc reports whether the search may stop after moving from
// previous to current.
type TerminationFunc func(fd *FunctionDefinition, previous, current *Configuration) (bool, error)

// FunctionDefinition describes the function being minimized and how to
// minimize it. The tuning fields may be changed by the callbacks while a
// minimization is running; they are read again on every iteration.
//
// A FunctionDefinition is not safe for concurrent use. Only one minimization
// may run against it at a time.
type FunctionDefinition struct {
	Func        Func
	Gradient    GradientFunc
	Constraints ConstraintFunc
	Termination TerminationFunc
	// FreeExtra is called with a configuration whose Extra is set when its
	// last reference is released.
	FreeExtra func(p *Configuration)

	Dimension int

	Tolerance       float64
	Algorithm       Algorithm
	LinearAlgorithm LinearAlgorithm
	GradientDelta   float64

	// InitialParameterGuess is the first step a bracket search tries.
	InitialParameterGuess float64
	// ParameterLimit bounds the magnitude of any step along a direction.
	ParameterLimit float64

	// Debug adds bracket and termination details to the message buffer.
	Debug bool

	FunctionEvaluationCount int
	GradientEvaluationCount int
	AllocationCount         int
	FreeCount               int
	MaxAllocation           int

	message       []byte
	messageLength int
}

// NewFunctionDefinition returns a definition for f over dimension
// parameters with the default tuning. Diagnostics are kept in a buffer of
// messageBufferLength bytes; zero discards them.
func NewFunctionDefinition(f Func, dimension, messageBufferLength int) (*FunctionDefinition, error) {
	if f == nil {
		return nil, optimization.ErrNilObjective
	}
	if dimension <= 0 {
		return nil, optimization.WrapErrorf(optimization.ErrDimension, "dimension %d", dimension)
	}
	if messageBufferLength < 0 {
		messageBufferLength = 0
	}
	return &FunctionDefinition{
		Func:                  f,
		Dimension:             dimension,
		Tolerance:             defaultTolerance,
		Algorithm:             PolakRibiereConjugateGradient,
		LinearAlgorithm:       LinearMinimize,
		GradientDelta:         defaultGradientDelta,
		InitialParameterGuess: 1.0,
		ParameterLimit:        math.MaxFloat64,
		message:               make([]byte, 0, messageBufferLength),
		messageLength:         messageBufferLength,
	}, nil
}

// Message returns the diagnostics collected so far.
func (fd *FunctionDefinition) Message() string {
	return string(fd.message)
}

// ResetMessage empties the message buffer.
func (fd *FunctionDefinition) ResetMessage() {
	fd.message = fd.message[:0]
}

// Live returns the number of configurations allocated and not yet freed.
func (fd *FunctionDefinition) Live() int {
	return fd.AllocationCount - fd.FreeCount
}

// Messagef appends a space and the formatted text to the message buffer.
// Text that does not fit is dropped.
func (fd *FunctionDefinition) Messagef(format string, args ...interface{}) {
	room := fd.messageLength - 1 - len(fd.message)
	if room <= 0 {
		return
	}
	text := " " + fmt.Sprintf(format, args...)
	if len(text) > room {
		text = text[:room]
	}
	fd.message = append(fd.message, text...)
}

// NewConfiguration returns a zeroed configuration holding one reference.
func (fd *FunctionDefinition) NewConfiguration() *Configuration {
	fd.AllocationCount++
	if live := fd.Live(); live > fd.MaxAllocation {
		fd.MaxAllocation = live
	}
	return &Configuration{
		Coordinate:     make([]float64, fd.Dimension),
		fd:             fd,
		referenceCount: 1,
	}
}

// NewConfigurationAt returns a configuration at a copy of coordinate.
func (fd *FunctionDefinition) NewConfigurationAt(coordinate []float64) (*Configuration, error) {
	if len(coordinate) != fd.Dimension {
		return nil, optimization.WrapErrorf(optimization.ErrDimension,
			"%d coordinates for dimension %d", len(coordinate), fd.Dimension)
	}
	p := fd.NewConfiguration()
	copy(p.Coordinate, coordinate)
	return p, nil
}
