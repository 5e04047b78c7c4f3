package optimization

import (
	"context"
)

// Optimizer defines the interface for minimization algorithms
type Optimizer interface {
	// Optimize runs the minimization process
	Optimize(ctx context.Context, config OptimizerConfig) (*OptimizationResult, error)

	// GetBestSolution returns the best solution found so far
	GetBestSolution() *Solution

	// GetHistory returns the history of accepted iterations
	GetHistory() []Evaluation

	// Stop gracefully stops the minimization process
	Stop()
}

// OptimizerConfig contains configuration for the optimizer
type OptimizerConfig struct {
	// Objective function to minimize
	Objective ObjectiveFunction

	// Gradient of the objective. Optional; finite differences are used when nil.
	Gradient GradientFunction

	// Starting point
	Start []float64

	// Maximum number of outer iterations
	MaxIterations int

	// Relative tolerance on successive function values
	Tolerance float64

	// Search direction update: steepest-descent, fletcher-reeves,
	// polak-ribiere or lbfgs
	Method string

	// Line search: bracket or brent
	LineSearch string

	// Verbose logging
	Verbose bool
}

// ObjectiveFunction defines the function to be minimized
type ObjectiveFunction func([]float64) (float64, error)

// GradientFunction writes the gradient of the objective at x into grad.
type GradientFunction func(x, grad []float64) error

// Solution represents a point in parameter space and its value
type Solution struct {
	Parameters []float64 `json:"parameters"`
	Value      float64   `json:"value"`
}

// Evaluation represents one accepted iteration of the minimizer
type Evaluation struct {
	Iteration int
	Solution  *Solution
	Error     error
}

// OptimizationResult contains the result of a minimization run
type OptimizationResult struct {
	BestSolution *Solution
	History      []Evaluation
	Iterations   int
	Converged    bool

	// Outcome is one of converged, iteration-limit, interrupted or
	// numeric-failure.
	Outcome string

	FunctionEvaluations int
	GradientEvaluations int

	// Message holds the diagnostics accumulated during the run.
	Message string

	// Measurements holds named readings taken on the final point, if any.
	Measurements map[string]float64
}
