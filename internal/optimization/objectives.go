package optimization

import (
	"fmt"
	"math"
	"sort"
)

// Benchmark bundles a standard objective with its analytic gradient, if one
// is known, and a customary starting point.
type Benchmark struct {
	Name      string
	Objective ObjectiveFunction
	Gradient  GradientFunction
	Start     []float64
}

// Sphere is f(x) = Σ xᵢ², minimum 0 at the origin.
func Sphere(x []float64) (float64, error) {
	sum := 0.0
	for _, v := range x {
		sum += v * v
	}
	return sum, nil
}

// SphereGradient is the gradient of Sphere.
func SphereGradient(x, grad []float64) error {
	if len(grad) != len(x) {
		return fmt.Errorf("%w: gradient has %d entries for %d parameters", ErrDimension, len(grad), len(x))
	}
	for i, v := range x {
		grad[i] = 2 * v
	}
	return nil
}

// Rosenbrock is the extended Rosenbrock function over consecutive pairs,
// minimum 0 at (1, 1, ..., 1).
func Rosenbrock(x []float64) (float64, error) {
	if len(x) < 2 {
		return 0, fmt.Errorf("%w: rosenbrock needs at least 2 parameters", ErrDimension)
	}
	sum := 0.0
	for i := 0; i < len(x)-1; i++ {
		a := 1 - x[i]
		b := x[i+1] - x[i]*x[i]
		sum += a*a + 100*b*b
	}
	return sum, nil
}

// RosenbrockGradient is the gradient of Rosenbrock.
func RosenbrockGradient(x, grad []float64) error {
	if len(x) < 2 || len(grad) != len(x) {
		return fmt.Errorf("%w: rosenbrock gradient", ErrDimension)
	}
	for i := range grad {
		grad[i] = 0
	}
	for i := 0; i < len(x)-1; i++ {
		b := x[i+1] - x[i]*x[i]
		grad[i] += -2*(1-x[i]) - 400*x[i]*b
		grad[i+1] += 200 * b
	}
	return nil
}

// Spiral is a two-dimensional damped spiral valley,
// cos(r + atan2(x, y) + π)·exp(-r²/700). Its many local minima make it a
// good workout for bracketing.
func Spiral(x []float64) (float64, error) {
	if len(x) != 2 {
		return 0, fmt.Errorf("%w: spiral is two-dimensional", ErrDimension)
	}
	rsquared := x[0]*x[0] + x[1]*x[1]
	r := math.Sqrt(rsquared)
	theta := math.Atan2(x[0], x[1])
	return math.Cos(r+theta+math.Pi) * math.Exp(-rsquared/700), nil
}

var benchmarks = map[string]Benchmark{
	"sphere": {
		Name:      "sphere",
		Objective: Sphere,
		Gradient:  SphereGradient,
		Start:     []float64{6, -5},
	},
	"rosenbrock": {
		Name:      "rosenbrock",
		Objective: Rosenbrock,
		Gradient:  RosenbrockGradient,
		Start:     []float64{-1.2, 1},
	},
	"spiral": {
		Name:      "spiral",
		Objective: Spiral,
		Start:     []float64{6, -5},
	},
}

// LookupBenchmark returns the named benchmark.
func LookupBenchmark(name string) (Benchmark, error) {
	b, ok := benchmarks[name]
	if !ok {
		return Benchmark{}, fmt.Errorf("unknown objective %q (known: %v)", name, BenchmarkNames())
	}
	b.Start = append([]float64(nil), b.Start...)
	return b, nil
}

// BenchmarkNames lists the registered benchmark names in sorted order.
func BenchmarkNames() []string {
	names := make([]string, 0, len(benchmarks))
	for name := range benchmarks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
