package minimize

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ematvey/NanoEngineer-1/internal/optimization"
)

// valley is an anisotropic bowl, minimum 0 at the origin.
func valley(p *Configuration) (float64, error) {
	x, y := p.Coordinate[0], p.Coordinate[1]
	return x*x + 10*y*y, nil
}

func valleyGradient(p *Configuration, gradient []float64) error {
	gradient[0] = 2 * p.Coordinate[0]
	gradient[1] = 20 * p.Coordinate[1]
	return nil
}

func value(t *testing.T, p *Configuration) float64 {
	t.Helper()
	v, err := p.Evaluate()
	require.NoError(t, err)
	return v
}

func TestDefaultTermination(t *testing.T) {
	tests := []struct {
		name     string
		previous float64
		current  float64
		want     bool
	}{
		{name: "within tolerance", previous: 1.0, current: 1.0 + 1e-12, want: true},
		{name: "large change", previous: 1.0, current: 0.5, want: false},
		{name: "both zero", previous: 0, current: 0, want: true},
		{name: "just outside", previous: 1.0, current: 1.0 + 1e-7, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := newDefinition(t, func(p *Configuration) (float64, error) {
				return p.Coordinate[0], nil
			}, 1)
			previous, err := fd.NewConfigurationAt([]float64{tt.previous})
			require.NoError(t, err)
			current, err := fd.NewConfigurationAt([]float64{tt.current})
			require.NoError(t, err)
			defer previous.Release()
			defer current.Release()

			got, err := DefaultTermination(fd, previous, current)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBracketMinimum(t *testing.T) {
	for _, guess := range []float64{0.1, 0.3, 1.0, 5.0} {
		fd := newDefinition(t, sphere, 2)
		fd.Gradient = sphereGradient
		fd.InitialParameterGuess = guess

		p, err := fd.NewConfigurationAt([]float64{6, -5})
		require.NoError(t, err)

		a, b, c, err := bracketMinimum(context.Background(), p)
		require.NoError(t, err)
		require.NotNil(t, a)
		require.NotNil(t, b)
		require.NotNil(t, c)

		low, high := math.Min(a.Parameter, c.Parameter), math.Max(a.Parameter, c.Parameter)
		assert.Less(t, low, b.Parameter, "guess %g", guess)
		assert.Less(t, b.Parameter, high, "guess %g", guess)
		assert.LessOrEqual(t, value(t, b), value(t, a), "guess %g", guess)
		assert.LessOrEqual(t, value(t, b), value(t, c), "guess %g", guess)
		// the minimum along the line is at parameter 0.5
		assert.Less(t, low, 0.5)
		assert.Greater(t, high, 0.5)

		a.Release()
		b.Release()
		c.Release()
		p.Release()
		assert.Equal(t, 0, fd.Live(), "guess %g", guess)
	}
}

func TestBracketMinimumParabolicStep(t *testing.T) {
	fd := newDefinition(t, sphere, 2)
	fd.Gradient = sphereGradient
	fd.InitialParameterGuess = 0.1

	p, err := fd.NewConfigurationAt([]float64{6, -5})
	require.NoError(t, err)
	defer p.Release()

	a, b, c, err := bracketMinimum(context.Background(), p)
	require.NoError(t, err)
	defer a.Release()
	defer b.Release()
	defer c.Release()

	// the parabola through three points of a quadratic lands on its minimum
	assert.InDelta(t, 0.5, b.Parameter, 1e-9)
	assert.InDelta(t, 0.0, value(t, b), 1e-12)
}

func TestBracketMinimumParameterLimit(t *testing.T) {
	fd := newDefinition(t, sphere, 1)
	fd.Gradient = sphereGradient
	fd.ParameterLimit = 0.01

	p, err := fd.NewConfigurationAt([]float64{10})
	require.NoError(t, err)
	defer p.Release()

	a, b, c, err := bracketMinimum(context.Background(), p)
	require.NoError(t, err)
	for _, x := range []*Configuration{a, b, c} {
		assert.LessOrEqual(t, math.Abs(x.Parameter), 0.01+1e-15)
		x.Release()
	}
}

func TestBracketMinimumNumericFailure(t *testing.T) {
	fd := newDefinition(t, func(p *Configuration) (float64, error) {
		if p.Coordinate[0] < 0 {
			return math.NaN(), nil
		}
		return sphere(p)
	}, 2)
	fd.Gradient = sphereGradient

	p, err := fd.NewConfigurationAt([]float64{6, -5})
	require.NoError(t, err)

	a, b, c, err := bracketMinimum(context.Background(), p)
	assert.True(t, optimization.IsNumericFailure(err))
	assert.Nil(t, a)
	assert.Nil(t, b)
	assert.Nil(t, c)

	p.Release()
	assert.Equal(t, 0, fd.Live())
}

func TestBracketMinimumInterrupted(t *testing.T) {
	fd := newDefinition(t, sphere, 2)
	fd.Gradient = sphereGradient
	fd.InitialParameterGuess = 0.1

	p, err := fd.NewConfigurationAt([]float64{6, -5})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, b, c, err := bracketMinimum(ctx, p)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Nil(t, a)
	assert.Nil(t, c)
	require.NotNil(t, b)
	assert.Less(t, value(t, b), value(t, p))

	b.Release()
	p.Release()
	assert.Equal(t, 0, fd.Live())
}

func TestBrent(t *testing.T) {
	fd := newDefinition(t, sphere, 2)
	fd.Gradient = sphereGradient

	p, err := fd.NewConfigurationAt([]float64{6, -5})
	require.NoError(t, err)

	a, b, c, err := bracketMinimum(context.Background(), p)
	require.NoError(t, err)
	middle := value(t, b)

	x, err := brent(context.Background(), p, a, b, c, 1e-8)
	require.NoError(t, err)
	require.NotNil(t, x)

	assert.LessOrEqual(t, value(t, x), middle)
	assert.InDelta(t, 0.5, x.Parameter, 1e-4)
	assert.Less(t, value(t, x), 1e-6)
	assert.NotContains(t, fd.Message(), "iteration limit")

	for _, r := range []*Configuration{x, a, b, c, p} {
		r.Release()
	}
	assert.Equal(t, 0, fd.Live())
}

func TestBrentInterrupted(t *testing.T) {
	fd := newDefinition(t, sphere, 2)
	fd.Gradient = sphereGradient

	p, err := fd.NewConfigurationAt([]float64{6, -5})
	require.NoError(t, err)
	a, b, c, err := bracketMinimum(context.Background(), p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	x, err := brent(ctx, p, a, b, c, 1e-8)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Same(t, b, x)

	for _, r := range []*Configuration{x, a, b, c, p} {
		r.Release()
	}
	assert.Equal(t, 0, fd.Live())
}

func TestMinimizeSphere(t *testing.T) {
	tests := []struct {
		name     string
		gradient GradientFunc
	}{
		{name: "analytic gradient", gradient: sphereGradient},
		{name: "finite differences"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := newDefinition(t, sphere, 2)
			fd.Gradient = tt.gradient

			initial, err := fd.NewConfigurationAt([]float64{6, -5})
			require.NoError(t, err)

			result, err := Minimize(context.Background(), initial, 400)
			require.NoError(t, err)
			require.NotNil(t, result.Final)

			assert.Less(t, math.Abs(value(t, result.Final)), 1e-6)
			assert.LessOrEqual(t, result.Iterations, 400)
			if tt.gradient != nil {
				assert.Equal(t, Converged, result.Outcome)
			}
			assert.NoError(t, result.Err)

			result.Release()
			initial.Release()
			assert.Equal(t, 0, fd.Live())
		})
	}
}

func TestMinimizeConjugateGradients(t *testing.T) {
	for _, algorithm := range []Algorithm{FletcherReevesConjugateGradient, PolakRibiereConjugateGradient, SteepestDescent} {
		t.Run(algorithm.String(), func(t *testing.T) {
			fd := newDefinition(t, valley, 2)
			fd.Gradient = valleyGradient
			fd.Algorithm = algorithm

			initial, err := fd.NewConfigurationAt([]float64{6, -5})
			require.NoError(t, err)

			result, err := Minimize(context.Background(), initial, 400)
			require.NoError(t, err)
			assert.Less(t, value(t, result.Final), 1e-6)

			result.Release()
			initial.Release()
			assert.Equal(t, 0, fd.Live())
		})
	}
}

func TestSteepestDescentBracketIsMonotone(t *testing.T) {
	fd := newDefinition(t, valley, 2)
	fd.Gradient = valleyGradient
	fd.Algorithm = SteepestDescent
	fd.LinearAlgorithm = LinearBracket
	fd.InitialParameterGuess = 0.1

	var values [][2]float64
	fd.Termination = func(fd *FunctionDefinition, previous, current *Configuration) (bool, error) {
		fp, err := previous.Evaluate()
		if err != nil {
			return false, err
		}
		fq, err := current.Evaluate()
		if err != nil {
			return false, err
		}
		values = append(values, [2]float64{fp, fq})
		return DefaultTermination(fd, previous, current)
	}

	initial, err := fd.NewConfigurationAt([]float64{6, -5})
	require.NoError(t, err)

	result, err := Minimize(context.Background(), initial, 200)
	require.NoError(t, err)

	require.NotEmpty(t, values)
	for i, v := range values {
		assert.LessOrEqual(t, v[1], v[0], "iteration %d", i)
	}
	assert.Less(t, value(t, result.Final), value(t, initial))

	result.Release()
	initial.Release()
	assert.Equal(t, 0, fd.Live())
}

func TestMinimizeSpiral(t *testing.T) {
	fd := newDefinition(t, func(p *Configuration) (float64, error) {
		return optimization.Spiral(p.Coordinate)
	}, 2)

	initial, err := fd.NewConfigurationAt([]float64{6, -5})
	require.NoError(t, err)

	result, err := Minimize(context.Background(), initial, 400)
	require.NoError(t, err)
	assert.Less(t, value(t, result.Final), value(t, initial))
	assert.NotEqual(t, NumericFailure, result.Outcome)

	result.Release()
	initial.Release()
	assert.Equal(t, 0, fd.Live())
}

func TestMinimizeIterationLimit(t *testing.T) {
	fd := newDefinition(t, valley, 2)
	fd.Gradient = valleyGradient
	fd.Algorithm = SteepestDescent

	initial, err := fd.NewConfigurationAt([]float64{6, -5})
	require.NoError(t, err)

	result, err := Minimize(context.Background(), initial, 1)
	require.NoError(t, err)
	assert.Equal(t, IterationLimit, result.Outcome)
	assert.Equal(t, 1, result.Iterations)
	assert.Contains(t, fd.Message(), "reached iteration limit")
	assert.Less(t, value(t, result.Final), value(t, initial))

	result.Release()
	initial.Release()
	assert.Equal(t, 0, fd.Live())
}

func TestMinimizeZeroIterations(t *testing.T) {
	fd := newDefinition(t, sphere, 2)
	initial, err := fd.NewConfigurationAt([]float64{6, -5})
	require.NoError(t, err)

	result, err := Minimize(context.Background(), initial, 0)
	require.NoError(t, err)
	assert.Same(t, initial, result.Final)
	assert.Equal(t, IterationLimit, result.Outcome)
	assert.Equal(t, 2, initial.ReferenceCount())

	result.Release()
	initial.Release()
	assert.Equal(t, 0, fd.Live())
}

func TestMinimizeInterrupted(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		fd := newDefinition(t, sphere, 2)
		fd.Gradient = sphereGradient
		initial, err := fd.NewConfigurationAt([]float64{6, -5})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result, err := Minimize(ctx, initial, 400)
		require.NoError(t, err)
		assert.Equal(t, Interrupted, result.Outcome)
		assert.True(t, errors.Is(result.Err, context.Canceled))
		assert.Same(t, initial, result.Final)
		assert.Contains(t, fd.Message(), "minimization interrupted")

		result.Release()
		initial.Release()
		assert.Equal(t, 0, fd.Live())
	})

	t.Run("during bracketing", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		calls := 0
		fd := newDefinition(t, func(p *Configuration) (float64, error) {
			calls++
			if calls == 3 {
				cancel()
			}
			return sphere(p)
		}, 2)
		fd.Gradient = sphereGradient
		fd.InitialParameterGuess = 0.1

		initial, err := fd.NewConfigurationAt([]float64{6, -5})
		require.NoError(t, err)

		result, err := Minimize(ctx, initial, 400)
		require.NoError(t, err)
		assert.Equal(t, Interrupted, result.Outcome)
		require.NotNil(t, result.Final)
		assert.LessOrEqual(t, value(t, result.Final), 61.0)
		assert.Equal(t, 0, result.Iterations)

		result.Release()
		initial.Release()
		assert.Equal(t, 0, fd.Live())
	})
}

func TestMinimizeNumericFailure(t *testing.T) {
	t.Run("during search", func(t *testing.T) {
		fd := newDefinition(t, func(p *Configuration) (float64, error) {
			if p.Coordinate[0] < 0 {
				return math.NaN(), nil
			}
			return sphere(p)
		}, 2)
		fd.Gradient = sphereGradient

		initial, err := fd.NewConfigurationAt([]float64{6, -5})
		require.NoError(t, err)

		result, err := Minimize(context.Background(), initial, 400)
		require.NoError(t, err)
		assert.Equal(t, NumericFailure, result.Outcome)
		assert.True(t, optimization.IsNumericFailure(result.Err))
		assert.Same(t, initial, result.Final)

		result.Release()
		initial.Release()
		assert.Equal(t, 0, fd.Live())
	})

	t.Run("at the start", func(t *testing.T) {
		fd := newDefinition(t, func(p *Configuration) (float64, error) {
			return math.NaN(), nil
		}, 1)
		initial := fd.NewConfiguration()

		result, err := Minimize(context.Background(), initial, 400)
		require.NoError(t, err)
		assert.Equal(t, NumericFailure, result.Outcome)
		assert.Same(t, initial, result.Final)

		result.Release()
		initial.Release()
		assert.Equal(t, 0, fd.Live())
	})
}

func TestMinimizeInvalidArguments(t *testing.T) {
	_, err := Minimize(context.Background(), nil, 10)
	assert.True(t, errors.Is(err, optimization.ErrNilConfiguration))

	fd := newDefinition(t, sphere, 1)
	p := fd.NewConfiguration()
	_, err = Minimize(context.Background(), p, -1)
	assert.Error(t, err)
	p.Release()

	_, err = Minimize(context.Background(), p, 10)
	assert.Error(t, err)
}

func TestMinimizeDebugMessages(t *testing.T) {
	fd := newDefinition(t, sphere, 2)
	fd.Gradient = sphereGradient
	fd.Debug = true

	initial, err := fd.NewConfigurationAt([]float64{6, -5})
	require.NoError(t, err)
	result, err := Minimize(context.Background(), initial, 400)
	require.NoError(t, err)

	assert.True(t, strings.Contains(fd.Message(), "bmin:"))
	result.Release()
	initial.Release()
}

func TestMinimizeLBFGS(t *testing.T) {
	fd := newDefinition(t, sphere, 3)
	fd.Gradient = sphereGradient
	fd.Algorithm = LimitedMemoryBFGS

	initial, err := fd.NewConfigurationAt([]float64{6, -5, 2})
	require.NoError(t, err)

	result, err := Minimize(context.Background(), initial, 400)
	require.NoError(t, err)
	assert.Equal(t, Converged, result.Outcome)
	assert.Less(t, value(t, result.Final), 1e-8)
	assert.Positive(t, fd.GradientEvaluationCount)

	result.Release()
	initial.Release()
	assert.Equal(t, 0, fd.Live())
}

func TestMinimizeLBFGSConstraints(t *testing.T) {
	fd := newDefinition(t, sphere, 2)
	fd.Algorithm = LimitedMemoryBFGS
	// the pinned coordinate has no gradient, as the structure adapter does
	fd.Gradient = func(p *Configuration, gradient []float64) error {
		gradient[0] = 2 * p.Coordinate[0]
		gradient[1] = 0
		return nil
	}
	fd.Constraints = func(p *Configuration) {
		p.Coordinate[1] = 1
	}

	initial, err := fd.NewConfigurationAt([]float64{6, 1})
	require.NoError(t, err)

	result, err := Minimize(context.Background(), initial, 400)
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Final.Coordinate[1])
	assert.InDelta(t, 1.0, value(t, result.Final), 1e-6)

	result.Release()
	initial.Release()
	assert.Equal(t, 0, fd.Live())
}

func TestMinimizeLBFGSInterrupted(t *testing.T) {
	fd := newDefinition(t, sphere, 2)
	fd.Gradient = sphereGradient
	fd.Algorithm = LimitedMemoryBFGS

	initial, err := fd.NewConfigurationAt([]float64{6, -5})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := Minimize(ctx, initial, 400)
	require.NoError(t, err)
	assert.Equal(t, Interrupted, result.Outcome)
	require.NotNil(t, result.Final)

	result.Release()
	initial.Release()
	assert.Equal(t, 0, fd.Live())
}

func BenchmarkMinimizeSphere(b *testing.B) {
	for i := 0; i < b.N; i++ {
		fd, err := NewFunctionDefinition(sphere, 16, 0)
		if err != nil {
			b.Fatal(err)
		}
		fd.Gradient = sphereGradient
		initial := fd.NewConfiguration()
		for j := range initial.Coordinate {
			initial.Coordinate[j] = float64(j) - 8
		}
		result, err := Minimize(context.Background(), initial, 400)
		if err != nil {
			b.Fatal(err)
		}
		result.Release()
		initial.Release()
	}
}
