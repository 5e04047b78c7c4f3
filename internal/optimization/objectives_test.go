package optimization

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertFloat64SlicesEqual checks if two float64 slices are approximately equal
func assertFloat64SlicesEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

func TestBenchmarkMinima(t *testing.T) {
	tests := []struct {
		name string
		x    []float64
		want float64
	}{
		{name: "sphere", x: []float64{0, 0, 0}, want: 0},
		{name: "rosenbrock", x: []float64{1, 1, 1}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := LookupBenchmark(tt.name)
			require.NoError(t, err)
			v, err := b.Objective(tt.x)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, v, 1e-12)

			grad := make([]float64, len(tt.x))
			require.NoError(t, b.Gradient(tt.x, grad))
			assertFloat64SlicesEqual(t, grad, make([]float64, len(tt.x)), 1e-12)
		})
	}
}

func TestRosenbrockGradientMatchesDifferences(t *testing.T) {
	x := []float64{-1.2, 1, 0.5}
	grad := make([]float64, len(x))
	require.NoError(t, RosenbrockGradient(x, grad))

	const h = 1e-6
	for i := range x {
		plus := append([]float64(nil), x...)
		minus := append([]float64(nil), x...)
		plus[i] += h
		minus[i] -= h
		fp, _ := Rosenbrock(plus)
		fm, _ := Rosenbrock(minus)
		assert.InDelta(t, (fp-fm)/(2*h), grad[i], 1e-3, "component %d", i)
	}
}

func TestSpiral(t *testing.T) {
	v, err := Spiral([]float64{6, -5})
	require.NoError(t, err)
	assert.True(t, v > -1 && v < 1)

	_, err = Spiral([]float64{1, 2, 3})
	assert.True(t, errors.Is(err, ErrDimension))
}

func TestLookupBenchmark(t *testing.T) {
	_, err := LookupBenchmark("nope")
	assert.Error(t, err)

	b, err := LookupBenchmark("sphere")
	require.NoError(t, err)
	b.Start[0] = 100

	again, err := LookupBenchmark("sphere")
	require.NoError(t, err)
	assert.Equal(t, 6.0, again.Start[0], "start must be copied")

	assert.Equal(t, []string{"rosenbrock", "sphere", "spiral"}, BenchmarkNames())
}

func TestErrorWrapping(t *testing.T) {
	err := WrapError(ErrNonFinite, "function value").WithComponent("minimize").WithOperation("evaluate")
	assert.Equal(t, "minimize: evaluate: function value: non-finite value", err.Error())
	assert.True(t, IsNumericFailure(err))

	e, ok := IsOptimizationError(err)
	require.True(t, ok)
	assert.Equal(t, "evaluate", e.Op)

	assert.Nil(t, WrapError(nil, "nothing"))
}
