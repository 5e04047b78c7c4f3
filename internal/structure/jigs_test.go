package structure

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertVectorInDelta(t *testing.T, want, got r3.Vector, delta float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, delta, "x")
	assert.InDelta(t, want.Y, got.Y, delta, "y")
	assert.InDelta(t, want.Z, got.Z, delta, "z")
}

func TestGroundConstrain(t *testing.T) {
	g := NewGround("g", 1)
	initial := []r3.Vector{{X: 1}, {Y: 2}}
	positions := []r3.Vector{{X: 5}, {Y: 9, Z: 3}}
	g.constrain(initial, positions)
	assert.Equal(t, r3.Vector{X: 5}, positions[0])
	assert.Equal(t, r3.Vector{Y: 2}, positions[1])
}

func TestRotaryMotorAnchors(t *testing.T) {
	positions := []r3.Vector{{X: 100, Z: 40}}
	m := NewRotaryMotor("m", 0, r3.Vector{}, r3.Vector{Z: 2}, 0)
	require.NoError(t, m.bind(positions))
	assert.Equal(t, r3.Vector{Z: 1}, m.Axis)

	assert.InDelta(t, 0, m.minimizePotential(positions, []float64{0}), 1e-15)
	assertVectorInDelta(t, r3.Vector{Y: 100, Z: 40}, m.anchor(0, 0, 1), 1e-12)

	// a quarter turn puts the anchor 100·√2 pm from the atom
	want := 0.5 * springStiffness * 2 * 100 * 100 * 1e-6
	assert.InDelta(t, want, m.minimizePotential(positions, []float64{math.Pi / 2}), 1e-12)
}

func TestRotaryMotorGeneralizedForce(t *testing.T) {
	initial := []r3.Vector{{X: 100}, {X: -50, Y: 30, Z: 10}}
	m := NewRotaryMotor("m", 0.3, r3.Vector{Z: 5}, r3.Vector{X: 0.2, Z: 1}, 0, 1)
	require.NoError(t, m.bind(initial))

	positions := []r3.Vector{{X: 90, Y: 20}, {X: -40, Y: 45, Z: 12}}
	for _, theta := range []float64{0, 0.3, -1.2, 2.5} {
		force := make([]r3.Vector, len(positions))
		dofForce := make([]float64, 1)
		m.minimizeGradient(positions, force, []float64{theta}, dofForce)

		h := 1e-6
		plus := m.minimizePotential(positions, []float64{theta + h})
		minus := m.minimizePotential(positions, []float64{theta - h})
		assert.InDelta(t, -(plus-minus)/(2*h), dofForce[0], 1e-6, "theta=%g", theta)

		// atom forces are -dV/dx in pN
		for k := range positions {
			shifted := append([]r3.Vector(nil), positions...)
			shifted[k].X += h
			up := m.minimizePotential(shifted, []float64{theta})
			shifted[k].X -= 2 * h
			down := m.minimizePotential(shifted, []float64{theta})
			assert.InDelta(t, -(up-down)/(2*h)*1e6, force[k].X, 1e-3, "atom %d theta=%g", k, theta)
		}
	}
}

func TestLinearMotorConstantForce(t *testing.T) {
	initial := []r3.Vector{{X: 10}, {X: 30}}
	m := NewLinearMotor("l", 100, 0, r3.Vector{X: 3}, 0, 1)
	require.NoError(t, m.bind(initial))

	assert.Equal(t, r3.Vector{X: 50}, m.constantForce)
	assert.Equal(t, 0.0, m.minimizePotential(initial, nil))

	moved := []r3.Vector{{X: 15}, {X: 35}}
	assert.InDelta(t, -5*100*1e-6, m.minimizePotential(moved, nil), 1e-15)
	assert.InDelta(t, 5, m.Displacement(moved), 1e-12)

	force := []r3.Vector{{X: 1, Y: 7}, {Z: -3}}
	m.minimizeGradient(moved, force, nil, nil)
	assert.Equal(t, r3.Vector{X: 51}, force[0])
	assert.Equal(t, r3.Vector{X: 50}, force[1])
}

func TestLinearMotorSpring(t *testing.T) {
	initial := []r3.Vector{{X: 10}, {X: 30}}
	m := NewLinearMotor("l", 100, 2, r3.Vector{X: 1}, 0, 1)
	require.NoError(t, m.bind(initial))

	assert.Equal(t, 70.0, m.zeroPosition)
	assert.InDelta(t, 0.5*2*50*50*1e-6, m.minimizePotential(initial, nil), 1e-15)

	force := make([]r3.Vector, 2)
	m.minimizeGradient(initial, force, nil, nil)
	assertVectorInDelta(t, r3.Vector{X: 50}, force[0], 1e-12)
	assertVectorInDelta(t, r3.Vector{X: 50}, force[1], 1e-12)
}

func TestLinearMotorConstrain(t *testing.T) {
	initial := []r3.Vector{{X: 1, Y: 1, Z: 1}}
	m := NewLinearMotor("l", 0, 0, r3.Vector{Y: 1, Z: 1}, 0)
	require.NoError(t, m.bind(initial))

	positions := []r3.Vector{{X: 9, Y: 4, Z: 2}}
	m.constrain(initial, positions)
	assertVectorInDelta(t, r3.Vector{X: 1, Y: 3, Z: 3}, positions[0], 1e-12)
}

func TestPassiveJigs(t *testing.T) {
	for _, jig := range []Jig{NewThermometer("t", 0), NewThermostat("s", 300, 0)} {
		require.NoError(t, jig.bind([]r3.Vector{{}}))
		assert.Zero(t, jig.DegreesOfFreedom())
		_, acts := jig.(actuator)
		_, constrains := jig.(constrainer)
		assert.False(t, acts, jig.Name())
		assert.False(t, constrains, jig.Name())
	}
}
