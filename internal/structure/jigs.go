package structure

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

const (
	// springStiffness ties rotary motor atoms to their anchors, in N/m.
	springStiffness = 10.0
	// maxRadiansPerStep bounds how far a rotary motor turns in one line
	// search.
	maxRadiansPerStep = 0.4
)

// Jig is a device attached to a set of atoms.
type Jig interface {
	Name() string
	Atoms() []int
	// DegreesOfFreedom is the number of coordinates the jig adds.
	DegreesOfFreedom() int

	// bind computes what the jig needs from the initial positions.
	bind(initial []r3.Vector) error
}

// actuator is a jig adding terms to the potential being minimized.
type actuator interface {
	minimizePotential(positions []r3.Vector, dof []float64) float64
	// minimizeGradient adds the jig's forces to force and writes the
	// generalized force on each of its degrees of freedom to dofForce.
	minimizeGradient(positions, force []r3.Vector, dof, dofForce []float64)
}

// constrainer is a jig restricting where its atoms may move.
type constrainer interface {
	constrain(initial, positions []r3.Vector)
}

type jigBase struct {
	name  string
	atoms []int
}

func (j *jigBase) Name() string              { return j.name }
func (j *jigBase) Atoms() []int              { return j.atoms }
func (j *jigBase) DegreesOfFreedom() int     { return 0 }
func (j *jigBase) bind(_ []r3.Vector) error  { return nil }
func (j *jigBase) centroid(positions []r3.Vector) r3.Vector {
	var sum r3.Vector
	for _, a := range j.atoms {
		sum = sum.Add(positions[a])
	}
	return sum.Mul(1 / float64(len(j.atoms)))
}

func (j *jigBase) needAtoms(n int) error {
	if n == 0 && len(j.atoms) == 0 {
		return errors.New("no atoms")
	}
	if n > 0 && len(j.atoms) != n {
		return fmt.Errorf("needs %d atoms, has %d", n, len(j.atoms))
	}
	return nil
}

// Ground holds its atoms at their initial positions.
type Ground struct {
	jigBase
}

// NewGround returns a ground on atoms.
func NewGround(name string, atoms ...int) *Ground {
	return &Ground{jigBase{name: name, atoms: atoms}}
}

func (g *Ground) bind(_ []r3.Vector) error {
	return g.needAtoms(0)
}

func (g *Ground) constrain(initial, positions []r3.Vector) {
	for _, a := range g.atoms {
		positions[a] = initial[a]
	}
}

// RotaryMotor applies a torque about an axis. Each atom is held by a spring
// to an anchor that turns with the motor, and the motor angle is an extra
// coordinate of the minimization.
type RotaryMotor struct {
	jigBase
	// Torque in nN·nm, which is aJ per radian.
	Torque float64
	Center r3.Vector
	Axis   r3.Vector

	// anchor of atom k at angle θ is Center + u[k] + v[k]·cos θ + w[k]·sin θ
	u, v, w []r3.Vector
}

// NewRotaryMotor returns a rotary motor on atoms.
func NewRotaryMotor(name string, torque float64, center, axis r3.Vector, atoms ...int) *RotaryMotor {
	return &RotaryMotor{
		jigBase: jigBase{name: name, atoms: atoms},
		Torque:  torque,
		Center:  center,
		Axis:    axis,
	}
}

func (m *RotaryMotor) DegreesOfFreedom() int { return 1 }

func (m *RotaryMotor) bind(initial []r3.Vector) error {
	if err := m.needAtoms(0); err != nil {
		return err
	}
	if m.Axis.Norm() == 0 {
		return errors.New("zero axis")
	}
	m.Axis = m.Axis.Normalize()
	m.u = make([]r3.Vector, len(m.atoms))
	m.v = make([]r3.Vector, len(m.atoms))
	m.w = make([]r3.Vector, len(m.atoms))
	for k, a := range m.atoms {
		r := initial[a].Sub(m.Center)
		m.u[k] = m.Axis.Mul(r.Dot(m.Axis))
		m.v[k] = r.Sub(m.u[k])
		m.w[k] = m.Axis.Cross(m.v[k])
	}
	return nil
}

func (m *RotaryMotor) anchor(k int, cos, sin float64) r3.Vector {
	return m.Center.Add(m.u[k]).Add(m.v[k].Mul(cos)).Add(m.w[k].Mul(sin))
}

func (m *RotaryMotor) minimizePotential(positions []r3.Vector, dof []float64) float64 {
	theta := dof[0]
	cos, sin := math.Cos(theta), math.Sin(theta)
	potential := -m.Torque * theta
	for k, a := range m.atoms {
		r := positions[a].Sub(m.anchor(k, cos, sin))
		// N/m · pm² is 1e-6 aJ
		potential += 0.5 * springStiffness * r.Dot(r) * 1e-6
	}
	return potential
}

func (m *RotaryMotor) minimizeGradient(positions, force []r3.Vector, dof, dofForce []float64) {
	theta := dof[0]
	cos, sin := math.Cos(theta), math.Sin(theta)
	generalized := m.Torque
	for k, a := range m.atoms {
		f := positions[a].Sub(m.anchor(k, cos, sin)).Mul(-springStiffness)
		force[a] = force[a].Add(f)
		// drag torque of the spring on the motor, pN·pm is 1e-6 aJ
		arm := positions[a].Sub(m.Center)
		generalized -= arm.Cross(f).Dot(m.Axis) * 1e-6
	}
	dofForce[0] = generalized
}

// LinearMotor pushes its atoms along an axis, with a constant force when
// Stiffness is zero and as a spring otherwise. Its atoms may only move along
// the axis.
type LinearMotor struct {
	jigBase
	// Force in pN.
	Force float64
	// Stiffness in N/m.
	Stiffness float64
	Axis      r3.Vector

	motorPosition float64
	zeroPosition  float64
	constantForce r3.Vector
}

// NewLinearMotor returns a linear motor on atoms.
func NewLinearMotor(name string, force, stiffness float64, axis r3.Vector, atoms ...int) *LinearMotor {
	return &LinearMotor{
		jigBase:   jigBase{name: name, atoms: atoms},
		Force:     force,
		Stiffness: stiffness,
		Axis:      axis,
	}
}

func (m *LinearMotor) bind(initial []r3.Vector) error {
	if err := m.needAtoms(0); err != nil {
		return err
	}
	if m.Axis.Norm() == 0 {
		return errors.New("zero axis")
	}
	if m.Stiffness < 0 {
		return errors.New("negative stiffness")
	}
	m.Axis = m.Axis.Normalize()
	x := m.project(initial)
	m.motorPosition = x
	if m.Stiffness == 0 {
		m.constantForce = m.Axis.Mul(m.Force / float64(len(m.atoms)))
	} else {
		// pN / (N/m) is pm
		m.zeroPosition = x + m.Force/m.Stiffness
	}
	return nil
}

// project returns the distance along the axis of the atoms' centroid.
func (m *LinearMotor) project(positions []r3.Vector) float64 {
	return m.centroid(positions).Dot(m.Axis)
}

// Displacement is how far the motor has moved along its axis.
func (m *LinearMotor) Displacement(positions []r3.Vector) float64 {
	return m.project(positions) - m.motorPosition
}

func (m *LinearMotor) minimizePotential(positions []r3.Vector, _ []float64) float64 {
	x := m.project(positions)
	if m.Stiffness == 0 {
		// pm · pN is 1e-6 aJ
		return -(x - m.motorPosition) * m.Force * 1e-6
	}
	x -= m.zeroPosition
	return 0.5 * m.Stiffness * x * x * 1e-6
}

func (m *LinearMotor) minimizeGradient(positions, force []r3.Vector, _, _ []float64) {
	f := m.constantForce
	if m.Stiffness != 0 {
		x := m.project(positions)
		f = m.Axis.Mul(m.Stiffness * (m.zeroPosition - x) / float64(len(m.atoms)))
	}
	// only the axial part of the total force survives
	for _, a := range m.atoms {
		force[a] = m.Axis.Mul(force[a].Add(f).Dot(m.Axis))
	}
}

func (m *LinearMotor) constrain(initial, positions []r3.Vector) {
	for _, a := range m.atoms {
		delta := positions[a].Sub(initial[a])
		positions[a] = initial[a].Add(m.Axis.Mul(delta.Dot(m.Axis)))
	}
}

// Thermometer reports temperature during dynamics and does nothing while
// minimizing.
type Thermometer struct {
	jigBase
}

// NewThermometer returns a thermometer on atoms.
func NewThermometer(name string, atoms ...int) *Thermometer {
	return &Thermometer{jigBase{name: name, atoms: atoms}}
}

// Thermostat holds its atoms at Temperature during dynamics and does
// nothing while minimizing.
type Thermostat struct {
	jigBase
	// Temperature in kelvin.
	Temperature float64
}

// NewThermostat returns a thermostat on atoms.
func NewThermostat(name string, temperature float64, atoms ...int) *Thermostat {
	return &Thermostat{jigBase: jigBase{name: name, atoms: atoms}, Temperature: temperature}
}

func (t *Thermostat) bind(_ []r3.Vector) error {
	if t.Temperature < 0 {
		return errors.New("negative temperature")
	}
	return nil
}
