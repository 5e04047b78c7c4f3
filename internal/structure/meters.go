package structure

import (
	"github.com/golang/geo/r3"
)

// Meter is a jig that reads a value off the structure.
type Meter interface {
	Jig
	Measure(positions []r3.Vector) float64
}

// angleBetween returns the angle between two vectors in degrees, zero when
// either is degenerate.
func angleBetween(a, b r3.Vector) float64 {
	if a.Norm2() < 1e-10 || b.Norm2() < 1e-10 {
		return 0
	}
	return a.Angle(b).Degrees()
}

// AngleMeter measures the angle at the middle of three atoms, in degrees.
type AngleMeter struct {
	jigBase
}

// NewAngleMeter returns an angle meter on atoms a, b and c, with the angle
// at b.
func NewAngleMeter(name string, a, b, c int) *AngleMeter {
	return &AngleMeter{jigBase{name: name, atoms: []int{a, b, c}}}
}

func (m *AngleMeter) bind(_ []r3.Vector) error { return m.needAtoms(3) }

// Measure implements Meter.
func (m *AngleMeter) Measure(positions []r3.Vector) float64 {
	v1 := positions[m.atoms[0]].Sub(positions[m.atoms[1]])
	v2 := positions[m.atoms[2]].Sub(positions[m.atoms[1]])
	return angleBetween(v1, v2)
}

// DihedralMeter measures the signed torsion angle of four atoms, in degrees.
type DihedralMeter struct {
	jigBase
}

// NewDihedralMeter returns a dihedral meter on four atoms.
func NewDihedralMeter(name string, a, b, c, d int) *DihedralMeter {
	return &DihedralMeter{jigBase{name: name, atoms: []int{a, b, c, d}}}
}

func (m *DihedralMeter) bind(_ []r3.Vector) error { return m.needAtoms(4) }

// Measure implements Meter.
func (m *DihedralMeter) Measure(positions []r3.Vector) float64 {
	p0, p1 := positions[m.atoms[0]], positions[m.atoms[1]]
	p2, p3 := positions[m.atoms[2]], positions[m.atoms[3]]
	wx := p0.Sub(p1)
	yx := p2.Sub(p1)
	xy := p1.Sub(p2)
	zy := p3.Sub(p2)
	u := wx.Cross(yx)
	v := xy.Cross(zy)
	if zy.Dot(u) < 0 {
		return -angleBetween(u, v)
	}
	return angleBetween(u, v)
}

// RadiusMeter measures the distance between two atoms, in pm.
type RadiusMeter struct {
	jigBase
}

// NewRadiusMeter returns a radius meter on atoms a and b.
func NewRadiusMeter(name string, a, b int) *RadiusMeter {
	return &RadiusMeter{jigBase{name: name, atoms: []int{a, b}}}
}

func (m *RadiusMeter) bind(_ []r3.Vector) error { return m.needAtoms(2) }

// Measure implements Meter.
func (m *RadiusMeter) Measure(positions []r3.Vector) float64 {
	return positions[m.atoms[0]].Sub(positions[m.atoms[1]]).Norm()
}
