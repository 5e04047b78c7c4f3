package structure

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/golang/geo/r3"
)

// Description is the JSON form of a part.
type Description struct {
	// Atoms holds x, y and z of every atom in pm.
	Atoms [][3]float64     `json:"atoms"`
	Bonds []Bond           `json:"bonds,omitempty"`
	VDW   []Pair           `json:"vdw,omitempty"`
	Jigs  []JigDescription `json:"jigs,omitempty"`
}

// JigDescription is the JSON form of a jig. Type is one of ground,
// rotary-motor, linear-motor, thermometer, thermostat, angle, dihedral or
// radius; the other fields apply to the types that use them.
type JigDescription struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Atoms []int  `json:"atoms"`

	Torque      float64 `json:"torque,omitempty"`
	Force       float64 `json:"force,omitempty"`
	Stiffness   float64 `json:"stiffness,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	// Center defaults to the centroid of the jig's atoms.
	Center *[3]float64 `json:"center,omitempty"`
	Axis   [3]float64  `json:"axis,omitempty"`
}

// ReadDescription decodes a description, rejecting unknown fields.
func ReadDescription(r io.Reader) (*Description, error) {
	var d Description
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPart, err)
	}
	return &d, nil
}

func vector(v [3]float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

// Build checks the description and returns the part it describes.
func (d *Description) Build() (*Part, error) {
	positions := make([]r3.Vector, len(d.Atoms))
	for i, a := range d.Atoms {
		positions[i] = vector(a)
	}
	field := &BondedField{Bonds: d.Bonds, Pairs: d.VDW}
	if err := field.Validate(len(positions)); err != nil {
		return nil, err
	}

	jigs := make([]Jig, 0, len(d.Jigs))
	for i, jd := range d.Jigs {
		name := jd.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", jd.Type, i)
		}
		jig, err := jd.build(name, positions)
		if err != nil {
			return nil, err
		}
		jigs = append(jigs, jig)
	}
	return NewPart(positions, field, jigs...)
}

func (jd *JigDescription) build(name string, positions []r3.Vector) (Jig, error) {
	atoms := jd.Atoms
	need := func(n int) error {
		if len(atoms) != n {
			return fmt.Errorf("%w: jig %q of type %s needs %d atoms, has %d", ErrInvalidPart, name, jd.Type, n, len(atoms))
		}
		return nil
	}
	switch strings.ToLower(jd.Type) {
	case "ground", "anchor":
		return NewGround(name, atoms...), nil
	case "rotary-motor", "rmotor":
		center := r3.Vector{}
		if jd.Center != nil {
			center = vector(*jd.Center)
		} else if len(atoms) > 0 {
			for _, a := range atoms {
				if a < 0 || a >= len(positions) {
					return nil, fmt.Errorf("%w: jig %q refers to atom %d of %d", ErrInvalidPart, name, a, len(positions))
				}
				center = center.Add(positions[a])
			}
			center = center.Mul(1 / float64(len(atoms)))
		}
		return NewRotaryMotor(name, jd.Torque, center, vector(jd.Axis), atoms...), nil
	case "linear-motor", "lmotor":
		return NewLinearMotor(name, jd.Force, jd.Stiffness, vector(jd.Axis), atoms...), nil
	case "thermometer":
		return NewThermometer(name, atoms...), nil
	case "thermostat", "stat":
		return NewThermostat(name, jd.Temperature, atoms...), nil
	case "angle":
		if err := need(3); err != nil {
			return nil, err
		}
		return NewAngleMeter(name, atoms[0], atoms[1], atoms[2]), nil
	case "dihedral":
		if err := need(4); err != nil {
			return nil, err
		}
		return NewDihedralMeter(name, atoms[0], atoms[1], atoms[2], atoms[3]), nil
	case "radius":
		if err := need(2); err != nil {
			return nil, err
		}
		return NewRadiusMeter(name, atoms[0], atoms[1]), nil
	}
	return nil, fmt.Errorf("%w: jig %q has unknown type %q", ErrInvalidPart, name, jd.Type)
}

// Demo returns a small bent chain of four atoms with its first atom
// grounded, a stretched bond and angle and dihedral meters.
func Demo() *Description {
	return &Description{
		Atoms: [][3]float64{
			{0, 0, 0},
			{180, 0, 0},
			{250, 120, 0},
			{400, 150, 60},
		},
		Bonds: []Bond{
			{A: 0, B: 1, Stiffness: 440, Length: 152.3},
			{A: 1, B: 2, Stiffness: 440, Length: 152.3},
			{A: 2, B: 3, Stiffness: 440, Length: 152.3},
		},
		VDW: []Pair{
			{A: 0, B: 3, Epsilon: 0.0005, Sigma: 340},
		},
		Jigs: []JigDescription{
			{Type: "ground", Name: "anchor", Atoms: []int{0}},
			{Type: "angle", Name: "bend", Atoms: []int{0, 1, 2}},
			{Type: "dihedral", Name: "twist", Atoms: []int{0, 1, 2, 3}},
			{Type: "radius", Name: "span", Atoms: []int{0, 3}},
		},
	}
}
