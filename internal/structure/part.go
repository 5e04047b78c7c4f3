// Package structure minimizes the potential energy of a molecular structure.
//
// Positions are in picometres, forces in piconewtons and energies in
// attojoules. A Part's coordinates are laid out as x, y and z for every atom
// followed by the extra degrees of freedom of its jigs, in jig order.
package structure

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r3"
)

// ErrInvalidPart is wrapped by every error describing a malformed part.
var ErrInvalidPart = errors.New("invalid part")

// Part is a structure ready for minimization.
type Part struct {
	// Positions holds the initial atom positions.
	Positions []r3.Vector
	Field     ForceField
	Jigs      []Jig

	grounded  []bool
	jigIndex  []int
	dimension int
}

// NewPart checks the jigs against the atoms and lays out the coordinates. A
// nil field contributes no energy.
func NewPart(positions []r3.Vector, field ForceField, jigs ...Jig) (*Part, error) {
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: no atoms", ErrInvalidPart)
	}
	if field == nil {
		field = &BondedField{}
	}
	p := &Part{
		Positions: append([]r3.Vector(nil), positions...),
		Field:     field,
		Jigs:      jigs,
		grounded:  make([]bool, len(positions)),
		jigIndex:  make([]int, len(jigs)),
	}

	coordinate := 3 * len(positions)
	names := make(map[string]bool, len(jigs))
	for i, jig := range jigs {
		if names[jig.Name()] {
			return nil, fmt.Errorf("%w: duplicate jig name %q", ErrInvalidPart, jig.Name())
		}
		names[jig.Name()] = true
		for _, a := range jig.Atoms() {
			if a < 0 || a >= len(positions) {
				return nil, fmt.Errorf("%w: jig %q refers to atom %d of %d", ErrInvalidPart, jig.Name(), a, len(positions))
			}
		}
		if err := jig.bind(p.Positions); err != nil {
			return nil, fmt.Errorf("%w: jig %q: %v", ErrInvalidPart, jig.Name(), err)
		}
		if _, ok := jig.(*Ground); ok {
			for _, a := range jig.Atoms() {
				p.grounded[a] = true
			}
		}
		p.jigIndex[i] = coordinate
		coordinate += jig.DegreesOfFreedom()
	}
	p.dimension = coordinate
	return p, nil
}

// NumAtoms returns the number of atoms.
func (p *Part) NumAtoms() int {
	return len(p.Positions)
}

// Dimension returns the number of coordinates minimized over.
func (p *Part) Dimension() int {
	return p.dimension
}

// Grounded reports whether atom i is held by a ground.
func (p *Part) Grounded(i int) bool {
	return p.grounded[i]
}

// Coordinates returns the initial coordinate vector, with every jig degree
// of freedom at zero.
func (p *Part) Coordinates() []float64 {
	coordinate := make([]float64, p.dimension)
	for i, v := range p.Positions {
		coordinate[3*i] = v.X
		coordinate[3*i+1] = v.Y
		coordinate[3*i+2] = v.Z
	}
	return coordinate
}

// positions reads the atom positions out of a coordinate vector.
func (p *Part) positions(coordinate []float64) []r3.Vector {
	positions := make([]r3.Vector, len(p.Positions))
	for i := range positions {
		positions[i] = r3.Vector{X: coordinate[3*i], Y: coordinate[3*i+1], Z: coordinate[3*i+2]}
	}
	return positions
}

// store writes atom positions back into a coordinate vector.
func (p *Part) store(coordinate []float64, positions []r3.Vector) {
	for i, v := range positions {
		coordinate[3*i] = v.X
		coordinate[3*i+1] = v.Y
		coordinate[3*i+2] = v.Z
	}
}

// dof returns the slice of coordinate belonging to jig i.
func (p *Part) dof(coordinate []float64, i int) []float64 {
	start := p.jigIndex[i]
	return coordinate[start : start+p.Jigs[i].DegreesOfFreedom()]
}
