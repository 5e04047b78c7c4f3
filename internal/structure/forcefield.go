package structure

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// ForceField evaluates the interatomic potential.
type ForceField interface {
	// Potential returns the energy of the structure in aJ.
	Potential(positions []r3.Vector) (float64, error)
	// Force adds the force on every atom, in pN, to force.
	Force(positions []r3.Vector, force []r3.Vector) error
}

// Bond is a harmonic stretch term between atoms A and B.
type Bond struct {
	A int `json:"a"`
	B int `json:"b"`
	// Stiffness in N/m.
	Stiffness float64 `json:"stiffness"`
	// Length is the rest length in pm.
	Length float64 `json:"length"`
}

// Pair is a Lennard-Jones interaction between atoms A and B.
type Pair struct {
	A int `json:"a"`
	B int `json:"b"`
	// Epsilon is the well depth in aJ.
	Epsilon float64 `json:"epsilon"`
	// Sigma is the distance in pm where the potential crosses zero.
	Sigma float64 `json:"sigma"`
}

// BondedField is a small reference force field made of harmonic bonds and
// Lennard-Jones pairs.
type BondedField struct {
	Bonds []Bond
	Pairs []Pair
}

// Validate checks that every term refers to one of n atoms.
func (f *BondedField) Validate(n int) error {
	check := func(kind string, i, a, b int) error {
		if a < 0 || a >= n || b < 0 || b >= n || a == b {
			return fmt.Errorf("%w: %s %d joins atoms %d and %d of %d", ErrInvalidPart, kind, i, a, b, n)
		}
		return nil
	}
	for i, bond := range f.Bonds {
		if err := check("bond", i, bond.A, bond.B); err != nil {
			return err
		}
		if bond.Stiffness < 0 || bond.Length < 0 {
			return fmt.Errorf("%w: bond %d has negative stiffness or length", ErrInvalidPart, i)
		}
	}
	for i, pair := range f.Pairs {
		if err := check("pair", i, pair.A, pair.B); err != nil {
			return err
		}
		if pair.Sigma <= 0 {
			return fmt.Errorf("%w: pair %d needs a positive sigma", ErrInvalidPart, i)
		}
	}
	return nil
}

// Potential implements ForceField.
func (f *BondedField) Potential(positions []r3.Vector) (float64, error) {
	potential := 0.0
	for _, bond := range f.Bonds {
		stretch := positions[bond.B].Sub(positions[bond.A]).Norm() - bond.Length
		// N/m · pm² is 1e-6 aJ
		potential += 0.5 * bond.Stiffness * stretch * stretch * 1e-6
	}
	for _, pair := range f.Pairs {
		r := positions[pair.B].Sub(positions[pair.A]).Norm()
		if r == 0 {
			return math.Inf(1), nil
		}
		s6 := math.Pow(pair.Sigma/r, 6)
		potential += 4 * pair.Epsilon * (s6*s6 - s6)
	}
	return potential, nil
}

// Force implements ForceField.
func (f *BondedField) Force(positions []r3.Vector, force []r3.Vector) error {
	if len(force) != len(positions) {
		return fmt.Errorf("force has %d entries for %d atoms", len(force), len(positions))
	}
	for _, bond := range f.Bonds {
		d := positions[bond.B].Sub(positions[bond.A])
		r := d.Norm()
		if r == 0 {
			continue
		}
		// N/m · pm is pN
		fb := d.Mul(-bond.Stiffness * (r - bond.Length) / r)
		force[bond.B] = force[bond.B].Add(fb)
		force[bond.A] = force[bond.A].Sub(fb)
	}
	for _, pair := range f.Pairs {
		d := positions[pair.B].Sub(positions[pair.A])
		r := d.Norm()
		if r == 0 {
			continue
		}
		s6 := math.Pow(pair.Sigma/r, 6)
		// -dV/dr in aJ/pm, 1e6 pN
		magnitude := 24 * pair.Epsilon * (2*s6*s6 - s6) / r * 1e6
		fb := d.Mul(magnitude / r)
		force[pair.B] = force[pair.B].Add(fb)
		force[pair.A] = force[pair.A].Sub(fb)
	}
	return nil
}
