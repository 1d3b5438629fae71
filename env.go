package flare

import (
	"fmt"
	"math"
)

// Structure holds the atomic positions and species codes of a periodic or
// finite configuration. Positions are Cartesian, species are small integer
// codes chosen by the caller.
type Structure struct {
	Positions [][3]float64 `json:"positions"`
	Species   []int        `json:"species"`
}

// NewStructure pairs positions with species codes.
func NewStructure(positions [][3]float64, species []int) (*Structure, error) {
	if len(positions) != len(species) {
		return nil, fmt.Errorf("flare: %d positions for %d species", len(positions), len(species))
	}
	return &Structure{Positions: positions, Species: species}, nil
}

// AtomicEnvironment describes the local neighborhood of one atom: for every
// neighbor within the two-body cutoff, the bond length, the unit vector
// pointing at the neighbor, and the neighbor's species. Environments are
// immutable after construction.
type AtomicEnvironment struct {
	// Species is the species code of the central atom.
	Species int `json:"species"`

	// BondArray holds one row per neighbor: distance followed by the three
	// unit-vector components. Cartesian component d of bond i is
	// BondArray[i][d] for d in 1..3.
	BondArray [][4]float64 `json:"bond_array_2"`

	// BondSpecies holds the species code of each neighbor, aligned with
	// BondArray.
	BondSpecies []int `json:"bond_species"`

	// Cutoffs records the cutoff radii the environment was built with.
	Cutoffs []float64 `json:"cutoffs"`
}

// NewAtomicEnvironment builds the environment of atom in struc using the
// first cutoff radius for neighbor selection.
func NewAtomicEnvironment(struc *Structure, atom int, cutoffs []float64) (*AtomicEnvironment, error) {
	if atom < 0 || atom >= len(struc.Positions) {
		return nil, fmt.Errorf("flare: atom index %d out of range [0,%d)", atom, len(struc.Positions))
	}
	if len(cutoffs) == 0 {
		return nil, fmt.Errorf("flare: no cutoff radii supplied")
	}
	rCut := cutoffs[0]
	center := struc.Positions[atom]

	env := &AtomicEnvironment{
		Species: struc.Species[atom],
		Cutoffs: append([]float64(nil), cutoffs...),
	}
	for j, pos := range struc.Positions {
		if j == atom {
			continue
		}
		dx := pos[0] - center[0]
		dy := pos[1] - center[1]
		dz := pos[2] - center[2]
		r := math.Sqrt(dx*dx + dy*dy + dz*dz)
		if r == 0 || r > rCut {
			continue
		}
		env.BondArray = append(env.BondArray, [4]float64{r, dx / r, dy / r, dz / r})
		env.BondSpecies = append(env.BondSpecies, struc.Species[j])
	}
	return env, nil
}
