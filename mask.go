package flare

import "fmt"

// HyperMask groups hyperparameters by species pair and species triplet so
// that several interaction classes can share one (signal, length) pair.
// SpecMask maps a raw species code to a compact species index below NSpec;
// BondMask, indexed by i1*NSpec+i2 over compact indices, assigns each
// species pair to one of NBond bond-type groups, and TripletMask does the
// same for triplets. The grouped hyperparameter layout is
// [sig_0..sig_{nbond-1}, ls_0..ls_{nbond-1},
//  sig3_0..sig3_{ntriplet-1}, ls3_0..ls3_{ntriplet-1}, noise].
//
// When Map and Original are set, only a subset of the grouped layout is
// optimized: Original is the full grouped vector and Map[i] names the slot
// of Original that optimized hyperparameter i replaces.
type HyperMask struct {
	NSpec       int       `json:"nspec"`
	SpecMask    []int     `json:"spec_mask"`
	NBond       int       `json:"nbond"`
	BondMask    []int     `json:"bond_mask,omitempty"`
	NTriplet    int       `json:"ntriplet"`
	TripletMask []int     `json:"triplet_mask,omitempty"`
	Map         []int     `json:"map,omitempty"`
	Original    []float64 `json:"original,omitempty"`
	Bounds      []Bound   `json:"bounds,omitempty"`
}

// NKernelHyps returns the length of the grouped kernel-hyperparameter
// layout, excluding the trailing noise term.
func (m *HyperMask) NKernelHyps() int {
	return 2 * (m.NBond + m.NTriplet)
}

// Validate checks the mask against the hyperparameter vector it will be used
// with. It runs once at model construction; every violation wraps
// ErrMaskConfig and names the offending key.
func (m *HyperMask) Validate(hyps []float64) error {
	if m.NSpec <= 0 {
		return fmt.Errorf("%w: nspec must be positive, got %d", ErrMaskConfig, m.NSpec)
	}
	if len(m.SpecMask) == 0 {
		return fmt.Errorf("%w: spec_mask is required", ErrMaskConfig)
	}
	for i, s := range m.SpecMask {
		if s < 0 || s >= m.NSpec {
			return fmt.Errorf("%w: spec_mask[%d] = %d out of range [0,%d)", ErrMaskConfig, i, s, m.NSpec)
		}
	}
	if m.NBond > 0 {
		if len(m.BondMask) != m.NSpec*m.NSpec {
			return fmt.Errorf("%w: bond_mask has length %d, want nspec^2 = %d",
				ErrMaskConfig, len(m.BondMask), m.NSpec*m.NSpec)
		}
		for i, b := range m.BondMask {
			if b < 0 || b >= m.NBond {
				return fmt.Errorf("%w: bond_mask[%d] = %d out of range [0,%d)", ErrMaskConfig, i, b, m.NBond)
			}
		}
	}
	if m.NTriplet > 0 {
		if len(m.TripletMask) != m.NSpec*m.NSpec*m.NSpec {
			return fmt.Errorf("%w: triplet_mask has length %d, want nspec^3 = %d",
				ErrMaskConfig, len(m.TripletMask), m.NSpec*m.NSpec*m.NSpec)
		}
		for i, t := range m.TripletMask {
			if t < 0 || t >= m.NTriplet {
				return fmt.Errorf("%w: triplet_mask[%d] = %d out of range [0,%d)", ErrMaskConfig, i, t, m.NTriplet)
			}
		}
	}
	if m.NBond+m.NTriplet <= 0 {
		return fmt.Errorf("%w: at least one of nbond, ntriplet must be positive", ErrMaskConfig)
	}

	full := m.NKernelHyps() + 1
	if m.Map != nil {
		if m.Original == nil {
			return fmt.Errorf("%w: map requires original hyperparameters", ErrMaskConfig)
		}
		if len(m.Original) != full {
			return fmt.Errorf("%w: original has length %d, want 2*(nbond+ntriplet)+1 = %d",
				ErrMaskConfig, len(m.Original), full)
		}
		if len(m.Map) != len(hyps) {
			return fmt.Errorf("%w: map has length %d, want len(hyps) = %d",
				ErrMaskConfig, len(m.Map), len(hyps))
		}
		for i, idx := range m.Map {
			if idx < 0 || idx >= full {
				return fmt.Errorf("%w: map[%d] = %d out of range [0,%d)", ErrMaskConfig, i, idx, full)
			}
		}
	} else if len(hyps) != full {
		return fmt.Errorf("%w: %d hyperparameters, want 2*(nbond+ntriplet)+1 = %d",
			ErrMaskConfig, len(hyps), full)
	}
	if m.Bounds != nil && len(m.Bounds) != len(hyps) {
		return fmt.Errorf("%w: bounds has length %d, want len(hyps) = %d",
			ErrMaskConfig, len(m.Bounds), len(hyps))
	}
	return nil
}

// ExpandHyps maps an optimized hyperparameter vector onto the full grouped
// layout, applying the map/original indirection when present. The result is
// always freshly allocated.
func (m *HyperMask) ExpandHyps(hyps []float64) []float64 {
	if m.Map == nil {
		return append([]float64(nil), hyps...)
	}
	full := append([]float64(nil), m.Original...)
	for i, idx := range m.Map {
		full[idx] = hyps[i]
	}
	return full
}

// bondType resolves the bond-type group of a species pair.
func (m *HyperMask) bondType(spec1, spec2 int) int {
	return m.BondMask[m.SpecMask[spec1]*m.NSpec+m.SpecMask[spec2]]
}
