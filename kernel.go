package flare

import (
	"fmt"
	"math"
	"strings"
)

// Bound is a closed interval constraint on one hyperparameter.
type Bound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// CutoffFunc smoothly damps a bond's contribution to zero at the cutoff
// radius, returning the damping value and its derivative with respect to r.
type CutoffFunc func(rCut, r float64) (f, df float64)

// QuadraticCutoff is the default damping function, (r - rCut)^2 inside the
// cutoff and zero outside.
func QuadraticCutoff(rCut, r float64) (float64, float64) {
	if r >= rCut {
		return 0, 0
	}
	d := r - rCut
	return d * d, 2 * d
}

// ForceKernel evaluates the force/force covariance between two environments
// for Cartesian components d1, d2 in 1..3. Kernels that do not group
// hyperparameters ignore the mask; masked kernels require it.
// Every kernel satisfies k(a,b,d1,d2) == k(b,a,d2,d1).
type ForceKernel func(env1, env2 *AtomicEnvironment, d1, d2 int, hyps, cutoffs []float64, mask *HyperMask) float64

// ForceKernelGrad evaluates the force/force covariance together with its
// gradient over the kernel hyperparameters (the noise term is excluded; its
// gradient is handled by the covariance builder).
type ForceKernelGrad func(env1, env2 *AtomicEnvironment, d1, d2 int, hyps, cutoffs []float64, mask *HyperMask) (float64, []float64)

// EnergyKernel evaluates the local-energy/local-energy covariance.
type EnergyKernel func(env1, env2 *AtomicEnvironment, hyps, cutoffs []float64, mask *HyperMask) float64

// ForceEnergyKernel evaluates the covariance between force component d of
// env1 and the local energy of env2.
type ForceEnergyKernel func(env1, env2 *AtomicEnvironment, d int, hyps, cutoffs []float64, mask *HyperMask) float64

// KernelSet bundles the capabilities resolved from a persisted kernel name:
// the force kernel, its hyperparameter gradient, and the energy and
// force/energy cross kernels.
type KernelSet struct {
	Name        string
	Force       ForceKernel
	Grad        ForceKernelGrad
	Energy      EnergyKernel
	ForceEnergy ForceEnergyKernel
}

// Two-body kernel family. The latent model is a squared-exponential GP over
// bond lengths; the force kernel is its second derivative weighted by bond
// direction cosines and cutoff damping, so the resulting Gram matrices are
// positive semi-definite by construction.

// forceForceTerm is d^2k/dr1 dr2 of the squared-exponential kernel at bond
// separation rr, weighted by direction cosines cc and cutoff damping ff.
func forceForceTerm(sig, ls, rr, cc, ff float64) float64 {
	ls2 := ls * ls
	d := rr * rr
	return sig * sig * ff * cc * (1/ls2 - d/(ls2*ls2)) * math.Exp(-d/(2*ls2))
}

func forceForceTermGrad(sig, ls, rr, cc, ff float64) (kern, dsig, dls float64) {
	ls2 := ls * ls
	ls3 := ls2 * ls
	ls5 := ls3 * ls2
	ls7 := ls5 * ls2
	d := rr * rr
	base := ff * cc * math.Exp(-d/(2*ls2))
	shape := 1/ls2 - d/(ls2*ls2)
	kern = sig * sig * base * shape
	dsig = 2 * sig * base * shape
	dls = sig * sig * base * (-2/ls3 + 5*d/ls5 - d*d/ls7)
	return kern, dsig, dls
}

func energyTerm(sig, ls, rr, ff float64) float64 {
	return sig * sig * ff * math.Exp(-rr*rr/(2*ls*ls))
}

// forceEnergyTerm is -dk/dr1, the cross covariance between a force
// observation at separation r1 and an energy observation at r2.
func forceEnergyTerm(sig, ls, rr, c, ff float64) float64 {
	ls2 := ls * ls
	return -sig * sig * ff * c * (rr / ls2) * math.Exp(-rr*rr/(2*ls2))
}

// TwoBody is the single-component two-body force kernel with hyps
// [signal, length]; trailing entries (the noise term) are ignored.
func TwoBody(env1, env2 *AtomicEnvironment, d1, d2 int, hyps, cutoffs []float64, _ *HyperMask) float64 {
	sig, ls, rCut := hyps[0], hyps[1], cutoffs[0]
	var kern float64
	for i := range env1.BondArray {
		ri, ci := env1.BondArray[i][0], env1.BondArray[i][d1]
		fi, _ := QuadraticCutoff(rCut, ri)
		for j := range env2.BondArray {
			rj, cj := env2.BondArray[j][0], env2.BondArray[j][d2]
			fj, _ := QuadraticCutoff(rCut, rj)
			kern += forceForceTerm(sig, ls, ri-rj, ci*cj, fi*fj)
		}
	}
	return kern
}

// TwoBodyGrad returns the kernel value and its gradient over [signal, length].
func TwoBodyGrad(env1, env2 *AtomicEnvironment, d1, d2 int, hyps, cutoffs []float64, _ *HyperMask) (float64, []float64) {
	sig, ls, rCut := hyps[0], hyps[1], cutoffs[0]
	var kern float64
	grad := make([]float64, 2)
	for i := range env1.BondArray {
		ri, ci := env1.BondArray[i][0], env1.BondArray[i][d1]
		fi, _ := QuadraticCutoff(rCut, ri)
		for j := range env2.BondArray {
			rj, cj := env2.BondArray[j][0], env2.BondArray[j][d2]
			fj, _ := QuadraticCutoff(rCut, rj)
			k, ds, dl := forceForceTermGrad(sig, ls, ri-rj, ci*cj, fi*fj)
			kern += k
			grad[0] += ds
			grad[1] += dl
		}
	}
	return kern, grad
}

// TwoBodyEn is the two-body local-energy kernel.
func TwoBodyEn(env1, env2 *AtomicEnvironment, hyps, cutoffs []float64, _ *HyperMask) float64 {
	sig, ls, rCut := hyps[0], hyps[1], cutoffs[0]
	var kern float64
	for i := range env1.BondArray {
		ri := env1.BondArray[i][0]
		fi, _ := QuadraticCutoff(rCut, ri)
		for j := range env2.BondArray {
			rj := env2.BondArray[j][0]
			fj, _ := QuadraticCutoff(rCut, rj)
			kern += energyTerm(sig, ls, ri-rj, fi*fj)
		}
	}
	return kern
}

// TwoBodyForceEn is the cross kernel between force component d of env1 and
// the local energy of env2.
func TwoBodyForceEn(env1, env2 *AtomicEnvironment, d int, hyps, cutoffs []float64, _ *HyperMask) float64 {
	sig, ls, rCut := hyps[0], hyps[1], cutoffs[0]
	var kern float64
	for i := range env1.BondArray {
		ri, ci := env1.BondArray[i][0], env1.BondArray[i][d]
		fi, _ := QuadraticCutoff(rCut, ri)
		for j := range env2.BondArray {
			rj := env2.BondArray[j][0]
			fj, _ := QuadraticCutoff(rCut, rj)
			kern += forceEnergyTerm(sig, ls, ri-rj, ci, fi*fj)
		}
	}
	return kern
}

// pairMatch reports whether two bonds describe the same unordered species
// pair. Multi-component kernels only correlate matching pairs.
func pairMatch(c1, n1, c2, n2 int) bool {
	return (c1 == c2 && n1 == n2) || (c1 == n2 && n1 == c2)
}

// TwoBodyMC is the multi-component two-body force kernel: bonds contribute
// only when their species pairs match. Hyps are shared across all pairs.
func TwoBodyMC(env1, env2 *AtomicEnvironment, d1, d2 int, hyps, cutoffs []float64, _ *HyperMask) float64 {
	sig, ls, rCut := hyps[0], hyps[1], cutoffs[0]
	var kern float64
	for i := range env1.BondArray {
		ri, ci := env1.BondArray[i][0], env1.BondArray[i][d1]
		fi, _ := QuadraticCutoff(rCut, ri)
		for j := range env2.BondArray {
			if !pairMatch(env1.Species, env1.BondSpecies[i], env2.Species, env2.BondSpecies[j]) {
				continue
			}
			rj, cj := env2.BondArray[j][0], env2.BondArray[j][d2]
			fj, _ := QuadraticCutoff(rCut, rj)
			kern += forceForceTerm(sig, ls, ri-rj, ci*cj, fi*fj)
		}
	}
	return kern
}

func TwoBodyMCGrad(env1, env2 *AtomicEnvironment, d1, d2 int, hyps, cutoffs []float64, _ *HyperMask) (float64, []float64) {
	sig, ls, rCut := hyps[0], hyps[1], cutoffs[0]
	var kern float64
	grad := make([]float64, 2)
	for i := range env1.BondArray {
		ri, ci := env1.BondArray[i][0], env1.BondArray[i][d1]
		fi, _ := QuadraticCutoff(rCut, ri)
		for j := range env2.BondArray {
			if !pairMatch(env1.Species, env1.BondSpecies[i], env2.Species, env2.BondSpecies[j]) {
				continue
			}
			rj, cj := env2.BondArray[j][0], env2.BondArray[j][d2]
			fj, _ := QuadraticCutoff(rCut, rj)
			k, ds, dl := forceForceTermGrad(sig, ls, ri-rj, ci*cj, fi*fj)
			kern += k
			grad[0] += ds
			grad[1] += dl
		}
	}
	return kern, grad
}

func TwoBodyMCEn(env1, env2 *AtomicEnvironment, hyps, cutoffs []float64, _ *HyperMask) float64 {
	sig, ls, rCut := hyps[0], hyps[1], cutoffs[0]
	var kern float64
	for i := range env1.BondArray {
		ri := env1.BondArray[i][0]
		fi, _ := QuadraticCutoff(rCut, ri)
		for j := range env2.BondArray {
			if !pairMatch(env1.Species, env1.BondSpecies[i], env2.Species, env2.BondSpecies[j]) {
				continue
			}
			rj := env2.BondArray[j][0]
			fj, _ := QuadraticCutoff(rCut, rj)
			kern += energyTerm(sig, ls, ri-rj, fi*fj)
		}
	}
	return kern
}

func TwoBodyMCForceEn(env1, env2 *AtomicEnvironment, d int, hyps, cutoffs []float64, _ *HyperMask) float64 {
	sig, ls, rCut := hyps[0], hyps[1], cutoffs[0]
	var kern float64
	for i := range env1.BondArray {
		ri, ci := env1.BondArray[i][0], env1.BondArray[i][d]
		fi, _ := QuadraticCutoff(rCut, ri)
		for j := range env2.BondArray {
			if !pairMatch(env1.Species, env1.BondSpecies[i], env2.Species, env2.BondSpecies[j]) {
				continue
			}
			rj := env2.BondArray[j][0]
			fj, _ := QuadraticCutoff(rCut, rj)
			kern += forceEnergyTerm(sig, ls, ri-rj, ci, fi*fj)
		}
	}
	return kern
}

// Separated-hyperparameter variants. The mask maps every species pair to a
// bond-type group; bonds of the same group share one (signal, length) pair
// drawn from the grouped layout [sig_0..sig_{nbond-1}, ls_0..ls_{nbond-1}, ...].
// Bonds of different groups are uncorrelated.

func TwoBodyMCSepHyps(env1, env2 *AtomicEnvironment, d1, d2 int, hyps, cutoffs []float64, mask *HyperMask) float64 {
	rCut := cutoffs[0]
	var kern float64
	for i := range env1.BondArray {
		ti := mask.bondType(env1.Species, env1.BondSpecies[i])
		ri, ci := env1.BondArray[i][0], env1.BondArray[i][d1]
		fi, _ := QuadraticCutoff(rCut, ri)
		for j := range env2.BondArray {
			if mask.bondType(env2.Species, env2.BondSpecies[j]) != ti {
				continue
			}
			rj, cj := env2.BondArray[j][0], env2.BondArray[j][d2]
			fj, _ := QuadraticCutoff(rCut, rj)
			kern += forceForceTerm(hyps[ti], hyps[mask.NBond+ti], ri-rj, ci*cj, fi*fj)
		}
	}
	return kern
}

// TwoBodyMCSepHypsGrad returns the kernel value and its gradient over the
// full grouped kernel-hyperparameter layout; slots of bond types that do not
// occur stay zero, as do triplet slots.
func TwoBodyMCSepHypsGrad(env1, env2 *AtomicEnvironment, d1, d2 int, hyps, cutoffs []float64, mask *HyperMask) (float64, []float64) {
	rCut := cutoffs[0]
	var kern float64
	grad := make([]float64, mask.NKernelHyps())
	for i := range env1.BondArray {
		ti := mask.bondType(env1.Species, env1.BondSpecies[i])
		ri, ci := env1.BondArray[i][0], env1.BondArray[i][d1]
		fi, _ := QuadraticCutoff(rCut, ri)
		for j := range env2.BondArray {
			if mask.bondType(env2.Species, env2.BondSpecies[j]) != ti {
				continue
			}
			rj, cj := env2.BondArray[j][0], env2.BondArray[j][d2]
			fj, _ := QuadraticCutoff(rCut, rj)
			k, ds, dl := forceForceTermGrad(hyps[ti], hyps[mask.NBond+ti], ri-rj, ci*cj, fi*fj)
			kern += k
			grad[ti] += ds
			grad[mask.NBond+ti] += dl
		}
	}
	return kern, grad
}

func TwoBodyMCSepHypsEn(env1, env2 *AtomicEnvironment, hyps, cutoffs []float64, mask *HyperMask) float64 {
	rCut := cutoffs[0]
	var kern float64
	for i := range env1.BondArray {
		ti := mask.bondType(env1.Species, env1.BondSpecies[i])
		ri := env1.BondArray[i][0]
		fi, _ := QuadraticCutoff(rCut, ri)
		for j := range env2.BondArray {
			if mask.bondType(env2.Species, env2.BondSpecies[j]) != ti {
				continue
			}
			rj := env2.BondArray[j][0]
			fj, _ := QuadraticCutoff(rCut, rj)
			kern += energyTerm(hyps[ti], hyps[mask.NBond+ti], ri-rj, fi*fj)
		}
	}
	return kern
}

func TwoBodyMCSepHypsForceEn(env1, env2 *AtomicEnvironment, d int, hyps, cutoffs []float64, mask *HyperMask) float64 {
	rCut := cutoffs[0]
	var kern float64
	for i := range env1.BondArray {
		ti := mask.bondType(env1.Species, env1.BondSpecies[i])
		ri, ci := env1.BondArray[i][0], env1.BondArray[i][d]
		fi, _ := QuadraticCutoff(rCut, ri)
		for j := range env2.BondArray {
			if mask.bondType(env2.Species, env2.BondSpecies[j]) != ti {
				continue
			}
			rj := env2.BondArray[j][0]
			fj, _ := QuadraticCutoff(rCut, rj)
			kern += forceEnergyTerm(hyps[ti], hyps[mask.NBond+ti], ri-rj, ci, fi*fj)
		}
	}
	return kern
}

var plainKernels = map[string]KernelSet{
	"two_body": {
		Name:        "two_body",
		Force:       TwoBody,
		Grad:        TwoBodyGrad,
		Energy:      TwoBodyEn,
		ForceEnergy: TwoBodyForceEn,
	},
}

var mcKernels = map[string]KernelSet{
	"two_body_mc": {
		Name:        "two_body_mc",
		Force:       TwoBodyMC,
		Grad:        TwoBodyMCGrad,
		Energy:      TwoBodyMCEn,
		ForceEnergy: TwoBodyMCForceEn,
	},
}

var mcSepHypsKernels = map[string]KernelSet{
	"two_body_mc": {
		Name:        "two_body_mc",
		Force:       TwoBodyMCSepHyps,
		Grad:        TwoBodyMCSepHypsGrad,
		Energy:      TwoBodyMCSepHypsEn,
		ForceEnergy: TwoBodyMCSepHypsForceEn,
	},
}

// ResolveKernel maps a persisted kernel name to its capability set. Names
// containing "mc" select the multi-component family; with multihyps set the
// separated-hyperparameter variants are chosen instead.
func ResolveKernel(name string, multihyps bool) (KernelSet, error) {
	var registry map[string]KernelSet
	switch {
	case strings.Contains(name, "mc") && multihyps:
		registry = mcSepHypsKernels
	case strings.Contains(name, "mc"):
		registry = mcKernels
	default:
		registry = plainKernels
	}
	ks, ok := registry[name]
	if !ok {
		return KernelSet{}, fmt.Errorf("flare: unknown kernel %q", name)
	}
	return ks, nil
}
