package flare

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// parallelFor runs fn(0..n-1) on a bounded worker pool. Each index writes
// only its own slot of the caller's result buffer, so collection order is
// deterministic; the pool is fully drained before returning.
func parallelFor(n, workers int, fn func(int)) {
	var eg errgroup.Group
	eg.SetLimit(workers)
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			fn(i)
			return nil
		})
	}
	// fn has no error path.
	_ = eg.Wait()
}

type covRow struct {
	vals  []float64
	grads [][]float64
}

// buildKyHyp assembles the covariance matrix ky = k + sigma_n^2 I over all
// training force components (three per environment) together with one
// gradient matrix per hyperparameter. The trailing hyperparameter is the
// noise term, whose gradient matrix is 2*sigma_n*I. With a mask, hyps is
// first expanded onto the grouped layout and the gradient stack is mapped
// back onto the optimized slots.
func buildKyHyp(hyps []float64, mask *HyperMask, data []*AtomicEnvironment, kernGrad ForceKernelGrad, cutoffs []float64, workers int) ([]*mat.SymDense, *mat.SymDense) {
	size := 3 * len(data)
	nHyps := len(hyps)

	full := hyps
	if mask != nil {
		full = mask.ExpandHyps(hyps)
	}
	kernHyps := full[:len(full)-1]
	sigmaN := full[len(full)-1]
	noiseSlot := len(full) - 1
	srcOf := func(i int) int {
		if mask != nil && mask.Map != nil {
			return mask.Map[i]
		}
		return i
	}

	// Upper-triangle rows are independent work items.
	rows := make([]covRow, size)
	fill := func(m int) {
		env1 := data[m/3]
		d1 := m%3 + 1
		vals := make([]float64, size-m)
		grads := make([][]float64, size-m)
		for n := m; n < size; n++ {
			v, g := kernGrad(env1, data[n/3], d1, n%3+1, kernHyps, cutoffs, mask)
			vals[n-m] = v
			grads[n-m] = g
		}
		rows[m] = covRow{vals: vals, grads: grads}
	}
	if workers > 1 {
		parallelFor(size, workers, fill)
	} else {
		for m := 0; m < size; m++ {
			fill(m)
		}
	}

	kyMat := mat.NewSymDense(size, nil)
	hypMats := make([]*mat.SymDense, nHyps)
	for i := range hypMats {
		hypMats[i] = mat.NewSymDense(size, nil)
	}
	for m := 0; m < size; m++ {
		for n := m; n < size; n++ {
			kyMat.SetSym(m, n, rows[m].vals[n-m])
			g := rows[m].grads[n-m]
			for i := 0; i < nHyps; i++ {
				if src := srcOf(i); src != noiseSlot {
					hypMats[i].SetSym(m, n, g[src])
				}
			}
		}
	}
	for m := 0; m < size; m++ {
		kyMat.SetSym(m, m, kyMat.At(m, m)+sigmaN*sigmaN)
		for i := 0; i < nHyps; i++ {
			if srcOf(i) == noiseSlot {
				hypMats[i].SetSym(m, m, 2*sigmaN)
			}
		}
	}
	return hypMats, kyMat
}

// kyAndHypMats is the serial covariance builder.
func kyAndHypMats(hyps []float64, data []*AtomicEnvironment, kernGrad ForceKernelGrad, cutoffs []float64) ([]*mat.SymDense, *mat.SymDense) {
	return buildKyHyp(hyps, nil, data, kernGrad, cutoffs, 1)
}

// kyAndHypMatsParallel is the worker-pool covariance builder.
func kyAndHypMatsParallel(hyps []float64, data []*AtomicEnvironment, kernGrad ForceKernelGrad, cutoffs []float64, workers int) ([]*mat.SymDense, *mat.SymDense) {
	return buildKyHyp(hyps, nil, data, kernGrad, cutoffs, workers)
}

// kyAndHypMatsMasked is the serial builder for grouped hyperparameters.
func kyAndHypMatsMasked(hyps []float64, mask *HyperMask, data []*AtomicEnvironment, kernGrad ForceKernelGrad, cutoffs []float64) ([]*mat.SymDense, *mat.SymDense) {
	return buildKyHyp(hyps, mask, data, kernGrad, cutoffs, 1)
}

// kyAndHypMatsMaskedParallel is the worker-pool builder for grouped
// hyperparameters.
func kyAndHypMatsMaskedParallel(hyps []float64, mask *HyperMask, data []*AtomicEnvironment, kernGrad ForceKernelGrad, cutoffs []float64, workers int) ([]*mat.SymDense, *mat.SymDense) {
	return buildKyHyp(hyps, mask, data, kernGrad, cutoffs, workers)
}

// likeAndGrad computes the log marginal likelihood of the labels under the
// covariance matrix, together with its gradient over the hyperparameters:
//
//	like    = -1/2 y^T K^-1 y - 1/2 log|K| - n/2 log(2 pi)
//	dlike_j = 1/2 tr((alpha alpha^T - K^-1) dK/dtheta_j)
func likeAndGrad(kyMat *mat.SymDense, hypMats []*mat.SymDense, labels []float64) (float64, []float64, error) {
	size := len(labels)
	var chol mat.Cholesky
	if !chol.Factorize(kyMat) {
		return 0, nil, fmt.Errorf("likelihood: %dx%d covariance: %w", size, size, ErrNotPositiveDefinite)
	}
	alphaVec := mat.NewVecDense(size, nil)
	if err := chol.SolveVecTo(alphaVec, mat.NewVecDense(size, labels)); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return 0, nil, fmt.Errorf("likelihood solve: %w", ErrNotPositiveDefinite)
		}
	}
	alpha := alphaVec.RawVector().Data

	like := -0.5*floats.Dot(labels, alpha) - 0.5*chol.LogDet() - 0.5*float64(size)*math.Log(2*math.Pi)

	var kyInv mat.SymDense
	if err := chol.InverseTo(&kyInv); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return 0, nil, fmt.Errorf("likelihood inverse: %w", ErrNotPositiveDefinite)
		}
	}

	grad := make([]float64, len(hypMats))
	for j, dk := range hypMats {
		var tr float64
		for m := 0; m < size; m++ {
			for n := 0; n < size; n++ {
				tr += (alpha[m]*alpha[n] - kyInv.At(m, n)) * dk.At(m, n)
			}
		}
		grad[j] = 0.5 * tr
	}
	return like, grad, nil
}

// kernelVector evaluates the covariance between one query environment/
// component and every training force component.
func kernelVector(env *AtomicEnvironment, d int, data []*AtomicEnvironment, kern ForceKernel, hyps, cutoffs []float64, mask *HyperMask, workers int) []float64 {
	size := 3 * len(data)
	kv := make([]float64, size)
	eval := func(m int) {
		kv[m] = kern(env, data[m/3], d, m%3+1, hyps, cutoffs, mask)
	}
	if workers > 1 {
		parallelFor(size, workers, eval)
	} else {
		for m := 0; m < size; m++ {
			eval(m)
		}
	}
	return kv
}

// energyKernelVector evaluates the force/energy cross covariance between
// every training force component and one query environment.
func energyKernelVector(env *AtomicEnvironment, data []*AtomicEnvironment, kern ForceEnergyKernel, hyps, cutoffs []float64, mask *HyperMask, workers int) []float64 {
	size := 3 * len(data)
	kv := make([]float64, size)
	eval := func(m int) {
		kv[m] = kern(data[m/3], env, m%3+1, hyps, cutoffs, mask)
	}
	if workers > 1 {
		parallelFor(size, workers, eval)
	} else {
		for m := 0; m < size; m++ {
			eval(m)
		}
	}
	return kv
}

// kyMatUpdate grows an existing covariance matrix by the rows and columns of
// newly added training entries, evaluating the kernel only between the new
// entries and the full set. The untouched upper-left block is copied as is.
func kyMatUpdate(oldKy *mat.SymDense, oldSize, size int, sigmaN float64, data []*AtomicEnvironment, kvec func(*AtomicEnvironment, int) []float64) *mat.SymDense {
	ky := mat.NewSymDense(size, nil)
	for m := 0; m < oldSize; m++ {
		for n := m; n < oldSize; n++ {
			ky.SetSym(m, n, oldKy.At(m, n))
		}
	}
	for ind := oldSize; ind < size; ind++ {
		kv := kvec(data[ind/3], ind%3+1)
		for j := 0; j < ind; j++ {
			ky.SetSym(j, ind, kv[j])
		}
		ky.SetSym(ind, ind, kv[ind]+sigmaN*sigmaN)
	}
	return ky
}
