package flare

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func newTestGP(t *testing.T, n int, seed int64) *GaussianProcess {
	t.Helper()
	kernels, err := ResolveKernel("two_body", false)
	require.NoError(t, err)
	gp, err := New(Config{
		Kernels: kernels,
		Hyps:    []float64{1, 1, 0.3},
		Cutoffs: []float64{7},
	})
	require.NoError(t, err)

	envs, labels := testEnvs(t, n, 1, seed)
	for i, env := range envs {
		force := [3]float64{labels[3*i], labels[3*i+1], labels[3*i+2]}
		require.NoError(t, gp.AddEnvironment(env, force, false))
	}
	return gp
}

func TestNewConfigValidation(t *testing.T) {
	kernels, err := ResolveKernel("two_body", false)
	require.NoError(t, err)

	_, err = New(Config{Hyps: []float64{1, 1, 0.3}})
	assert.Error(t, err)

	_, err = New(Config{Kernels: kernels, Hyps: []float64{0.3}, Cutoffs: []float64{7}})
	assert.Error(t, err)

	_, err = New(Config{Kernels: kernels, Hyps: []float64{1, 1, 0.3}})
	assert.Error(t, err)

	_, err = New(Config{
		Kernels:   kernels,
		Hyps:      []float64{1, 1, 0.3},
		Cutoffs:   []float64{7},
		Algorithm: "gradient-descent",
	})
	assert.Error(t, err)

	_, err = New(Config{
		Kernels: kernels,
		Hyps:    []float64{1, 1, 0.3},
		Cutoffs: []float64{7},
		Mask:    &HyperMask{NSpec: 0},
	})
	assert.ErrorIs(t, err, ErrMaskConfig)

	gp, err := New(Config{Kernels: kernels, Hyps: []float64{1, 1, 0.3}, Cutoffs: []float64{7}})
	require.NoError(t, err)
	assert.Equal(t, AlgoLBFGSB, gp.Algorithm())
}

func TestComputeFactorsConsistency(t *testing.T) {
	gp := newTestGP(t, 4, 20)
	require.NoError(t, gp.ComputeFactors())

	size := 3 * gp.NumData()
	require.Len(t, gp.fac.alpha, size)

	// L L^T reproduces the covariance matrix.
	var llt mat.Dense
	llt.Mul(gp.fac.lMat, gp.fac.lMat.T())
	for m := 0; m < size; m++ {
		for n := 0; n < size; n++ {
			assert.InDelta(t, gp.fac.kyMat.At(m, n), llt.At(m, n), 1e-8)
		}
	}

	// ky_mat_inv is the true inverse.
	var prod mat.Dense
	prod.Mul(gp.fac.kyInv, gp.fac.kyMat)
	for m := 0; m < size; m++ {
		for n := 0; n < size; n++ {
			want := 0.0
			if m == n {
				want = 1
			}
			assert.InDelta(t, want, prod.At(m, n), 1e-8)
		}
	}

	// alpha solves ky * alpha = labels.
	resid := mat.NewVecDense(size, nil)
	resid.MulVec(gp.fac.kyMat, mat.NewVecDense(size, gp.fac.alpha))
	for m := 0; m < size; m++ {
		assert.InDelta(t, gp.trainingLabels[m], resid.AtVec(m), 1e-8)
	}
}

func TestPredictRequiresFreshFactors(t *testing.T) {
	gp := newTestGP(t, 3, 21)

	_, _, err := gp.Predict(gp.trainingData[0], 1)
	assert.ErrorIs(t, err, ErrStaleFactors)

	require.NoError(t, gp.ComputeFactors())
	_, _, err = gp.Predict(gp.trainingData[0], 1)
	require.NoError(t, err)

	// Adding data invalidates the factorization until the next rebuild.
	envs, _ := testEnvs(t, 1, 1, 22)
	require.NoError(t, gp.AddEnvironment(envs[0], [3]float64{0, 0, 0}, false))
	_, _, err = gp.Predict(gp.trainingData[0], 1)
	assert.ErrorIs(t, err, ErrStaleFactors)

	require.NoError(t, gp.UpdateFactors())
	_, _, err = gp.Predict(gp.trainingData[0], 1)
	assert.NoError(t, err)

	_, _, err = gp.Predict(gp.trainingData[0], 4)
	assert.Error(t, err)
}

func TestUpdateFactorsMatchesFull(t *testing.T) {
	full := newTestGP(t, 5, 23)
	require.NoError(t, full.ComputeFactors())

	grown, err := New(Config{
		Kernels: full.kernels,
		Hyps:    full.Hyps(),
		Cutoffs: []float64{7},
	})
	require.NoError(t, err)
	for i, env := range full.trainingData[:2] {
		force := [3]float64{full.trainingLabels[3*i], full.trainingLabels[3*i+1], full.trainingLabels[3*i+2]}
		require.NoError(t, grown.AddEnvironment(env, force, false))
	}
	require.NoError(t, grown.ComputeFactors())
	for i := 2; i < 5; i++ {
		force := [3]float64{full.trainingLabels[3*i], full.trainingLabels[3*i+1], full.trainingLabels[3*i+2]}
		require.NoError(t, grown.AddEnvironment(full.trainingData[i], force, false))
	}
	require.NoError(t, grown.UpdateFactors())

	size := 3 * full.NumData()
	require.Equal(t, size, grown.fac.size)
	for m := 0; m < size; m++ {
		assert.InDelta(t, full.fac.alpha[m], grown.fac.alpha[m], 1e-8)
		for n := 0; n < size; n++ {
			assert.InDelta(t, full.fac.kyMat.At(m, n), grown.fac.kyMat.At(m, n), 1e-10)
		}
	}
}

func TestPredictVarianceShrinksWithData(t *testing.T) {
	gp := newTestGP(t, 4, 24)
	require.NoError(t, gp.ComputeFactors())

	envs, _ := testEnvs(t, 1, 1, 25)
	query := envs[0]

	_, var1, err := gp.Predict(query, 1)
	require.NoError(t, err)
	assert.Greater(t, var1, -1e-8)

	require.NoError(t, gp.AddEnvironment(query, [3]float64{0.1, -0.2, 0.3}, false))
	require.NoError(t, gp.ComputeFactors())
	_, var2, err := gp.Predict(query, 1)
	require.NoError(t, err)
	assert.Less(t, var2, var1+1e-10)
}

func TestPredictReproducesLabels(t *testing.T) {
	gp := newTestGP(t, 5, 50)
	require.NoError(t, gp.ComputeFactors())

	resid := make([]float64, 0, 3*gp.NumData())
	labels := make([]float64, 0, 3*gp.NumData())
	for i, env := range gp.trainingData {
		for d := 1; d <= 3; d++ {
			mean, _, err := gp.Predict(env, d)
			require.NoError(t, err)
			label := gp.trainingLabels[3*i+d-1]
			resid = append(resid, math.Abs(mean-label))
			labels = append(labels, math.Abs(label))
		}
	}
	// Posterior means at training points shrink toward the labels.
	assert.Less(t, stat.Mean(resid, nil), stat.Mean(labels, nil))
	assert.Less(t, floats.Norm(resid, 2), floats.Norm(labels, 2))
}

func TestEnsureFactors(t *testing.T) {
	gp := newTestGP(t, 3, 51)
	require.NoError(t, gp.EnsureFactors())
	fac := gp.fac

	// A second call with an unchanged training set is a no-op.
	require.NoError(t, gp.EnsureFactors())
	assert.Same(t, fac, gp.fac)

	envs, _ := testEnvs(t, 1, 1, 52)
	require.NoError(t, gp.AddEnvironment(envs[0], [3]float64{1, 0, 0}, false))
	require.NoError(t, gp.EnsureFactors())
	assert.NotSame(t, fac, gp.fac)
	_, _, err := gp.Predict(envs[0], 1)
	assert.NoError(t, err)
}

func TestPredictLocalEnergy(t *testing.T) {
	gp := newTestGP(t, 4, 26)

	_, err := gp.PredictLocalEnergy(gp.trainingData[0])
	assert.ErrorIs(t, err, ErrStaleFactors)

	require.NoError(t, gp.ComputeFactors())
	en, err := gp.PredictLocalEnergy(gp.trainingData[0])
	require.NoError(t, err)
	assert.False(t, math.IsNaN(en))

	mean, variance, err := gp.PredictLocalEnergyVar(gp.trainingData[0])
	require.NoError(t, err)
	assert.InDelta(t, en, mean, 1e-10)
	assert.Greater(t, variance, -1e-8)
}

func TestParallelFactorsMatchSerial(t *testing.T) {
	serial := newTestGP(t, 4, 27)
	require.NoError(t, serial.ComputeFactors())

	parallel, err := New(Config{
		Kernels:  serial.kernels,
		Hyps:     serial.Hyps(),
		Cutoffs:  []float64{7},
		Parallel: true,
		Workers:  4,
	})
	require.NoError(t, err)
	for i, env := range serial.trainingData {
		force := [3]float64{serial.trainingLabels[3*i], serial.trainingLabels[3*i+1], serial.trainingLabels[3*i+2]}
		require.NoError(t, parallel.AddEnvironment(env, force, false))
	}
	require.NoError(t, parallel.ComputeFactors())

	size := 3 * serial.NumData()
	for m := 0; m < size; m++ {
		assert.InDelta(t, serial.fac.alpha[m], parallel.fac.alpha[m], 1e-10)
	}

	mSer, vSer, err := serial.Predict(serial.trainingData[1], 2)
	require.NoError(t, err)
	mPar, vPar, err := parallel.Predict(serial.trainingData[1], 2)
	require.NoError(t, err)
	assert.InDelta(t, mSer, mPar, 1e-10)
	assert.InDelta(t, vSer, vPar, 1e-10)
}

func TestMaskedSingleGroupMatchesPlain(t *testing.T) {
	plain := newTestGP(t, 4, 28)
	require.NoError(t, plain.ComputeFactors())

	sepKernels, err := ResolveKernel("two_body_mc", true)
	require.NoError(t, err)
	masked, err := New(Config{
		Kernels: sepKernels,
		Hyps:    []float64{1, 1, 0.3},
		Cutoffs: []float64{7},
		Mask: &HyperMask{
			NSpec:    1,
			SpecMask: []int{0},
			NBond:    1,
			BondMask: []int{0},
		},
	})
	require.NoError(t, err)
	for i, env := range plain.trainingData {
		force := [3]float64{plain.trainingLabels[3*i], plain.trainingLabels[3*i+1], plain.trainingLabels[3*i+2]}
		require.NoError(t, masked.AddEnvironment(env, force, false))
	}
	require.NoError(t, masked.ComputeFactors())

	mPlain, vPlain, err := plain.Predict(plain.trainingData[0], 3)
	require.NoError(t, err)
	mMasked, vMasked, err := masked.Predict(plain.trainingData[0], 3)
	require.NoError(t, err)
	assert.InDelta(t, mPlain, mMasked, 1e-10)
	assert.InDelta(t, vPlain, vMasked, 1e-10)
}

func TestAddStructure(t *testing.T) {
	gp := newTestGP(t, 0, 0)
	rng := rand.New(rand.NewSource(29))

	positions := make([][3]float64, 3)
	for i := range positions {
		for d := 0; d < 3; d++ {
			positions[i][d] = 2 * rng.Float64()
		}
	}
	struc, err := NewStructure(positions, []int{0, 0, 0})
	require.NoError(t, err)

	err = gp.AddStructure(struc, [][3]float64{{1, 0, 0}})
	assert.Error(t, err)

	forces := [][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	require.NoError(t, gp.AddStructure(struc, forces))
	assert.Equal(t, 3, gp.NumData())
	assert.Len(t, gp.trainingLabels, 9)
	assert.Equal(t, 1.0, gp.trainingLabels[0])
	assert.Equal(t, 1.0, gp.trainingLabels[4])
}

func TestTrain(t *testing.T) {
	gp := newTestGP(t, 4, 30)
	require.NoError(t, gp.Train(nil))

	assert.False(t, math.IsNaN(gp.Likelihood()))
	hyps := gp.Hyps()
	require.Len(t, hyps, 3)
	for _, h := range hyps {
		assert.False(t, math.IsNaN(h))
	}

	// Training leaves the factorization fresh.
	_, _, err := gp.Predict(gp.trainingData[0], 1)
	assert.NoError(t, err)
}

func TestTrainNelderMead(t *testing.T) {
	kernels, err := ResolveKernel("two_body", false)
	require.NoError(t, err)
	gp, err := New(Config{
		Kernels:       kernels,
		Hyps:          []float64{1, 1, 0.3},
		Cutoffs:       []float64{7},
		Algorithm:     AlgoNelderMead,
		MaxIterations: 20,
	})
	require.NoError(t, err)
	envs, labels := testEnvs(t, 3, 1, 31)
	for i, env := range envs {
		force := [3]float64{labels[3*i], labels[3*i+1], labels[3*i+2]}
		require.NoError(t, gp.AddEnvironment(env, force, false))
	}

	require.NoError(t, gp.Train(nil))
	assert.Equal(t, AlgoNelderMead, gp.Algorithm())
	assert.Nil(t, gp.LikelihoodGradient())
}

func TestTrainCustomBounds(t *testing.T) {
	kernels, err := ResolveKernel("two_body", false)
	require.NoError(t, err)
	x0 := []float64{1, 1, 0.3}

	for _, algo := range []Algorithm{AlgoLBFGSB, AlgoBFGS, AlgoNelderMead} {
		t.Run(string(algo), func(t *testing.T) {
			gp, err := New(Config{
				Kernels:   kernels,
				Hyps:      x0,
				Cutoffs:   []float64{7},
				Algorithm: algo,
			})
			require.NoError(t, err)
			envs, labels := testEnvs(t, 3, 1, 60)
			for i, env := range envs {
				force := [3]float64{labels[3*i], labels[3*i+1], labels[3*i+2]}
				require.NoError(t, gp.AddEnvironment(env, force, false))
			}

			opts := DefaultTrainOptions()
			opts.CustomBounds = []Bound{{Min: 5, Max: 10}, {Min: 5, Max: 10}, {Min: 5, Max: 10}}
			require.NoError(t, gp.Train(&opts))

			// The bounded run supersedes the configured strategy: every
			// hyperparameter is pulled from the start point toward the box.
			for i, h := range gp.Hyps() {
				assert.Greater(t, h, x0[i], "hyp %d", i)
			}
			// The superseding run is gradient-based even for nelder-mead.
			assert.NotNil(t, gp.LikelihoodGradient())
		})
	}
}

func TestTrainFallsBackToBFGS(t *testing.T) {
	kernels, err := ResolveKernel("two_body", false)
	require.NoError(t, err)

	// The gradient kernel only evaluates cleanly at the starting point, so
	// every optimizer step hits a factorization failure.
	x0 := []float64{1, 1, 0.3}
	kernels.Grad = func(env1, env2 *AtomicEnvironment, d1, d2 int, hyps, cutoffs []float64, mask *HyperMask) (float64, []float64) {
		if hyps[0] == x0[0] && hyps[1] == x0[1] {
			return TwoBodyGrad(env1, env2, d1, d2, hyps, cutoffs, mask)
		}
		return math.NaN(), []float64{math.NaN(), math.NaN()}
	}

	gp, err := New(Config{
		Kernels: kernels,
		Hyps:    x0,
		Cutoffs: []float64{7},
	})
	require.NoError(t, err)
	envs, _ := testEnvs(t, 3, 1, 32)
	for i, env := range envs {
		require.NoError(t, gp.AddEnvironment(env, [3]float64{5 * float64(i+1), -3, 2}, false))
	}
	require.Equal(t, AlgoLBFGSB, gp.Algorithm())

	opts := DefaultTrainOptions()
	opts.GradTol = 1e-12
	require.NoError(t, gp.Train(&opts))

	// The bounded strategy is abandoned for good.
	assert.Equal(t, AlgoBFGS, gp.Algorithm())
	for _, h := range gp.Hyps() {
		assert.False(t, math.IsNaN(h))
		assert.False(t, math.IsInf(h, 0))
	}
	require.NoError(t, gp.Train(&opts))
	assert.Equal(t, AlgoBFGS, gp.Algorithm())
}

func TestTrainEmptyModel(t *testing.T) {
	gp := newTestGP(t, 0, 0)
	assert.Error(t, gp.Train(nil))
	assert.Error(t, gp.ComputeFactors())
}

func TestString(t *testing.T) {
	gp := newTestGP(t, 2, 33)
	s := gp.String()
	assert.Contains(t, s, "two_body")
	assert.Contains(t, s, "Training points: 2")
}
