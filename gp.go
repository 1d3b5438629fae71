// Package flare implements Gaussian process regression on atomic
// environments for machine-learned interatomic potentials. A model is
// trained on atomic forces, predicts force components and local energies
// with uncertainties, and fits its kernel hyperparameters by maximizing
// the log marginal likelihood.
package flare

import (
	"fmt"
	"math"
	"runtime"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Algorithm names a hyperparameter optimization strategy.
type Algorithm string

const (
	// AlgoLBFGSB runs quasi-Newton minimization with box bounds on the
	// hyperparameters. On a linear-algebra failure the model permanently
	// switches itself to AlgoBFGS.
	AlgoLBFGSB Algorithm = "L-BFGS-B"
	// AlgoBFGS runs unconstrained quasi-Newton minimization.
	AlgoBFGS Algorithm = "BFGS"
	// AlgoNelderMead runs gradient-free simplex minimization.
	AlgoNelderMead Algorithm = "nelder-mead"
)

// Config collects the settings for a new GaussianProcess.
type Config struct {
	// Kernels supplies the covariance functions. Resolve one by name
	// with ResolveKernel, or assemble a custom set.
	Kernels KernelSet
	// Hyps is the initial hyperparameter vector. The last entry is
	// always the noise standard deviation.
	Hyps []float64
	// HypLabels optionally names each hyperparameter for logging.
	HypLabels []string
	// Cutoffs are the interaction radii passed to every kernel call.
	Cutoffs []float64
	// Algorithm selects the training strategy. Defaults to AlgoLBFGSB.
	Algorithm Algorithm
	// MaxIterations bounds each optimizer run. Defaults to 10.
	MaxIterations int
	// Parallel enables the worker pool for covariance assembly and
	// kernel vectors.
	Parallel bool
	// Workers sizes the pool. Zero means one worker per CPU.
	Workers int
	// Mask optionally groups hyperparameters by species pair or triplet.
	Mask *HyperMask
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// GaussianProcess is a force-trained GP regression model. Each training
// environment contributes three force components to the label vector, so
// the covariance structures have side 3N for N environments.
//
// The Cholesky factorization and derived quantities are rebuilt together
// and never mixed across training-set versions: predictions return
// ErrStaleFactors after the training set changes until ComputeFactors or
// UpdateFactors runs.
type GaussianProcess struct {
	kernels   KernelSet
	hyps      []float64
	hypLabels []string
	cutoffs   []float64
	algo      Algorithm
	maxIter   int
	parallel  bool
	workers   int
	mask      *HyperMask
	log       *zap.Logger

	trainingData   []*AtomicEnvironment
	trainingLabels []float64

	fac   *factors
	stale bool

	likelihood     float64
	likelihoodGrad []float64
}

// factors holds the quantities derived from one covariance matrix. They
// are built together from a single factorization and replaced atomically.
type factors struct {
	size    int
	kyMat   *mat.SymDense
	lMat    *mat.TriDense
	lMatInv *mat.TriDense
	kyInv   *mat.SymDense
	alpha   []float64
}

func newFactors(ky *mat.SymDense, size int, labels []float64) (*factors, error) {
	var chol mat.Cholesky
	if !chol.Factorize(ky) {
		return nil, fmt.Errorf("factorize %dx%d covariance: %w", size, size, ErrNotPositiveDefinite)
	}
	f := &factors{size: size, kyMat: ky}
	f.lMat = mat.NewTriDense(size, mat.Lower, nil)
	chol.LTo(f.lMat)
	f.lMatInv = mat.NewTriDense(size, mat.Lower, nil)
	if err := f.lMatInv.InverseTri(f.lMat); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return nil, fmt.Errorf("invert Cholesky factor: %w", ErrNotPositiveDefinite)
		}
	}
	f.kyInv = &mat.SymDense{}
	if err := chol.InverseTo(f.kyInv); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return nil, fmt.Errorf("invert covariance: %w", ErrNotPositiveDefinite)
		}
	}
	alphaVec := mat.NewVecDense(size, nil)
	if err := chol.SolveVecTo(alphaVec, mat.NewVecDense(size, labels)); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return nil, fmt.Errorf("solve for alpha: %w", ErrNotPositiveDefinite)
		}
	}
	f.alpha = alphaVec.RawVector().Data
	return f, nil
}

// New constructs a GaussianProcess from cfg. The hyperparameters are
// validated against the mask when one is set.
func New(cfg Config) (*GaussianProcess, error) {
	if cfg.Kernels.Force == nil || cfg.Kernels.Grad == nil {
		return nil, fmt.Errorf("flare: config needs force and gradient kernels")
	}
	if len(cfg.Hyps) < 2 {
		return nil, fmt.Errorf("flare: need at least one kernel hyperparameter plus noise, got %d", len(cfg.Hyps))
	}
	if len(cfg.Cutoffs) == 0 {
		return nil, fmt.Errorf("flare: no cutoff radii supplied")
	}
	if cfg.Mask != nil {
		if err := cfg.Mask.Validate(cfg.Hyps); err != nil {
			return nil, err
		}
	}
	algo := cfg.Algorithm
	if algo == "" {
		algo = AlgoLBFGSB
	}
	switch algo {
	case AlgoLBFGSB, AlgoBFGS, AlgoNelderMead:
	default:
		return nil, fmt.Errorf("flare: unknown training algorithm %q", algo)
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 10
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gp := &GaussianProcess{
		kernels:   cfg.Kernels,
		hyps:      append([]float64(nil), cfg.Hyps...),
		hypLabels: append([]string(nil), cfg.HypLabels...),
		cutoffs:   append([]float64(nil), cfg.Cutoffs...),
		algo:      algo,
		maxIter:   maxIter,
		parallel:  cfg.Parallel,
		workers:   workers,
		mask:      cfg.Mask,
		log:       logger,
	}
	return gp, nil
}

// NumData returns the number of training environments.
func (gp *GaussianProcess) NumData() int { return len(gp.trainingData) }

// Hyps returns a copy of the current hyperparameter vector.
func (gp *GaussianProcess) Hyps() []float64 {
	return append([]float64(nil), gp.hyps...)
}

// Algorithm returns the current training strategy. Train may change it
// when the bounded optimizer hits a linear-algebra failure.
func (gp *GaussianProcess) Algorithm() Algorithm { return gp.algo }

// Likelihood returns the log marginal likelihood recorded by the last
// Train call.
func (gp *GaussianProcess) Likelihood() float64 { return gp.likelihood }

// LikelihoodGradient returns the gradient recorded by the last Train
// call, or nil for gradient-free strategies.
func (gp *GaussianProcess) LikelihoodGradient() []float64 {
	return append([]float64(nil), gp.likelihoodGrad...)
}

// fullHyps expands an optimized hyperparameter vector onto the layout the
// kernels consume.
func (gp *GaussianProcess) fullHyps(x []float64) []float64 {
	if gp.mask != nil {
		return gp.mask.ExpandHyps(x)
	}
	return append([]float64(nil), x...)
}

// noise returns the noise standard deviation implied by x.
func (gp *GaussianProcess) noise(x []float64) float64 {
	full := gp.fullHyps(x)
	return full[len(full)-1]
}

// flattenForces concatenates 3-vectors row-major into a flat label vector.
func flattenForces(forces [][3]float64) []float64 {
	flat := make([]float64, 0, 3*len(forces))
	for _, f := range forces {
		flat = append(flat, f[0], f[1], f[2])
	}
	return flat
}

// AddStructure cuts atoms of struc into local environments and adds them to
// the training set with their force labels. With no explicit indices every
// atom is added. The factorization becomes stale until the next
// ComputeFactors or UpdateFactors.
func (gp *GaussianProcess) AddStructure(struc *Structure, forces [][3]float64, atoms ...int) error {
	if len(forces) != len(struc.Positions) {
		return fmt.Errorf("flare: %d forces for %d atoms", len(forces), len(struc.Positions))
	}
	if len(atoms) == 0 {
		atoms = make([]int, len(struc.Positions))
		for i := range atoms {
			atoms[i] = i
		}
	}
	selected := make([][3]float64, 0, len(atoms))
	for _, i := range atoms {
		env, err := NewAtomicEnvironment(struc, i, gp.cutoffs)
		if err != nil {
			return err
		}
		gp.trainingData = append(gp.trainingData, env)
		selected = append(selected, forces[i])
	}
	gp.trainingLabels = append(gp.trainingLabels, flattenForces(selected)...)
	gp.stale = true
	return nil
}

// AddEnvironment adds a single labeled environment. When train is set the
// model immediately re-optimizes its hyperparameters.
func (gp *GaussianProcess) AddEnvironment(env *AtomicEnvironment, force [3]float64, train bool) error {
	gp.trainingData = append(gp.trainingData, env)
	gp.trainingLabels = append(gp.trainingLabels, force[0], force[1], force[2])
	gp.stale = true
	if train {
		return gp.Train(nil)
	}
	return nil
}

// buildCovariance assembles the covariance matrix and per-hyperparameter
// gradient matrices for the current training set under x.
func (gp *GaussianProcess) buildCovariance(x []float64) ([]*mat.SymDense, *mat.SymDense) {
	workers := 1
	if gp.parallel {
		workers = gp.workers
	}
	if gp.mask != nil {
		if workers > 1 {
			return kyAndHypMatsMaskedParallel(x, gp.mask, gp.trainingData, gp.kernels.Grad, gp.cutoffs, workers)
		}
		return kyAndHypMatsMasked(x, gp.mask, gp.trainingData, gp.kernels.Grad, gp.cutoffs)
	}
	if workers > 1 {
		return kyAndHypMatsParallel(x, gp.trainingData, gp.kernels.Grad, gp.cutoffs, workers)
	}
	return kyAndHypMats(x, gp.trainingData, gp.kernels.Grad, gp.cutoffs)
}

// kernelVec evaluates the covariance between a query component and every
// training force component under the current hyperparameters.
func (gp *GaussianProcess) kernelVec(env *AtomicEnvironment, d int) []float64 {
	full := gp.fullHyps(gp.hyps)
	workers := 1
	if gp.parallel {
		workers = gp.workers
	}
	return kernelVector(env, d, gp.trainingData, gp.kernels.Force, full[:len(full)-1], gp.cutoffs, gp.mask, workers)
}

func (gp *GaussianProcess) energyKernelVec(env *AtomicEnvironment) []float64 {
	full := gp.fullHyps(gp.hyps)
	workers := 1
	if gp.parallel {
		workers = gp.workers
	}
	return energyKernelVector(env, gp.trainingData, gp.kernels.ForceEnergy, full[:len(full)-1], gp.cutoffs, gp.mask, workers)
}

// ComputeFactors rebuilds the covariance matrix and every derived
// quantity from scratch under the current hyperparameters, refreshing the
// stored likelihood and its gradient along the way.
func (gp *GaussianProcess) ComputeFactors() error {
	if len(gp.trainingData) == 0 {
		return fmt.Errorf("flare: empty training set")
	}
	hypMats, ky := gp.buildCovariance(gp.hyps)
	like, grad, err := likeAndGrad(ky, hypMats, gp.trainingLabels)
	if err != nil {
		return err
	}
	fac, err := newFactors(ky, 3*len(gp.trainingData), gp.trainingLabels)
	if err != nil {
		return err
	}
	gp.fac = fac
	gp.stale = false
	gp.likelihood = like
	gp.likelihoodGrad = grad
	return nil
}

// UpdateFactors grows the covariance matrix by the environments added
// since the last factorization, evaluating kernels only against the new
// rows, then refactorizes. The stored likelihood is not refreshed; call
// Train to update it.
func (gp *GaussianProcess) UpdateFactors() error {
	size := 3 * len(gp.trainingData)
	if gp.fac == nil || gp.fac.size > size {
		return gp.ComputeFactors()
	}
	if gp.fac.size == size {
		gp.stale = false
		return nil
	}
	ky := kyMatUpdate(gp.fac.kyMat, gp.fac.size, size, gp.noise(gp.hyps), gp.trainingData, gp.kernelVec)
	fac, err := newFactors(ky, size, gp.trainingLabels)
	if err != nil {
		return err
	}
	gp.fac = fac
	gp.stale = false
	return nil
}

// EnsureFactors rebuilds the factorization only if it is missing or out
// of date with the training set.
func (gp *GaussianProcess) EnsureFactors() error {
	if gp.fac == nil || gp.stale || gp.fac.size != 3*len(gp.trainingData) {
		return gp.ComputeFactors()
	}
	return nil
}

func (gp *GaussianProcess) checkFactors() error {
	if gp.fac == nil || gp.stale || gp.fac.size != 3*len(gp.trainingData) {
		return ErrStaleFactors
	}
	return nil
}

// Predict returns the mean and variance of force component d (1, 2 or 3)
// on env.
func (gp *GaussianProcess) Predict(env *AtomicEnvironment, d int) (mean, variance float64, err error) {
	if d < 1 || d > 3 {
		return 0, 0, fmt.Errorf("flare: force component %d out of range [1,3]", d)
	}
	if err := gp.checkFactors(); err != nil {
		return 0, 0, err
	}
	kv := gp.kernelVec(env, d)
	mean = floats.Dot(kv, gp.fac.alpha)

	full := gp.fullHyps(gp.hyps)
	self := gp.kernels.Force(env, env, d, d, full[:len(full)-1], gp.cutoffs, gp.mask)
	kvVec := mat.NewVecDense(len(kv), kv)
	tmp := mat.NewVecDense(len(kv), nil)
	tmp.MulVec(gp.fac.kyInv, kvVec)
	variance = self - mat.Dot(kvVec, tmp)
	return mean, variance, nil
}

// PredictLocalEnergy returns the mean local energy of env.
func (gp *GaussianProcess) PredictLocalEnergy(env *AtomicEnvironment) (float64, error) {
	if gp.kernels.ForceEnergy == nil {
		return 0, fmt.Errorf("flare: kernel set %q has no force/energy kernel", gp.kernels.Name)
	}
	if err := gp.checkFactors(); err != nil {
		return 0, err
	}
	kv := gp.energyKernelVec(env)
	return floats.Dot(kv, gp.fac.alpha), nil
}

// PredictLocalEnergyVar returns the mean and variance of the local energy
// of env. The variance uses the triangular solve L v = k rather than the
// full inverse.
func (gp *GaussianProcess) PredictLocalEnergyVar(env *AtomicEnvironment) (mean, variance float64, err error) {
	if gp.kernels.ForceEnergy == nil || gp.kernels.Energy == nil {
		return 0, 0, fmt.Errorf("flare: kernel set %q has no energy kernels", gp.kernels.Name)
	}
	if err := gp.checkFactors(); err != nil {
		return 0, 0, err
	}
	kv := gp.energyKernelVec(env)
	mean = floats.Dot(kv, gp.fac.alpha)

	full := gp.fullHyps(gp.hyps)
	self := gp.kernels.Energy(env, env, full[:len(full)-1], gp.cutoffs, gp.mask)
	v := mat.NewVecDense(len(kv), nil)
	if err := v.SolveVec(gp.fac.lMat, mat.NewVecDense(len(kv), kv)); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return 0, 0, fmt.Errorf("energy variance solve: %w", ErrNotPositiveDefinite)
		}
	}
	variance = self - mat.Dot(v, v)
	return mean, variance, nil
}

// TrainOptions tunes a Train call. The zero value is not useful; start
// from DefaultTrainOptions.
type TrainOptions struct {
	// GradTol is the gradient-norm convergence threshold for the
	// quasi-Newton strategies.
	GradTol float64
	// XTol is the absolute function convergence threshold for
	// nelder-mead.
	XTol float64
	// LineSteps bounds the objective evaluations per major iteration; the
	// total evaluation budget is LineSteps times the iteration limit.
	LineSteps int
	// CustomBounds, when set, runs the bounded method with these bounds
	// regardless of the configured algorithm, superseding its result.
	CustomBounds []Bound
}

// DefaultTrainOptions returns the standard training tolerances.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{GradTol: 1e-4, XTol: 1e-5, LineSteps: 20}
}

// likeObjective adapts the negative log marginal likelihood for the
// optimizer. Func and Grad share one evaluation per point, and bounds
// are enforced with a quartic penalty outside the box. A linear-algebra
// failure is recorded and the objective returns +Inf for that point.
type likeObjective struct {
	gp     *GaussianProcess
	bounds []Bound

	lastX    []float64
	lastF    float64
	lastGrad []float64
	err      error
}

func (o *likeObjective) eval(x []float64) {
	if o.lastX != nil && floats.Equal(o.lastX, x) {
		return
	}
	o.lastX = append(o.lastX[:0], x...)
	if o.lastGrad == nil {
		o.lastGrad = make([]float64, len(x))
	}

	hypMats, kyMat := o.gp.buildCovariance(x)
	like, grad, err := likeAndGrad(kyMat, hypMats, o.gp.trainingLabels)
	if err != nil {
		o.err = err
		o.lastF = math.Inf(1)
		for i := range o.lastGrad {
			o.lastGrad[i] = 0
		}
		return
	}
	o.lastF = -like
	for i := range grad {
		o.lastGrad[i] = -grad[i]
	}
	for i, b := range o.bounds {
		if i >= len(x) {
			break
		}
		if diff := b.Min - x[i]; diff > 0 {
			o.lastF += math.Pow(diff, 4)
			o.lastGrad[i] -= 4 * math.Pow(diff, 3)
		}
		if diff := x[i] - b.Max; diff > 0 && !math.IsInf(b.Max, 1) {
			o.lastF += math.Pow(diff, 4)
			o.lastGrad[i] += 4 * math.Pow(diff, 3)
		}
	}
}

func (o *likeObjective) Func(x []float64) float64 {
	o.eval(x)
	return o.lastF
}

func (o *likeObjective) Grad(grad, x []float64) {
	o.eval(x)
	copy(grad, o.lastGrad)
}

// defaultBounds keeps every hyperparameter positive during bounded
// optimization. A mask may override them.
func (gp *GaussianProcess) defaultBounds() []Bound {
	if gp.mask != nil && len(gp.mask.Bounds) == len(gp.hyps) {
		return gp.mask.Bounds
	}
	bounds := make([]Bound, len(gp.hyps))
	for i := range bounds {
		bounds[i] = Bound{Min: 1e-6, Max: math.Inf(1)}
	}
	return bounds
}

func (gp *GaussianProcess) minimize(x0 []float64, bounds []Bound, method optimize.Method, opts TrainOptions) (*optimize.Result, *likeObjective, error) {
	obj := &likeObjective{gp: gp, bounds: bounds}
	problem := optimize.Problem{Func: obj.Func}
	settings := &optimize.Settings{MajorIterations: gp.maxIter}
	if opts.LineSteps > 0 {
		settings.FuncEvaluations = gp.maxIter * opts.LineSteps
	}
	if _, simplex := method.(*optimize.NelderMead); simplex {
		settings.Converger = &optimize.FunctionConverge{
			Absolute:   opts.XTol,
			Iterations: gp.maxIter,
		}
	} else {
		problem.Grad = obj.Grad
		settings.GradientThreshold = opts.GradTol
	}
	res, err := optimize.Minimize(problem, x0, settings, method)
	return res, obj, err
}

// Train maximizes the log marginal likelihood over the hyperparameters
// using the configured strategy, then rebuilds the factorization at the
// optimum and records the likelihood and its gradient.
//
// Under AlgoLBFGSB a linear-algebra failure inside the objective logs a
// warning and permanently switches the model to AlgoBFGS; training
// continues within the same call. When opts.CustomBounds is set the
// bounded method runs with those bounds no matter which algorithm is
// configured, and its result wins.
func (gp *GaussianProcess) Train(opts *TrainOptions) error {
	o := DefaultTrainOptions()
	if opts != nil {
		o = *opts
	}
	if len(gp.trainingData) == 0 {
		return fmt.Errorf("flare: empty training set")
	}
	x0 := append([]float64(nil), gp.hyps...)

	var res *optimize.Result
	if gp.algo == AlgoLBFGSB {
		var obj *likeObjective
		res, obj, _ = gp.minimize(x0, gp.defaultBounds(), &optimize.LBFGS{}, o)
		if obj.err != nil {
			gp.log.Warn("bounded optimization hit a linear-algebra failure, switching to BFGS",
				zap.Error(obj.err))
			gp.algo = AlgoBFGS
			res = nil
		}
	}
	// Caller bounds supersede whatever strategy is configured.
	if o.CustomBounds != nil {
		res, _, _ = gp.minimize(x0, o.CustomBounds, &optimize.LBFGS{}, o)
	} else if gp.algo == AlgoBFGS {
		res, _, _ = gp.minimize(x0, nil, &optimize.BFGS{}, o)
	} else if gp.algo == AlgoNelderMead {
		res, _, _ = gp.minimize(x0, nil, &optimize.NelderMead{}, o)
	}
	if res == nil {
		return ErrNoStrategy
	}

	hyps := append([]float64(nil), res.X...)
	for _, h := range hyps {
		if math.IsNaN(h) || math.IsInf(h, 0) {
			copy(hyps, x0)
			break
		}
	}
	gp.hyps = hyps
	if err := gp.ComputeFactors(); err != nil {
		return err
	}
	gp.likelihood = -res.F
	if res.Gradient != nil {
		gp.likelihoodGrad = make([]float64, len(res.Gradient))
		for i, g := range res.Gradient {
			gp.likelihoodGrad[i] = -g
		}
	} else {
		gp.likelihoodGrad = nil
	}
	gp.log.Info("hyperparameter optimization finished",
		zap.String("algorithm", string(gp.algo)),
		zap.Float64s("hyps", gp.hyps),
		zap.Float64("likelihood", gp.likelihood))
	return nil
}

// String summarizes the model configuration and training-set size.
func (gp *GaussianProcess) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GaussianProcess Object\n")
	fmt.Fprintf(&b, "Kernel: %s\n", gp.kernels.Name)
	fmt.Fprintf(&b, "Training points: %d\n", len(gp.trainingData))
	fmt.Fprintf(&b, "Cutoffs: %v\n", gp.cutoffs)
	fmt.Fprintf(&b, "Number of hyperparameters: %d\n", len(gp.hyps))
	fmt.Fprintf(&b, "Hyperparameters:\n")
	for i, h := range gp.hyps {
		label := fmt.Sprintf("hyp%d", i)
		if i < len(gp.hypLabels) {
			label = gp.hypLabels[i]
		}
		fmt.Fprintf(&b, "  %s: %g\n", label, h)
	}
	return b.String()
}
