package flare

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// ModelRecord is the portable form of a GaussianProcess. It carries the
// configuration, the training set, and the factorization matrices so a
// restored model can predict without refactorizing.
type ModelRecord struct {
	KernelName     string               `json:"kernel_name"`
	Hyps           []float64            `json:"hyps"`
	HypLabels      []string             `json:"hyp_labels,omitempty"`
	Cutoffs        []float64            `json:"cutoffs"`
	Algo           string               `json:"algo"`
	MaxIter        int                  `json:"maxiter"`
	Par            bool                 `json:"par"`
	NCPUs          int                  `json:"n_cpus"`
	MultiHyps      bool                 `json:"multihyps"`
	HypsMask       *HyperMask           `json:"hyps_mask,omitempty"`
	TrainingData   []*AtomicEnvironment `json:"training_data"`
	TrainingLabels []float64            `json:"training_labels"`
	Likelihood     float64              `json:"likelihood"`
	LikelihoodGrad []float64            `json:"likelihood_gradient,omitempty"`
	KyMat          [][]float64          `json:"ky_mat,omitempty"`
	LMat           [][]float64          `json:"l_mat,omitempty"`
	LMatInv        [][]float64          `json:"l_mat_inv,omitempty"`
	KyMatInv       [][]float64          `json:"ky_mat_inv,omitempty"`
	Alpha          []float64            `json:"alpha,omitempty"`
}

func matToRows(m mat.Matrix) [][]float64 {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			rows[i][j] = m.At(i, j)
		}
	}
	return rows
}

func rowsToSym(rows [][]float64) *mat.SymDense {
	n := len(rows)
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, rows[i][j])
		}
	}
	return s
}

func rowsToTri(rows [][]float64) *mat.TriDense {
	n := len(rows)
	t := mat.NewTriDense(n, mat.Lower, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			t.SetTri(i, j, rows[i][j])
		}
	}
	return t
}

// Record captures the model as a ModelRecord.
func (gp *GaussianProcess) Record() *ModelRecord {
	rec := &ModelRecord{
		KernelName:     gp.kernels.Name,
		Hyps:           append([]float64(nil), gp.hyps...),
		HypLabels:      append([]string(nil), gp.hypLabels...),
		Cutoffs:        append([]float64(nil), gp.cutoffs...),
		Algo:           string(gp.algo),
		MaxIter:        gp.maxIter,
		Par:            gp.parallel,
		NCPUs:          gp.workers,
		MultiHyps:      gp.mask != nil,
		HypsMask:       gp.mask,
		TrainingData:   gp.trainingData,
		TrainingLabels: append([]float64(nil), gp.trainingLabels...),
		Likelihood:     gp.likelihood,
		LikelihoodGrad: append([]float64(nil), gp.likelihoodGrad...),
	}
	if gp.fac != nil && !gp.stale {
		rec.KyMat = matToRows(gp.fac.kyMat)
		rec.LMat = matToRows(gp.fac.lMat)
		rec.LMatInv = matToRows(gp.fac.lMatInv)
		rec.KyMatInv = matToRows(gp.fac.kyInv)
		rec.Alpha = append([]float64(nil), gp.fac.alpha...)
	}
	return rec
}

// FromRecord reconstructs a model from a ModelRecord. The kernel set is
// resolved by name; stored factorization matrices are restored verbatim
// so no covariance evaluation happens here.
func FromRecord(rec *ModelRecord) (*GaussianProcess, error) {
	kernels, err := ResolveKernel(rec.KernelName, rec.MultiHyps)
	if err != nil {
		return nil, err
	}
	gp, err := New(Config{
		Kernels:       kernels,
		Hyps:          rec.Hyps,
		HypLabels:     rec.HypLabels,
		Cutoffs:       rec.Cutoffs,
		Algorithm:     Algorithm(rec.Algo),
		MaxIterations: rec.MaxIter,
		Parallel:      rec.Par,
		Workers:       rec.NCPUs,
		Mask:          rec.HypsMask,
	})
	if err != nil {
		return nil, err
	}
	gp.trainingData = rec.TrainingData
	gp.trainingLabels = rec.TrainingLabels
	gp.likelihood = rec.Likelihood
	gp.likelihoodGrad = rec.LikelihoodGrad

	// The stored factorization is only trusted when every piece is present
	// and sized for the training set; otherwise the model loads stale.
	size := 3 * len(rec.TrainingData)
	if size > 0 && len(rec.KyMat) == size && len(rec.Alpha) == size &&
		len(rec.LMat) == size && len(rec.LMatInv) == size && len(rec.KyMatInv) == size {
		gp.fac = &factors{
			size:    size,
			kyMat:   rowsToSym(rec.KyMat),
			lMat:    rowsToTri(rec.LMat),
			lMatInv: rowsToTri(rec.LMatInv),
			kyInv:   rowsToSym(rec.KyMatInv),
			alpha:   rec.Alpha,
		}
		gp.stale = false
	} else {
		gp.stale = len(rec.TrainingData) > 0
	}
	return gp, nil
}

// MarshalModel encodes the model as JSON.
func MarshalModel(gp *GaussianProcess) ([]byte, error) {
	return json.Marshal(gp.Record())
}

// UnmarshalModel reconstructs a model from its JSON form.
func UnmarshalModel(data []byte) (*GaussianProcess, error) {
	rec := &ModelRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("unmarshal model: %w", err)
	}
	return FromRecord(rec)
}

// WriteModel saves the model to path. Supported formats are "json" and
// "binary".
func (gp *GaussianProcess) WriteModel(path, format string) error {
	switch format {
	case "json", "binary":
	default:
		return fmt.Errorf("format %q (want json or binary): %w", format, ErrUnsupportedFormat)
	}
	rec := gp.Record()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if format == "json" {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		err = enc.Encode(rec)
	} else {
		err = gob.NewEncoder(f).Encode(rec)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("write model: %w", err)
	}
	return f.Close()
}

// ReadModel loads a model written by WriteModel.
func ReadModel(path, format string) (*GaussianProcess, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	defer f.Close()
	rec := &ModelRecord{}
	switch format {
	case "json":
		if err := json.NewDecoder(f).Decode(rec); err != nil {
			return nil, fmt.Errorf("read model: %w", err)
		}
	case "binary":
		if err := gob.NewDecoder(f).Decode(rec); err != nil {
			return nil, fmt.Errorf("read model: %w", err)
		}
	default:
		return nil, fmt.Errorf("format %q (want json or binary): %w", format, ErrUnsupportedFormat)
	}
	return FromRecord(rec)
}
