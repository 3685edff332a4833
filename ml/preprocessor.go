package ml

import (
	"encoding/json"
	"io/fs"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	spendErrors "spendwise/pkg/errors"
)

// MinMaxScaler maps each column independently onto [0,1] using the minimum
// and maximum observed when it was fit.
//
// A column whose observed range is zero maps every input to 0. Inverse on
// such a column returns the observed value. Values outside the fitted range
// extrapolate linearly; nothing is clamped.
type MinMaxScaler struct {
	DataMin []float64
	DataMax []float64
}

// FitMinMax computes per-column min and max of X.
func FitMinMax(X mat.Matrix) (*MinMaxScaler, error) {
	r, c := X.Dims()
	if r == 0 || c == 0 {
		return nil, spendErrors.NewEmptyDatasetError("FitMinMax", "cannot fit scaler on empty data")
	}
	s := &MinMaxScaler{
		DataMin: make([]float64, c),
		DataMax: make([]float64, c),
	}
	for j := 0; j < c; j++ {
		lo, hi := X.At(0, j), X.At(0, j)
		for i := 0; i < r; i++ {
			v := X.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, spendErrors.NewValidationError("FitMinMax", "non-finite value in fitting data")
			}
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		s.DataMin[j] = lo
		s.DataMax[j] = hi
	}
	return s, nil
}

// Width is the number of columns the scaler was fit on.
func (s *MinMaxScaler) Width() int { return len(s.DataMin) }

func (s *MinMaxScaler) scale(j int, x float64) float64 {
	span := s.DataMax[j] - s.DataMin[j]
	if span == 0 {
		return 0
	}
	return (x - s.DataMin[j]) / span
}

func (s *MinMaxScaler) unscale(j int, v float64) float64 {
	return v*(s.DataMax[j]-s.DataMin[j]) + s.DataMin[j]
}

// Transform returns a scaled copy of X.
func (s *MinMaxScaler) Transform(X mat.Matrix) (*mat.Dense, error) {
	r, c := X.Dims()
	if c != s.Width() {
		return nil, spendErrors.NewValidationError("MinMaxScaler.Transform", "column count does not match fitted width")
	}
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, _ float64) float64 {
		return s.scale(j, X.At(i, j))
	}, X)
	return out, nil
}

// InverseTransform maps scaled values back to raw units.
func (s *MinMaxScaler) InverseTransform(X mat.Matrix) (*mat.Dense, error) {
	r, c := X.Dims()
	if c != s.Width() {
		return nil, spendErrors.NewValidationError("MinMaxScaler.InverseTransform", "column count does not match fitted width")
	}
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, _ float64) float64 {
		return s.unscale(j, X.At(i, j))
	}, X)
	return out, nil
}

// Clone returns a deep copy.
func (s *MinMaxScaler) Clone() *MinMaxScaler {
	return &MinMaxScaler{
		DataMin: append([]float64(nil), s.DataMin...),
		DataMax: append([]float64(nil), s.DataMax...),
	}
}

// Equal reports whether both scalers hold identical bounds.
func (s *MinMaxScaler) Equal(o *MinMaxScaler) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.DataMin) != len(o.DataMin) || len(s.DataMax) != len(o.DataMax) {
		return false
	}
	for i := range s.DataMin {
		if s.DataMin[i] != o.DataMin[i] || s.DataMax[i] != o.DataMax[i] {
			return false
		}
	}
	return true
}

// TransformState is the pair of fitted scalers a model was trained against:
// one over the nine inputs and one over the target. Once fit it is only
// ever applied, never refit.
type TransformState struct {
	Features *MinMaxScaler
	Target   *MinMaxScaler
}

// FitTransform fits both scalers on records.
func FitTransform(records []LabeledRecord) (*TransformState, error) {
	if len(records) == 0 {
		return nil, spendErrors.NewEmptyDatasetError("FitTransform", "no records to fit")
	}
	X, y := DesignMatrix(records)
	features, err := FitMinMax(X)
	if err != nil {
		return nil, err
	}
	target, err := FitMinMax(y)
	if err != nil {
		return nil, err
	}
	return &TransformState{Features: features, Target: target}, nil
}

// Apply scales a single feature vector.
func (t *TransformState) Apply(vector []float64) ([]float64, error) {
	if len(vector) != t.Features.Width() {
		return nil, spendErrors.NewValidationError("TransformState.Apply", "feature vector has wrong width")
	}
	out := make([]float64, len(vector))
	for j, x := range vector {
		out[j] = t.Features.scale(j, x)
	}
	return out, nil
}

// ApplyMatrix scales a batch of feature rows.
func (t *TransformState) ApplyMatrix(X mat.Matrix) (*mat.Dense, error) {
	return t.Features.Transform(X)
}

// ApplyTarget scales a raw target value.
func (t *TransformState) ApplyTarget(y float64) float64 {
	return t.Target.scale(0, y)
}

// Invert maps a normalized model output back to currency units.
func (t *TransformState) Invert(v float64) float64 {
	return t.Target.unscale(0, v)
}

// Clone returns a deep copy.
func (t *TransformState) Clone() *TransformState {
	return &TransformState{Features: t.Features.Clone(), Target: t.Target.Clone()}
}

// Equal reports whether both states hold identical bounds.
func (t *TransformState) Equal(o *TransformState) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.Features.Equal(o.Features) && t.Target.Equal(o.Target)
}

const scalerFormatVersion = 1

type scalerDocument struct {
	Version int       `json:"version"`
	DataMin []float64 `json:"data_min"`
	DataMax []float64 `json:"data_max"`
}

// SaveScaler writes s to path with atomic replace semantics.
func SaveScaler(path string, s *MinMaxScaler) error {
	payload, err := json.MarshalIndent(scalerDocument{
		Version: scalerFormatVersion,
		DataMin: s.DataMin,
		DataMax: s.DataMax,
	}, "", "  ")
	if err != nil {
		return spendErrors.NewCorruptStateError("SaveScaler", "encode scaler", err)
	}
	return WriteFileAtomic(path, payload, 0o600)
}

// LoadScaler reads a scaler persisted by SaveScaler and checks it holds
// exactly width finite min/max pairs.
func LoadScaler(path string, width int) (*MinMaxScaler, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, spendErrors.NewCorruptStateError("LoadScaler", "transform artifact missing: "+path, fs.ErrNotExist)
		}
		return nil, spendErrors.NewCorruptStateError("LoadScaler", "read "+path, err)
	}
	var doc scalerDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, spendErrors.NewCorruptStateError("LoadScaler", "decode "+path, err)
	}
	if doc.Version != scalerFormatVersion {
		return nil, spendErrors.NewCorruptStateError("LoadScaler", "unsupported scaler format version", nil)
	}
	if len(doc.DataMin) != width || len(doc.DataMax) != width {
		return nil, spendErrors.NewCorruptStateError("LoadScaler", "scaler does not hold the expected number of min/max pairs", nil)
	}
	for i := range doc.DataMin {
		lo, hi := doc.DataMin[i], doc.DataMax[i]
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) || lo > hi {
			return nil, spendErrors.NewCorruptStateError("LoadScaler", "scaler bounds are not a valid range", nil)
		}
	}
	return &MinMaxScaler{DataMin: doc.DataMin, DataMax: doc.DataMax}, nil
}
