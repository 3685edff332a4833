package ml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	spendErrors "spendwise/pkg/errors"
)

func sampleRecords() []LabeledRecord {
	return []LabeledRecord{
		{FeatureRecord: FeatureRecord{1000, 200, 500, 300, 150, 50, 40, 60, 30}, Miscellaneous: 80},
		{FeatureRecord: FeatureRecord{1500, 0, 700, 450, 200, 80, 60, 90, 40}, Miscellaneous: 120},
		{FeatureRecord: FeatureRecord{800, 400, 300, 250, 120, 30, 25, 40, 20}, Miscellaneous: 55},
		{FeatureRecord: FeatureRecord{1200, 100, 600, 350, 180, 60, 50, 70, 30}, Miscellaneous: 95},
	}
}

func TestFitTransformBounds(t *testing.T) {
	state, err := FitTransform(sampleRecords())
	require.NoError(t, err)

	assert.Equal(t, FeatureCount, state.Features.Width())
	assert.Equal(t, 1, state.Target.Width())
	assert.Equal(t, 800.0, state.Features.DataMin[0])
	assert.Equal(t, 1500.0, state.Features.DataMax[0])
	assert.Equal(t, 55.0, state.Target.DataMin[0])
	assert.Equal(t, 120.0, state.Target.DataMax[0])

	X, _ := DesignMatrix(sampleRecords())
	scaled, err := state.ApplyMatrix(X)
	require.NoError(t, err)
	r, c := scaled.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := scaled.At(i, j)
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	}
}

func TestFitTransformEmpty(t *testing.T) {
	_, err := FitTransform(nil)
	require.Error(t, err)
	assert.True(t, spendErrors.Is(err, spendErrors.ErrEmptyDataset))
}

func TestInvertRoundTrip(t *testing.T) {
	state, err := FitTransform(sampleRecords())
	require.NoError(t, err)

	for _, y := range []float64{55, 60.25, 80, 99.99, 120} {
		assert.InDelta(t, y, state.Invert(state.ApplyTarget(y)), 1e-9)
	}
	// outside the fitted range extrapolates instead of clamping
	assert.InDelta(t, 250.0, state.Invert(state.ApplyTarget(250)), 1e-9)
	assert.Greater(t, state.ApplyTarget(250), 1.0)
}

func TestConstantFeatureMapsToZero(t *testing.T) {
	records := sampleRecords()
	for i := range records {
		records[i].PersonalCare = 30
	}
	state, err := FitTransform(records)
	require.NoError(t, err)

	out, err := state.Apply(FeatureVector(FeatureRecord{1000, 200, 500, 300, 150, 50, 40, 60, 999}))
	require.NoError(t, err)
	assert.Equal(t, 0.0, out[8])
}

func TestApplyWrongWidth(t *testing.T) {
	state, err := FitTransform(sampleRecords())
	require.NoError(t, err)
	_, err = state.Apply([]float64{1, 2, 3})
	assert.True(t, spendErrors.Is(err, spendErrors.ErrValidation))
}

func TestScalerPersistence(t *testing.T) {
	dir := t.TempDir()
	state, err := FitTransform(sampleRecords())
	require.NoError(t, err)

	path := filepath.Join(dir, "X_scaler.json")
	require.NoError(t, SaveScaler(path, state.Features))

	loaded, err := LoadScaler(path, FeatureCount)
	require.NoError(t, err)
	assert.True(t, loaded.Equal(state.Features))

	_, err = LoadScaler(path, 1)
	assert.True(t, spendErrors.Is(err, spendErrors.ErrCorruptState), "width mismatch must be corrupt state")
}

func TestLoadScalerCorrupt(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{{{"},
		{"wrong pair count", `{"version":1,"data_min":[1],"data_max":[2,3]}`},
		{"inverted range", `{"version":1,"data_min":[5],"data_max":[2]}`},
		{"unknown version", `{"version":9,"data_min":[1],"data_max":[2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := LoadScaler(path, 1)
			require.Error(t, err)
			assert.True(t, spendErrors.Is(err, spendErrors.ErrCorruptState))
		})
	}

	_, err := LoadScaler(filepath.Join(dir, "missing.json"), 1)
	assert.True(t, spendErrors.Is(err, spendErrors.ErrCorruptState))
}

func TestMinMaxInverseTransform(t *testing.T) {
	X := mat.NewDense(3, 2, []float64{0, 10, 5, 20, 10, 30})
	s, err := FitMinMax(X)
	require.NoError(t, err)
	scaled, err := s.Transform(X)
	require.NoError(t, err)
	back, err := s.InverseTransform(scaled)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(X, back, 1e-12))
}
