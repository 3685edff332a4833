package ml

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spendErrors "spendwise/pkg/errors"
)

func TestRegressionMetrics(t *testing.T) {
	yTrue := []float64{3, -0.5, 2, 7}
	yPred := []float64{2.5, 0.0, 2, 8}

	m, err := RegressionMetrics(yTrue, yPred)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, m.MAE, 1e-12)
	assert.InDelta(t, 0.375, m.MSE, 1e-12)
	assert.InDelta(t, math.Sqrt(0.375), m.RMSE, 1e-12)
	assert.InDelta(t, 0.9486081370449679, m.R2, 1e-12)
}

func TestRegressionMetricsConstantTarget(t *testing.T) {
	m, err := RegressionMetrics([]float64{4, 4, 4}, []float64{4, 4, 4})
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.R2)
	assert.Equal(t, 0.0, m.MSE)

	m, err = RegressionMetrics([]float64{4, 4, 4}, []float64{4, 5, 4})
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.R2)
}

func TestRegressionMetricsErrors(t *testing.T) {
	_, err := RegressionMetrics(nil, nil)
	assert.True(t, spendErrors.Is(err, spendErrors.ErrEmptyDataset))

	_, err = RegressionMetrics([]float64{1, 2}, []float64{1})
	assert.True(t, spendErrors.Is(err, spendErrors.ErrValidation))
}

func TestRound(t *testing.T) {
	assert.Equal(t, 12.35, Round(12.345678, 2))
	assert.Equal(t, 0.1235, Round(0.12345678, 4))
	assert.Equal(t, -1.5, Round(-1.4999999, 2))

	m := Metrics{MAE: 1.234567, MSE: 2.345678, RMSE: 1.531561, R2: 0.987654}.Rounded(4)
	assert.Equal(t, Metrics{MAE: 1.2346, MSE: 2.3457, RMSE: 1.5316, R2: 0.9877}, m)
}
