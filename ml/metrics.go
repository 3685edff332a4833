package ml

import (
	"math"

	"gonum.org/v1/gonum/stat"

	spendErrors "spendwise/pkg/errors"
)

// Metrics are the standard regression scores.
type Metrics struct {
	MAE  float64 `json:"mae"`
	MSE  float64 `json:"mse"`
	RMSE float64 `json:"rmse"`
	R2   float64 `json:"r2_score"`
}

// RegressionMetrics scores yPred against yTrue.
//
// When yTrue has no variance R2 is 1 for a perfect fit and 0 otherwise,
// matching scikit-learn's r2_score.
func RegressionMetrics(yTrue, yPred []float64) (Metrics, error) {
	n := len(yTrue)
	if n == 0 {
		return Metrics{}, spendErrors.NewEmptyDatasetError("RegressionMetrics", "no values to score")
	}
	if len(yPred) != n {
		return Metrics{}, spendErrors.NewValidationError("RegressionMetrics", "prediction count does not match targets")
	}

	mean := stat.Mean(yTrue, nil)
	var abs, rss, tss float64
	for i := range yTrue {
		diff := yTrue[i] - yPred[i]
		abs += math.Abs(diff)
		rss += diff * diff
		dev := yTrue[i] - mean
		tss += dev * dev
	}

	m := Metrics{
		MAE: abs / float64(n),
		MSE: rss / float64(n),
	}
	m.RMSE = math.Sqrt(m.MSE)
	switch {
	case tss > 0:
		m.R2 = 1 - rss/tss
	case rss == 0:
		m.R2 = 1
	default:
		m.R2 = 0
	}
	return m, nil
}

// Rounded returns m with every score rounded to places decimals.
func (m Metrics) Rounded(places int) Metrics {
	return Metrics{
		MAE:  Round(m.MAE, places),
		MSE:  Round(m.MSE, places),
		RMSE: Round(m.RMSE, places),
		R2:   Round(m.R2, places),
	}
}

// Round rounds half away from zero to the given number of decimals.
func Round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
