package ml

import "gonum.org/v1/gonum/mat"

// Regressor is the read-only prediction surface the serving layer needs.
// *Network satisfies it.
type Regressor interface {
	Predict(X mat.Matrix) (*mat.Dense, error)
	PredictOne(x []float64) (float64, error)
}

var _ Regressor = (*Network)(nil)
