package serving

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendwise/ml"
	spendErrors "spendwise/pkg/errors"
)

func exampleRecord() ml.FeatureRecord {
	return ml.FeatureRecord{
		MonthlyIncome:  1000,
		FinancialAid:   200,
		Tuition:        500,
		Housing:        300,
		Food:           150,
		Transportation: 50,
		BooksSupplies:  40,
		Entertainment:  60,
		PersonalCare:   30,
	}
}

func TestPredictExampleRecord(t *testing.T) {
	svc, err := NewInferenceService(trainedResources(t), 8, nil)
	require.NoError(t, err)

	p, err := svc.Predict(context.Background(), NewPredictRequest(exampleRecord()))
	require.NoError(t, err)
	assert.False(t, math.IsNaN(p.Value) || math.IsInf(p.Value, 0))
	assert.Equal(t, ml.Round(p.Value, 2), p.Value)
	assert.Equal(t, p.Value, p.Miscellaneous)
	assert.NotEmpty(t, p.Generation)
}

func TestPredictMatchesManualPipeline(t *testing.T) {
	res := trainedResources(t)
	svc, err := NewInferenceService(res, 0, nil)
	require.NoError(t, err)

	rec := exampleRecord()
	scaled, err := res.Transform.Apply(ml.FeatureVector(rec))
	require.NoError(t, err)
	out, err := res.Model.PredictOne(scaled)
	require.NoError(t, err)

	p, err := svc.PredictRecord(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, ml.Round(res.Transform.Invert(out), 2), p.Value)
}

func TestPredictValidation(t *testing.T) {
	svc, err := NewInferenceService(trainedResources(t), 8, nil)
	require.NoError(t, err)

	req := NewPredictRequest(exampleRecord())
	req.Tuition = nil
	nan := math.NaN()
	req.Food = &nan

	_, err = svc.Predict(context.Background(), req)
	require.Error(t, err)
	assert.True(t, spendErrors.Is(err, spendErrors.ErrValidation))
	assert.Equal(t, []string{"tuition", "food"}, spendErrors.Fields(err))

	_, err = svc.Predict(context.Background(), PredictRequest{})
	assert.Len(t, spendErrors.Fields(err), ml.FeatureCount)
}

func TestPredictCache(t *testing.T) {
	svc, err := NewInferenceService(trainedResources(t), 2, nil)
	require.NoError(t, err)

	first, err := svc.Predict(context.Background(), NewPredictRequest(exampleRecord()))
	require.NoError(t, err)
	second, err := svc.Predict(context.Background(), NewPredictRequest(exampleRecord()))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, svc.CacheLen())

	other := exampleRecord()
	other.Food = 10
	_, err = svc.Predict(context.Background(), NewPredictRequest(other))
	require.NoError(t, err)
	assert.Equal(t, 2, svc.CacheLen())
}

func TestPredictConcurrent(t *testing.T) {
	svc, err := NewInferenceService(trainedResources(t), 0, nil)
	require.NoError(t, err)

	want, err := svc.Predict(context.Background(), NewPredictRequest(exampleRecord()))
	require.NoError(t, err)

	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func() {
			got, err := svc.Predict(context.Background(), NewPredictRequest(exampleRecord()))
			if err == nil && got != want {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	for i := 0; i < 16; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestPredictWrapsModelFailure(t *testing.T) {
	res := trainedResources(t)
	broken := *res
	broken.Model = &ml.Network{}
	svc, err := NewInferenceService(&broken, 0, nil)
	require.NoError(t, err)

	_, err = svc.Predict(context.Background(), NewPredictRequest(exampleRecord()))
	require.Error(t, err)
	assert.True(t, spendErrors.Is(err, spendErrors.ErrInference))
	assert.Equal(t, "inference", spendErrors.KindName(err))
}

func TestNewInferenceServiceNeedsResources(t *testing.T) {
	_, err := NewInferenceService(nil, 0, nil)
	assert.Error(t, err)
}
