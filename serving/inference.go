package serving

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"spendwise/ml"
	spendErrors "spendwise/pkg/errors"
)

// PredictRequest is one student's budget. Every field is required; pointers
// distinguish an absent field from a zero amount.
type PredictRequest struct {
	MonthlyIncome  *float64 `json:"monthly_income"`
	FinancialAid   *float64 `json:"financial_aid"`
	Tuition        *float64 `json:"tuition"`
	Housing        *float64 `json:"housing"`
	Food           *float64 `json:"food"`
	Transportation *float64 `json:"transportation"`
	BooksSupplies  *float64 `json:"books_supplies"`
	Entertainment  *float64 `json:"entertainment"`
	PersonalCare   *float64 `json:"personal_care"`
}

// NewPredictRequest builds a fully populated request from a record.
func NewPredictRequest(r ml.FeatureRecord) PredictRequest {
	v := ml.FeatureVector(r)
	return PredictRequest{
		MonthlyIncome:  &v[0],
		FinancialAid:   &v[1],
		Tuition:        &v[2],
		Housing:        &v[3],
		Food:           &v[4],
		Transportation: &v[5],
		BooksSupplies:  &v[6],
		Entertainment:  &v[7],
		PersonalCare:   &v[8],
	}
}

// Record validates the request and returns the typed record. The error
// lists every missing or non-finite field.
func (r PredictRequest) Record() (ml.FeatureRecord, error) {
	fields := []*float64{
		r.MonthlyIncome, r.FinancialAid, r.Tuition, r.Housing, r.Food,
		r.Transportation, r.BooksSupplies, r.Entertainment, r.PersonalCare,
	}
	names := ml.FeatureNames()
	values := make([]float64, ml.FeatureCount)
	var bad []string
	for i, f := range fields {
		if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
			bad = append(bad, names[i])
			continue
		}
		values[i] = *f
	}
	if len(bad) > 0 {
		return ml.FeatureRecord{}, spendErrors.NewValidationError("Predict", "fields must be present and numeric", bad...)
	}
	return ml.RecordFromVector(values)
}

// Prediction is the inverse-transformed model output rounded to cents.
type Prediction struct {
	Value float64 `json:"predicted_value"`
	// Miscellaneous repeats Value under the name older clients read.
	Miscellaneous float64 `json:"predicted_miscellaneous"`
	Generation    string  `json:"generation"`
}

// InferenceService answers single-record predictions.
type InferenceService struct {
	res   *Resources
	model ml.Regressor
	cache *lru.Cache[[ml.FeatureCount]float64, float64]
	log   *zap.Logger
}

// NewInferenceService builds the service. cacheSize <= 0 disables caching.
func NewInferenceService(res *Resources, cacheSize int, logger *zap.Logger) (*InferenceService, error) {
	if res == nil {
		return nil, errors.New("inference service needs loaded resources")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &InferenceService{res: res, model: res.Model, log: logger.Named("inference")}
	if cacheSize > 0 {
		cache, err := lru.New[[ml.FeatureCount]float64, float64](cacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}
	return s, nil
}

// Predict validates req and returns the predicted miscellaneous spend.
// Validation problems are ValidationErrors; anything that goes wrong past
// validation, including a panic, is an InferenceError.
func (s *InferenceService) Predict(ctx context.Context, req PredictRequest) (Prediction, error) {
	rec, err := req.Record()
	if err != nil {
		return Prediction{}, err
	}
	return s.PredictRecord(ctx, rec)
}

// PredictRecord predicts for an already validated record.
func (s *InferenceService) PredictRecord(_ context.Context, rec ml.FeatureRecord) (p Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("prediction panicked", zap.Any("panic", r))
			p = Prediction{}
			err = spendErrors.NewInferenceError("Predict", errors.Newf("panic: %v", r))
		}
	}()

	var key [ml.FeatureCount]float64
	copy(key[:], ml.FeatureVector(rec))
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return s.prediction(v), nil
		}
	}

	scaled, err := s.res.Transform.Apply(key[:])
	if err != nil {
		return Prediction{}, spendErrors.NewInferenceError("Predict", err)
	}
	out, err := s.model.PredictOne(scaled)
	if err != nil {
		return Prediction{}, spendErrors.NewInferenceError("Predict", err)
	}
	value := ml.Round(s.res.Transform.Invert(out), 2)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Prediction{}, spendErrors.NewInferenceError("Predict", errors.New("model produced a non-finite value"))
	}

	if s.cache != nil {
		s.cache.Add(key, value)
	}
	return s.prediction(value), nil
}

func (s *InferenceService) prediction(v float64) Prediction {
	return Prediction{Value: v, Miscellaneous: v, Generation: s.res.Generation()}
}

// CacheLen is the number of cached predictions.
func (s *InferenceService) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}
