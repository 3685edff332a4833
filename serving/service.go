package serving

import (
	"go.uber.org/zap"
)

// Options configures the services built on loaded resources.
type Options struct {
	PredictionCacheSize int
	Evaluation          EvaluationOptions
}

// Service bundles the request-facing services over one Resources value.
type Service struct {
	Resources  *Resources
	Inference  *InferenceService
	Evaluation *EvaluationService
}

// NewService builds the inference and evaluation services.
func NewService(res *Resources, opts Options, events Publisher, logger *zap.Logger) (*Service, error) {
	inference, err := NewInferenceService(res, opts.PredictionCacheSize, logger)
	if err != nil {
		return nil, err
	}
	evaluation, err := NewEvaluationService(res, opts.Evaluation, events, logger)
	if err != nil {
		return nil, err
	}
	return &Service{Resources: res, Inference: inference, Evaluation: evaluation}, nil
}

// Close releases background resources.
func (s *Service) Close() error {
	return s.Evaluation.Close()
}
