package serving

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"spendwise/ml"
	"spendwise/pipeline"
	spendErrors "spendwise/pkg/errors"
)

// Report is the outcome of scoring the model against a labeled dataset.
type Report struct {
	ml.Metrics
	Rows        int       `json:"rows"`
	Dropped     int       `json:"dropped"`
	DataSource  string    `json:"data_source"`
	Generation  string    `json:"generation"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// EvaluationOptions configures an EvaluationService.
type EvaluationOptions struct {
	// DefaultPath is used when Evaluate is called with an empty path.
	DefaultPath string
	// CacheSize bounds the report cache; <= 0 disables it.
	CacheSize int
	// Watch invalidates cached reports when their file changes.
	Watch bool
}

// EvaluationService scores the loaded model on held-out datasets using the
// fitted transform as is.
type EvaluationService struct {
	res     *Resources
	opts    EvaluationOptions
	cache   *lru.Cache[string, Report]
	watcher *DatasetWatcher
	events  Publisher
	log     *zap.Logger

	// changes counts invalidations per absolute path. A report is cached
	// only if its path saw no change while it was being computed.
	mu      sync.Mutex
	changes map[string]uint64
	// loaded, when set, runs after a dataset has been read.
	loaded func(abs string)
}

// NewEvaluationService builds the service. Close releases the watcher.
func NewEvaluationService(res *Resources, opts EvaluationOptions, events Publisher, logger *zap.Logger) (*EvaluationService, error) {
	if res == nil {
		return nil, errors.New("evaluation service needs loaded resources")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = nopPublisher{}
	}
	s := &EvaluationService{
		res:     res,
		opts:    opts,
		events:  events,
		log:     logger.Named("evaluation"),
		changes: make(map[string]uint64),
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, Report](opts.CacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = cache
		if opts.Watch {
			w, err := NewDatasetWatcher(s.invalidate, logger)
			if err != nil {
				return nil, err
			}
			s.watcher = w
		}
	}
	return s, nil
}

func (s *EvaluationService) invalidate(path string) {
	s.mu.Lock()
	s.changes[path]++
	s.mu.Unlock()
	if s.cache != nil && s.cache.Remove(path) {
		s.log.Info("cached evaluation invalidated", zap.String("path", path))
	}
}

// Evaluate loads the dataset at path (or the default path), drops rows with
// missing values, predicts with the loaded model and returns the metrics
// rounded to four decimals.
func (s *EvaluationService) Evaluate(ctx context.Context, path string) (Report, error) {
	if path == "" {
		path = s.opts.DefaultPath
	}
	if path == "" {
		return Report{}, spendErrors.NewValidationError("Evaluate", "no dataset path given", "path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Report{}, spendErrors.NewValidationError("Evaluate", "bad dataset path", "path")
	}
	if s.cache != nil {
		if r, ok := s.cache.Get(abs); ok {
			return r, nil
		}
	}

	// The watch must be in place before the read.
	cacheable := s.cache != nil
	if cacheable && s.watcher != nil {
		if err := s.watcher.Watch(abs); err != nil {
			s.log.Warn("cannot watch dataset, report not cached", zap.String("path", abs), zap.Error(err))
			cacheable = false
		}
	}
	version := s.changeCount(abs)

	ds, err := LoadDataset(abs)
	if err != nil {
		return Report{}, err
	}
	if s.loaded != nil {
		s.loaded(abs)
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	report, err := s.score(ds)
	if err != nil {
		return Report{}, err
	}
	report.DataSource = "Used local test file: " + path

	if cacheable {
		s.mu.Lock()
		if s.changes[abs] == version {
			s.cache.Add(abs, report)
		}
		s.mu.Unlock()
	}

	s.log.Info("evaluation finished",
		zap.String("path", abs),
		zap.Int("rows", report.Rows),
		zap.Int("dropped", report.Dropped),
		zap.Float64("r2", report.R2))
	s.events.Publish(EventEvaluationComplete, report)
	return report, nil
}

func (s *EvaluationService) score(ds *Dataset) (Report, error) {
	var missing []string
	for _, col := range ml.RequiredColumns() {
		if !ds.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return Report{}, spendErrors.NewSchemaError("Evaluate", missing)
	}

	records := make([]ml.LabeledRecord, 0, len(ds.Rows))
	for _, row := range ds.Rows {
		rec, problems := pipeline.DecodeRecord(row)
		if len(problems) > 0 {
			continue
		}
		records = append(records, rec)
	}
	dropped := len(ds.Rows) - len(records)
	if len(records) == 0 {
		return Report{}, spendErrors.NewEmptyDatasetError("Evaluate",
			fmt.Sprintf("no valid rows remain after dropping %d rows with missing values", dropped))
	}

	X, y := ml.DesignMatrix(records)
	pred, err := s.predictBatch(X)
	if err != nil {
		return Report{}, err
	}

	yTrue := mat.Col(nil, 0, y)
	metrics, err := ml.RegressionMetrics(yTrue, pred)
	if err != nil {
		return Report{}, spendErrors.NewInferenceError("Evaluate", err)
	}
	return Report{
		Metrics:     metrics.Rounded(4),
		Rows:        len(records),
		Dropped:     dropped,
		Generation:  s.res.Generation(),
		EvaluatedAt: time.Now().UTC(),
	}, nil
}

// predictBatch returns raw-scale predictions for raw-scale X.
func (s *EvaluationService) predictBatch(X *mat.Dense) (out []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = spendErrors.NewInferenceError("Evaluate", errors.Newf("panic: %v", r))
		}
	}()

	Xn, err := s.res.Transform.ApplyMatrix(X)
	if err != nil {
		return nil, spendErrors.NewInferenceError("Evaluate", err)
	}
	yn, err := s.res.Model.Predict(Xn)
	if err != nil {
		return nil, spendErrors.NewInferenceError("Evaluate", err)
	}
	rows, _ := yn.Dims()
	out = make([]float64, rows)
	for i := range out {
		v := s.res.Transform.Invert(yn.At(i, 0))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, spendErrors.NewInferenceError("Evaluate", errors.Newf("model produced a non-finite value for row %d", i))
		}
		out[i] = v
	}
	return out, nil
}

func (s *EvaluationService) changeCount(path string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changes[path]
}

// CacheLen is the number of cached reports.
func (s *EvaluationService) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}

// Close stops the dataset watcher.
func (s *EvaluationService) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
