package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"spendwise/db"
	"spendwise/ml"
	spendErrors "spendwise/pkg/errors"
)

// ModelName is recorded in the training journal.
const ModelName = "expense_prediction_model"

// Journal records finished training runs. *db.Store satisfies it.
type Journal interface {
	SaveTrainingLog(ctx context.Context, entry db.TrainingLog) (int64, error)
	SaveQualityIssues(ctx context.Context, issues []db.QualityIssue) error
}

// Result describes a successful, published training run.
type Result struct {
	Manifest  Manifest
	Transform *ml.TransformState
	Model     *ml.Network
	Report    *ml.TrainReport
	Rows      int
	Dropped   int
	Issues    []QualityIssue
}

// Trainer runs the fetch, clean, fit, train, publish sequence. Run is
// single-flight: concurrent callers queue on the same mutex.
type Trainer struct {
	ingester *DataIngester
	cleaner  *DataCleaner
	store    *ArtifactStore
	journal  Journal
	config   ml.TrainConfig
	log      *zap.Logger

	// OnEpoch, if set, receives every epoch of every run.
	OnEpoch func(generation string, stats ml.EpochStats)

	mu sync.Mutex
}

// NewTrainer wires a trainer. journal may be nil.
func NewTrainer(source Source, store *ArtifactStore, journal Journal, config ml.TrainConfig, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{
		ingester: NewDataIngester(source, logger),
		cleaner:  NewDataCleaner(logger),
		store:    store,
		journal:  journal,
		config:   config,
		log:      logger.Named("trainer"),
	}
}

// Store returns the artifact store the trainer publishes into.
func (t *Trainer) Store() *ArtifactStore { return t.store }

// Run trains a new generation and publishes it. On any failure the staging
// directory is removed and the previously published generation, if any,
// stays current.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	candidates, err := t.ingester.Ingest(ctx)
	if err != nil {
		return nil, err
	}
	records, issues := t.cleaner.Clean(candidates)
	dropped := len(candidates) - len(records)
	if len(records) == 0 {
		return nil, spendErrors.NewEmptyDatasetError("Trainer.Run",
			fmt.Sprintf("no complete rows among %d documents", len(candidates)))
	}

	state, err := ml.FitTransform(records)
	if err != nil {
		return nil, err
	}
	X, y := ml.DesignMatrix(records)
	Xn, err := state.ApplyMatrix(X)
	if err != nil {
		return nil, err
	}
	yn, err := state.Target.Transform(y)
	if err != nil {
		return nil, err
	}

	staging, err := t.store.Stage()
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			if err := staging.Abort(); err != nil {
				t.log.Warn("discard staging failed", zap.String("generation", staging.Generation()), zap.Error(err))
			}
		}
	}()

	cfg := t.config
	gen := staging.Generation()
	progress := cfg.Progress
	cfg.Progress = func(s ml.EpochStats) {
		t.log.Debug("epoch finished",
			zap.String("generation", gen),
			zap.Int("epoch", s.Epoch),
			zap.Float64("loss", s.Loss),
			zap.Float64("learning_rate", s.LearningRate))
		if progress != nil {
			progress(s)
		}
		if t.OnEpoch != nil {
			t.OnEpoch(gen, s)
		}
	}

	t.log.Info("training started",
		zap.String("generation", gen),
		zap.Int("rows", len(records)),
		zap.Int("dropped", dropped))
	net, report, err := ml.Train(ctx, Xn, yn, cfg)
	if err != nil {
		return nil, err
	}
	if !net.Finite() {
		return nil, spendErrors.NewTrainingError("Trainer.Run", "trained weights are not finite", nil)
	}

	if err := staging.WriteTransform(state); err != nil {
		return nil, err
	}
	if err := staging.WriteModel(net); err != nil {
		return nil, err
	}
	manifest, err := staging.Commit(len(records), report.Seed)
	if err != nil {
		return nil, err
	}
	committed = true

	t.log.Info("training finished",
		zap.String("generation", gen),
		zap.Int("epochs", report.Epochs),
		zap.Int("best_epoch", report.BestEpoch),
		zap.Float64("best_loss", report.BestLoss),
		zap.Bool("stopped_early", report.StoppedEarly),
		zap.Duration("elapsed", time.Since(start)))

	t.record(ctx, gen, len(records), dropped, report, issues)

	return &Result{
		Manifest:  *manifest,
		Transform: state,
		Model:     net,
		Report:    report,
		Rows:      len(records),
		Dropped:   dropped,
		Issues:    issues,
	}, nil
}

// record writes the journal. The generation is already published, so a
// journal failure is logged and not returned.
func (t *Trainer) record(ctx context.Context, gen string, rows, dropped int, report *ml.TrainReport, issues []QualityIssue) {
	if t.journal == nil {
		return
	}
	_, err := t.journal.SaveTrainingLog(ctx, db.TrainingLog{
		Generation:        gen,
		ModelName:         ModelName,
		DataPoints:        rows,
		DroppedRows:       dropped,
		Epochs:            report.Epochs,
		BestEpoch:         report.BestEpoch,
		BestLoss:          report.BestLoss,
		FinalLearningRate: report.FinalLearningRate,
		StoppedEarly:      report.StoppedEarly,
		Duration:          report.Duration,
	})
	if err != nil {
		t.log.Error("save training log failed", zap.String("generation", gen), zap.Error(err))
	}

	if len(issues) == 0 {
		return
	}
	rowsOut := make([]db.QualityIssue, len(issues))
	for i, issue := range issues {
		rowsOut[i] = db.QualityIssue{
			Generation: gen,
			Row:        issue.Row,
			IssueType:  issue.Type,
			Severity:   issue.Severity,
			Message:    issue.Message,
			CreatedAt:  issue.Timestamp,
		}
	}
	if err := t.journal.SaveQualityIssues(ctx, rowsOut); err != nil {
		t.log.Error("save quality issues failed", zap.String("generation", gen), zap.Error(err))
	}
}

// IngestionStats exposes the cumulative ingestion counters.
func (t *Trainer) IngestionStats() IngestionStats { return t.ingester.GetStats() }

// CleaningStats exposes the cumulative cleaning counters.
func (t *Trainer) CleaningStats() CleaningStats { return t.cleaner.GetStats() }
