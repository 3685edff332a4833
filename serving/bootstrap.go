// Package serving owns the process-wide model state and the prediction and
// evaluation services built on it.
package serving

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spendwise/ml"
	"spendwise/pipeline"
	spendErrors "spendwise/pkg/errors"
)

// Event kinds published while resolving resources.
const (
	EventBootstrapState     = "bootstrap_state"
	EventTrainingEpoch      = "training_epoch"
	EventTrainingComplete   = "training_complete"
	EventEvaluationComplete = "evaluation_complete"
)

// Publisher receives progress events. The monitoring hub implements it.
type Publisher interface {
	Publish(kind string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// State is the bootstrap lifecycle.
type State int32

const (
	Uninitialized State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "initializing"
	}
}

// Resources is the immutable transform/model pair every request reads.
// It is built once and never modified.
type Resources struct {
	Transform *ml.TransformState
	Model     *ml.Network
	Manifest  pipeline.Manifest
	LoadedAt  time.Time
	// Trained is true when this process produced the generation itself.
	Trained bool
}

// Generation is the id of the loaded artifact generation.
func (r *Resources) Generation() string { return r.Manifest.Generation }

// Bootstrapper resolves Resources at startup: it loads the published
// generation or, when no model has ever been published, trains one first.
type Bootstrapper struct {
	trainer *pipeline.Trainer
	store   *pipeline.ArtifactStore
	events  Publisher
	log     *zap.Logger

	mu    sync.Mutex
	state atomic.Int32
	res   *Resources
	err   error
}

// NewBootstrapper 创建启动器. events may be nil. The trainer's epoch
// callback is chained so that training progress is published as events.
func NewBootstrapper(trainer *pipeline.Trainer, events Publisher, logger *zap.Logger) *Bootstrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = nopPublisher{}
	}
	b := &Bootstrapper{
		trainer: trainer,
		store:   trainer.Store(),
		events:  events,
		log:     logger.Named("bootstrap"),
	}
	prev := trainer.OnEpoch
	trainer.OnEpoch = func(gen string, s ml.EpochStats) {
		b.events.Publish(EventTrainingEpoch, map[string]any{
			"generation":    gen,
			"epoch":         s.Epoch,
			"loss":          s.Loss,
			"mae":           s.MAE,
			"learning_rate": s.LearningRate,
		})
		if prev != nil {
			prev(gen, s)
		}
	}
	return b
}

// State returns the current lifecycle state.
func (b *Bootstrapper) State() State { return State(b.state.Load()) }

// Resources returns the loaded resources, or nil before Ready.
func (b *Bootstrapper) Resources() *Resources {
	if b.State() != Ready {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.res
}

// Err returns the terminal failure, if any.
func (b *Bootstrapper) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Start resolves the resources. Concurrent callers wait for the first one;
// once Ready or Failed the outcome is returned without further work.
//
// A half-present generation (model without transforms or the reverse) is a
// fatal CorruptState error; training is only attempted when nothing has
// been published.
func (b *Bootstrapper) Start(ctx context.Context) (*Resources, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.State() {
	case Ready:
		return b.res, nil
	case Failed:
		return nil, b.err
	}
	b.publishState(nil)

	res, err := b.resolve(ctx)
	if err != nil {
		b.err = err
		b.state.Store(int32(Failed))
		b.log.Error("bootstrap failed", zap.String("kind", spendErrors.KindName(err)), zap.Error(err))
		b.publishState(err)
		return nil, err
	}

	b.res = res
	b.state.Store(int32(Ready))
	b.log.Info("resources ready",
		zap.String("generation", res.Generation()),
		zap.Bool("trained", res.Trained))
	b.publishState(nil)
	return res, nil
}

func (b *Bootstrapper) resolve(ctx context.Context) (*Resources, error) {
	presence, err := b.store.Inspect()
	if err != nil {
		return nil, err
	}

	trained := false
	if !presence.Model {
		if presence.Any() {
			return nil, spendErrors.NewCorruptStateError("Bootstrapper.Start",
				"generation "+presence.Generation+" has transform state but no model", nil)
		}
		b.log.Info("no published model, training a new generation")
		if err := b.train(ctx); err != nil {
			return nil, err
		}
		trained = true
	}

	artifacts, err := b.store.Load()
	if err != nil {
		return nil, err
	}
	return &Resources{
		Transform: artifacts.Transform,
		Model:     artifacts.Model,
		Manifest:  artifacts.Manifest,
		LoadedAt:  time.Now(),
		Trained:   trained,
	}, nil
}

func (b *Bootstrapper) train(ctx context.Context) error {
	res, err := b.trainer.Run(ctx)
	if err != nil {
		return err
	}
	b.events.Publish(EventTrainingComplete, map[string]any{
		"generation":    res.Manifest.Generation,
		"rows":          res.Rows,
		"dropped":       res.Dropped,
		"epochs":        res.Report.Epochs,
		"best_epoch":    res.Report.BestEpoch,
		"best_loss":     res.Report.BestLoss,
		"stopped_early": res.Report.StoppedEarly,
	})
	return nil
}

func (b *Bootstrapper) publishState(err error) {
	payload := map[string]any{"state": b.State().String()}
	if b.res != nil {
		payload["generation"] = b.res.Generation()
	}
	if err != nil {
		payload["error"] = spendErrors.KindName(err)
		payload["detail"] = err.Error()
	}
	b.events.Publish(EventBootstrapState, payload)
}
