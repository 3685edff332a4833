package serving

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"spendwise/ml"
	"spendwise/pipeline"
)

type docSource struct {
	docs  []map[string]any
	calls atomic.Int32
}

func (d *docSource) FetchAll(context.Context) ([]map[string]any, error) {
	d.calls.Add(1)
	return d.docs, nil
}

var errUnexpectedFetch = errors.New("source should not be read")

type refusingSource struct{}

func (refusingSource) FetchAll(context.Context) ([]map[string]any, error) {
	return nil, errUnexpectedFetch
}

func budgetDoc(income, misc float64) map[string]any {
	return map[string]any{
		"monthly_income": income,
		"financial_aid":  income * 0.2,
		"tuition":        income * 0.5,
		"housing":        income * 0.3,
		"food":           income * 0.15,
		"transportation": income * 0.05,
		"books_supplies": income * 0.04,
		"entertainment":  income * 0.06,
		"personal_care":  income * 0.03,
		"miscellaneous":  misc,
	}
}

func budgetDocs(n int) []map[string]any {
	docs := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		income := 600 + float64(i*53%1000)
		docs = append(docs, budgetDoc(income, 30+income*0.06))
	}
	return docs
}

func testTrainConfig() ml.TrainConfig {
	cfg := ml.DefaultTrainConfig()
	cfg.Epochs = 2
	cfg.Seed = 5
	return cfg
}

func newStore(t *testing.T) *pipeline.ArtifactStore {
	t.Helper()
	store, err := pipeline.NewArtifactStore(pipeline.StorageConfig{Dir: filepath.Join(t.TempDir(), "artifacts")}, nil)
	require.NoError(t, err)
	return store
}

// trainedResources publishes one generation and boots from it.
func trainedResources(t *testing.T) *Resources {
	t.Helper()
	store := newStore(t)
	trainer := pipeline.NewTrainer(&docSource{docs: budgetDocs(30)}, store, nil, testTrainConfig(), nil)
	res, err := NewBootstrapper(trainer, nil, nil).Start(context.Background())
	require.NoError(t, err)
	return res
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

type recordedEvent struct {
	kind    string
	payload any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Publish(kind string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: kind, payload: payload})
}

func (r *eventRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.kind
	}
	return out
}
