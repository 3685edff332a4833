package serving

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendwise/pipeline"
	spendErrors "spendwise/pkg/errors"
)

func TestBootstrapTrainsWhenNothingPublished(t *testing.T) {
	store := newStore(t)
	src := &docSource{docs: budgetDocs(24)}
	events := &eventRecorder{}
	b := NewBootstrapper(pipeline.NewTrainer(src, store, nil, testTrainConfig(), nil), events, nil)

	assert.Equal(t, Uninitialized, b.State())
	assert.Nil(t, b.Resources())

	res, err := b.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Ready, b.State())
	assert.True(t, res.Trained)
	assert.Same(t, res, b.Resources())
	assert.NotEmpty(t, res.Generation())
	assert.EqualValues(t, 1, src.calls.Load())

	kinds := events.kinds()
	assert.Equal(t, EventBootstrapState, kinds[0])
	assert.Contains(t, kinds, EventTrainingEpoch)
	assert.Contains(t, kinds, EventTrainingComplete)
	assert.Equal(t, EventBootstrapState, kinds[len(kinds)-1])
}

func TestBootstrapLoadsExistingGeneration(t *testing.T) {
	store := newStore(t)
	first, err := NewBootstrapper(pipeline.NewTrainer(&docSource{docs: budgetDocs(24)}, store, nil, testTrainConfig(), nil), nil, nil).
		Start(context.Background())
	require.NoError(t, err)

	b := NewBootstrapper(pipeline.NewTrainer(refusingSource{}, store, nil, testTrainConfig(), nil), nil, nil)
	res, err := b.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Trained)
	assert.Equal(t, first.Generation(), res.Generation())
	assert.True(t, res.Transform.Equal(first.Transform))
}

func TestBootstrapModelWithoutTransformIsFatal(t *testing.T) {
	store := newStore(t)
	first, err := NewBootstrapper(pipeline.NewTrainer(&docSource{docs: budgetDocs(24)}, store, nil, testTrainConfig(), nil), nil, nil).
		Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(store.Paths(first.Generation()).FeatureTransform))

	b := NewBootstrapper(pipeline.NewTrainer(refusingSource{}, store, nil, testTrainConfig(), nil), nil, nil)
	_, err = b.Start(context.Background())
	require.Error(t, err)
	assert.True(t, spendErrors.Is(err, spendErrors.ErrCorruptState))
	assert.NotErrorIs(t, err, errUnexpectedFetch)
	assert.Equal(t, Failed, b.State())
	assert.Nil(t, b.Resources())

	// terminal: a second attempt reports the same failure without retrying
	_, again := b.Start(context.Background())
	assert.Equal(t, err, again)
	assert.Equal(t, err, b.Err())
}

func TestBootstrapTransformWithoutModelIsFatal(t *testing.T) {
	store := newStore(t)
	first, err := NewBootstrapper(pipeline.NewTrainer(&docSource{docs: budgetDocs(24)}, store, nil, testTrainConfig(), nil), nil, nil).
		Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(store.Paths(first.Generation()).Model))

	_, err = NewBootstrapper(pipeline.NewTrainer(refusingSource{}, store, nil, testTrainConfig(), nil), nil, nil).
		Start(context.Background())
	assert.True(t, spendErrors.Is(err, spendErrors.ErrCorruptState))
}

func TestBootstrapEmptyDatasetFails(t *testing.T) {
	store := newStore(t)
	docs := budgetDocs(3)
	for _, d := range docs {
		d["food"] = nil
	}
	events := &eventRecorder{}
	b := NewBootstrapper(pipeline.NewTrainer(&docSource{docs: docs}, store, nil, testTrainConfig(), nil), events, nil)

	_, err := b.Start(context.Background())
	assert.True(t, spendErrors.Is(err, spendErrors.ErrEmptyDataset))
	assert.Equal(t, Failed, b.State())

	gen, err := store.CurrentGeneration()
	require.NoError(t, err)
	assert.Empty(t, gen)

	last := events.events[len(events.events)-1]
	payload := last.payload.(map[string]any)
	assert.Equal(t, "failed", payload["state"])
	assert.Equal(t, "empty_dataset", payload["error"])
}

func TestBootstrapConcurrentStartTrainsOnce(t *testing.T) {
	store := newStore(t)
	src := &docSource{docs: budgetDocs(24)}
	b := NewBootstrapper(pipeline.NewTrainer(src, store, nil, testTrainConfig(), nil), nil, nil)

	results := make([]*Resources, 4)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.Start(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, src.calls.Load())
	for _, r := range results[1:] {
		assert.Same(t, results[0], r)
	}
}
