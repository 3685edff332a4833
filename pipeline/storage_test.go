package pipeline

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendwise/ml"
	spendErrors "spendwise/pkg/errors"
)

func newTestStore(t *testing.T, keep int) *ArtifactStore {
	t.Helper()
	s, err := NewArtifactStore(StorageConfig{Dir: filepath.Join(t.TempDir(), "artifacts"), KeepGenerations: keep}, nil)
	require.NoError(t, err)
	return s
}

func testTransform(t *testing.T) *ml.TransformState {
	t.Helper()
	var records []ml.LabeledRecord
	for i := 0; i < 5; i++ {
		rec, problems := DecodeRecord(fullDoc(float64(800+100*i), float64(50+10*i)))
		require.Empty(t, problems)
		records = append(records, rec)
	}
	state, err := ml.FitTransform(records)
	require.NoError(t, err)
	return state
}

func publish(t *testing.T, s *ArtifactStore) string {
	t.Helper()
	st, err := s.Stage()
	require.NoError(t, err)
	require.NoError(t, st.WriteTransform(testTransform(t)))
	require.NoError(t, st.WriteModel(ml.NewNetwork(ml.FeatureCount, ml.Architecture(0.001, 0.2), rand.New(rand.NewPCG(1, 2)))))
	m, err := st.Commit(5, 7)
	require.NoError(t, err)
	return m.Generation
}

func TestArtifactStoreEmpty(t *testing.T) {
	s := newTestStore(t, 0)

	gen, err := s.CurrentGeneration()
	require.NoError(t, err)
	assert.Empty(t, gen)

	exists, err := s.ModelExists()
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.Load()
	assert.True(t, spendErrors.Is(err, spendErrors.ErrModelNotFound))
}

func TestArtifactStoreCommitAndLoad(t *testing.T) {
	s := newTestStore(t, 0)
	gen := publish(t, s)

	current, err := s.CurrentGeneration()
	require.NoError(t, err)
	assert.Equal(t, gen, current)

	exists, err := s.ModelExists()
	require.NoError(t, err)
	assert.True(t, exists)

	a, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, gen, a.Manifest.Generation)
	assert.Equal(t, 5, a.Manifest.Rows)
	assert.EqualValues(t, 7, a.Manifest.Seed)
	assert.True(t, a.Transform.Equal(testTransform(t)))
	assert.Equal(t, ml.FeatureCount, a.Model.Inputs())

	p := s.Paths(gen)
	assert.FileExists(t, filepath.Join(p.Dir, "X_scaler.json"))
	assert.FileExists(t, filepath.Join(p.Dir, "y_scaler.json"))
	assert.FileExists(t, filepath.Join(p.Dir, "expense_prediction_model.bin"))
}

func TestArtifactStoreAbortLeavesNothing(t *testing.T) {
	s := newTestStore(t, 0)
	st, err := s.Stage()
	require.NoError(t, err)
	require.NoError(t, st.WriteTransform(testTransform(t)))
	require.NoError(t, st.Abort())

	entries, err := os.ReadDir(s.Config().Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCommitRequiresAllArtifacts(t *testing.T) {
	s := newTestStore(t, 0)
	st, err := s.Stage()
	require.NoError(t, err)
	require.NoError(t, st.WriteTransform(testTransform(t)))

	_, err = st.Commit(5, 1)
	require.Error(t, err)
	gen, err := s.CurrentGeneration()
	require.NoError(t, err)
	assert.Empty(t, gen)
	require.NoError(t, st.Abort())
}

func TestLoadMissingTransformIsCorruptState(t *testing.T) {
	s := newTestStore(t, 0)
	gen := publish(t, s)
	require.NoError(t, os.Remove(s.Paths(gen).TargetTransform))

	_, err := s.Load()
	require.Error(t, err)
	assert.True(t, spendErrors.Is(err, spendErrors.ErrCorruptState))
}

func TestLoadTransformWithoutModelIsCorruptState(t *testing.T) {
	s := newTestStore(t, 0)
	gen := publish(t, s)
	require.NoError(t, os.Remove(s.Paths(gen).Model))

	p, err := s.Inspect()
	require.NoError(t, err)
	assert.False(t, p.Model)
	assert.True(t, p.Any())

	_, err = s.Load()
	assert.True(t, spendErrors.Is(err, spendErrors.ErrCorruptState))
}

func TestLoadDetectsTampering(t *testing.T) {
	s := newTestStore(t, 0)
	gen := publish(t, s)
	p := s.Paths(gen)

	other := ml.NewNetwork(ml.FeatureCount, ml.Architecture(0.001, 0.2), rand.New(rand.NewPCG(9, 9)))
	require.NoError(t, ml.SaveNetwork(p.Model, other))
	_, err := s.Load()
	assert.True(t, spendErrors.Is(err, spendErrors.ErrCorruptModel))
}

func TestLoadDetectsSwappedTransform(t *testing.T) {
	s := newTestStore(t, 0)
	first := publish(t, s)
	second := publish(t, s)

	data, err := os.ReadFile(s.Paths(first).FeatureTransform)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Paths(second).FeatureTransform, append(data, '\n'), 0o600))

	_, err = s.Load()
	assert.True(t, spendErrors.Is(err, spendErrors.ErrCorruptState))
}

func TestPruneKeepsNewestGenerations(t *testing.T) {
	s := newTestStore(t, 2)
	var gens []string
	for i := 0; i < 4; i++ {
		gens = append(gens, publish(t, s))
	}

	kept, err := s.Generations()
	require.NoError(t, err)
	assert.Equal(t, gens[2:], kept)

	current, err := s.CurrentGeneration()
	require.NoError(t, err)
	assert.Equal(t, gens[3], current)
}

func TestNewArtifactStoreErrorsCarryStack(t *testing.T) {
	_, err := NewArtifactStore(StorageConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, fmt.Sprintf("%+v", err), "NewArtifactStore")

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	_, err = NewArtifactStore(StorageConfig{Dir: filepath.Join(blocker, "artifacts")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create artifact directory")
	assert.Contains(t, fmt.Sprintf("%+v", err), "NewArtifactStore")
}
