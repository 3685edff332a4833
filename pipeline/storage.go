package pipeline

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"spendwise/ml"
	spendErrors "spendwise/pkg/errors"
)

const (
	currentLink     = "current"
	manifestName    = "manifest.json"
	generationDir   = "gen-"
	stagingPrefix   = ".staging-"
	manifestVersion = 1
	staleStagingAge = time.Hour
)

// Default artifact file names and retention.
const (
	DefaultFeatureTransformFile = "X_scaler.json"
	DefaultTargetTransformFile  = "y_scaler.json"
	DefaultModelFile            = "expense_prediction_model.bin"
	DefaultKeepGenerations      = 3
)

// StorageConfig 存储配置
type StorageConfig struct {
	Dir              string `json:"dir"`
	FeatureTransform string `json:"feature_transform"`
	TargetTransform  string `json:"target_transform"`
	Model            string `json:"model"`
	// KeepGenerations is how many promoted generations survive pruning.
	KeepGenerations int `json:"keep_generations"`
}

func (c *StorageConfig) setDefaults() {
	if c.FeatureTransform == "" {
		c.FeatureTransform = DefaultFeatureTransformFile
	}
	if c.TargetTransform == "" {
		c.TargetTransform = DefaultTargetTransformFile
	}
	if c.Model == "" {
		c.Model = DefaultModelFile
	}
	if c.KeepGenerations <= 0 {
		c.KeepGenerations = DefaultKeepGenerations
	}
}

// Manifest pins the three artifacts of a generation together.
type Manifest struct {
	Version    int               `json:"version"`
	Generation string            `json:"generation"`
	CreatedAt  time.Time         `json:"created_at"`
	Rows       int               `json:"rows"`
	Seed       uint64            `json:"seed"`
	Checksums  map[string]string `json:"checksums"`
}

// ArtifactPaths locates the files of one generation.
type ArtifactPaths struct {
	Dir              string
	FeatureTransform string
	TargetTransform  string
	Model            string
	Manifest         string
}

// Artifacts is a fully loaded, verified generation.
type Artifacts struct {
	Manifest  Manifest
	Transform *ml.TransformState
	Model     *ml.Network
}

// ArtifactStore keeps model generations on disk. Every generation is
// written into a staging directory, renamed into place and published by
// atomically repointing the "current" symlink, so a reader always sees a
// matching transform/model pair.
type ArtifactStore struct {
	config StorageConfig
	log    *zap.Logger

	mu sync.Mutex
}

// NewArtifactStore 创建存储
func NewArtifactStore(config StorageConfig, logger *zap.Logger) (*ArtifactStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Dir == "" {
		return nil, errors.New("artifact directory is empty")
	}
	config.setDefaults()
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create artifact directory")
	}
	return &ArtifactStore{config: config, log: logger.Named("artifacts")}, nil
}

// Config returns the effective configuration.
func (s *ArtifactStore) Config() StorageConfig { return s.config }

// Paths returns the artifact locations inside a generation directory.
func (s *ArtifactStore) Paths(generation string) ArtifactPaths {
	return s.pathsIn(filepath.Join(s.config.Dir, generation))
}

func (s *ArtifactStore) pathsIn(dir string) ArtifactPaths {
	return ArtifactPaths{
		Dir:              dir,
		FeatureTransform: filepath.Join(dir, s.config.FeatureTransform),
		TargetTransform:  filepath.Join(dir, s.config.TargetTransform),
		Model:            filepath.Join(dir, s.config.Model),
		Manifest:         filepath.Join(dir, manifestName),
	}
}

// CurrentGeneration returns the published generation, or "" if none.
func (s *ArtifactStore) CurrentGeneration() (string, error) {
	target, err := os.Readlink(filepath.Join(s.config.Dir, currentLink))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", spendErrors.NewCorruptStateError("CurrentGeneration", "read current link", err)
	}
	return filepath.Base(target), nil
}

// Presence reports which artifacts of the current generation exist.
type Presence struct {
	Generation       string
	Model            bool
	FeatureTransform bool
	TargetTransform  bool
}

// Any reports whether at least one artifact exists.
func (p Presence) Any() bool { return p.Model || p.FeatureTransform || p.TargetTransform }

// Inspect checks which artifacts the current generation holds without
// reading them.
func (s *ArtifactStore) Inspect() (Presence, error) {
	gen, err := s.CurrentGeneration()
	if err != nil || gen == "" {
		return Presence{}, err
	}
	p := s.Paths(gen)
	return Presence{
		Generation:       gen,
		Model:            fileExists(p.Model),
		FeatureTransform: fileExists(p.FeatureTransform),
		TargetTransform:  fileExists(p.TargetTransform),
	}, nil
}

// ModelExists reports whether the current generation holds a model file.
func (s *ArtifactStore) ModelExists() (bool, error) {
	p, err := s.Inspect()
	return p.Model, err
}

// Load reads and verifies the current generation. The model and both
// transforms must all be present and match the manifest checksums.
func (s *ArtifactStore) Load() (*Artifacts, error) {
	gen, err := s.CurrentGeneration()
	if err != nil {
		return nil, err
	}
	if gen == "" {
		return nil, spendErrors.NewModelNotFoundError("ArtifactStore.Load", filepath.Join(s.config.Dir, currentLink), nil)
	}
	p := s.Paths(gen)

	if !fileExists(p.Model) {
		if fileExists(p.FeatureTransform) || fileExists(p.TargetTransform) {
			return nil, spendErrors.NewCorruptStateError("ArtifactStore.Load",
				fmt.Sprintf("generation %s has transform state but no model", gen), nil)
		}
		return nil, spendErrors.NewModelNotFoundError("ArtifactStore.Load", p.Model, nil)
	}
	for _, path := range []string{p.FeatureTransform, p.TargetTransform} {
		if !fileExists(path) {
			return nil, spendErrors.NewCorruptStateError("ArtifactStore.Load",
				fmt.Sprintf("generation %s has a model but %s is missing", gen, filepath.Base(path)), nil)
		}
	}

	manifest, err := readManifest(p.Manifest)
	if err != nil {
		return nil, err
	}
	if manifest.Generation != gen {
		return nil, spendErrors.NewCorruptStateError("ArtifactStore.Load",
			fmt.Sprintf("manifest names generation %q, current is %q", manifest.Generation, gen), nil)
	}
	if err := s.verify(p, manifest); err != nil {
		return nil, err
	}

	features, err := ml.LoadScaler(p.FeatureTransform, ml.FeatureCount)
	if err != nil {
		return nil, err
	}
	target, err := ml.LoadScaler(p.TargetTransform, 1)
	if err != nil {
		return nil, err
	}
	model, err := ml.LoadNetwork(p.Model)
	if err != nil {
		return nil, err
	}

	s.log.Info("artifacts loaded", zap.String("generation", gen), zap.Int("rows", manifest.Rows))
	return &Artifacts{
		Manifest:  *manifest,
		Transform: &ml.TransformState{Features: features, Target: target},
		Model:     model,
	}, nil
}

func (s *ArtifactStore) verify(p ArtifactPaths, m *Manifest) error {
	checks := []struct {
		name string
		path string
		kind func(op, msg string, cause error) error
	}{
		{s.config.FeatureTransform, p.FeatureTransform, spendErrors.NewCorruptStateError},
		{s.config.TargetTransform, p.TargetTransform, spendErrors.NewCorruptStateError},
		{s.config.Model, p.Model, spendErrors.NewCorruptModelError},
	}
	for _, c := range checks {
		want, ok := m.Checksums[c.name]
		if !ok {
			return spendErrors.NewCorruptStateError("ArtifactStore.verify", "manifest has no checksum for "+c.name, nil)
		}
		got, err := checksum(c.path)
		if err != nil {
			return c.kind("ArtifactStore.verify", "hash "+c.name, err)
		}
		if got != want {
			return c.kind("ArtifactStore.verify", c.name+" does not match its manifest checksum", nil)
		}
	}
	return nil
}

// Stage opens a new private generation directory. Nothing written to it is
// visible to Load until Commit.
func (s *ArtifactStore) Stage() (*Staging, error) {
	gen, err := newGenerationID()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.config.Dir, stagingPrefix+gen)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create staging directory")
	}
	s.log.Debug("staging generation", zap.String("generation", gen))
	return &Staging{store: s, generation: gen, dir: dir}, nil
}

// Staging is an in-progress generation.
type Staging struct {
	store      *ArtifactStore
	generation string
	dir        string
	done       bool
}

// Generation is the id the generation will be published under.
func (st *Staging) Generation() string { return st.generation }

// WriteTransform persists both scalers.
func (st *Staging) WriteTransform(state *ml.TransformState) error {
	p := st.store.pathsIn(st.dir)
	if err := ml.SaveScaler(p.FeatureTransform, state.Features); err != nil {
		return errors.Wrap(err, "write feature transform")
	}
	if err := ml.SaveScaler(p.TargetTransform, state.Target); err != nil {
		return errors.Wrap(err, "write target transform")
	}
	return nil
}

// WriteModel persists the network.
func (st *Staging) WriteModel(net *ml.Network) error {
	return ml.SaveNetwork(st.store.pathsIn(st.dir).Model, net)
}

// Commit writes the manifest, moves the staging directory into place and
// repoints "current" at it. Older generations beyond the retention limit
// are pruned afterwards.
func (st *Staging) Commit(rows int, seed uint64) (*Manifest, error) {
	if st.done {
		return nil, errors.Newf("generation %s already finished", st.generation)
	}
	s := st.store
	p := s.pathsIn(st.dir)

	m := &Manifest{
		Version:    manifestVersion,
		Generation: st.generation,
		CreatedAt:  time.Now().UTC(),
		Rows:       rows,
		Seed:       seed,
		Checksums:  make(map[string]string, 3),
	}
	for name, path := range map[string]string{
		s.config.FeatureTransform: p.FeatureTransform,
		s.config.TargetTransform:  p.TargetTransform,
		s.config.Model:            p.Model,
	} {
		sum, err := checksum(path)
		if err != nil {
			return nil, errors.Wrapf(err, "generation %s is incomplete", st.generation)
		}
		m.Checksums[name] = sum
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := ml.WriteFileAtomic(p.Manifest, data, 0o600); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := filepath.Join(s.config.Dir, st.generation)
	if err := os.Rename(st.dir, final); err != nil {
		return nil, errors.Wrap(err, "promote generation")
	}
	st.dir = final
	if err := s.swapCurrent(st.generation); err != nil {
		return nil, err
	}
	st.done = true

	s.log.Info("generation published", zap.String("generation", st.generation), zap.Int("rows", rows))
	if err := s.pruneLocked(); err != nil {
		s.log.Warn("prune generations failed", zap.Error(err))
	}
	return m, nil
}

// Abort discards the staging directory. It is a no-op after Commit.
func (st *Staging) Abort() error {
	if st.done {
		return nil
	}
	st.done = true
	st.store.log.Debug("staging discarded", zap.String("generation", st.generation))
	return os.RemoveAll(st.dir)
}

func (s *ArtifactStore) swapCurrent(generation string) error {
	link := filepath.Join(s.config.Dir, currentLink)
	tmp := filepath.Join(s.config.Dir, "."+currentLink+"-"+generation)
	_ = os.Remove(tmp)
	if err := os.Symlink(generation, tmp); err != nil {
		return errors.Wrap(err, "create current link")
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "swap current link")
	}
	return ml.SyncDir(s.config.Dir)
}

// Generations lists promoted generations, oldest first.
func (s *ArtifactStore) Generations() ([]string, error) {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return nil, err
	}
	var gens []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), generationDir) {
			gens = append(gens, e.Name())
		}
	}
	sort.Strings(gens)
	return gens, nil
}

// Prune removes old generations and abandoned staging directories.
func (s *ArtifactStore) Prune() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked()
}

func (s *ArtifactStore) pruneLocked() error {
	current, err := s.CurrentGeneration()
	if err != nil {
		return err
	}
	gens, err := s.Generations()
	if err != nil {
		return err
	}
	excess := len(gens) - s.config.KeepGenerations
	for i := 0; i < len(gens) && excess > 0; i++ {
		if gens[i] == current {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.config.Dir, gens[i])); err != nil {
			return err
		}
		s.log.Debug("generation pruned", zap.String("generation", gens[i]))
		excess--
	}

	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < staleStagingAge {
			continue
		}
		_ = os.RemoveAll(filepath.Join(s.config.Dir, e.Name()))
	}
	return nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, spendErrors.NewCorruptStateError("readManifest", "read "+path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, spendErrors.NewCorruptStateError("readManifest", "decode "+path, err)
	}
	if m.Version != manifestVersion {
		return nil, spendErrors.NewCorruptStateError("readManifest", fmt.Sprintf("unsupported manifest version %d", m.Version), nil)
	}
	return &m, nil
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// newGenerationID is time ordered with a random suffix.
func newGenerationID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return generationDir + time.Now().UTC().Format("20060102T150405.000000000") + "-" + hex.EncodeToString(b[:]), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
