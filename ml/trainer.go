package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/mat"

	spendErrors "spendwise/pkg/errors"
)

// TrainConfig controls a training run.
type TrainConfig struct {
	Epochs    int
	BatchSize int

	LearningRate    float64
	MinLearningRate float64
	// LRFactor multiplies the step size after LRPatience epochs without
	// improvement.
	LRFactor   float64
	LRPatience int
	// LRMinDelta is how much the loss must fall to count as an improvement
	// for the learning-rate schedule.
	LRMinDelta float64

	// EarlyStoppingPatience epochs without improvement end the run and the
	// best weights seen are restored.
	EarlyStoppingPatience int

	L2      float64
	Dropout float64

	// Seed fixes weight init, shuffling and dropout. Zero seeds from the clock.
	Seed uint64

	// Progress, if set, is called after every epoch.
	Progress func(EpochStats)
}

// DefaultTrainConfig returns the production training settings.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Epochs:                50,
		BatchSize:             32,
		LearningRate:          0.001,
		MinLearningRate:       1e-5,
		LRFactor:              0.5,
		LRPatience:            3,
		LRMinDelta:            1e-4,
		EarlyStoppingPatience: 5,
		L2:                    0.001,
		Dropout:               0.2,
	}
}

// Validate checks the configuration is usable.
func (c TrainConfig) Validate() error {
	switch {
	case c.Epochs <= 0:
		return errors.New("epochs must be positive")
	case c.BatchSize <= 0:
		return errors.New("batch size must be positive")
	case c.LearningRate <= 0:
		return errors.New("learning rate must be positive")
	case c.MinLearningRate < 0 || c.MinLearningRate > c.LearningRate:
		return errors.New("min learning rate must be in [0, learning rate]")
	case c.LRFactor <= 0 || c.LRFactor >= 1:
		return errors.New("lr factor must be in (0, 1)")
	case c.LRPatience <= 0 || c.EarlyStoppingPatience <= 0:
		return errors.New("patience must be positive")
	case c.LRMinDelta < 0:
		return errors.New("lr min delta must not be negative")
	case c.L2 < 0:
		return errors.New("l2 must not be negative")
	case c.Dropout < 0 || c.Dropout >= 1:
		return errors.New("dropout must be in [0, 1)")
	}
	return nil
}

// EpochStats is the per-epoch training record.
type EpochStats struct {
	Epoch        int     `json:"epoch"`
	Loss         float64 `json:"loss"`
	MAE          float64 `json:"mae"`
	LearningRate float64 `json:"learning_rate"`
}

// TrainReport summarizes a finished run.
type TrainReport struct {
	History           []EpochStats  `json:"history"`
	Epochs            int           `json:"epochs"`
	BestEpoch         int           `json:"best_epoch"`
	BestLoss          float64       `json:"best_loss"`
	StoppedEarly      bool          `json:"stopped_early"`
	FinalLearningRate float64       `json:"final_learning_rate"`
	Seed              uint64        `json:"seed"`
	Duration          time.Duration `json:"duration"`
}

// Train fits a fresh network to normalized X (n x 9) and y (n x 1) using
// mini-batch Adam on mean squared error plus the L2 penalty.
//
// The run aborts with a training error if the loss or any weight becomes
// non-finite; no partially trained network is returned in that case.
func Train(ctx context.Context, X, y mat.Matrix, cfg TrainConfig) (*Network, *TrainReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, spendErrors.NewTrainingError("Train", "invalid config", err)
	}
	rows, cols := X.Dims()
	if rows == 0 {
		return nil, nil, spendErrors.NewEmptyDatasetError("Train", "no training rows")
	}
	if yr, yc := y.Dims(); yr != rows || yc != 1 {
		return nil, nil, spendErrors.NewTrainingError("Train", fmt.Sprintf("target shape (%d x %d) does not match %d rows", yr, yc, rows), nil)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	start := time.Now()
	net := NewNetwork(cols, Architecture(cfg.L2, cfg.Dropout), rng)
	opt := newAdam(net, cfg.LearningRate)

	report := &TrainReport{Seed: seed, BestLoss: math.Inf(1)}
	best := net.Clone()
	stopper := newEarlyStopping(cfg.EarlyStoppingPatience)
	plateau := newPlateauSchedule(cfg.LRFactor, cfg.MinLearningRate, cfg.LRMinDelta, cfg.LRPatience)

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, report, spendErrors.NewTrainingError("Train", fmt.Sprintf("cancelled before epoch %d", epoch), err)
		}

		loss, mae := runEpoch(net, opt, X, y, cfg.BatchSize, rng)
		if math.IsNaN(loss) || math.IsInf(loss, 0) || !net.Finite() {
			return nil, report, spendErrors.NewTrainingError("Train", fmt.Sprintf("non-finite loss at epoch %d", epoch), nil)
		}

		stats := EpochStats{Epoch: epoch, Loss: loss, MAE: mae, LearningRate: opt.lr}
		report.History = append(report.History, stats)
		report.Epochs = epoch
		if cfg.Progress != nil {
			cfg.Progress(stats)
		}

		improved, stop := stopper.observe(loss)
		if improved {
			report.BestLoss = loss
			report.BestEpoch = epoch
			best = net.Clone()
		}
		opt.lr = plateau.observe(loss, opt.lr)
		if stop {
			report.StoppedEarly = true
			break
		}
	}

	report.FinalLearningRate = opt.lr
	report.Duration = time.Since(start)
	return best, report, nil
}

// earlyStopping tracks the best loss and signals a stop after patience
// epochs without strict improvement.
type earlyStopping struct {
	patience int
	wait     int
	best     float64
}

func newEarlyStopping(patience int) *earlyStopping {
	return &earlyStopping{patience: patience, best: math.Inf(1)}
}

func (e *earlyStopping) observe(loss float64) (improved, stop bool) {
	if loss < e.best {
		e.best = loss
		e.wait = 0
		return true, false
	}
	e.wait++
	return false, e.wait >= e.patience
}

// plateauSchedule lowers the learning rate by factor after patience epochs
// without an improvement of more than minDelta, never below floor. The wait
// counter only resets when the rate actually drops.
type plateauSchedule struct {
	factor   float64
	floor    float64
	minDelta float64
	patience int
	wait     int
	best     float64
}

func newPlateauSchedule(factor, floor, minDelta float64, patience int) *plateauSchedule {
	return &plateauSchedule{factor: factor, floor: floor, minDelta: minDelta, patience: patience, best: math.Inf(1)}
}

func (p *plateauSchedule) observe(loss, lr float64) float64 {
	if loss < p.best-p.minDelta {
		p.best = loss
		p.wait = 0
		return lr
	}
	p.wait++
	if p.wait >= p.patience && lr > p.floor {
		p.wait = 0
		return math.Max(lr*p.factor, p.floor)
	}
	return lr
}

// runEpoch makes one shuffled pass and returns the sample-weighted mean of
// the batch losses and the mean absolute error.
func runEpoch(net *Network, opt *adam, X, y mat.Matrix, batchSize int, rng *rand.Rand) (loss, mae float64) {
	rows, _ := X.Dims()
	perm := rng.Perm(rows)
	var lossSum, absSum float64
	for startIdx := 0; startIdx < rows; startIdx += batchSize {
		end := startIdx + batchSize
		if end > rows {
			end = rows
		}
		idx := perm[startIdx:end]
		xb := gatherRows(X, idx)
		yb := gatherRows(y, idx)

		out, caches := net.forwardTrain(xb, rng)
		m := float64(len(idx))
		dOut := mat.NewDense(len(idx), 1, nil)
		var sq, abs float64
		for i := range idx {
			diff := out.At(i, 0) - yb.At(i, 0)
			sq += diff * diff
			abs += math.Abs(diff)
			dOut.Set(i, 0, 2*diff/m)
		}
		lossSum += (sq/m + net.l2Penalty()) * m
		absSum += abs

		opt.step(net, net.backward(caches, dOut))
	}
	return lossSum / float64(rows), absSum / float64(rows)
}

func gatherRows(m mat.Matrix, idx []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, src := range idx {
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(src, j))
		}
	}
	return out
}

// adam implements the Adam update with bias correction folded into the
// step size.
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	mW, vW                [][]float64
	mB, vB                [][]float64
}

func newAdam(n *Network, lr float64) *adam {
	a := &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7}
	for _, l := range n.layers {
		size := len(l.W.RawMatrix().Data)
		a.mW = append(a.mW, make([]float64, size))
		a.vW = append(a.vW, make([]float64, size))
		a.mB = append(a.mB, make([]float64, len(l.B)))
		a.vB = append(a.vB, make([]float64, len(l.B)))
	}
	return a
}

func (a *adam) step(n *Network, grads []layerGrad) {
	a.t++
	t := float64(a.t)
	alpha := a.lr * math.Sqrt(1-math.Pow(a.beta2, t)) / (1 - math.Pow(a.beta1, t))
	for i, l := range n.layers {
		update(l.W.RawMatrix().Data, grads[i].W.RawMatrix().Data, a.mW[i], a.vW[i], alpha, a.beta1, a.beta2, a.eps)
		update(l.B, grads[i].B, a.mB[i], a.vB[i], alpha, a.beta1, a.beta2, a.eps)
	}
}

func update(params, grads, m, v []float64, alpha, beta1, beta2, eps float64) {
	for k, g := range grads {
		m[k] = beta1*m[k] + (1-beta1)*g
		v[k] = beta2*v[k] + (1-beta2)*g*g
		params[k] -= alpha * m[k] / (math.Sqrt(v[k]) + eps)
	}
}
