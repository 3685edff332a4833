package ml

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	spendErrors "spendwise/pkg/errors"
)

// Activation selects a layer's elementwise non-linearity.
type Activation int

const (
	Linear Activation = iota
	ReLU
)

func (a Activation) String() string {
	switch a {
	case ReLU:
		return "relu"
	default:
		return "linear"
	}
}

func (a Activation) apply(v float64) float64 {
	if a == ReLU && v < 0 {
		return 0
	}
	return v
}

// LayerSpec describes one fully connected layer. Dropout applies to the
// layer's output during training only.
type LayerSpec struct {
	Units      int
	Activation Activation
	L2         float64
	Dropout    float64
}

// Architecture is the fixed topology of the spending model:
// 9 relu -> dropout -> 256 relu -> dropout -> 64 relu -> 1 linear.
// Every hidden kernel carries the same L2 penalty.
func Architecture(l2, dropout float64) []LayerSpec {
	return []LayerSpec{
		{Units: 9, Activation: ReLU, L2: l2, Dropout: dropout},
		{Units: 256, Activation: ReLU, L2: l2, Dropout: dropout},
		{Units: 64, Activation: ReLU, L2: l2},
		{Units: 1, Activation: Linear},
	}
}

// Dense is a fully connected layer. W has shape (inputs x units).
type Dense struct {
	W          *mat.Dense
	B          []float64
	Activation Activation
	L2         float64
	Dropout    float64
}

// Units is the layer's output width.
func (l *Dense) Units() int {
	_, c := l.W.Dims()
	return c
}

func (l *Dense) forward(a mat.Matrix) (pre, out *mat.Dense) {
	r, _ := a.Dims()
	pre = mat.NewDense(r, l.Units(), nil)
	pre.Mul(a, l.W)
	pre.Apply(func(_, j int, v float64) float64 { return v + l.B[j] }, pre)
	out = mat.NewDense(r, l.Units(), nil)
	out.Apply(func(_, _ int, v float64) float64 { return l.Activation.apply(v) }, pre)
	return pre, out
}

// Network is a feed-forward regression network. It is safe for concurrent
// Predict calls once training has finished.
type Network struct {
	inputs int
	layers []*Dense
}

// NewNetwork builds a network with Glorot-uniform kernels and zero biases.
func NewNetwork(inputs int, specs []LayerSpec, rng *rand.Rand) *Network {
	n := &Network{inputs: inputs}
	in := inputs
	for _, ls := range specs {
		limit := math.Sqrt(6 / float64(in+ls.Units))
		data := make([]float64, in*ls.Units)
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * limit
		}
		n.layers = append(n.layers, &Dense{
			W:          mat.NewDense(in, ls.Units, data),
			B:          make([]float64, ls.Units),
			Activation: ls.Activation,
			L2:         ls.L2,
			Dropout:    ls.Dropout,
		})
		in = ls.Units
	}
	return n
}

// Inputs is the expected feature width.
func (n *Network) Inputs() int { return n.inputs }

// Outputs is the width of the final layer.
func (n *Network) Outputs() int {
	if len(n.layers) == 0 {
		return 0
	}
	return n.layers[len(n.layers)-1].Units()
}

// Layers exposes the layers for persistence and inspection. Callers must
// not mutate a network that is serving requests.
func (n *Network) Layers() []*Dense { return n.layers }

// Predict runs a forward pass over every row of X with dropout disabled.
func (n *Network) Predict(X mat.Matrix) (*mat.Dense, error) {
	r, c := X.Dims()
	if r == 0 {
		return nil, spendErrors.NewValidationError("Network.Predict", "no rows to predict")
	}
	if c != n.inputs {
		return nil, spendErrors.NewValidationError("Network.Predict", "input width does not match network")
	}
	var a mat.Matrix = X
	var out *mat.Dense
	for _, l := range n.layers {
		_, out = l.forward(a)
		a = out
	}
	return out, nil
}

// PredictOne runs a single row and returns the scalar output.
func (n *Network) PredictOne(x []float64) (float64, error) {
	if len(x) != n.inputs {
		return 0, spendErrors.NewValidationError("Network.PredictOne", "input width does not match network")
	}
	out, err := n.Predict(mat.NewDense(1, len(x), append([]float64(nil), x...)))
	if err != nil {
		return 0, err
	}
	return out.At(0, 0), nil
}

// Clone returns a deep copy of the weights.
func (n *Network) Clone() *Network {
	cp := &Network{inputs: n.inputs, layers: make([]*Dense, len(n.layers))}
	for i, l := range n.layers {
		cp.layers[i] = &Dense{
			W:          mat.DenseCopyOf(l.W),
			B:          append([]float64(nil), l.B...),
			Activation: l.Activation,
			L2:         l.L2,
			Dropout:    l.Dropout,
		}
	}
	return cp
}

// Finite reports whether every weight and bias is a finite number.
func (n *Network) Finite() bool {
	for _, l := range n.layers {
		for _, v := range l.W.RawMatrix().Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
		for _, v := range l.B {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// ParamCount is the number of trainable scalars.
func (n *Network) ParamCount() int {
	total := 0
	for _, l := range n.layers {
		r, c := l.W.Dims()
		total += r*c + len(l.B)
	}
	return total
}

func (n *Network) l2Penalty() float64 {
	var p float64
	for _, l := range n.layers {
		if l.L2 == 0 {
			continue
		}
		var sum float64
		for _, v := range l.W.RawMatrix().Data {
			sum += v * v
		}
		p += l.L2 * sum
	}
	return p
}

type layerCache struct {
	input *mat.Dense
	pre   *mat.Dense
	mask  *mat.Dense
}

type layerGrad struct {
	W *mat.Dense
	B []float64
}

// forwardTrain runs a forward pass with inverted dropout and keeps what the
// backward pass needs.
func (n *Network) forwardTrain(X *mat.Dense, rng *rand.Rand) (*mat.Dense, []layerCache) {
	caches := make([]layerCache, len(n.layers))
	a := X
	for i, l := range n.layers {
		pre, out := l.forward(a)
		var mask *mat.Dense
		if l.Dropout > 0 {
			r, c := out.Dims()
			keep := 1 - l.Dropout
			mask = mat.NewDense(r, c, nil)
			mask.Apply(func(_, _ int, _ float64) float64 {
				if rng.Float64() < keep {
					return 1 / keep
				}
				return 0
			}, mask)
			out.MulElem(out, mask)
		}
		caches[i] = layerCache{input: a, pre: pre, mask: mask}
		a = out
	}
	return a, caches
}

// backward propagates dOut (gradient of the loss w.r.t. the network output)
// and returns per-layer gradients including the L2 term.
func (n *Network) backward(caches []layerCache, dOut *mat.Dense) []layerGrad {
	grads := make([]layerGrad, len(n.layers))
	d := dOut
	for i := len(n.layers) - 1; i >= 0; i-- {
		l := n.layers[i]
		c := caches[i]

		delta := mat.DenseCopyOf(d)
		if c.mask != nil {
			delta.MulElem(delta, c.mask)
		}
		if l.Activation == ReLU {
			delta.Apply(func(r, col int, v float64) float64 {
				if c.pre.At(r, col) <= 0 {
					return 0
				}
				return v
			}, delta)
		}

		in, units := l.W.Dims()
		gW := mat.NewDense(in, units, nil)
		gW.Mul(c.input.T(), delta)
		if l.L2 > 0 {
			var reg mat.Dense
			reg.Scale(2*l.L2, l.W)
			gW.Add(gW, &reg)
		}
		gB := make([]float64, units)
		rows, _ := delta.Dims()
		for r := 0; r < rows; r++ {
			for j := 0; j < units; j++ {
				gB[j] += delta.At(r, j)
			}
		}
		grads[i] = layerGrad{W: gW, B: gB}

		if i > 0 {
			prev := mat.NewDense(rows, in, nil)
			prev.Mul(delta, l.W.T())
			d = prev
		}
	}
	return grads
}
