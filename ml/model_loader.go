package ml

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/ulikunitz/xz"
	"gonum.org/v1/gonum/mat"

	spendErrors "spendwise/pkg/errors"
)

const (
	modelMagic         = "SPWNET"
	modelFormatVersion = byte(1)
)

type encodedLayer struct {
	Inputs     int
	Units      int
	Weights    []float64
	Bias       []float64
	Activation Activation
	L2         float64
	Dropout    float64
}

type encodedNetwork struct {
	Inputs int
	Layers []encodedLayer
}

// WriteNetwork encodes n as magic header, format version and an
// xz-compressed gob payload.
func WriteNetwork(w io.Writer, n *Network) error {
	if len(n.layers) == 0 {
		return spendErrors.NewCorruptModelError("WriteNetwork", "network has no layers", nil)
	}
	enc := encodedNetwork{Inputs: n.inputs}
	for _, l := range n.layers {
		in, units := l.W.Dims()
		enc.Layers = append(enc.Layers, encodedLayer{
			Inputs:     in,
			Units:      units,
			Weights:    append([]float64(nil), mat.DenseCopyOf(l.W).RawMatrix().Data...),
			Bias:       append([]float64(nil), l.B...),
			Activation: l.Activation,
			L2:         l.L2,
			Dropout:    l.Dropout,
		})
	}

	if _, err := io.WriteString(w, modelMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{modelFormatVersion}); err != nil {
		return err
	}
	zw, err := xz.NewWriter(w)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(zw).Encode(&enc); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ReadNetwork decodes a network written by WriteNetwork and checks that its
// layer shapes chain and every weight is finite.
func ReadNetwork(r io.Reader) (*Network, error) {
	br := bufio.NewReader(r)
	header := make([]byte, len(modelMagic)+1)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, spendErrors.NewCorruptModelError("ReadNetwork", "truncated header", err)
	}
	if string(header[:len(modelMagic)]) != modelMagic {
		return nil, spendErrors.NewCorruptModelError("ReadNetwork", "not a model file", nil)
	}
	if header[len(modelMagic)] != modelFormatVersion {
		return nil, spendErrors.NewCorruptModelError("ReadNetwork", fmt.Sprintf("unsupported model format version %d", header[len(modelMagic)]), nil)
	}
	zr, err := xz.NewReader(br)
	if err != nil {
		return nil, spendErrors.NewCorruptModelError("ReadNetwork", "open compressed payload", err)
	}
	var enc encodedNetwork
	if err := gob.NewDecoder(zr).Decode(&enc); err != nil {
		return nil, spendErrors.NewCorruptModelError("ReadNetwork", "decode payload", err)
	}

	if enc.Inputs <= 0 || len(enc.Layers) == 0 {
		return nil, spendErrors.NewCorruptModelError("ReadNetwork", "empty topology", nil)
	}
	n := &Network{inputs: enc.Inputs}
	in := enc.Inputs
	for i, el := range enc.Layers {
		if el.Inputs != in || el.Units <= 0 || len(el.Weights) != el.Inputs*el.Units || len(el.Bias) != el.Units {
			return nil, spendErrors.NewCorruptModelError("ReadNetwork", fmt.Sprintf("layer %d has inconsistent shape", i), nil)
		}
		if el.Activation != Linear && el.Activation != ReLU {
			return nil, spendErrors.NewCorruptModelError("ReadNetwork", fmt.Sprintf("layer %d has unknown activation", i), nil)
		}
		n.layers = append(n.layers, &Dense{
			W:          mat.NewDense(el.Inputs, el.Units, el.Weights),
			B:          el.Bias,
			Activation: el.Activation,
			L2:         el.L2,
			Dropout:    el.Dropout,
		})
		in = el.Units
	}
	if !n.Finite() {
		return nil, spendErrors.NewCorruptModelError("ReadNetwork", "model holds non-finite weights", nil)
	}
	return n, nil
}

// SaveNetwork persists n at path with atomic replace semantics.
func SaveNetwork(path string, n *Network) error {
	if !n.Finite() {
		return spendErrors.NewTrainingError("SaveNetwork", "refusing to persist non-finite weights", nil)
	}
	var buf bytes.Buffer
	if err := WriteNetwork(&buf, n); err != nil {
		return err
	}
	return WriteFileAtomic(path, buf.Bytes(), 0o600)
}

// LoadNetwork reads the model at path and checks it matches the expected
// input and output widths.
func LoadNetwork(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, spendErrors.NewModelNotFoundError("LoadNetwork", path, err)
		}
		return nil, spendErrors.NewCorruptModelError("LoadNetwork", "open "+path, err)
	}
	defer f.Close()

	n, err := ReadNetwork(f)
	if err != nil {
		return nil, err
	}
	if n.Inputs() != FeatureCount || n.Outputs() != 1 {
		return nil, spendErrors.NewCorruptModelError("LoadNetwork",
			fmt.Sprintf("model maps %d inputs to %d outputs, want %d to 1", n.Inputs(), n.Outputs(), FeatureCount), nil)
	}
	return n, nil
}
