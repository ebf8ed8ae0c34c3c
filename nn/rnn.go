package nn

import (
	"fmt"
	"math"

	"github.com/tsawler/go-crnn/tensor"
)

// gruDirection holds the parameters of one GRU direction within one layer.
// Gate order inside the stacked weights is reset, update, new.
type gruDirection struct {
	weightIH *tensor.Tensor // [inputSize, 3*hidden]
	weightHH *tensor.Tensor // [hidden, 3*hidden]
	biasIH   *tensor.Tensor // [3*hidden]
	biasHH   *tensor.Tensor // [3*hidden]
}

// GRU implements a multi-layer, optionally bidirectional gated recurrent
// unit over [batch, time, features] input. The per-step output is the hidden
// state, with forward and backward directions concatenated on the feature
// axis when bidirectional.
type GRU struct {
	inputSize     int
	hiddenSize    int
	numLayers     int
	bidirectional bool
	dropout       float64

	layers   [][]gruDirection // [layer][direction]
	dropouts []*Dropout       // between layers
	training bool
}

// NewGRU creates a GRU. Dropout is applied to the output sequence of every
// layer except the last, matching the usual stacked-RNN convention.
func NewGRU(inputSize, hiddenSize, numLayers int, bidirectional bool, dropout float64) (*GRU, error) {
	if numLayers < 1 {
		return nil, fmt.Errorf("GRU requires at least one layer, got %d", numLayers)
	}

	g := &GRU{
		inputSize:     inputSize,
		hiddenSize:    hiddenSize,
		numLayers:     numLayers,
		bidirectional: bidirectional,
		dropout:       dropout,
		training:      true,
	}

	numDirections := 1
	if bidirectional {
		numDirections = 2
	}

	// Uniform(-1/sqrt(hidden), 1/sqrt(hidden)) initialization for all
	// recurrent parameters.
	bound := float32(1.0 / math.Sqrt(float64(hiddenSize)))

	for layer := 0; layer < numLayers; layer++ {
		layerInput := inputSize
		if layer > 0 {
			layerInput = hiddenSize * numDirections
		}

		dirs := make([]gruDirection, numDirections)
		for d := 0; d < numDirections; d++ {
			weightIH, err := tensor.RandomUniform([]int{layerInput, 3 * hiddenSize}, -bound, bound, globalRng)
			if err != nil {
				return nil, err
			}
			weightHH, err := tensor.RandomUniform([]int{hiddenSize, 3 * hiddenSize}, -bound, bound, globalRng)
			if err != nil {
				return nil, err
			}
			biasIH, err := tensor.RandomUniform([]int{3 * hiddenSize}, -bound, bound, globalRng)
			if err != nil {
				return nil, err
			}
			biasHH, err := tensor.RandomUniform([]int{3 * hiddenSize}, -bound, bound, globalRng)
			if err != nil {
				return nil, err
			}
			for _, p := range []*tensor.Tensor{weightIH, weightHH, biasIH, biasHH} {
				p.SetRequiresGrad(true)
			}
			dirs[d] = gruDirection{weightIH: weightIH, weightHH: weightHH, biasIH: biasIH, biasHH: biasHH}
		}
		g.layers = append(g.layers, dirs)

		if layer < numLayers-1 && dropout > 0 {
			g.dropouts = append(g.dropouts, NewDropout(dropout))
		} else {
			g.dropouts = append(g.dropouts, nil)
		}
	}

	return g, nil
}

// OutputSize returns the per-step feature size of the GRU output.
func (g *GRU) OutputSize() int {
	if g.bidirectional {
		return 2 * g.hiddenSize
	}
	return g.hiddenSize
}

// Forward runs the GRU over input [batch, time, features] and returns
// [batch, time, OutputSize()].
func (g *GRU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 3 {
		return nil, fmt.Errorf("GRU expects 3D input [batch, time, features], got shape %v", input.Shape)
	}
	if input.Shape[2] != g.inputSize {
		return nil, fmt.Errorf("input feature size mismatch: expected %d, got %d", g.inputSize, input.Shape[2])
	}

	x := input
	for layer := 0; layer < g.numLayers; layer++ {
		forward, err := g.runDirection(x, &g.layers[layer][0], false)
		if err != nil {
			return nil, fmt.Errorf("GRU layer %d forward direction: %w", layer, err)
		}

		if g.bidirectional {
			backward, err := g.runDirection(x, &g.layers[layer][1], true)
			if err != nil {
				return nil, fmt.Errorf("GRU layer %d backward direction: %w", layer, err)
			}
			x = tensor.ConcatAutograd(2, forward, backward)
		} else {
			x = forward
		}

		if d := g.dropouts[layer]; d != nil && g.training {
			x, err = d.Forward(x)
			if err != nil {
				return nil, err
			}
		}
	}

	return x, nil
}

// runDirection unrolls one direction of one layer over the time axis,
// returning the full hidden sequence [batch, time, hidden] in original time
// order.
func (g *GRU) runDirection(x *tensor.Tensor, dir *gruDirection, reverse bool) (*tensor.Tensor, error) {
	batch, steps := x.Shape[0], x.Shape[1]
	h, err := tensor.Zeros([]int{batch, g.hiddenSize}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	outputs := make([]*tensor.Tensor, steps)
	for i := 0; i < steps; i++ {
		t := i
		if reverse {
			t = steps - 1 - i
		}

		// x_t: [batch, features]
		xt := tensor.NarrowAutograd(x, 1, t, 1)
		xt = tensor.ReshapeAutograd(xt, []int{batch, x.Shape[2]})

		h = g.cell(xt, h, dir)
		outputs[t] = tensor.ReshapeAutograd(h, []int{batch, 1, g.hiddenSize})
	}

	return tensor.ConcatAutograd(1, outputs...), nil
}

// cell computes one GRU step:
//
//	r = sigmoid(x W_ir + b_ir + h W_hr + b_hr)
//	z = sigmoid(x W_iz + b_iz + h W_hz + b_hz)
//	n = tanh(x W_in + b_in + r * (h W_hn + b_hn))
//	h' = (1 - z) * n + z * h
func (g *GRU) cell(xt, h *tensor.Tensor, dir *gruDirection) *tensor.Tensor {
	hs := g.hiddenSize

	gi := tensor.AddAutograd(tensor.MatMulAutograd(xt, dir.weightIH), dir.biasIH)
	gh := tensor.AddAutograd(tensor.MatMulAutograd(h, dir.weightHH), dir.biasHH)

	gir := tensor.NarrowAutograd(gi, 1, 0, hs)
	giz := tensor.NarrowAutograd(gi, 1, hs, hs)
	gin := tensor.NarrowAutograd(gi, 1, 2*hs, hs)
	ghr := tensor.NarrowAutograd(gh, 1, 0, hs)
	ghz := tensor.NarrowAutograd(gh, 1, hs, hs)
	ghn := tensor.NarrowAutograd(gh, 1, 2*hs, hs)

	r := tensor.SigmoidAutograd(tensor.AddAutograd(gir, ghr))
	z := tensor.SigmoidAutograd(tensor.AddAutograd(giz, ghz))
	n := tensor.TanhAutograd(tensor.AddAutograd(gin, tensor.MulAutograd(r, ghn)))

	one := tensor.FromScalar(1, tensor.Float32)
	keep := tensor.SubAutograd(one, z)
	return tensor.AddAutograd(tensor.MulAutograd(keep, n), tensor.MulAutograd(z, h))
}

func (g *GRU) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, dirs := range g.layers {
		for _, d := range dirs {
			params = append(params, d.weightIH, d.weightHH, d.biasIH, d.biasHH)
		}
	}
	return params
}

func (g *GRU) StateTensors(prefix string) []NamedTensor {
	var state []NamedTensor
	for layer, dirs := range g.layers {
		for d, dir := range dirs {
			name := fmt.Sprintf("%s.l%d", prefix, layer)
			if d == 1 {
				name += "_reverse"
			}
			state = append(state,
				NamedTensor{Name: name + ".weight_ih", Tensor: dir.weightIH},
				NamedTensor{Name: name + ".weight_hh", Tensor: dir.weightHH},
				NamedTensor{Name: name + ".bias_ih", Tensor: dir.biasIH},
				NamedTensor{Name: name + ".bias_hh", Tensor: dir.biasHH},
			)
		}
	}
	return state
}

func (g *GRU) Train() {
	g.training = true
	for _, d := range g.dropouts {
		if d != nil {
			d.Train()
		}
	}
}

func (g *GRU) Eval() {
	g.training = false
	for _, d := range g.dropouts {
		if d != nil {
			d.Eval()
		}
	}
}

func (g *GRU) IsTraining() bool { return g.training }
