package nn

import (
	"fmt"

	"github.com/tsawler/go-crnn/tensor"
)

// AttentionPool collapses a sequence [batch, time, features] into a single
// vector [batch, features] using learned additive attention. Each time step
// is scored with a small MLP, the scores are softmax-normalized over time,
// and the output is the weighted sum of the steps.
type AttentionPool struct {
	score1 *Linear // features -> attnSize
	score2 *Linear // attnSize -> 1

	// lastWeights holds the attention weights [batch, time] from the most
	// recent forward pass, detached from the graph.
	lastWeights *tensor.Tensor
	training    bool
}

// NewAttentionPool builds an attention pooling layer over inputSize features
// with the given scoring hidden size.
func NewAttentionPool(inputSize, attnSize int) (*AttentionPool, error) {
	score1, err := NewLinear(inputSize, attnSize, true)
	if err != nil {
		return nil, err
	}
	score2, err := NewLinear(attnSize, 1, true)
	if err != nil {
		return nil, err
	}
	return &AttentionPool{score1: score1, score2: score2, training: true}, nil
}

func (a *AttentionPool) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 3 {
		return nil, fmt.Errorf("AttentionPool expects 3D input [batch, time, features], got shape %v", input.Shape)
	}
	batch, steps, features := input.Shape[0], input.Shape[1], input.Shape[2]

	// Score every step at once by folding batch and time together.
	flat := tensor.ReshapeAutograd(input, []int{batch * steps, features})
	hidden, err := a.score1.Forward(flat)
	if err != nil {
		return nil, err
	}
	hidden = tensor.TanhAutograd(hidden)
	scores, err := a.score2.Forward(hidden)
	if err != nil {
		return nil, err
	}

	scores = tensor.ReshapeAutograd(scores, []int{batch, steps})
	weights := tensor.SoftmaxAutograd(scores, 1)
	a.lastWeights = weights.Detach()

	// Weighted sum over time: [batch, time, 1] * [batch, time, features].
	expanded := tensor.ReshapeAutograd(weights, []int{batch, steps, 1})
	weighted := tensor.MulAutograd(expanded, input)
	return tensor.SumDimAutograd(weighted, 1), nil
}

// AttentionWeights returns the weights from the last forward pass as
// [batch, time], or nil before any forward pass.
func (a *AttentionPool) AttentionWeights() *tensor.Tensor {
	return a.lastWeights
}

func (a *AttentionPool) Parameters() []*tensor.Tensor {
	return append(a.score1.Parameters(), a.score2.Parameters()...)
}

func (a *AttentionPool) StateTensors(prefix string) []NamedTensor {
	state := a.score1.StateTensors(prefix + ".score1")
	return append(state, a.score2.StateTensors(prefix+".score2")...)
}

func (a *AttentionPool) Train() {
	a.training = true
	a.score1.Train()
	a.score2.Train()
}

func (a *AttentionPool) Eval() {
	a.training = false
	a.score1.Eval()
	a.score2.Eval()
}

func (a *AttentionPool) IsTraining() bool { return a.training }
