// Package nn provides neural network layers built on the tensor autograd
// graph: fully connected and convolutional layers, batch normalization,
// dropout, a bidirectional GRU, and attention pooling.
package nn

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-crnn/tensor"
)

// Global random source for deterministic initialization.
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight
// initialization and dropout masks.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module is the interface implemented by all neural network layers.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Trainable parameters (requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool
}

// NamedTensor pairs a tensor with its state-dict key.
type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
}

// Stateful is implemented by modules whose tensors (trainable or not, e.g.
// batch norm running statistics) participate in checkpoints.
type Stateful interface {
	StateTensors(prefix string) []NamedTensor
}

// Linear implements a fully connected layer: y = xW + b.
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a Linear layer with Xavier uniform weight initialization.
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	weight, err := tensor.XavierUniform([]int{inputSize, outputSize}, inputSize, outputSize, globalRng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	l := &Linear{weight: weight, training: true}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		biasT.SetRequiresGrad(true)
		l.bias = biasT
	}

	return l, nil
}

// Forward computes y = xW + b for a 2D input [batch, features].
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear expects 2D input [batch, features], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output := tensor.MatMulAutograd(input, l.weight)
	if l.bias != nil {
		output = tensor.AddAutograd(output, l.bias)
	}
	return output, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) StateTensors(prefix string) []NamedTensor {
	state := []NamedTensor{{Name: prefix + ".weight", Tensor: l.weight}}
	if l.bias != nil {
		state = append(state, NamedTensor{Name: prefix + ".bias", Tensor: l.bias})
	}
	return state
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// ReLU implements the rectified linear activation.
type ReLU struct {
	training bool
}

func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input), nil
}

func (r *ReLU) Parameters() []*tensor.Tensor { return nil }
func (r *ReLU) Train()                       { r.training = true }
func (r *ReLU) Eval()                        { r.training = false }
func (r *ReLU) IsTraining() bool             { return r.training }

// Dropout implements inverted dropout: during training each element is
// zeroed with probability rate and survivors are scaled by 1/(1-rate);
// evaluation is the identity.
type Dropout struct {
	rate     float64
	training bool
}

func NewDropout(rate float64) *Dropout {
	if rate < 0 || rate >= 1 {
		rate = 0
	}
	return &Dropout{rate: rate, training: true}
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.rate == 0 {
		return input, nil
	}

	mask, err := tensor.Zeros(input.Shape, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropout mask: %w", err)
	}
	scale := float32(1.0 / (1.0 - d.rate))
	maskData := mask.Data.([]float32)
	for i := range maskData {
		if globalRng.Float64() >= d.rate {
			maskData[i] = scale
		}
	}

	return tensor.MulAutograd(input, mask), nil
}

func (d *Dropout) Parameters() []*tensor.Tensor { return nil }
func (d *Dropout) Train()                       { d.training = true }
func (d *Dropout) Eval()                        { d.training = false }
func (d *Dropout) IsTraining() bool             { return d.training }

// Flatten reshapes input to [batch, -1].
type Flatten struct {
	training bool
}

func NewFlatten() *Flatten {
	return &Flatten{training: true}
}

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects input with at least 2 dimensions, got shape %v", input.Shape)
	}
	batchSize := input.Shape[0]
	return tensor.ReshapeAutograd(input, []int{batchSize, input.NumElems / batchSize}), nil
}

func (f *Flatten) Parameters() []*tensor.Tensor { return nil }
func (f *Flatten) Train()                       { f.training = true }
func (f *Flatten) Eval()                        { f.training = false }
func (f *Flatten) IsTraining() bool             { return f.training }

// Sequential chains modules together.
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error
	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %w", i, err)
		}
	}
	return output, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var all []*tensor.Tensor
	for _, module := range s.modules {
		all = append(all, module.Parameters()...)
	}
	return all
}

func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

// Add appends a module to the sequential container.
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}
