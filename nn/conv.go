package nn

import (
	"fmt"
	"math"

	"github.com/tsawler/go-crnn/tensor"
)

// Conv2D implements a 2-D convolution layer over [batch, channels, height,
// width] input.
type Conv2D struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	stride   int
	padding  int
	training bool
}

// NewConv2D creates a Conv2D layer with Xavier uniform initialization.
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool) (*Conv2D, error) {
	fanIn := inputChannels * kernelSize * kernelSize
	fanOut := outputChannels * kernelSize * kernelSize

	weight, err := tensor.XavierUniform(
		[]int{outputChannels, inputChannels, kernelSize, kernelSize}, fanIn, fanOut, globalRng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{weight: weight, stride: stride, padding: padding, training: true}

	if bias {
		biasT, err := tensor.Zeros([]int{outputChannels}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		biasT.SetRequiresGrad(true)
		conv.bias = biasT
	}

	return conv, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	if input.Shape[1] != c.weight.Shape[1] {
		return nil, fmt.Errorf("channel mismatch: expected %d, got %d", c.weight.Shape[1], input.Shape[1])
	}
	return tensor.Conv2DAutograd(input, c.weight, c.bias, c.stride, c.padding), nil
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv2D) StateTensors(prefix string) []NamedTensor {
	state := []NamedTensor{{Name: prefix + ".weight", Tensor: c.weight}}
	if c.bias != nil {
		state = append(state, NamedTensor{Name: prefix + ".bias", Tensor: c.bias})
	}
	return state
}

func (c *Conv2D) Train()           { c.training = true }
func (c *Conv2D) Eval()            { c.training = false }
func (c *Conv2D) IsTraining() bool { return c.training }

// MaxPool2D implements 2-D max pooling.
type MaxPool2D struct {
	kernelSize int
	stride     int
	padding    int
	training   bool
}

func NewMaxPool2D(kernelSize, stride, padding int) *MaxPool2D {
	if stride <= 0 {
		stride = kernelSize
	}
	return &MaxPool2D{kernelSize: kernelSize, stride: stride, padding: padding, training: true}
}

func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	return tensor.MaxPool2DAutograd(input, m.kernelSize, m.stride, m.padding), nil
}

func (m *MaxPool2D) Parameters() []*tensor.Tensor { return nil }
func (m *MaxPool2D) Train()                       { m.training = true }
func (m *MaxPool2D) Eval()                        { m.training = false }
func (m *MaxPool2D) IsTraining() bool             { return m.training }

// BatchNorm implements batch normalization for 2D [batch, features] and 4D
// [batch, channels, height, width] inputs. Batch statistics are treated as
// constants in the backward pass; gradients flow through the normalized
// input and the affine parameters.
type BatchNorm struct {
	numFeatures int
	eps         float64
	momentum    float64
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	training    bool
}

// NewBatchNorm creates a batch normalization layer over numFeatures features
// (or channels, for 4D input).
func NewBatchNorm(numFeatures int, eps, momentum float64) (*BatchNorm, error) {
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}

	gamma, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %w", err)
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %w", err)
	}
	beta.SetRequiresGrad(true)

	runningMean, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	runningVar, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	return &BatchNorm{
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
		training:    true,
	}, nil
}

func (bn *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("BatchNorm only supports Float32 tensors")
	}

	var featureDim int
	switch len(input.Shape) {
	case 2:
		featureDim = input.Shape[1]
	case 4:
		featureDim = input.Shape[1]
	default:
		return nil, fmt.Errorf("BatchNorm expects 2D or 4D input, got shape %v", input.Shape)
	}
	if featureDim != bn.numFeatures {
		return nil, fmt.Errorf("feature count mismatch: expected %d, got %d", bn.numFeatures, featureDim)
	}

	var mean, variance []float32
	if bn.training {
		mean, variance = bn.batchStatistics(input)
		bn.updateRunningStatistics(mean, variance)
	} else {
		mean = bn.runningMean.Data.([]float32)
		variance = bn.runningVar.Data.([]float32)
	}

	// Statistic tensors are shaped to broadcast over the feature/channel
	// dimension: [F] for 2D input, [C,1,1] for 4D.
	statShape := []int{bn.numFeatures}
	if len(input.Shape) == 4 {
		statShape = []int{bn.numFeatures, 1, 1}
	}

	negMean := make([]float32, bn.numFeatures)
	invStd := make([]float32, bn.numFeatures)
	for i := 0; i < bn.numFeatures; i++ {
		negMean[i] = -mean[i]
		invStd[i] = float32(1.0 / math.Sqrt(float64(variance[i])+bn.eps))
	}

	negMeanT, err := tensor.NewTensor(statShape, tensor.Float32, negMean)
	if err != nil {
		return nil, err
	}
	invStdT, err := tensor.NewTensor(statShape, tensor.Float32, invStd)
	if err != nil {
		return nil, err
	}

	gamma, beta := bn.gamma, bn.beta
	if len(input.Shape) == 4 {
		// Reshape through the graph so gradients reach the flat parameters.
		gamma = tensor.ReshapeAutograd(gamma, statShape)
		beta = tensor.ReshapeAutograd(beta, statShape)
	}

	centered := tensor.AddAutograd(input, negMeanT)
	normalized := tensor.MulAutograd(centered, invStdT)
	scaled := tensor.MulAutograd(normalized, gamma)
	return tensor.AddAutograd(scaled, beta), nil
}

// batchStatistics computes per-feature mean and (biased) variance over the
// batch, and over spatial positions as well for 4D input.
func (bn *BatchNorm) batchStatistics(input *tensor.Tensor) (mean, variance []float32) {
	data := input.Data.([]float32)
	mean = make([]float32, bn.numFeatures)
	variance = make([]float32, bn.numFeatures)

	if len(input.Shape) == 2 {
		batch := input.Shape[0]
		for f := 0; f < bn.numFeatures; f++ {
			var sum float32
			for b := 0; b < batch; b++ {
				sum += data[b*bn.numFeatures+f]
			}
			mean[f] = sum / float32(batch)
		}
		for f := 0; f < bn.numFeatures; f++ {
			var sumSq float32
			for b := 0; b < batch; b++ {
				diff := data[b*bn.numFeatures+f] - mean[f]
				sumSq += diff * diff
			}
			variance[f] = sumSq / float32(batch)
		}
		return mean, variance
	}

	batch, spatial := input.Shape[0], input.Shape[2]*input.Shape[3]
	count := float32(batch * spatial)
	for c := 0; c < bn.numFeatures; c++ {
		var sum float32
		for b := 0; b < batch; b++ {
			base := (b*bn.numFeatures + c) * spatial
			for s := 0; s < spatial; s++ {
				sum += data[base+s]
			}
		}
		mean[c] = sum / count
	}
	for c := 0; c < bn.numFeatures; c++ {
		var sumSq float32
		for b := 0; b < batch; b++ {
			base := (b*bn.numFeatures + c) * spatial
			for s := 0; s < spatial; s++ {
				diff := data[base+s] - mean[c]
				sumSq += diff * diff
			}
		}
		variance[c] = sumSq / count
	}
	return mean, variance
}

func (bn *BatchNorm) updateRunningStatistics(mean, variance []float32) {
	momentum := float32(bn.momentum)
	runningMean := bn.runningMean.Data.([]float32)
	runningVar := bn.runningVar.Data.([]float32)
	for i := range mean {
		runningMean[i] = (1-momentum)*runningMean[i] + momentum*mean[i]
		runningVar[i] = (1-momentum)*runningVar[i] + momentum*variance[i]
	}
}

func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

func (bn *BatchNorm) StateTensors(prefix string) []NamedTensor {
	return []NamedTensor{
		{Name: prefix + ".gamma", Tensor: bn.gamma},
		{Name: prefix + ".beta", Tensor: bn.beta},
		{Name: prefix + ".running_mean", Tensor: bn.runningMean},
		{Name: prefix + ".running_var", Tensor: bn.runningVar},
	}
}

func (bn *BatchNorm) Train()           { bn.training = true }
func (bn *BatchNorm) Eval()            { bn.training = false }
func (bn *BatchNorm) IsTraining() bool { return bn.training }
