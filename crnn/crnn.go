// Package crnn implements a convolutional recurrent network for
// spectrogram classification. The convolutional stage extracts local
// time-frequency texture, a bidirectional GRU models temporal evolution
// across the compressed time axis, and attention pooling weights the most
// discriminative frames before the classifier head.
package crnn

import (
	"fmt"

	"github.com/tsawler/go-crnn/nn"
	"github.com/tsawler/go-crnn/tensor"
)

// Config holds the model hyperparameters.
type Config struct {
	NumClasses int
	// MelBands is the spectrogram height. Input clips are
	// [batch, 1, MelBands, frames].
	MelBands int

	ConvChannels  []int     // output channels per conv block
	ConvDropout   []float64 // dropout rate per conv block
	HiddenSize    int       // GRU hidden size per direction
	RNNLayers     int
	RNNDropout    float64
	AttentionSize int
	HeadHidden    int
	HeadDropout   float64
}

// DefaultConfig returns the standard architecture for 128-band mel
// spectrograms.
func DefaultConfig(numClasses int) Config {
	return Config{
		NumClasses:    numClasses,
		MelBands:      128,
		ConvChannels:  []int{64, 128, 256},
		ConvDropout:   []float64{0.2, 0.3, 0.4},
		HiddenSize:    256,
		RNNLayers:     2,
		RNNDropout:    0.3,
		AttentionSize: 256,
		HeadHidden:    512,
		HeadDropout:   0.5,
	}
}

// convBlock is one stage of the convolutional encoder: conv, batch norm,
// ReLU, 2x max pool, dropout.
type convBlock struct {
	conv    *nn.Conv2D
	norm    *nn.BatchNorm
	pool    *nn.MaxPool2D
	dropout *nn.Dropout
}

func newConvBlock(inChannels, outChannels int, dropout float64) (*convBlock, error) {
	conv, err := nn.NewConv2D(inChannels, outChannels, 3, 1, 1, true)
	if err != nil {
		return nil, err
	}
	norm, err := nn.NewBatchNorm(outChannels, 1e-5, 0.1)
	if err != nil {
		return nil, err
	}
	return &convBlock{
		conv:    conv,
		norm:    norm,
		pool:    nn.NewMaxPool2D(2, 2, 0),
		dropout: nn.NewDropout(dropout),
	}, nil
}

func (b *convBlock) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := b.conv.Forward(x)
	if err != nil {
		return nil, err
	}
	x, err = b.norm.Forward(x)
	if err != nil {
		return nil, err
	}
	x = tensor.ReLUAutograd(x)
	x, err = b.pool.Forward(x)
	if err != nil {
		return nil, err
	}
	return b.dropout.Forward(x)
}

func (b *convBlock) modules() []nn.Module {
	return []nn.Module{b.conv, b.norm, b.pool, b.dropout}
}

// CRNN is the full model: convolutional encoder, sequence reshaping,
// bidirectional GRU, attention pooling, and a linear classifier head.
type CRNN struct {
	config Config

	blocks    []*convBlock
	gru       *nn.GRU
	attention *nn.AttentionPool

	// head chains fc1, batch norm, ReLU, dropout, fc2. The layers are also
	// held individually for stable checkpoint names.
	head        *nn.Sequential
	headLinear  *nn.Linear
	headNorm    *nn.BatchNorm
	headDropout *nn.Dropout
	classifier  *nn.Linear

	training bool
}

// New builds a CRNN from the given configuration.
func New(config Config) (*CRNN, error) {
	if config.NumClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", config.NumClasses)
	}
	if len(config.ConvChannels) == 0 || len(config.ConvChannels) != len(config.ConvDropout) {
		return nil, fmt.Errorf("conv channels (%d) and dropout rates (%d) must match and be non-empty",
			len(config.ConvChannels), len(config.ConvDropout))
	}
	downsample := 1 << len(config.ConvChannels)
	if config.MelBands%downsample != 0 {
		return nil, fmt.Errorf("mel band count %d must be divisible by %d", config.MelBands, downsample)
	}

	m := &CRNN{config: config, training: true}

	inChannels := 1
	for i, outChannels := range config.ConvChannels {
		block, err := newConvBlock(inChannels, outChannels, config.ConvDropout[i])
		if err != nil {
			return nil, fmt.Errorf("conv block %d: %w", i+1, err)
		}
		m.blocks = append(m.blocks, block)
		inChannels = outChannels
	}

	// Each time step flattens (channels x reduced height) into one feature
	// vector.
	seqFeatures := inChannels * (config.MelBands / downsample)
	gru, err := nn.NewGRU(seqFeatures, config.HiddenSize, config.RNNLayers, true, config.RNNDropout)
	if err != nil {
		return nil, err
	}
	m.gru = gru

	attention, err := nn.NewAttentionPool(gru.OutputSize(), config.AttentionSize)
	if err != nil {
		return nil, err
	}
	m.attention = attention

	m.headLinear, err = nn.NewLinear(gru.OutputSize(), config.HeadHidden, true)
	if err != nil {
		return nil, err
	}
	m.headNorm, err = nn.NewBatchNorm(config.HeadHidden, 1e-5, 0.1)
	if err != nil {
		return nil, err
	}
	m.headDropout = nn.NewDropout(config.HeadDropout)
	m.classifier, err = nn.NewLinear(config.HeadHidden, config.NumClasses, true)
	if err != nil {
		return nil, err
	}
	m.head = nn.NewSequential(m.headLinear, m.headNorm, nn.NewReLU(), m.headDropout, m.classifier)

	return m, nil
}

// Config returns the configuration the model was built with.
func (m *CRNN) Config() Config { return m.config }

// Forward maps a batch [batch, 1, melBands, frames] to logits
// [batch, numClasses].
func (m *CRNN) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 || input.Shape[1] != 1 {
		return nil, fmt.Errorf("expected input [batch, 1, melBands, frames], got shape %v", input.Shape)
	}
	if input.Shape[2] != m.config.MelBands {
		return nil, fmt.Errorf("expected %d mel bands, got %d", m.config.MelBands, input.Shape[2])
	}

	x := input
	var err error
	for i, block := range m.blocks {
		x, err = block.forward(x)
		if err != nil {
			return nil, fmt.Errorf("conv block %d: %w", i+1, err)
		}
	}

	// (B, C, H, W) -> (B, W, C, H) -> (B, W, C*H): the reduced width
	// becomes the time axis, with each column flattened to one feature
	// vector.
	batch := x.Shape[0]
	channels, height, width := x.Shape[1], x.Shape[2], x.Shape[3]
	x = tensor.TransposeAutograd(x, 1, 3)
	x = tensor.TransposeAutograd(x, 2, 3)
	x = tensor.ReshapeAutograd(x, []int{batch, width, channels * height})

	x, err = m.gru.Forward(x)
	if err != nil {
		return nil, err
	}
	x, err = m.attention.Forward(x)
	if err != nil {
		return nil, err
	}

	return m.head.Forward(x)
}

// AttentionWeights returns the attention weights [batch, time] from the most
// recent forward pass.
func (m *CRNN) AttentionWeights() *tensor.Tensor {
	return m.attention.AttentionWeights()
}

func (m *CRNN) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, block := range m.blocks {
		for _, mod := range block.modules() {
			params = append(params, mod.Parameters()...)
		}
	}
	params = append(params, m.gru.Parameters()...)
	params = append(params, m.attention.Parameters()...)
	params = append(params, m.head.Parameters()...)
	return params
}

// StateTensors returns every learnable parameter and batch-norm running
// statistic under a stable dotted name, for checkpointing.
func (m *CRNN) StateTensors() []nn.NamedTensor {
	var state []nn.NamedTensor
	for i, block := range m.blocks {
		state = append(state, block.conv.StateTensors(fmt.Sprintf("conv%d", i+1))...)
		state = append(state, block.norm.StateTensors(fmt.Sprintf("bn%d", i+1))...)
	}
	state = append(state, m.gru.StateTensors("gru")...)
	state = append(state, m.attention.StateTensors("attention")...)
	state = append(state, m.headLinear.StateTensors("head.fc1")...)
	state = append(state, m.headNorm.StateTensors("head.bn")...)
	state = append(state, m.classifier.StateTensors("head.fc2")...)
	return state
}

// StateMap snapshots the model weights as a flat name-to-values map.
func (m *CRNN) StateMap() (map[string][]float32, error) {
	return nn.StateMap(m.StateTensors())
}

// LoadStateMap restores weights captured by StateMap.
func (m *CRNN) LoadStateMap(values map[string][]float32) error {
	return nn.LoadStateMap(m.StateTensors(), values)
}

func (m *CRNN) eachModule(fn func(nn.Module)) {
	for _, block := range m.blocks {
		for _, mod := range block.modules() {
			fn(mod)
		}
	}
	fn(m.gru)
	fn(m.attention)
	fn(m.head)
}

func (m *CRNN) Train() {
	m.training = true
	m.eachModule(func(mod nn.Module) { mod.Train() })
}

func (m *CRNN) Eval() {
	m.training = false
	m.eachModule(func(mod nn.Module) { mod.Eval() })
}

func (m *CRNN) IsTraining() bool { return m.training }
