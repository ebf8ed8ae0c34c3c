package tensor

import (
	"fmt"
)

// opInputs provides input recording shared by all operations.
type opInputs struct {
	inputs []*Tensor
}

func (op *opInputs) Inputs() []*Tensor {
	return op.inputs
}

func anyRequiresGrad(tensors []*Tensor) bool {
	for _, t := range tensors {
		if t.requiresGrad {
			return true
		}
	}
	return false
}

// AddOp implements the Operation interface for tensor addition.
type AddOp struct {
	opInputs
}

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("AddOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := Add(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("AddOp forward failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	// Addition passes gradients through unchanged; broadcasting is undone by
	// reducing to each input's shape.
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("AddOp backward failed for input A: %v", err))
	}
	gradB, err := reduceGradientToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("AddOp backward failed for input B: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

// SubOp implements the Operation interface for tensor subtraction.
type SubOp struct {
	opInputs
}

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("SubOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := Sub(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("SubOp forward failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("SubOp backward failed for input A: %v", err))
	}

	negGrad, err := Scale(gradOut, -1)
	if err != nil {
		panic(fmt.Sprintf("SubOp backward negation failed: %v", err))
	}
	gradB, err := reduceGradientToShape(negGrad, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("SubOp backward failed for input B: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

// MulOp implements the Operation interface for elementwise multiplication.
type MulOp struct {
	opInputs
}

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MulOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := Mul(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("MulOp forward failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	gradAFull, err := Mul(gradOut, b)
	if err != nil {
		panic(fmt.Sprintf("MulOp backward failed for input A: %v", err))
	}
	gradA, err := reduceGradientToShape(gradAFull, a.Shape)
	if err != nil {
		panic(fmt.Sprintf("MulOp gradient reduction failed for input A: %v", err))
	}

	gradBFull, err := Mul(gradOut, a)
	if err != nil {
		panic(fmt.Sprintf("MulOp backward failed for input B: %v", err))
	}
	gradB, err := reduceGradientToShape(gradBFull, b.Shape)
	if err != nil {
		panic(fmt.Sprintf("MulOp gradient reduction failed for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// MatMulOp implements the Operation interface for matrix multiplication.
type MatMulOp struct {
	opInputs
}

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MatMulOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := MatMul(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("MatMulOp forward failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	// d(A@B)/dA = gradOut @ B^T, d(A@B)/dB = A^T @ gradOut
	bT, err := Transpose(b, 0, 1)
	if err != nil {
		panic(fmt.Sprintf("MatMulOp backward transpose failed: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("MatMulOp backward failed for input A: %v", err))
	}

	aT, err := Transpose(a, 0, 1)
	if err != nil {
		panic(fmt.Sprintf("MatMulOp backward transpose failed: %v", err))
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("MatMulOp backward failed for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// ReLUOp implements the Operation interface for ReLU activation.
type ReLUOp struct {
	opInputs
}

func (op *ReLUOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReLUOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := ReLU(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("ReLUOp forward failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0].Data.([]float32)
	g := gradOut.Data.([]float32)

	grad, err := Zeros(op.inputs[0].Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("ReLUOp backward allocation failed: %v", err))
	}
	gd := grad.Data.([]float32)
	for i := range gd {
		if in[i] > 0 {
			gd[i] = g[i]
		}
	}
	return []*Tensor{grad}
}

// SigmoidOp implements the Operation interface for sigmoid activation.
type SigmoidOp struct {
	opInputs
	output *Tensor
}

func (op *SigmoidOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SigmoidOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := Sigmoid(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("SigmoidOp forward failed: %v", err))
	}

	op.output = result
	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	// d(sigmoid)/dx = y * (1 - y)
	y := op.output.Data.([]float32)
	g := gradOut.Data.([]float32)

	grad, err := Zeros(op.inputs[0].Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("SigmoidOp backward allocation failed: %v", err))
	}
	gd := grad.Data.([]float32)
	for i := range gd {
		gd[i] = g[i] * y[i] * (1 - y[i])
	}
	return []*Tensor{grad}
}

// TanhOp implements the Operation interface for tanh activation.
type TanhOp struct {
	opInputs
	output *Tensor
}

func (op *TanhOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("TanhOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := Tanh(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("TanhOp forward failed: %v", err))
	}

	op.output = result
	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *TanhOp) Backward(gradOut *Tensor) []*Tensor {
	// d(tanh)/dx = 1 - y^2
	y := op.output.Data.([]float32)
	g := gradOut.Data.([]float32)

	grad, err := Zeros(op.inputs[0].Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("TanhOp backward allocation failed: %v", err))
	}
	gd := grad.Data.([]float32)
	for i := range gd {
		gd[i] = g[i] * (1 - y[i]*y[i])
	}
	return []*Tensor{grad}
}

// SoftmaxOp implements the Operation interface for softmax along a dimension.
type SoftmaxOp struct {
	opInputs
	dim    int
	output *Tensor
}

func (op *SoftmaxOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SoftmaxOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := Softmax(inputs[0], op.dim)
	if err != nil {
		panic(fmt.Sprintf("SoftmaxOp forward failed: %v", err))
	}

	op.output = result
	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *SoftmaxOp) Backward(gradOut *Tensor) []*Tensor {
	// dx = y * (g - sum(g * y, dim))
	gy, err := Mul(gradOut, op.output)
	if err != nil {
		panic(fmt.Sprintf("SoftmaxOp backward failed: %v", err))
	}
	sum, err := Sum(gy, op.dim, true)
	if err != nil {
		panic(fmt.Sprintf("SoftmaxOp backward sum failed: %v", err))
	}
	centered, err := Sub(gradOut, sum)
	if err != nil {
		panic(fmt.Sprintf("SoftmaxOp backward sub failed: %v", err))
	}
	grad, err := Mul(op.output, centered)
	if err != nil {
		panic(fmt.Sprintf("SoftmaxOp backward mul failed: %v", err))
	}
	return []*Tensor{grad}
}

// ReshapeOp implements the Operation interface for reshaping.
type ReshapeOp struct {
	opInputs
	newShape []int
}

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReshapeOp requires exactly 1 input")
	}
	op.inputs = inputs

	// Copy so the output owns its data and the input graph stays intact.
	clone, err := inputs[0].Clone()
	if err != nil {
		panic(fmt.Sprintf("ReshapeOp forward failed: %v", err))
	}
	result, err := clone.Reshape(op.newShape)
	if err != nil {
		panic(fmt.Sprintf("ReshapeOp forward failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := gradOut.Reshape(op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("ReshapeOp backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// TransposeOp implements the Operation interface for swapping two dimensions.
type TransposeOp struct {
	opInputs
	dim0, dim1 int
}

func (op *TransposeOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("TransposeOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := Transpose(inputs[0], op.dim0, op.dim1)
	if err != nil {
		panic(fmt.Sprintf("TransposeOp forward failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *TransposeOp) Backward(gradOut *Tensor) []*Tensor {
	// Swapping the same pair of dimensions undoes the permutation.
	grad, err := Transpose(gradOut, op.dim0, op.dim1)
	if err != nil {
		panic(fmt.Sprintf("TransposeOp backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// NarrowOp implements the Operation interface for slicing along a dimension.
type NarrowOp struct {
	opInputs
	dim, start, length int
}

func (op *NarrowOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("NarrowOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := Narrow(inputs[0], op.dim, op.start, op.length)
	if err != nil {
		panic(fmt.Sprintf("NarrowOp forward failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *NarrowOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0]
	grad, err := Zeros(in.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("NarrowOp backward allocation failed: %v", err))
	}

	dimStride := in.Strides[op.dim]
	dimSize := in.Shape[op.dim]
	outerBlocks := in.NumElems / (dimSize * dimStride)

	src := gradOut.Data.([]float32)
	dst := grad.Data.([]float32)
	block := op.length * dimStride
	for o := 0; o < outerBlocks; o++ {
		dstBase := o*dimSize*dimStride + op.start*dimStride
		copy(dst[dstBase:dstBase+block], src[o*block:(o+1)*block])
	}
	return []*Tensor{grad}
}

// ConcatOp implements the Operation interface for concatenation.
type ConcatOp struct {
	opInputs
	dim int
}

func (op *ConcatOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) == 0 {
		panic("ConcatOp requires at least 1 input")
	}
	op.inputs = inputs

	result, err := Concat(op.dim, inputs...)
	if err != nil {
		panic(fmt.Sprintf("ConcatOp forward failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *ConcatOp) Backward(gradOut *Tensor) []*Tensor {
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		g, err := Narrow(gradOut, op.dim, offset, in.Shape[op.dim])
		if err != nil {
			panic(fmt.Sprintf("ConcatOp backward failed: %v", err))
		}
		grads[i] = g
		offset += in.Shape[op.dim]
	}
	return grads
}

// SumDimOp implements the Operation interface for summing along a dimension
// (the dimension is dropped from the output).
type SumDimOp struct {
	opInputs
	dim int
}

func (op *SumDimOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SumDimOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := Sum(inputs[0], op.dim, false)
	if err != nil {
		panic(fmt.Sprintf("SumDimOp forward failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *SumDimOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0]

	// Reinsert the summed dimension with size 1, then broadcast.
	unsqueezed := append([]int{}, in.Shape...)
	unsqueezed[op.dim] = 1
	g, err := gradOut.Reshape(unsqueezed)
	if err != nil {
		panic(fmt.Sprintf("SumDimOp backward reshape failed: %v", err))
	}
	grad, err := BroadcastTensor(g, in.Shape)
	if err != nil {
		panic(fmt.Sprintf("SumDimOp backward broadcast failed: %v", err))
	}
	return []*Tensor{grad}
}

// Conv2DOp implements the Operation interface for 2-D convolution.
type Conv2DOp struct {
	opInputs
	stride, padding int
	hasBias         bool
}

func (op *Conv2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 && len(inputs) != 3 {
		panic("Conv2DOp requires input, weight, and optional bias")
	}
	op.inputs = inputs
	op.hasBias = len(inputs) == 3

	var bias *Tensor
	if op.hasBias {
		bias = inputs[2]
	}
	result, err := Conv2D(inputs[0], inputs[1], bias, op.stride, op.padding)
	if err != nil {
		panic(fmt.Sprintf("Conv2DOp forward failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	gradInput, gradWeight, gradBias, err := conv2DBackward(op.inputs[0], op.inputs[1], op.hasBias, op.stride, op.padding, gradOut)
	if err != nil {
		panic(fmt.Sprintf("Conv2DOp backward failed: %v", err))
	}
	if op.hasBias {
		return []*Tensor{gradInput, gradWeight, gradBias}
	}
	return []*Tensor{gradInput, gradWeight}
}

// MaxPool2DOp implements the Operation interface for 2-D max pooling.
type MaxPool2DOp struct {
	opInputs
	kernelSize, stride, padding int
	indices                     []int32
}

func (op *MaxPool2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("MaxPool2DOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, indices, err := MaxPool2D(inputs[0], op.kernelSize, op.stride, op.padding)
	if err != nil {
		panic(fmt.Sprintf("MaxPool2DOp forward failed: %v", err))
	}
	op.indices = indices

	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *MaxPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := maxPool2DBackward(op.inputs[0].Shape, op.indices, gradOut)
	if err != nil {
		panic(fmt.Sprintf("MaxPool2DOp backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// High-level autograd functions that create and execute operations.

// AddAutograd performs addition with automatic differentiation.
func AddAutograd(a, b *Tensor) *Tensor {
	op := &AddOp{}
	return op.Forward(a, b)
}

// SubAutograd performs subtraction with automatic differentiation.
func SubAutograd(a, b *Tensor) *Tensor {
	op := &SubOp{}
	return op.Forward(a, b)
}

// MulAutograd performs elementwise multiplication with automatic differentiation.
func MulAutograd(a, b *Tensor) *Tensor {
	op := &MulOp{}
	return op.Forward(a, b)
}

// MatMulAutograd performs matrix multiplication with automatic differentiation.
func MatMulAutograd(a, b *Tensor) *Tensor {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

// ReLUAutograd performs ReLU activation with automatic differentiation.
func ReLUAutograd(a *Tensor) *Tensor {
	op := &ReLUOp{}
	return op.Forward(a)
}

// SigmoidAutograd performs sigmoid activation with automatic differentiation.
func SigmoidAutograd(a *Tensor) *Tensor {
	op := &SigmoidOp{}
	return op.Forward(a)
}

// TanhAutograd performs tanh activation with automatic differentiation.
func TanhAutograd(a *Tensor) *Tensor {
	op := &TanhOp{}
	return op.Forward(a)
}

// SoftmaxAutograd performs softmax along dim with automatic differentiation.
func SoftmaxAutograd(a *Tensor, dim int) *Tensor {
	op := &SoftmaxOp{dim: dim}
	return op.Forward(a)
}

// ReshapeAutograd reshapes with automatic differentiation.
func ReshapeAutograd(a *Tensor, newShape []int) *Tensor {
	op := &ReshapeOp{newShape: append([]int{}, newShape...)}
	return op.Forward(a)
}

// TransposeAutograd swaps two dimensions with automatic differentiation.
func TransposeAutograd(a *Tensor, dim0, dim1 int) *Tensor {
	op := &TransposeOp{dim0: dim0, dim1: dim1}
	return op.Forward(a)
}

// NarrowAutograd slices along a dimension with automatic differentiation.
func NarrowAutograd(a *Tensor, dim, start, length int) *Tensor {
	op := &NarrowOp{dim: dim, start: start, length: length}
	return op.Forward(a)
}

// ConcatAutograd concatenates along a dimension with automatic differentiation.
func ConcatAutograd(dim int, tensors ...*Tensor) *Tensor {
	op := &ConcatOp{dim: dim}
	return op.Forward(tensors...)
}

// SumDimAutograd sums along a dimension with automatic differentiation.
func SumDimAutograd(a *Tensor, dim int) *Tensor {
	op := &SumDimOp{dim: dim}
	return op.Forward(a)
}

// Conv2DAutograd performs 2-D convolution with automatic differentiation.
// Bias may be nil.
func Conv2DAutograd(input, weight, bias *Tensor, stride, padding int) *Tensor {
	op := &Conv2DOp{stride: stride, padding: padding}
	if bias != nil {
		return op.Forward(input, weight, bias)
	}
	return op.Forward(input, weight)
}

// MaxPool2DAutograd performs 2-D max pooling with automatic differentiation.
func MaxPool2DAutograd(input *Tensor, kernelSize, stride, padding int) *Tensor {
	op := &MaxPool2DOp{kernelSize: kernelSize, stride: stride, padding: padding}
	return op.Forward(input)
}
