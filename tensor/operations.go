package tensor

import (
	"fmt"
	"math"
)

type binaryFunc func(a, b float32) float32

// applyBinary broadcasts both operands to a common shape and applies fn
// elementwise. Only Float32 operands participate in arithmetic.
func applyBinary(t1, t2 *Tensor, fn binaryFunc, opName string) (*Tensor, error) {
	if t1.DType != Float32 || t2.DType != Float32 {
		return nil, fmt.Errorf("%s requires Float32 tensors, got %s and %s", opName, t1.DType, t2.DType)
	}

	outShape, err := BroadcastShapes(t1.Shape, t2.Shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opName, err)
	}

	a, err := BroadcastTensor(t1, outShape)
	if err != nil {
		return nil, err
	}
	b, err := BroadcastTensor(t2, outShape)
	if err != nil {
		return nil, err
	}

	out, err := NewTensor(outShape, Float32, nil)
	if err != nil {
		return nil, err
	}

	aData := a.Data.([]float32)
	bData := b.Data.([]float32)
	outData := out.Data.([]float32)
	for i := range outData {
		outData[i] = fn(aData[i], bData[i])
	}

	return out, nil
}

// Add computes elementwise t1 + t2 with broadcasting.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	return applyBinary(t1, t2, func(a, b float32) float32 { return a + b }, "Add")
}

// Sub computes elementwise t1 - t2 with broadcasting.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return applyBinary(t1, t2, func(a, b float32) float32 { return a - b }, "Sub")
}

// Mul computes elementwise t1 * t2 with broadcasting.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return applyBinary(t1, t2, func(a, b float32) float32 { return a * b }, "Mul")
}

// Div computes elementwise t1 / t2 with broadcasting.
func Div(t1, t2 *Tensor) (*Tensor, error) {
	return applyBinary(t1, t2, func(a, b float32) float32 { return a / b }, "Div")
}

type unaryFunc func(v float32) float32

func applyUnary(t *Tensor, fn unaryFunc, opName string) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("%s requires a Float32 tensor, got %s", opName, t.DType)
	}

	out, err := NewTensor(t.Shape, Float32, nil)
	if err != nil {
		return nil, err
	}

	src := t.Data.([]float32)
	dst := out.Data.([]float32)
	for i := range src {
		dst[i] = fn(src[i])
	}
	return out, nil
}

// ReLU computes elementwise max(0, x).
func ReLU(t *Tensor) (*Tensor, error) {
	return applyUnary(t, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	}, "ReLU")
}

// Sigmoid computes elementwise 1 / (1 + exp(-x)).
func Sigmoid(t *Tensor) (*Tensor, error) {
	return applyUnary(t, func(v float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(-float64(v))))
	}, "Sigmoid")
}

// Tanh computes elementwise hyperbolic tangent.
func Tanh(t *Tensor) (*Tensor, error) {
	return applyUnary(t, func(v float32) float32 {
		return float32(math.Tanh(float64(v)))
	}, "Tanh")
}

// Exp computes elementwise e^x.
func Exp(t *Tensor) (*Tensor, error) {
	return applyUnary(t, func(v float32) float32 {
		return float32(math.Exp(float64(v)))
	}, "Exp")
}

// Log computes elementwise natural logarithm.
func Log(t *Tensor) (*Tensor, error) {
	return applyUnary(t, func(v float32) float32 {
		return float32(math.Log(float64(v)))
	}, "Log")
}

// Scale multiplies every element by a scalar.
func Scale(t *Tensor, s float64) (*Tensor, error) {
	f := float32(s)
	return applyUnary(t, func(v float32) float32 { return v * f }, "Scale")
}

// Softmax normalizes values to a probability distribution along the given
// dimension, with the usual max-subtraction for numerical stability.
func Softmax(t *Tensor, dim int) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Softmax requires a Float32 tensor, got %s", t.DType)
	}
	if dim < 0 {
		dim += len(t.Shape)
	}
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("Softmax dimension %d out of range for shape %v", dim, t.Shape)
	}

	out, err := NewTensor(t.Shape, Float32, nil)
	if err != nil {
		return nil, err
	}

	src := t.Data.([]float32)
	dst := out.Data.([]float32)

	dimSize := t.Shape[dim]
	dimStride := t.Strides[dim]

	// Iterate over every slice along dim.
	outer := t.NumElems / dimSize
	for o := 0; o < outer; o++ {
		// Map the flat slice index to a base offset skipping dim.
		base := (o/dimStride)*dimStride*dimSize + o%dimStride

		maxVal := src[base]
		for j := 1; j < dimSize; j++ {
			if v := src[base+j*dimStride]; v > maxVal {
				maxVal = v
			}
		}

		var sum float32
		for j := 0; j < dimSize; j++ {
			e := float32(math.Exp(float64(src[base+j*dimStride] - maxVal)))
			dst[base+j*dimStride] = e
			sum += e
		}
		for j := 0; j < dimSize; j++ {
			dst[base+j*dimStride] /= sum
		}
	}

	return out, nil
}
