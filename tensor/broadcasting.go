package tensor

import (
	"fmt"
)

// BroadcastShapes computes the result shape of broadcasting two shapes using
// NumPy alignment rules (trailing dimensions aligned, size-1 dimensions
// stretched).
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	n := len(shape1)
	if len(shape2) > n {
		n = len(shape2)
	}

	result := make([]int, n)
	for i := 0; i < n; i++ {
		d1, d2 := 1, 1
		if i < len(shape1) {
			d1 = shape1[len(shape1)-1-i]
		}
		if i < len(shape2) {
			d2 = shape2[len(shape2)-1-i]
		}

		switch {
		case d1 == d2:
			result[n-1-i] = d1
		case d1 == 1:
			result[n-1-i] = d2
		case d2 == 1:
			result[n-1-i] = d1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable", shape1, shape2)
		}
	}
	return result, nil
}

// AreBroadcastable reports whether two shapes can be broadcast together.
func AreBroadcastable(shape1, shape2 []int) bool {
	_, err := BroadcastShapes(shape1, shape2)
	return err == nil
}

// BroadcastTensor materializes t broadcast to targetShape. Returns t itself
// when the shapes already match.
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(t.Shape, targetShape) {
		return t, nil
	}

	if !AreBroadcastable(t.Shape, targetShape) {
		return nil, fmt.Errorf("cannot broadcast shape %v to %v", t.Shape, targetShape)
	}

	out, err := NewTensor(targetShape, t.DType, nil)
	if err != nil {
		return nil, err
	}

	// Left-pad the source shape with 1s to align dimensions.
	srcShape := make([]int, len(targetShape))
	for i := range srcShape {
		srcShape[i] = 1
	}
	copy(srcShape[len(targetShape)-len(t.Shape):], t.Shape)
	srcStrides := calculateStrides(srcShape)

	coords := make([]int, len(targetShape))
	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := out.Data.([]float32)
		for i := 0; i < out.NumElems; i++ {
			srcIdx := 0
			for d, c := range coords {
				if srcShape[d] != 1 {
					srcIdx += c * srcStrides[d]
				}
			}
			dst[i] = src[srcIdx]
			advance(coords, targetShape)
		}
	case Int32:
		src := t.Data.([]int32)
		dst := out.Data.([]int32)
		for i := 0; i < out.NumElems; i++ {
			srcIdx := 0
			for d, c := range coords {
				if srcShape[d] != 1 {
					srcIdx += c * srcStrides[d]
				}
			}
			dst[i] = src[srcIdx]
			advance(coords, targetShape)
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for broadcasting: %s", t.DType)
	}

	return out, nil
}

// advance increments a multi-dimensional coordinate in row-major order.
func advance(coords, shape []int) {
	for d := len(coords) - 1; d >= 0; d-- {
		coords[d]++
		if coords[d] < shape[d] {
			return
		}
		coords[d] = 0
	}
}

// reduceGradientToShape sums a broadcast gradient back down to the original
// input shape, so that ops with broadcasting return correctly shaped input
// gradients.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad, nil
	}

	if grad.DType != Float32 {
		return nil, fmt.Errorf("gradient reduction only supports Float32, got %s", grad.DType)
	}

	// Left-pad the target shape with 1s to align with the gradient shape.
	padded := make([]int, len(grad.Shape))
	for i := range padded {
		padded[i] = 1
	}
	if len(targetShape) > len(grad.Shape) {
		return nil, fmt.Errorf("cannot reduce gradient of shape %v to larger shape %v", grad.Shape, targetShape)
	}
	copy(padded[len(grad.Shape)-len(targetShape):], targetShape)

	out, err := NewTensor(padded, Float32, nil)
	if err != nil {
		return nil, err
	}
	outStrides := calculateStrides(padded)

	src := grad.Data.([]float32)
	dst := out.Data.([]float32)
	coords := make([]int, len(grad.Shape))
	for i := 0; i < grad.NumElems; i++ {
		dstIdx := 0
		for d, c := range coords {
			if padded[d] != 1 {
				dstIdx += c * outStrides[d]
			}
		}
		dst[dstIdx] += src[i]
		advance(coords, grad.Shape)
	}

	return out.Reshape(targetShape)
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
