package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMul computes the matrix product of two 2-D Float32 tensors using the
// gonum BLAS level-3 GEMM kernel.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if t1.DType != Float32 || t2.DType != Float32 {
		return nil, fmt.Errorf("MatMul requires Float32 tensors, got %s and %s", t1.DType, t2.DType)
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got shapes %v and %v", t1.Shape, t2.Shape)
	}

	m, k := t1.Shape[0], t1.Shape[1]
	k2, n := t2.Shape[0], t2.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("MatMul dimension mismatch: %v x %v", t1.Shape, t2.Shape)
	}

	out, err := NewTensor([]int{m, n}, Float32, nil)
	if err != nil {
		return nil, err
	}

	a := blas32.General{Rows: m, Cols: k, Stride: k, Data: t1.Data.([]float32)}
	b := blas32.General{Rows: k, Cols: n, Stride: n, Data: t2.Data.([]float32)}
	c := blas32.General{Rows: m, Cols: n, Stride: n, Data: out.Data.([]float32)}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a, b, 0, c)

	return out, nil
}

// Transpose swaps two dimensions of a tensor, materializing the result.
func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	nd := len(t.Shape)
	if dim0 < 0 || dim0 >= nd || dim1 < 0 || dim1 >= nd {
		return nil, fmt.Errorf("transpose dimensions (%d, %d) out of range for shape %v", dim0, dim1, t.Shape)
	}
	if dim0 == dim1 {
		return t.Clone()
	}

	outShape := append([]int{}, t.Shape...)
	outShape[dim0], outShape[dim1] = outShape[dim1], outShape[dim0]

	out, err := NewTensor(outShape, t.DType, nil)
	if err != nil {
		return nil, err
	}

	coords := make([]int, nd)
	outCoords := make([]int, nd)
	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := out.Data.([]float32)
		for i := 0; i < t.NumElems; i++ {
			copy(outCoords, coords)
			outCoords[dim0], outCoords[dim1] = coords[dim1], coords[dim0]
			dst[flatIndex(outCoords, out.Strides)] = src[i]
			advance(coords, t.Shape)
		}
	case Int32:
		src := t.Data.([]int32)
		dst := out.Data.([]int32)
		for i := 0; i < t.NumElems; i++ {
			copy(outCoords, coords)
			outCoords[dim0], outCoords[dim1] = coords[dim1], coords[dim0]
			dst[flatIndex(outCoords, out.Strides)] = src[i]
			advance(coords, t.Shape)
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for transpose: %s", t.DType)
	}

	return out, nil
}

func flatIndex(coords, strides []int) int {
	idx := 0
	for i, c := range coords {
		idx += c * strides[i]
	}
	return idx
}

// Sum reduces a Float32 tensor along one dimension. With keepDim the reduced
// dimension is retained with size 1, otherwise it is dropped.
func Sum(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sum requires a Float32 tensor, got %s", t.DType)
	}
	if dim < 0 {
		dim += len(t.Shape)
	}
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("Sum dimension %d out of range for shape %v", dim, t.Shape)
	}

	outShape := append([]int{}, t.Shape...)
	outShape[dim] = 1

	out, err := NewTensor(outShape, Float32, nil)
	if err != nil {
		return nil, err
	}

	src := t.Data.([]float32)
	dst := out.Data.([]float32)
	dimSize := t.Shape[dim]
	dimStride := t.Strides[dim]
	outer := t.NumElems / dimSize
	for o := 0; o < outer; o++ {
		base := (o/dimStride)*dimStride*dimSize + o%dimStride
		var sum float32
		for j := 0; j < dimSize; j++ {
			sum += src[base+j*dimStride]
		}
		dst[o] = sum
	}

	if keepDim {
		return out, nil
	}
	squeezed := append([]int{}, t.Shape[:dim]...)
	squeezed = append(squeezed, t.Shape[dim+1:]...)
	if len(squeezed) == 0 {
		squeezed = []int{1}
	}
	return out.Reshape(squeezed)
}

// SumAll reduces a Float32 tensor to a single-element tensor.
func SumAll(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("SumAll requires a Float32 tensor, got %s", t.DType)
	}
	data := t.Data.([]float32)
	var sum float32
	for _, v := range data {
		sum += v
	}
	return NewTensor([]int{1}, Float32, []float32{sum})
}

// Narrow returns a copy of the tensor restricted to length elements starting
// at start along dim.
func Narrow(t *Tensor, dim, start, length int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("Narrow dimension %d out of range for shape %v", dim, t.Shape)
	}
	if start < 0 || length <= 0 || start+length > t.Shape[dim] {
		return nil, fmt.Errorf("Narrow range [%d, %d) out of bounds for dimension of size %d", start, start+length, t.Shape[dim])
	}

	outShape := append([]int{}, t.Shape...)
	outShape[dim] = length

	out, err := NewTensor(outShape, t.DType, nil)
	if err != nil {
		return nil, err
	}

	dimStride := t.Strides[dim]
	dimSize := t.Shape[dim]
	// The tensor decomposes into outer blocks x dimSize x dimStride elements.
	outerBlocks := t.NumElems / (dimSize * dimStride)

	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := out.Data.([]float32)
		for o := 0; o < outerBlocks; o++ {
			srcBase := o*dimSize*dimStride + start*dimStride
			dstBase := o * length * dimStride
			copy(dst[dstBase:dstBase+length*dimStride], src[srcBase:srcBase+length*dimStride])
		}
	case Int32:
		src := t.Data.([]int32)
		dst := out.Data.([]int32)
		for o := 0; o < outerBlocks; o++ {
			srcBase := o*dimSize*dimStride + start*dimStride
			dstBase := o * length * dimStride
			copy(dst[dstBase:dstBase+length*dimStride], src[srcBase:srcBase+length*dimStride])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Narrow: %s", t.DType)
	}

	return out, nil
}

// Concat concatenates tensors along dim. All tensors must agree on dtype and
// on every other dimension.
func Concat(dim int, tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("Concat requires at least one tensor")
	}

	first := tensors[0]
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("Concat dimension %d out of range for shape %v", dim, first.Shape)
	}

	total := 0
	for _, t := range tensors {
		if t.DType != first.DType {
			return nil, fmt.Errorf("Concat dtype mismatch: %s vs %s", first.DType, t.DType)
		}
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("Concat rank mismatch: %v vs %v", first.Shape, t.Shape)
		}
		for d := range t.Shape {
			if d != dim && t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("Concat shape mismatch on dimension %d: %v vs %v", d, first.Shape, t.Shape)
			}
		}
		total += t.Shape[dim]
	}

	outShape := append([]int{}, first.Shape...)
	outShape[dim] = total

	out, err := NewTensor(outShape, first.DType, nil)
	if err != nil {
		return nil, err
	}

	if first.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Concat: %s", first.DType)
	}

	dst := out.Data.([]float32)
	dimStride := first.Strides[dim]
	outerBlocks := first.NumElems / (first.Shape[dim] * dimStride)
	outBlock := total * dimStride

	offset := 0
	for _, t := range tensors {
		src := t.Data.([]float32)
		block := t.Shape[dim] * dimStride
		for o := 0; o < outerBlocks; o++ {
			copy(dst[o*outBlock+offset:o*outBlock+offset+block], src[o*block:(o+1)*block])
		}
		offset += block
	}

	return out, nil
}

// ArgMax returns the index of the maximum value along the last dimension of a
// 2-D Float32 tensor, one index per row.
func ArgMax(t *Tensor) ([]int, error) {
	if t.DType != Float32 || len(t.Shape) != 2 {
		return nil, fmt.Errorf("ArgMax requires a 2D Float32 tensor, got %v %s", t.Shape, t.DType)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	data := t.Data.([]float32)

	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		maxIdx := 0
		maxVal := data[i*cols]
		for j := 1; j < cols; j++ {
			if data[i*cols+j] > maxVal {
				maxVal = data[i*cols+j]
				maxIdx = j
			}
		}
		out[i] = maxIdx
	}
	return out, nil
}
