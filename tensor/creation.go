package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// NewTensor creates a tensor with the given shape and data. When data is nil
// a zero-filled backing slice is allocated.
func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t := &Tensor{
		Shape:    append([]int{}, shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: calculateNumElements(shape),
	}

	if data == nil {
		switch dtype {
		case Float32:
			t.Data = make([]float32, t.NumElems)
		case Int32:
			t.Data = make([]int32, t.NumElems)
		default:
			return nil, fmt.Errorf("unsupported dtype: %s", dtype)
		}
		return t, nil
	}

	if err := t.setData(data); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch d := data.(type) {
	case []float32:
		if t.DType != Float32 {
			return fmt.Errorf("data type []float32 does not match tensor dtype %s", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
		}
		t.Data = d
	case []int32:
		if t.DType != Int32 {
			return fmt.Errorf("data type []int32 does not match tensor dtype %s", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
		}
		t.Data = d
	default:
		return fmt.Errorf("unsupported data type %T", data)
	}
	return nil
}

// SetData replaces the tensor's backing data in place.
func (t *Tensor) SetData(data interface{}) error {
	return t.setData(data)
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, nil)
}

// Ones creates a tensor filled with ones.
func Ones(shape []int, dtype DType) (*Tensor, error) {
	t, err := NewTensor(shape, dtype, nil)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float32:
		data := t.Data.([]float32)
		for i := range data {
			data[i] = 1
		}
	case Int32:
		data := t.Data.([]int32)
		for i := range data {
			data[i] = 1
		}
	}
	return t, nil
}

// Full creates a tensor filled with a constant value.
func Full(shape []int, value float64, dtype DType) (*Tensor, error) {
	t, err := NewTensor(shape, dtype, nil)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float32:
		data := t.Data.([]float32)
		for i := range data {
			data[i] = float32(value)
		}
	case Int32:
		data := t.Data.([]int32)
		for i := range data {
			data[i] = int32(value)
		}
	}
	return t, nil
}

// FromScalar wraps a single value in a one-element tensor.
func FromScalar(value float64, dtype DType) *Tensor {
	t, err := Full([]int{1}, value, dtype)
	if err != nil {
		// A [1] shape cannot fail validation.
		panic(fmt.Sprintf("FromScalar: %v", err))
	}
	return t
}

// RandomUniform creates a Float32 tensor with entries drawn from U(lo, hi).
func RandomUniform(shape []int, lo, hi float32, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor(shape, Float32, nil)
	if err != nil {
		return nil, err
	}
	data := t.Data.([]float32)
	for i := range data {
		data[i] = lo + rng.Float32()*(hi-lo)
	}
	return t, nil
}

// RandomNormal creates a Float32 tensor with entries drawn from N(mean, std).
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor(shape, Float32, nil)
	if err != nil {
		return nil, err
	}
	data := t.Data.([]float32)
	for i := range data {
		data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t, nil
}

// XavierUniform creates a Float32 tensor initialized with Glorot uniform
// scaling for the given fan-in and fan-out.
func XavierUniform(shape []int, fanIn, fanOut int, rng *rand.Rand) (*Tensor, error) {
	bound := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	return RandomUniform(shape, -bound, bound, rng)
}
