// Package tensor implements a CPU tensor type with reverse-mode automatic
// differentiation. Tensors are dense, row-major, and hold either float32 or
// int32 data. Heavy kernels (matrix multiplication, convolution, pooling)
// fan out across the batch dimension with goroutines.
package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Operation is a node in the autograd graph. Forward computes the result
// tensor and records the inputs; Backward maps the gradient of the output to
// gradients of each input (nil for non-differentiable inputs such as integer
// label tensors).
type Operation interface {
	Forward(...*Tensor) *Tensor
	Backward(gradOut *Tensor) []*Tensor
	Inputs() []*Tensor
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Detach returns a view of the tensor cut off from the autograd graph. The
// underlying data is shared.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    append([]int{}, t.Shape...),
		Strides:  append([]int{}, t.Strides...),
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Backward runs reverse-mode differentiation from t, accumulating gradients
// into every reachable tensor with requiresGrad set. For non-scalar tensors a
// seed gradient must be provided; for scalars the seed defaults to one.
func (t *Tensor) Backward(seed *Tensor) error {
	if t.DType != Float32 {
		return fmt.Errorf("backward requires a Float32 root tensor, got %s", t.DType)
	}

	if seed == nil {
		if t.NumElems != 1 {
			return fmt.Errorf("backward on non-scalar tensor of shape %v requires an explicit seed gradient", t.Shape)
		}
		var err error
		seed, err = Ones(t.Shape, Float32)
		if err != nil {
			return err
		}
	}

	// Topological order over the operation graph, outputs before inputs.
	order, outputs := topoSort(t)

	grads := map[*Tensor]*Tensor{t: seed}

	accumulate := func(target, g *Tensor) error {
		if g == nil {
			return nil
		}
		if existing, ok := grads[target]; ok {
			summed, err := Add(existing, g)
			if err != nil {
				return fmt.Errorf("gradient accumulation failed: %w", err)
			}
			grads[target] = summed
		} else {
			grads[target] = g
		}
		return nil
	}

	for _, op := range order {
		out := outputs[op]
		gradOut, ok := grads[out]
		if !ok {
			continue
		}
		inputGrads := op.Backward(gradOut)
		inputs := op.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation %T returned %d gradients for %d inputs", op, len(inputGrads), len(inputs))
		}
		for i, in := range inputs {
			if err := accumulate(in, inputGrads[i]); err != nil {
				return err
			}
		}
	}

	// Flush accumulated gradients into leaf tensors.
	for target, g := range grads {
		if !target.requiresGrad || target.creator != nil {
			continue
		}
		if target.grad == nil {
			target.grad = g
			continue
		}
		summed, err := Add(target.grad, g)
		if err != nil {
			return fmt.Errorf("gradient accumulation failed: %w", err)
		}
		target.grad = summed
	}

	return nil
}

// topoSort walks the creator graph from the root and returns operations in
// reverse topological order (root's creator first) together with the output
// tensor of each operation.
func topoSort(root *Tensor) ([]Operation, map[Operation]*Tensor) {
	var order []Operation
	outputs := make(map[Operation]*Tensor)
	visited := make(map[Operation]bool)

	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		op := t.creator
		if op == nil || visited[op] {
			return
		}
		visited[op] = true
		outputs[op] = t
		for _, in := range op.Inputs() {
			visit(in)
		}
		order = append(order, op)
	}
	visit(root)

	// visit appends inputs-first, so reverse to process outputs first.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	return order, outputs
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
