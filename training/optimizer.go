package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-crnn/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current base learning rate
	SetLR(lr float64) // Sets base learning rate
}

// ParamGroup is a set of parameters sharing hyperparameter overrides.
// LRScale multiplies the optimizer's base learning rate for the group, so a
// scheduler adjusting the base rate moves every group proportionally.
type ParamGroup struct {
	Params      []*tensor.Tensor
	LRScale     float64
	WeightDecay float64
}

func normalizeGroups(groups []ParamGroup) []ParamGroup {
	out := make([]ParamGroup, len(groups))
	for i, g := range groups {
		if g.LRScale == 0 {
			g.LRScale = 1.0
		}
		out[i] = g
	}
	return out
}

// Adam implements the Adam optimizer with decoupled parameter groups.
type Adam struct {
	groups []ParamGroup
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	step   int64
	m      map[*tensor.Tensor][]float32 // First moment estimates
	v      map[*tensor.Tensor][]float32 // Second moment estimates
	mutex  sync.Mutex
}

// NewAdam creates an Adam optimizer over a single parameter group.
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return NewAdamGroups([]ParamGroup{{Params: parameters, WeightDecay: weightDecay}}, lr, beta1, beta2, eps)
}

// NewAdamGroups creates an Adam optimizer over explicit parameter groups.
func NewAdamGroups(groups []ParamGroup, lr, beta1, beta2, eps float64) *Adam {
	adam := &Adam{
		groups: normalizeGroups(groups),
		lr:     lr,
		beta1:  beta1,
		beta2:  beta2,
		eps:    eps,
		m:      make(map[*tensor.Tensor][]float32),
		v:      make(map[*tensor.Tensor][]float32),
	}
	for _, g := range adam.groups {
		for _, param := range g.Params {
			if param.RequiresGrad() {
				adam.m[param] = make([]float32, param.NumElems)
				adam.v[param] = make([]float32, param.NumElems)
			}
		}
	}
	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, group := range adam.groups {
		lr := adam.lr * group.LRScale
		for _, param := range group.Params {
			if !param.RequiresGrad() || param.Grad() == nil {
				continue
			}

			data, err := param.GetFloat32Data()
			if err != nil {
				return fmt.Errorf("adam step: %v", err)
			}
			grad, err := param.Grad().GetFloat32Data()
			if err != nil {
				return fmt.Errorf("adam step: %v", err)
			}

			m, v := adam.m[param], adam.v[param]
			if m == nil || v == nil {
				m = make([]float32, param.NumElems)
				v = make([]float32, param.NumElems)
				adam.m[param] = m
				adam.v[param] = v
			}

			b1 := float32(adam.beta1)
			b2 := float32(adam.beta2)
			wd := float32(group.WeightDecay)
			for i := range data {
				g := grad[i]
				if wd > 0 {
					g += wd * data[i]
				}
				m[i] = b1*m[i] + (1-b1)*g
				v[i] = b2*v[i] + (1-b2)*g*g

				mHat := float64(m[i]) / bias1
				vHat := float64(v[i]) / bias2
				data[i] -= float32(lr * mHat / (math.Sqrt(vHat) + adam.eps))
			}
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	for _, group := range adam.groups {
		tensor.ZeroGrad(group.Params)
	}
}

// GetLR returns the base learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	return adam.lr
}

// SetLR sets the base learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// Parameters returns every parameter across all groups.
func (adam *Adam) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, g := range adam.groups {
		params = append(params, g.Params...)
	}
	return params
}

// SGD implements Stochastic Gradient Descent with optional momentum
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*tensor.Tensor][]float32
	mutex        sync.Mutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay float64) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*tensor.Tensor][]float32),
	}
	if momentum > 0 {
		for _, param := range parameters {
			if param.RequiresGrad() {
				sgd.velocities[param] = make([]float32, param.NumElems)
			}
		}
	}
	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("sgd step: %v", err)
		}
		grad, err := param.Grad().GetFloat32Data()
		if err != nil {
			return fmt.Errorf("sgd step: %v", err)
		}

		lr := float32(sgd.learningRate)
		wd := float32(sgd.weightDecay)
		mu := float32(sgd.momentum)

		if mu > 0 {
			velocity := sgd.velocities[param]
			if velocity == nil {
				velocity = make([]float32, param.NumElems)
				sgd.velocities[param] = velocity
			}
			for i := range data {
				g := grad[i]
				if wd > 0 {
					g += wd * data[i]
				}
				velocity[i] = mu*velocity[i] + g
				data[i] -= lr * velocity[i]
			}
		} else {
			for i := range data {
				g := grad[i]
				if wd > 0 {
					g += wd * data[i]
				}
				data[i] -= lr * g
			}
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}
