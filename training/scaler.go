package training

import (
	"math"

	"github.com/tsawler/go-crnn/tensor"
)

// GradScaler scales the loss gradient before backpropagation so small
// gradients survive reduced-precision arithmetic, then unscales parameter
// gradients before the optimizer step. If unscaled gradients contain Inf or
// NaN the step is skipped and the scale is backed off; after a run of good
// steps the scale grows again.
type GradScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	goodSteps      int
	enabled        bool
}

// NewGradScaler creates a scaler with the standard defaults: initial scale
// 65536, growth factor 2, backoff factor 0.5, growth interval 2000 steps.
func NewGradScaler() *GradScaler {
	return &GradScaler{
		scale:          65536.0,
		growthFactor:   2.0,
		backoffFactor:  0.5,
		growthInterval: 2000,
		enabled:        true,
	}
}

// NewDisabledGradScaler returns a pass-through scaler.
func NewDisabledGradScaler() *GradScaler {
	return &GradScaler{scale: 1.0, enabled: false}
}

// Scale multiplies the seed gradient by the current scale.
func (gs *GradScaler) Scale(seed *tensor.Tensor) (*tensor.Tensor, error) {
	if !gs.enabled {
		return seed, nil
	}
	return tensor.Scale(seed, gs.scale)
}

// GetScale returns the current loss scale.
func (gs *GradScaler) GetScale() float64 {
	return gs.scale
}

// UnscaleAndCheck divides every parameter gradient by the scale and reports
// whether any gradient element is Inf or NaN.
func (gs *GradScaler) UnscaleAndCheck(params []*tensor.Tensor) (foundInf bool, err error) {
	inv := float32(1.0 / gs.scale)
	for _, param := range params {
		grad := param.Grad()
		if grad == nil {
			continue
		}
		data, err := grad.GetFloat32Data()
		if err != nil {
			return false, err
		}
		for i := range data {
			if gs.enabled {
				data[i] *= inv
			}
			f := float64(data[i])
			if math.IsInf(f, 0) || math.IsNaN(f) {
				foundInf = true
			}
		}
	}
	return foundInf, nil
}

// Update adjusts the scale after a step attempt. Call with the foundInf
// result of UnscaleAndCheck; returns false when the optimizer step should be
// skipped.
func (gs *GradScaler) Update(foundInf bool) (stepOK bool) {
	if !gs.enabled {
		return !foundInf
	}
	if foundInf {
		gs.scale *= gs.backoffFactor
		gs.goodSteps = 0
		return false
	}
	gs.goodSteps++
	if gs.goodSteps >= gs.growthInterval {
		gs.scale *= gs.growthFactor
		gs.goodSteps = 0
	}
	return true
}
