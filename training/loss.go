package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-crnn/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Forward returns the scalar loss; Backward returns the gradient of the loss
// with respect to the predictions, used as the seed for backpropagation.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// CrossEntropyLoss implements softmax cross entropy for classification.
// Predictions are raw logits [batch, classes]; targets are class indices
// [batch] of dtype Int32.
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

func (ce *CrossEntropyLoss) validate(predicted, target *tensor.Tensor) (batch, classes int, err error) {
	if len(predicted.Shape) != 2 {
		return 0, 0, fmt.Errorf("predicted must be 2D [batch, classes], got shape %v", predicted.Shape)
	}
	flat := len(target.Shape) == 1 && target.Shape[0] == predicted.Shape[0]
	column := len(target.Shape) == 2 && target.Shape[0] == predicted.Shape[0] && target.Shape[1] == 1
	if !flat && !column {
		return 0, 0, fmt.Errorf("target must be [batch] or [batch, 1], got shape %v for batch %d", target.Shape, predicted.Shape[0])
	}
	if predicted.DType != tensor.Float32 || target.DType != tensor.Int32 {
		return 0, 0, fmt.Errorf("expected Float32 logits and Int32 targets, got %s and %s", predicted.DType, target.DType)
	}
	return predicted.Shape[0], predicted.Shape[1], nil
}

// Forward computes the negative log likelihood of the target classes under
// the softmax of the logits.
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, err := ce.validate(predicted, target)
	if err != nil {
		return nil, err
	}

	logits, _ := predicted.GetFloat32Data()
	labels, _ := target.GetInt32Data()

	var total float64
	for b := 0; b < batch; b++ {
		row := logits[b*classes : (b+1)*classes]
		label := int(labels[b])
		if label < 0 || label >= classes {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", label, classes)
		}

		// log-sum-exp with max subtraction for stability
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v - maxVal))
		}
		total += math.Log(sumExp) + float64(maxVal) - float64(row[label])
	}

	if ce.reduction == "mean" {
		total /= float64(batch)
	}
	return tensor.FromScalar(total, tensor.Float32), nil
}

// Backward computes the gradient with respect to the logits:
// softmax(logits) minus the one-hot target, scaled by the reduction.
func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, err := ce.validate(predicted, target)
	if err != nil {
		return nil, err
	}

	probs, err := tensor.Softmax(predicted, 1)
	if err != nil {
		return nil, fmt.Errorf("softmax failed: %v", err)
	}

	grad, _ := probs.GetFloat32Data()
	labels, _ := target.GetInt32Data()

	scale := float32(1.0)
	if ce.reduction == "mean" {
		scale = 1.0 / float32(batch)
	}
	for b := 0; b < batch; b++ {
		grad[b*classes+int(labels[b])] -= 1.0
		for c := 0; c < classes; c++ {
			grad[b*classes+c] *= scale
		}
	}
	return probs, nil
}

// MSELoss implements mean squared error for regression targets.
type MSELoss struct {
	reduction string
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes L = sum((pred - target)^2), averaged under "mean".
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("subtraction failed: %v", err)
	}
	squared, err := tensor.Mul(diff, diff)
	if err != nil {
		return nil, fmt.Errorf("multiplication failed: %v", err)
	}
	loss, err := tensor.SumAll(squared)
	if err != nil {
		return nil, fmt.Errorf("sum computation failed: %v", err)
	}
	if mse.reduction == "mean" {
		loss, err = tensor.Scale(loss, 1.0/float64(predicted.NumElems))
		if err != nil {
			return nil, fmt.Errorf("mean computation failed: %v", err)
		}
	}
	return loss, nil
}

// Backward computes d/d(pred) = 2 * (pred - target), scaled by the reduction.
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("gradient subtraction failed: %v", err)
	}
	scale := 2.0
	if mse.reduction == "mean" {
		scale /= float64(predicted.NumElems)
	}
	grad, err := tensor.Scale(diff, scale)
	if err != nil {
		return nil, fmt.Errorf("gradient scaling failed: %v", err)
	}
	return grad, nil
}
