package training

// EpochMetrics records the outcome of one train/validate cycle.
type EpochMetrics struct {
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	TrainAccuracy float64 `json:"train_accuracy"`
	ValLoss       float64 `json:"val_loss"`
	ValAccuracy   float64 `json:"val_accuracy"`
	ValAUC        float64 `json:"val_auc"`
	LearningRate  float64 `json:"learning_rate"`
}

// History is the full per-epoch metric trace of a training run.
type History struct {
	Epochs []EpochMetrics `json:"epochs"`
}

// Append records one epoch.
func (h *History) Append(m EpochMetrics) {
	h.Epochs = append(h.Epochs, m)
}

// Last returns the most recent epoch metrics, or a zero value when empty.
func (h *History) Last() EpochMetrics {
	if len(h.Epochs) == 0 {
		return EpochMetrics{}
	}
	return h.Epochs[len(h.Epochs)-1]
}
