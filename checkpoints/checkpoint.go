// Package checkpoints persists model weights and training state as JSON.
// Two artifacts are produced during a run: a best-model checkpoint written
// whenever validation AUC improves, and a final ensemble bundle carrying the
// best weights together with the feature-extraction parameters an inference
// host needs to reproduce the model's input.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tsawler/go-crnn/nn"
)

// WeightTensor represents a single named weight tensor.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Checkpoint is the best-model snapshot written on validation improvement.
type Checkpoint struct {
	Epoch     int            `json:"epoch"`
	ValAUC    float64        `json:"val_auc"`
	Weights   []WeightTensor `json:"weights"`
	Timestamp time.Time      `json:"timestamp"`
}

// InputParams records the audio front-end configuration the training
// features were computed with. Inference must match these exactly.
type InputParams struct {
	SampleRate  int     `json:"sample_rate"`
	MelBands    int     `json:"n_mels"`
	FMin        int     `json:"fmin"`
	FMax        int     `json:"fmax"`
	NFFT        int     `json:"n_fft"`
	HopLength   int     `json:"hop_length"`
	ClipSeconds float64 `json:"clip_seconds"`
}

// DefaultInputParams returns the front-end configuration of the published
// feature archives: 32 kHz audio, 128 mel bands spanning 20 Hz to 16 kHz,
// 1024-sample FFT with hop 512, 5-second clips.
func DefaultInputParams() InputParams {
	return InputParams{
		SampleRate:  32000,
		MelBands:    128,
		FMin:        20,
		FMax:        16000,
		NFFT:        1024,
		HopLength:   512,
		ClipSeconds: 5.0,
	}
}

// EpochRecord mirrors one epoch of training history inside a bundle.
type EpochRecord struct {
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	TrainAccuracy float64 `json:"train_accuracy"`
	ValLoss       float64 `json:"val_loss"`
	ValAccuracy   float64 `json:"val_accuracy"`
	ValAUC        float64 `json:"val_auc"`
	LearningRate  float64 `json:"learning_rate"`
}

// EnsembleBundle is the final artifact of a run: best weights plus
// everything an ensembling or inference host needs alongside them.
type EnsembleBundle struct {
	ModelType   string         `json:"model_type"`
	ModelState  []WeightTensor `json:"model_state"`
	NumClasses  int            `json:"num_classes"`
	ClassLabels []int          `json:"class_labels,omitempty"`
	BestEpoch   int            `json:"best_epoch"`
	BestValAUC  float64        `json:"best_val_auc"`
	InputParams InputParams    `json:"input_params"`
	History     []EpochRecord  `json:"history"`
	CreatedAt   time.Time      `json:"created_at"`
}

// FromStateTensors snapshots named tensors into weight records. The float
// data is copied.
func FromStateTensors(state []nn.NamedTensor) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(state))
	for _, nt := range state {
		data, err := nt.Tensor.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("weight %s: %w", nt.Name, err)
		}
		cp := make([]float32, len(data))
		copy(cp, data)
		weights = append(weights, WeightTensor{
			Name:  nt.Name,
			Shape: append([]int{}, nt.Tensor.Shape...),
			Data:  cp,
		})
	}
	return weights, nil
}

// LoadIntoStateTensors restores weight records into named tensors, matching
// by name and verifying shapes.
func LoadIntoStateTensors(weights []WeightTensor, state []nn.NamedTensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, nt := range state {
		w, ok := byName[nt.Name]
		if !ok {
			return fmt.Errorf("checkpoint missing weight %s", nt.Name)
		}
		if len(w.Shape) != len(nt.Tensor.Shape) {
			return fmt.Errorf("weight %s: shape mismatch %v vs %v", nt.Name, w.Shape, nt.Tensor.Shape)
		}
		for i, dim := range w.Shape {
			if dim != nt.Tensor.Shape[i] {
				return fmt.Errorf("weight %s: shape mismatch %v vs %v", nt.Name, w.Shape, nt.Tensor.Shape)
			}
		}
		data, err := nt.Tensor.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("weight %s: %w", nt.Name, err)
		}
		if len(w.Data) != len(data) {
			return fmt.Errorf("weight %s: expected %d values, got %d", nt.Name, len(data), len(w.Data))
		}
		copy(data, w.Data)
	}
	return nil
}

// SaveCheckpoint writes a checkpoint as JSON.
func SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Timestamp.IsZero() {
		checkpoint.Timestamp = time.Now().UTC()
	}
	return saveJSON(checkpoint, path)
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := loadJSON(&checkpoint, path); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

// SaveEnsembleBundle writes the final model bundle as JSON.
func SaveEnsembleBundle(bundle *EnsembleBundle, path string) error {
	if bundle.CreatedAt.IsZero() {
		bundle.CreatedAt = time.Now().UTC()
	}
	return saveJSON(bundle, path)
}

// LoadEnsembleBundle reads a bundle written by SaveEnsembleBundle.
func LoadEnsembleBundle(path string) (*EnsembleBundle, error) {
	var bundle EnsembleBundle
	if err := loadJSON(&bundle, path); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func saveJSON(v interface{}, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}

func loadJSON(v interface{}, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
