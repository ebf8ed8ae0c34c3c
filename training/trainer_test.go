package training

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-crnn/checkpoints"
	"github.com/tsawler/go-crnn/nn"
	"github.com/tsawler/go-crnn/tensor"
)

// constantModel emits the same logits for every example, so validation AUC
// never changes between epochs.
type constantModel struct {
	classes  int
	weight   *tensor.Tensor
	training bool
}

func newConstantModel(classes int) *constantModel {
	weight, _ := tensor.Ones([]int{1}, tensor.Float32)
	weight.SetRequiresGrad(true)
	return &constantModel{classes: classes, weight: weight}
}

func (m *constantModel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	batch := input.Shape[0]
	data := make([]float32, batch*m.classes)
	for i := range data {
		data[i] = float32(i%m.classes) * 0.01
	}
	return tensor.NewTensor([]int{batch, m.classes}, tensor.Float32, data)
}

func (m *constantModel) Parameters() []*tensor.Tensor { return []*tensor.Tensor{m.weight} }
func (m *constantModel) StateTensors() []nn.NamedTensor {
	return []nn.NamedTensor{{Name: "weight", Tensor: m.weight}}
}
func (m *constantModel) Train()           { m.training = true }
func (m *constantModel) Eval()            { m.training = false }
func (m *constantModel) IsTraining() bool { return m.training }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func constantDataset(t *testing.T, n, classes int) *SimpleDataset {
	t.Helper()
	var data, labels []*tensor.Tensor
	for i := 0; i < n; i++ {
		d, err := tensor.NewTensor([]int{2}, tensor.Float32, []float32{float32(i), 1})
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		l, err := tensor.NewTensor([]int{1}, tensor.Int32, []int32{int32(i % classes)})
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		data = append(data, d)
		labels = append(labels, l)
	}
	ds, err := NewSimpleDataset(data, labels)
	if err != nil {
		t.Fatalf("NewSimpleDataset failed: %v", err)
	}
	return ds
}

func constantLoaders(t *testing.T, n, classes int) (*DataLoader, *DataLoader) {
	t.Helper()
	ds := constantDataset(t, n, classes)
	return NewDataLoader(ds, 4, false, 1, 0), NewDataLoader(ds, 4, false, 1, 0)
}

func TestCheckpointOnlyOnStrictImprovement(t *testing.T) {
	model := newConstantModel(3)
	trainer := NewTrainer(model, NewSGD(model.Parameters(), 0.1, 0, 0), NewCrossEntropyLoss("mean"), nil, nil,
		TrainerConfig{Logger: quietLogger()})

	improved, err := trainer.checkpointDecision(1, 0.5)
	if err != nil {
		t.Fatalf("checkpointDecision failed: %v", err)
	}
	if !improved || trainer.bestEpoch != 1 {
		t.Fatal("first AUC must be an improvement")
	}

	// Equal AUC is not a strict improvement.
	improved, err = trainer.checkpointDecision(2, 0.5)
	if err != nil {
		t.Fatalf("checkpointDecision failed: %v", err)
	}
	if improved || trainer.bestEpoch != 1 || trainer.stallCount != 1 {
		t.Fatalf("equal AUC treated as improvement: best epoch %d, stall %d", trainer.bestEpoch, trainer.stallCount)
	}

	improved, err = trainer.checkpointDecision(3, 0.6)
	if err != nil {
		t.Fatalf("checkpointDecision failed: %v", err)
	}
	if !improved || trainer.bestEpoch != 3 || trainer.stallCount != 0 {
		t.Fatal("strict improvement must update the best checkpoint and reset the stall counter")
	}
}

func TestEarlyStoppingTriggersExactlyAtPatience(t *testing.T) {
	trainLoader, valLoader := constantLoaders(t, 12, 3)
	model := newConstantModel(3)

	checkpointPath := filepath.Join(t.TempDir(), "best.json")
	config := TrainerConfig{
		Epochs:                50,
		EarlyStoppingPatience: 2,
		CheckpointPath:        checkpointPath,
		ShowProgress:          false,
		Logger:                quietLogger(),
	}
	trainer := NewTrainer(model, NewSGD(model.Parameters(), 0.1, 0, 0), NewCrossEntropyLoss("mean"), nil, nil, config)

	result, err := trainer.Fit(context.Background(), trainLoader, valLoader)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// Epoch 1 improves on the initial best; epochs 2 and 3 stall, reaching
	// the patience threshold at epoch 3 and not before.
	if result.Stopped != "early" {
		t.Fatalf("expected early stop, got %q", result.Stopped)
	}
	if len(result.History.Epochs) != 3 {
		t.Fatalf("expected exactly 3 epochs, got %d", len(result.History.Epochs))
	}
	if result.BestEpoch != 1 {
		t.Fatalf("best epoch %d, want 1", result.BestEpoch)
	}

	// The persisted checkpoint must be from the improving epoch.
	checkpoint, err := checkpoints.LoadCheckpoint(checkpointPath)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if checkpoint.Epoch != 1 {
		t.Fatalf("persisted checkpoint from epoch %d, want 1", checkpoint.Epoch)
	}
}

func TestFitFailsOnBatchLoadError(t *testing.T) {
	trainLoader, valLoader := constantLoaders(t, 12, 3)
	broken := &failingDataset{inner: constantDataset(t, 12, 3), failAt: 6}
	brokenLoader := NewDataLoader(broken, 4, false, 2, 0)
	model := newConstantModel(3)

	config := TrainerConfig{
		Epochs:                3,
		EarlyStoppingPatience: 10,
		ShowProgress:          false,
		Logger:                quietLogger(),
	}
	trainer := NewTrainer(model, NewSGD(model.Parameters(), 0.1, 0, 0), NewCrossEntropyLoss("mean"), nil, nil, config)

	// A mid-epoch load failure must fail the run, not silently truncate the
	// epoch.
	_, err := trainer.Fit(context.Background(), brokenLoader, valLoader)
	if err == nil {
		t.Fatal("expected Fit to fail when training batches cannot be loaded")
	}
	if !strings.Contains(err.Error(), "loading batches") {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = trainer.Fit(context.Background(), trainLoader, brokenLoader)
	if err == nil {
		t.Fatal("expected Fit to fail when validation batches cannot be loaded")
	}
}

func TestEpochSchedulerDrivesLRDuringFit(t *testing.T) {
	trainLoader, valLoader := constantLoaders(t, 12, 3)
	model := newConstantModel(3)
	optimizer := NewSGD(model.Parameters(), 1e-3, 0, 0)
	scheduler := NewEpochScheduler(NewExponentialLRScheduler(0.5), 1e-3)

	config := TrainerConfig{
		Epochs:                3,
		EarlyStoppingPatience: 10,
		ShowProgress:          false,
		Logger:                quietLogger(),
	}
	trainer := NewTrainer(model, optimizer, NewCrossEntropyLoss("mean"), scheduler, nil, config)

	result, err := trainer.Fit(context.Background(), trainLoader, valLoader)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// Exponential decay with gamma 0.5 from base 1e-3: epoch 3 runs at
	// 1e-3 * 0.5^3.
	last := result.History.Last()
	if math.Abs(last.LearningRate-1.25e-4) > 1e-12 {
		t.Fatalf("learning rate %v, want 1.25e-4", last.LearningRate)
	}
	if math.Abs(optimizer.GetLR()-last.LearningRate) > 1e-15 {
		t.Fatalf("optimizer LR %v does not match history %v", optimizer.GetLR(), last.LearningRate)
	}
}

func TestPlateauSchedulerReducesLRDuringFit(t *testing.T) {
	trainLoader, valLoader := constantLoaders(t, 12, 3)
	model := newConstantModel(3)
	optimizer := NewSGD(model.Parameters(), 1e-3, 0, 0)
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 1e-4, "max")

	config := TrainerConfig{
		Epochs:                6,
		EarlyStoppingPatience: 10,
		ShowProgress:          false,
		Logger:                quietLogger(),
	}
	trainer := NewTrainer(model, optimizer, NewCrossEntropyLoss("mean"), scheduler, nil, config)

	result, err := trainer.Fit(context.Background(), trainLoader, valLoader)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// AUC is flat, so the scheduler must have halved the rate at least once.
	last := result.History.Last()
	if last.LearningRate >= 1e-3 {
		t.Fatalf("learning rate %v never reduced", last.LearningRate)
	}
	if math.Abs(optimizer.GetLR()-last.LearningRate) > 1e-15 {
		t.Fatalf("optimizer LR %v does not match history %v", optimizer.GetLR(), last.LearningRate)
	}
}
