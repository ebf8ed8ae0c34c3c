package training

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/tsawler/go-crnn/checkpoints"
	"github.com/tsawler/go-crnn/metrics"
	"github.com/tsawler/go-crnn/nn"
	"github.com/tsawler/go-crnn/tensor"
)

// Model is the contract the trainer needs from a network: a differentiable
// forward pass, its trainable parameters, mode switching, and named state
// for checkpointing.
type Model interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	StateTensors() []nn.NamedTensor
	Train()
	Eval()
	IsTraining() bool
}

// TrainerConfig controls the training run.
type TrainerConfig struct {
	Epochs                int // maximum epochs
	EarlyStoppingPatience int // consecutive non-improving epochs before stopping

	CheckpointPath string // best-model checkpoint, empty to keep in memory only
	BundlePath     string // final ensemble bundle, empty to skip
	InputParams    checkpoints.InputParams
	ClassLabels    []int // original label ids in model output order

	ShowProgress bool
	Logger       *slog.Logger
}

// DefaultTrainerConfig returns the standard run configuration: up to 50
// epochs with early stopping after 7 non-improving validations.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Epochs:                50,
		EarlyStoppingPatience: 7,
		InputParams:           checkpoints.DefaultInputParams(),
		ShowProgress:          true,
	}
}

// Result is the outcome of a completed run. The model has its best-epoch
// weights restored.
type Result struct {
	History   History
	BestAUC   float64
	BestEpoch int
	Stopped   string // "early" or "max_epochs"
}

// Trainer orchestrates epoch iteration, scaled backpropagation, validation
// AUC tracking, plateau-based learning rate reduction, improvement-gated
// checkpointing, and early stopping.
type Trainer struct {
	model     Model
	optimizer Optimizer
	criterion Loss
	scheduler Scheduler
	scaler    *GradScaler
	config    TrainerConfig
	logger    *slog.Logger

	history    History
	bestAUC    float64
	bestEpoch  int
	bestState  []checkpoints.WeightTensor
	stallCount int
}

// NewTrainer wires a model to its optimizer, loss, scheduler, and gradient
// scaler. Scheduler and scaler may be nil for constant-rate full-precision
// training.
func NewTrainer(model Model, optimizer Optimizer, criterion Loss, scheduler Scheduler, scaler *GradScaler, config TrainerConfig) *Trainer {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if scaler == nil {
		scaler = NewDisabledGradScaler()
	}
	return &Trainer{
		model:     model,
		optimizer: optimizer,
		criterion: criterion,
		scheduler: scheduler,
		scaler:    scaler,
		config:    config,
		logger:    logger,
		bestAUC:   math.Inf(-1),
	}
}

// Fit runs the full training loop and returns with the best-epoch weights
// restored into the model.
func (t *Trainer) Fit(ctx context.Context, trainLoader, valLoader *DataLoader) (*Result, error) {
	stopped := "max_epochs"
	prevAUC := math.NaN()

	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		trainLoss, trainAcc, err := t.trainEpoch(ctx, epoch, trainLoader)
		if err != nil {
			return nil, fmt.Errorf("epoch %d training: %w", epoch, err)
		}

		valLoss, valAcc, valAUC, err := t.validateEpoch(ctx, valLoader)
		if err != nil {
			return nil, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		if math.IsNaN(valAUC) {
			// AUC can be undefined when a small validation epoch sees no
			// scoreable class. Carry the previous value so scheduler and
			// stopping decisions stay monotone.
			valAUC = prevAUC
			if math.IsNaN(valAUC) {
				valAUC = 0
			}
			t.logger.Warn("validation AUC undefined, reusing previous value", "epoch", epoch, "auc", valAUC)
		}
		prevAUC = valAUC

		lr := t.optimizer.GetLR()
		if t.scheduler != nil {
			if newLR := t.scheduler.Step(valAUC, lr); newLR != lr {
				t.logger.Info("reducing learning rate", "epoch", epoch, "from", lr, "to", newLR)
				t.optimizer.SetLR(newLR)
				lr = newLR
			}
		}

		t.history.Append(EpochMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			ValLoss:       valLoss,
			ValAccuracy:   valAcc,
			ValAUC:        valAUC,
			LearningRate:  lr,
		})

		t.logger.Info("epoch complete",
			"epoch", epoch,
			"train_loss", trainLoss,
			"train_acc", trainAcc,
			"val_loss", valLoss,
			"val_acc", valAcc,
			"val_auc", valAUC,
			"lr", lr,
		)

		improved, err := t.checkpointDecision(epoch, valAUC)
		if err != nil {
			return nil, err
		}
		if !improved && t.stallCount >= t.config.EarlyStoppingPatience {
			t.logger.Info("early stopping", "epoch", epoch, "stalled_epochs", t.stallCount)
			stopped = "early"
			break
		}
	}

	if err := t.restoreBest(); err != nil {
		return nil, err
	}
	if err := t.saveBundle(); err != nil {
		return nil, err
	}

	return &Result{
		History:   t.history,
		BestAUC:   t.bestAUC,
		BestEpoch: t.bestEpoch,
		Stopped:   stopped,
	}, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int, loader *DataLoader) (loss, accuracy float64, err error) {
	t.model.Train()

	var progress *mpb.Progress
	var bar *mpb.Bar
	if t.config.ShowProgress {
		progress = mpb.New(mpb.WithWidth(64))
		bar = progress.New(int64(loader.Len()),
			mpb.BarStyle(),
			mpb.PrependDecorators(
				decor.Name(fmt.Sprintf("epoch %d ", epoch)),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
	}

	var totalLoss float64
	var correct, seen int
	batches := 0

	for batch := range loader.Iterator(ctx) {
		batchLoss, batchCorrect, batchSize, err := t.trainStep(batch)
		if err != nil {
			return 0, 0, err
		}
		totalLoss += batchLoss
		correct += batchCorrect
		seen += batchSize
		batches++
		if bar != nil {
			bar.Increment()
		}
	}
	if bar != nil {
		bar.Abort(false)
		progress.Wait()
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if err := loader.Err(); err != nil {
		return 0, 0, fmt.Errorf("loading batches: %w", err)
	}
	if batches == 0 {
		return 0, 0, fmt.Errorf("empty training epoch")
	}

	return totalLoss / float64(batches), float64(correct) / float64(seen), nil
}

func (t *Trainer) trainStep(batch *Batch) (loss float64, correct, batchSize int, err error) {
	t.optimizer.ZeroGrad()

	logits, err := t.model.Forward(batch.Data)
	if err != nil {
		return 0, 0, 0, err
	}

	lossTensor, err := t.criterion.Forward(logits, batch.Labels)
	if err != nil {
		return 0, 0, 0, err
	}
	loss, err = lossTensor.Item()
	if err != nil {
		return 0, 0, 0, err
	}

	seed, err := t.criterion.Backward(logits, batch.Labels)
	if err != nil {
		return 0, 0, 0, err
	}
	seed, err = t.scaler.Scale(seed)
	if err != nil {
		return 0, 0, 0, err
	}
	if err := logits.Backward(seed); err != nil {
		return 0, 0, 0, err
	}

	foundInf, err := t.scaler.UnscaleAndCheck(t.model.Parameters())
	if err != nil {
		return 0, 0, 0, err
	}
	if t.scaler.Update(foundInf) {
		if err := t.optimizer.Step(); err != nil {
			return 0, 0, 0, err
		}
	} else {
		t.logger.Warn("skipping optimizer step, non-finite gradients", "scale", t.scaler.GetScale())
	}

	predictions, err := tensor.ArgMax(logits)
	if err != nil {
		return 0, 0, 0, err
	}
	labels, err := batch.Labels.GetInt32Data()
	if err != nil {
		return 0, 0, 0, err
	}
	for i, p := range predictions {
		if int32(p) == labels[i] {
			correct++
		}
	}
	return loss, correct, len(labels), nil
}

func (t *Trainer) validateEpoch(ctx context.Context, loader *DataLoader) (loss, accuracy, auc float64, err error) {
	t.model.Eval()

	var totalLoss float64
	var correct, seen int
	batches := 0
	var allScores [][]float64
	var allLabels []int

	for batch := range loader.Iterator(ctx) {
		logits, err := t.model.Forward(batch.Data)
		if err != nil {
			return 0, 0, 0, err
		}
		lossTensor, err := t.criterion.Forward(logits, batch.Labels)
		if err != nil {
			return 0, 0, 0, err
		}
		batchLoss, err := lossTensor.Item()
		if err != nil {
			return 0, 0, 0, err
		}
		totalLoss += batchLoss
		batches++

		probs, err := tensor.Softmax(logits.Detach(), 1)
		if err != nil {
			return 0, 0, 0, err
		}
		probData, err := probs.GetFloat32Data()
		if err != nil {
			return 0, 0, 0, err
		}
		labels, err := batch.Labels.GetInt32Data()
		if err != nil {
			return 0, 0, 0, err
		}
		numClasses := probs.Shape[1]
		for i, l := range labels {
			row := make([]float64, numClasses)
			for c := 0; c < numClasses; c++ {
				row[c] = float64(probData[i*numClasses+c])
			}
			allScores = append(allScores, row)
			allLabels = append(allLabels, int(l))
		}

		predictions, err := tensor.ArgMax(logits)
		if err != nil {
			return 0, 0, 0, err
		}
		for i, p := range predictions {
			if int32(p) == labels[i] {
				correct++
			}
		}
		seen += len(labels)
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, 0, err
	}
	if err := loader.Err(); err != nil {
		return 0, 0, 0, fmt.Errorf("loading batches: %w", err)
	}
	if batches == 0 {
		return 0, 0, 0, fmt.Errorf("empty validation epoch")
	}

	auc, aucErr := metrics.MaskedMacroAUC(allScores, allLabels)
	if aucErr != nil {
		auc = math.NaN()
	}
	return totalLoss / float64(batches), float64(correct) / float64(seen), auc, nil
}

// checkpointDecision persists a checkpoint only on strict AUC improvement.
func (t *Trainer) checkpointDecision(epoch int, valAUC float64) (improved bool, err error) {
	if valAUC <= t.bestAUC {
		t.stallCount++
		return false, nil
	}

	t.bestAUC = valAUC
	t.bestEpoch = epoch
	t.stallCount = 0

	weights, err := checkpoints.FromStateTensors(t.model.StateTensors())
	if err != nil {
		return false, fmt.Errorf("snapshotting weights: %w", err)
	}
	t.bestState = weights

	if t.config.CheckpointPath != "" {
		checkpoint := &checkpoints.Checkpoint{
			Epoch:   epoch,
			ValAUC:  valAUC,
			Weights: weights,
		}
		if err := checkpoints.SaveCheckpoint(checkpoint, t.config.CheckpointPath); err != nil {
			return false, err
		}
		t.logger.Info("checkpoint saved", "epoch", epoch, "val_auc", valAUC, "path", t.config.CheckpointPath)
	}
	return true, nil
}

func (t *Trainer) restoreBest() error {
	if t.bestState == nil {
		return nil
	}
	if err := checkpoints.LoadIntoStateTensors(t.bestState, t.model.StateTensors()); err != nil {
		return fmt.Errorf("restoring best weights: %w", err)
	}
	t.logger.Info("restored best weights", "epoch", t.bestEpoch, "val_auc", t.bestAUC)
	return nil
}

func (t *Trainer) saveBundle() error {
	if t.config.BundlePath == "" || t.bestState == nil {
		return nil
	}

	records := make([]checkpoints.EpochRecord, len(t.history.Epochs))
	for i, e := range t.history.Epochs {
		records[i] = checkpoints.EpochRecord{
			Epoch:         e.Epoch,
			TrainLoss:     e.TrainLoss,
			TrainAccuracy: e.TrainAccuracy,
			ValLoss:       e.ValLoss,
			ValAccuracy:   e.ValAccuracy,
			ValAUC:        e.ValAUC,
			LearningRate:  e.LearningRate,
		}
	}

	numClasses := len(t.config.ClassLabels)
	bundle := &checkpoints.EnsembleBundle{
		ModelType:   "crnn",
		ModelState:  t.bestState,
		NumClasses:  numClasses,
		ClassLabels: t.config.ClassLabels,
		BestEpoch:   t.bestEpoch,
		BestValAUC:  t.bestAUC,
		InputParams: t.config.InputParams,
		History:     records,
	}
	if err := checkpoints.SaveEnsembleBundle(bundle, t.config.BundlePath); err != nil {
		return err
	}
	t.logger.Info("ensemble bundle saved", "path", t.config.BundlePath, "best_epoch", t.bestEpoch)
	return nil
}
