package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-crnn/checkpoints"
	"github.com/tsawler/go-crnn/conf"
	"github.com/tsawler/go-crnn/crnn"
	"github.com/tsawler/go-crnn/dataset"
	"github.com/tsawler/go-crnn/nn"
	"github.com/tsawler/go-crnn/training"
)

func trainCommand(settings *conf.Settings, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a CRNN on a feature archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, settings, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&settings.Train.ArchivePath, "archive", settings.Train.ArchivePath, "path to the NPZ feature archive")
	flags.StringVar(&settings.Train.CheckpointPath, "checkpoint", settings.Train.CheckpointPath, "path for the best-model checkpoint")
	flags.StringVar(&settings.Train.BundlePath, "bundle", settings.Train.BundlePath, "path for the final ensemble bundle")
	flags.IntVar(&settings.Train.BatchSize, "batch-size", settings.Train.BatchSize, "training batch size")
	flags.IntVar(&settings.Train.Epochs, "epochs", settings.Train.Epochs, "maximum training epochs")
	flags.Float64Var(&settings.Train.LearningRate, "lr", settings.Train.LearningRate, "initial learning rate")
	flags.Int64Var(&settings.Train.Seed, "seed", settings.Train.Seed, "random seed")
	flags.BoolVar(&settings.Train.MixedPrecision, "mixed-precision", settings.Train.MixedPrecision, "enable gradient scaling")
	_ = cmd.MarkFlagRequired("archive")

	return cmd
}

func runTrain(cmd *cobra.Command, settings *conf.Settings, logger *slog.Logger) error {
	cfg := settings.Train
	nn.SetRandomSeed(cfg.Seed)

	archive, err := dataset.LoadArchive(cfg.ArchivePath)
	if err != nil {
		return err
	}
	logger.Info("archive loaded",
		"examples", archive.NumExamples(),
		"classes", archive.NumClasses(),
		"mel_bands", archive.Shape[1],
		"frames", archive.Shape[2],
	)

	dataset.FilterSingletons(archive, logger)

	trainIdx, valIdx, err := dataset.StratifiedSplit(archive.Labels, archive.NumClasses(), cfg.ValFraction, cfg.Seed)
	if err != nil {
		return err
	}
	logger.Info("split complete", "train", len(trainIdx), "val", len(valIdx))

	trainSet := dataset.NewSpectrogramDataset(archive, trainIdx)
	valSet := dataset.NewSpectrogramDataset(archive, valIdx)
	trainLoader := training.NewDataLoader(trainSet, cfg.BatchSize, true, cfg.Workers, cfg.Seed)
	valLoader := training.NewDataLoader(valSet, cfg.BatchSize, false, cfg.Workers, cfg.Seed)

	modelConfig := crnn.DefaultConfig(archive.NumClasses())
	modelConfig.MelBands = archive.Shape[1]
	model, err := crnn.New(modelConfig)
	if err != nil {
		return err
	}

	optimizer := training.NewAdamGroups(
		[]training.ParamGroup{{Params: model.Parameters(), WeightDecay: cfg.WeightDecay}},
		cfg.LearningRate, 0.9, 0.999, 1e-8,
	)
	scheduler := training.NewReduceLROnPlateauScheduler(cfg.LRFactor, cfg.LRPatience, 1e-4, "max")
	scaler := training.NewGradScaler()
	if !cfg.MixedPrecision {
		scaler = training.NewDisabledGradScaler()
	}

	trainerConfig := training.TrainerConfig{
		Epochs:                cfg.Epochs,
		EarlyStoppingPatience: cfg.Patience,
		CheckpointPath:        cfg.CheckpointPath,
		BundlePath:            cfg.BundlePath,
		InputParams:           checkpoints.DefaultInputParams(),
		ClassLabels:           archive.ClassLabels,
		ShowProgress:          cfg.Progress,
		Logger:                logger,
	}

	trainer := training.NewTrainer(model, optimizer, training.NewCrossEntropyLoss("mean"), scheduler, scaler, trainerConfig)
	result, err := trainer.Fit(cmd.Context(), trainLoader, valLoader)
	if err != nil {
		return err
	}

	fmt.Printf("best validation AUC %.4f at epoch %d (%s)\n", result.BestAUC, result.BestEpoch, result.Stopped)
	return nil
}
