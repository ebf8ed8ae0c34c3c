package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-crnn/checkpoints"
	"github.com/tsawler/go-crnn/conf"
	"github.com/tsawler/go-crnn/crnn"
	"github.com/tsawler/go-crnn/dataset"
	"github.com/tsawler/go-crnn/training"
)

func evaluateCommand(settings *conf.Settings, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a trained model bundle against a feature archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, settings, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&settings.Evaluate.ArchivePath, "archive", settings.Evaluate.ArchivePath, "path to the NPZ feature archive")
	flags.StringVar(&settings.Evaluate.BundlePath, "bundle", settings.Evaluate.BundlePath, "path to the ensemble bundle")
	flags.IntVar(&settings.Evaluate.BatchSize, "batch-size", settings.Evaluate.BatchSize, "evaluation batch size")
	_ = cmd.MarkFlagRequired("archive")

	return cmd
}

func runEvaluate(cmd *cobra.Command, settings *conf.Settings, logger *slog.Logger) error {
	cfg := settings.Evaluate

	bundle, err := checkpoints.LoadEnsembleBundle(cfg.BundlePath)
	if err != nil {
		return err
	}
	if bundle.ModelType != "crnn" {
		return fmt.Errorf("unsupported model type %q in bundle", bundle.ModelType)
	}

	archive, err := dataset.LoadArchive(cfg.ArchivePath)
	if err != nil {
		return err
	}
	if archive.NumClasses() != bundle.NumClasses {
		return fmt.Errorf("archive has %d classes, bundle was trained on %d", archive.NumClasses(), bundle.NumClasses)
	}

	modelConfig := crnn.DefaultConfig(bundle.NumClasses)
	modelConfig.MelBands = bundle.InputParams.MelBands
	model, err := crnn.New(modelConfig)
	if err != nil {
		return err
	}
	if err := checkpoints.LoadIntoStateTensors(bundle.ModelState, model.StateTensors()); err != nil {
		return err
	}

	set := dataset.NewSpectrogramDataset(archive, nil)
	loader := training.NewDataLoader(set, cfg.BatchSize, false, cfg.Workers, 0)

	evaluator := training.NewEvaluator(model, bundle.NumClasses, logger)
	report, err := evaluator.Evaluate(cmd.Context(), loader)
	if err != nil {
		return err
	}

	fmt.Print(training.FormatReport(report))
	return nil
}
