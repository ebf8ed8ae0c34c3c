// Package cmd defines the command-line interface.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-crnn/conf"
)

// Execute parses the command line and dispatches.
func Execute() error {
	settings, err := conf.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:   "go-crnn",
		Short: "CRNN trainer for bioacoustic species classification",
		Long: `go-crnn trains a convolutional recurrent network over precomputed
mel-spectrogram feature archives, evaluates trained models, and scores
competition submissions.`,
	}

	rootCmd.AddCommand(
		trainCommand(settings, logger),
		evaluateCommand(settings, logger),
		scoreCommand(settings),
	)

	return rootCmd.Execute()
}
