package cmd

import (
	"fmt"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-crnn/conf"
	"github.com/tsawler/go-crnn/scoring"
)

func scoreCommand(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a submission CSV against a solution CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(settings)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&settings.Score.SolutionPath, "solution", settings.Score.SolutionPath, "path to the solution CSV")
	flags.StringVar(&settings.Score.SubmissionPath, "submission", settings.Score.SubmissionPath, "path to the submission CSV")
	flags.StringVar(&settings.Score.RowID, "row-id", settings.Score.RowID, "name of the row identifier column")
	_ = cmd.MarkFlagRequired("solution")
	_ = cmd.MarkFlagRequired("submission")

	return cmd
}

func runScore(settings *conf.Settings) error {
	solution, err := readCSV(settings.Score.SolutionPath)
	if err != nil {
		return err
	}
	submission, err := readCSV(settings.Score.SubmissionPath)
	if err != nil {
		return err
	}

	score, err := scoring.Score(solution, submission, settings.Score.RowID)
	if err != nil {
		if scoring.IsParticipantVisible(err) {
			return fmt.Errorf("submission rejected: %w", err)
		}
		return err
	}

	fmt.Printf("%.6f\n", score)
	return nil
}

func readCSV(path string) (dataframe.DataFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f)
	if df.Error() != nil {
		return dataframe.DataFrame{}, fmt.Errorf("reading %s: %w", path, df.Error())
	}
	return df, nil
}
