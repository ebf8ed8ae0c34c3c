// Package scoring implements the competition metric: a macro-averaged
// one-vs-rest ROC-AUC over species columns, skipping columns with no
// positive ground-truth rows. Errors a participant can act on are reported
// as ParticipantVisibleError; anything else signals a harness-side problem.
package scoring

import (
	"errors"
	"fmt"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"github.com/tsawler/go-crnn/metrics"
)

// ParticipantVisibleError marks validation failures whose message is safe to
// surface to competition participants.
type ParticipantVisibleError struct {
	msg string
}

func (e *ParticipantVisibleError) Error() string { return e.msg }

func participantError(format string, args ...interface{}) error {
	return &ParticipantVisibleError{msg: fmt.Sprintf(format, args...)}
}

// IsParticipantVisible reports whether err should be shown to participants.
func IsParticipantVisible(err error) bool {
	var pve *ParticipantVisibleError
	return errors.As(err, &pve)
}

// Score computes the macro-averaged ROC-AUC between a solution table of
// binary ground-truth columns and a submission table of per-class scores.
// Both tables must carry the rowID column; rows are aligned by it, so row
// order does not affect the score. Label columns with no positive
// ground-truth rows are excluded from the average.
func Score(solution, submission dataframe.DataFrame, rowID string) (float64, error) {
	if solution.Error() != nil {
		return 0, fmt.Errorf("solution dataframe: %w", solution.Error())
	}
	if submission.Error() != nil {
		return 0, fmt.Errorf("submission dataframe: %w", submission.Error())
	}

	labelColumns, err := checkColumns(solution, submission, rowID)
	if err != nil {
		return 0, err
	}

	for _, col := range labelColumns {
		s := submission.Col(col)
		if s.Type() != series.Int && s.Type() != series.Float {
			return 0, participantError("submission column %q must be numeric, got %s", col, s.Type())
		}
	}

	solution = solution.Arrange(dataframe.Sort(rowID))
	submission = submission.Arrange(dataframe.Sort(rowID))
	if solution.Error() != nil || submission.Error() != nil {
		return 0, participantError("failed to align rows on column %q", rowID)
	}

	solutionIDs := solution.Col(rowID).Records()
	submissionIDs := submission.Col(rowID).Records()
	if len(solutionIDs) != len(submissionIDs) {
		return 0, participantError("submission has %d rows, expected %d", len(submissionIDs), len(solutionIDs))
	}
	for i := range solutionIDs {
		if solutionIDs[i] != submissionIDs[i] {
			return 0, participantError("submission %s values do not match the solution", rowID)
		}
	}

	var perClass []float64
	for _, col := range labelColumns {
		truth := solution.Col(col).Float()
		scores := submission.Col(col).Float()

		labels := make([]int, len(truth))
		positives := 0
		for i, v := range truth {
			if v > 0 {
				labels[i] = 1
				positives++
			}
		}
		if positives == 0 || positives == len(labels) {
			continue
		}

		auc, err := metrics.BinaryAUC(scores, labels)
		if err != nil {
			return 0, fmt.Errorf("column %q: %w", col, err)
		}
		perClass = append(perClass, auc)
	}

	// A solution with no positive rows anywhere is a harness problem, not
	// something the participant can fix.
	if len(perClass) == 0 {
		return 0, fmt.Errorf("no label column has positive ground-truth rows to score")
	}

	var total float64
	for _, auc := range perClass {
		total += auc
	}
	return total / float64(len(perClass)), nil
}

// checkColumns validates that both tables carry rowID and agree on the label
// columns, returning the label column names in solution order.
func checkColumns(solution, submission dataframe.DataFrame, rowID string) ([]string, error) {
	solutionCols := solution.Names()
	submissionCols := make(map[string]bool)
	for _, c := range submission.Names() {
		submissionCols[c] = true
	}

	if !submissionCols[rowID] {
		return nil, participantError("submission is missing the %q column", rowID)
	}
	hasRowID := false
	var labelColumns []string
	for _, c := range solutionCols {
		if c == rowID {
			hasRowID = true
			continue
		}
		if !submissionCols[c] {
			return nil, participantError("submission is missing column %q", c)
		}
		labelColumns = append(labelColumns, c)
	}
	if !hasRowID {
		return nil, fmt.Errorf("solution is missing the %q column", rowID)
	}
	if len(labelColumns) == 0 {
		return nil, fmt.Errorf("solution has no label columns")
	}
	return labelColumns, nil
}
