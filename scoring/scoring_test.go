package scoring

import (
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solutionFrame() dataframe.DataFrame {
	return dataframe.New(
		series.New([]int{0, 1, 2, 3}, series.Int, "row_id"),
		series.New([]int{1, 0, 1, 0}, series.Int, "species_a"),
		series.New([]int{0, 1, 0, 0}, series.Int, "species_b"),
	)
}

func submissionFrame() dataframe.DataFrame {
	return dataframe.New(
		series.New([]int{0, 1, 2, 3}, series.Int, "row_id"),
		series.New([]float64{0.9, 0.1, 0.8, 0.2}, series.Float, "species_a"),
		series.New([]float64{0.1, 0.9, 0.2, 0.3}, series.Float, "species_b"),
	)
}

func TestScorePerfectSubmission(t *testing.T) {
	score, err := Score(solutionFrame(), submissionFrame(), "row_id")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestScoreReversedSubmission(t *testing.T) {
	submission := dataframe.New(
		series.New([]int{0, 1, 2, 3}, series.Int, "row_id"),
		series.New([]float64{0.1, 0.9, 0.2, 0.8}, series.Float, "species_a"),
		series.New([]float64{0.9, 0.1, 0.8, 0.7}, series.Float, "species_b"),
	)
	score, err := Score(solutionFrame(), submission, "row_id")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, score, 1e-9)
}

func TestScoreIgnoresRowOrder(t *testing.T) {
	shuffled := dataframe.New(
		series.New([]int{3, 0, 2, 1}, series.Int, "row_id"),
		series.New([]float64{0.2, 0.9, 0.8, 0.1}, series.Float, "species_a"),
		series.New([]float64{0.3, 0.1, 0.2, 0.9}, series.Float, "species_b"),
	)

	ordered, err := Score(solutionFrame(), submissionFrame(), "row_id")
	require.NoError(t, err)
	reordered, err := Score(solutionFrame(), shuffled, "row_id")
	require.NoError(t, err)
	assert.InDelta(t, ordered, reordered, 1e-9)
}

func TestScoreSkipsColumnsWithoutPositives(t *testing.T) {
	solution := dataframe.New(
		series.New([]int{0, 1, 2, 3}, series.Int, "row_id"),
		series.New([]int{1, 0, 1, 0}, series.Int, "species_a"),
		series.New([]int{0, 0, 0, 0}, series.Int, "species_b"),
	)
	// species_b scores are garbage but must not influence the result.
	score, err := Score(solution, submissionFrame(), "row_id")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestScoreNoScorableColumns(t *testing.T) {
	solution := dataframe.New(
		series.New([]int{0, 1}, series.Int, "row_id"),
		series.New([]int{0, 0}, series.Int, "species_a"),
		series.New([]int{1, 1}, series.Int, "species_b"),
	)
	submission := dataframe.New(
		series.New([]int{0, 1}, series.Int, "row_id"),
		series.New([]float64{0.5, 0.5}, series.Float, "species_a"),
		series.New([]float64{0.5, 0.5}, series.Float, "species_b"),
	)

	_, err := Score(solution, submission, "row_id")
	require.Error(t, err)
	// A solution with no positives is a harness defect, not a submission
	// problem the participant should be shown.
	assert.False(t, IsParticipantVisible(err))
}

func TestScoreRejectsNonNumericColumn(t *testing.T) {
	submission := dataframe.New(
		series.New([]int{0, 1, 2, 3}, series.Int, "row_id"),
		series.New([]string{"a", "b", "c", "d"}, series.String, "species_a"),
		series.New([]float64{0.1, 0.9, 0.2, 0.3}, series.Float, "species_b"),
	)

	_, err := Score(solutionFrame(), submission, "row_id")
	require.Error(t, err)
	assert.True(t, IsParticipantVisible(err))
	assert.Contains(t, err.Error(), "species_a")
}

func TestScoreMissingColumn(t *testing.T) {
	submission := dataframe.New(
		series.New([]int{0, 1, 2, 3}, series.Int, "row_id"),
		series.New([]float64{0.9, 0.1, 0.8, 0.2}, series.Float, "species_a"),
	)

	_, err := Score(solutionFrame(), submission, "row_id")
	require.Error(t, err)
	assert.True(t, IsParticipantVisible(err))
	assert.Contains(t, err.Error(), "species_b")
}

func TestScoreMissingRowID(t *testing.T) {
	submission := dataframe.New(
		series.New([]float64{0.9, 0.1, 0.8, 0.2}, series.Float, "species_a"),
		series.New([]float64{0.1, 0.9, 0.2, 0.3}, series.Float, "species_b"),
	)

	_, err := Score(solutionFrame(), submission, "row_id")
	require.Error(t, err)
	assert.True(t, IsParticipantVisible(err))
}

func TestScoreRowMismatch(t *testing.T) {
	submission := dataframe.New(
		series.New([]int{0, 1, 2, 9}, series.Int, "row_id"),
		series.New([]float64{0.9, 0.1, 0.8, 0.2}, series.Float, "species_a"),
		series.New([]float64{0.1, 0.9, 0.2, 0.3}, series.Float, "species_b"),
	)

	_, err := Score(solutionFrame(), submission, "row_id")
	require.Error(t, err)
	assert.True(t, IsParticipantVisible(err))
}

func TestScoreRowCountMismatch(t *testing.T) {
	submission := dataframe.New(
		series.New([]int{0, 1}, series.Int, "row_id"),
		series.New([]float64{0.9, 0.1}, series.Float, "species_a"),
		series.New([]float64{0.1, 0.9}, series.Float, "species_b"),
	)

	_, err := Score(solutionFrame(), submission, "row_id")
	require.Error(t, err)
	assert.True(t, IsParticipantVisible(err))
}

func TestParticipantVisibleErrorDetection(t *testing.T) {
	assert.True(t, IsParticipantVisible(participantError("bad submission")))
	assert.False(t, IsParticipantVisible(assert.AnError))
}
