// Package metrics provides classification metrics: accuracy, confusion
// matrices with per-class precision/recall/F1, and ROC-AUC in binary and
// masked macro-averaged forms.
package metrics

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ErrNoScorableClasses indicates that every class was excluded from a macro
// AUC because no class had both positive and negative examples.
var ErrNoScorableClasses = errors.New("no class has both positive and negative examples")

// Accuracy returns the fraction of predictions matching labels.
func Accuracy(predictions, labels []int) (float64, error) {
	if len(predictions) != len(labels) {
		return 0, fmt.Errorf("predictions (%d) and labels (%d) must have the same length", len(predictions), len(labels))
	}
	if len(predictions) == 0 {
		return 0, fmt.Errorf("empty predictions")
	}
	correct := 0
	for i, p := range predictions {
		if p == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(predictions)), nil
}

// ConfusionMatrix accumulates a multi-class confusion matrix.
// Rows are true classes, columns predicted classes.
type ConfusionMatrix struct {
	NumClasses int
	Matrix     [][]int64
	total      int64
}

// NewConfusionMatrix creates a confusion matrix for the given class count.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int64, numClasses)
	for i := range matrix {
		matrix[i] = make([]int64, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears all accumulated counts.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.total = 0
}

// Update accumulates a batch of predictions against true labels.
func (cm *ConfusionMatrix) Update(predictions, labels []int) error {
	if len(predictions) != len(labels) {
		return fmt.Errorf("predictions (%d) and labels (%d) must have the same length", len(predictions), len(labels))
	}
	for i := range predictions {
		p, l := predictions[i], labels[i]
		if p < 0 || p >= cm.NumClasses || l < 0 || l >= cm.NumClasses {
			return fmt.Errorf("class index out of range: predicted %d, true %d, classes %d", p, l, cm.NumClasses)
		}
		cm.Matrix[l][p]++
		cm.total++
	}
	return nil
}

// Accuracy returns overall accuracy from the accumulated counts.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.total == 0 {
		return 0
	}
	var correct int64
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.total)
}

// Support returns the number of true examples per class.
func (cm *ConfusionMatrix) Support() []int64 {
	support := make([]int64, cm.NumClasses)
	for i := range cm.Matrix {
		for _, n := range cm.Matrix[i] {
			support[i] += n
		}
	}
	return support
}

// ClassReport holds per-class precision, recall, and F1.
type ClassReport struct {
	Class     int
	Precision float64
	Recall    float64
	F1        float64
	Support   int64
}

// PerClassReport computes precision, recall, and F1 for every class.
func (cm *ConfusionMatrix) PerClassReport() []ClassReport {
	reports := make([]ClassReport, cm.NumClasses)
	support := cm.Support()
	for c := 0; c < cm.NumClasses; c++ {
		tp := cm.Matrix[c][c]
		var fp, fn int64
		for o := 0; o < cm.NumClasses; o++ {
			if o == c {
				continue
			}
			fp += cm.Matrix[o][c]
			fn += cm.Matrix[c][o]
		}

		var precision, recall, f1 float64
		if tp+fp > 0 {
			precision = float64(tp) / float64(tp+fp)
		}
		if tp+fn > 0 {
			recall = float64(tp) / float64(tp+fn)
		}
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}
		reports[c] = ClassReport{Class: c, Precision: precision, Recall: recall, F1: f1, Support: support[c]}
	}
	return reports
}

// TopClasses returns the indices of the n most frequent true classes,
// ordered by descending support.
func (cm *ConfusionMatrix) TopClasses(n int) []int {
	support := cm.Support()
	order := make([]int, cm.NumClasses)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return support[order[a]] > support[order[b]]
	})
	if n > len(order) {
		n = len(order)
	}
	return order[:n]
}

// Submatrix extracts the confusion counts restricted to the given classes,
// in the given order.
func (cm *ConfusionMatrix) Submatrix(classes []int) [][]int64 {
	sub := make([][]int64, len(classes))
	for i, ci := range classes {
		sub[i] = make([]int64, len(classes))
		for j, cj := range classes {
			sub[i][j] = cm.Matrix[ci][cj]
		}
	}
	return sub
}

// BinaryAUC computes the area under the ROC curve for one class from raw
// scores via the trapezoid rule. Labels hold 1 for positives and 0 for
// negatives. Returns an error when the labels are all one class.
func BinaryAUC(scores []float64, labels []int) (float64, error) {
	if len(scores) != len(labels) {
		return 0, fmt.Errorf("scores (%d) and labels (%d) must have the same length", len(scores), len(labels))
	}

	var positives, negatives int
	for _, l := range labels {
		if l == 1 {
			positives++
		} else {
			negatives++
		}
	}
	if positives == 0 || negatives == 0 {
		return 0, fmt.Errorf("AUC undefined: %d positives, %d negatives", positives, negatives)
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	// Walk thresholds from high to low, accumulating trapezoids between
	// consecutive distinct scores.
	var auc float64
	var tp, fp int
	prevTPR, prevFPR := 0.0, 0.0
	i := 0
	for i < len(order) {
		// Ties share one operating point.
		j := i
		for j < len(order) && scores[order[j]] == scores[order[i]] {
			if labels[order[j]] == 1 {
				tp++
			} else {
				fp++
			}
			j++
		}
		tpr := float64(tp) / float64(positives)
		fpr := float64(fp) / float64(negatives)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2
		prevTPR, prevFPR = tpr, fpr
		i = j
	}
	return auc, nil
}

// MaskedMacroAUC computes the one-vs-rest macro-averaged ROC-AUC over class
// score columns. scores is row-major [examples][classes]; labels holds the
// true class index per example. Classes without both a positive and a
// negative example are excluded from the average; if every class is
// excluded, ErrNoScorableClasses is returned.
func MaskedMacroAUC(scores [][]float64, labels []int) (float64, error) {
	if len(scores) == 0 {
		return 0, fmt.Errorf("empty score matrix")
	}
	if len(scores) != len(labels) {
		return 0, fmt.Errorf("scores (%d rows) and labels (%d) must have the same length", len(scores), len(labels))
	}
	numClasses := len(scores[0])

	column := make([]float64, len(scores))
	binary := make([]int, len(scores))
	var perClass []float64
	for c := 0; c < numClasses; c++ {
		var positives int
		for i := range scores {
			column[i] = scores[i][c]
			if labels[i] == c {
				binary[i] = 1
				positives++
			} else {
				binary[i] = 0
			}
		}
		if positives == 0 || positives == len(labels) {
			continue
		}
		auc, err := BinaryAUC(column, binary)
		if err != nil {
			return 0, fmt.Errorf("class %d: %w", c, err)
		}
		perClass = append(perClass, auc)
	}

	if len(perClass) == 0 {
		return 0, ErrNoScorableClasses
	}
	return floats.Sum(perClass) / float64(len(perClass)), nil
}
