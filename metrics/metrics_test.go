package metrics

import (
	"errors"
	"math"
	"testing"
)

func TestBinaryAUCPerfectRanking(t *testing.T) {
	scores := []float64{0.9, 0.8, 0.2, 0.1}
	labels := []int{1, 1, 0, 0}

	auc, err := BinaryAUC(scores, labels)
	if err != nil {
		t.Fatalf("BinaryAUC failed: %v", err)
	}
	if auc != 1.0 {
		t.Fatalf("perfect ranking AUC %v, want 1", auc)
	}
}

func TestBinaryAUCReversedRanking(t *testing.T) {
	scores := []float64{0.1, 0.2, 0.8, 0.9}
	labels := []int{1, 1, 0, 0}

	auc, err := BinaryAUC(scores, labels)
	if err != nil {
		t.Fatalf("BinaryAUC failed: %v", err)
	}
	if auc != 0.0 {
		t.Fatalf("reversed ranking AUC %v, want 0", auc)
	}
}

func TestBinaryAUCTiesGiveHalfCredit(t *testing.T) {
	scores := []float64{0.5, 0.5, 0.5, 0.5}
	labels := []int{1, 0, 1, 0}

	auc, err := BinaryAUC(scores, labels)
	if err != nil {
		t.Fatalf("BinaryAUC failed: %v", err)
	}
	if math.Abs(auc-0.5) > 1e-12 {
		t.Fatalf("all-ties AUC %v, want 0.5", auc)
	}
}

func TestBinaryAUCSingleClassErrors(t *testing.T) {
	if _, err := BinaryAUC([]float64{0.1, 0.2}, []int{1, 1}); err == nil {
		t.Fatal("expected an error with no negatives")
	}
}

func TestMaskedMacroAUCSkipsAbsentClasses(t *testing.T) {
	// Three score columns but labels only use classes 0 and 1; class 2 has
	// no positives and must not drag the average down.
	scores := [][]float64{
		{0.9, 0.1, 0.0},
		{0.8, 0.2, 0.0},
		{0.1, 0.9, 0.0},
		{0.2, 0.8, 0.0},
	}
	labels := []int{0, 0, 1, 1}

	auc, err := MaskedMacroAUC(scores, labels)
	if err != nil {
		t.Fatalf("MaskedMacroAUC failed: %v", err)
	}
	if auc != 1.0 {
		t.Fatalf("macro AUC %v, want 1 (class 2 excluded)", auc)
	}
}

func TestMaskedMacroAUCAllExcluded(t *testing.T) {
	// Every example shares one class, so no column has both positives and
	// negatives.
	scores := [][]float64{{0.5, 0.5}, {0.5, 0.5}}
	labels := []int{0, 0}

	_, err := MaskedMacroAUC(scores, labels)
	if !errors.Is(err, ErrNoScorableClasses) {
		t.Fatalf("expected ErrNoScorableClasses, got %v", err)
	}
}

func TestAccuracy(t *testing.T) {
	acc, err := Accuracy([]int{1, 2, 3, 4}, []int{1, 2, 0, 4})
	if err != nil {
		t.Fatalf("Accuracy failed: %v", err)
	}
	if acc != 0.75 {
		t.Fatalf("accuracy %v, want 0.75", acc)
	}
}

func TestConfusionMatrixReport(t *testing.T) {
	cm := NewConfusionMatrix(3)
	// Class 0: 2 correct. Class 1: 1 correct, 1 predicted as 2.
	// Class 2: 1 predicted as 0.
	if err := cm.Update([]int{0, 0, 1, 2, 0}, []int{0, 0, 1, 1, 2}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if acc := cm.Accuracy(); math.Abs(acc-0.6) > 1e-12 {
		t.Fatalf("accuracy %v, want 0.6", acc)
	}

	reports := cm.PerClassReport()
	// Class 0: tp=2, fp=1 (the class-2 example), fn=0.
	if math.Abs(reports[0].Precision-2.0/3.0) > 1e-12 {
		t.Fatalf("class 0 precision %v, want 2/3", reports[0].Precision)
	}
	if reports[0].Recall != 1.0 {
		t.Fatalf("class 0 recall %v, want 1", reports[0].Recall)
	}
	// Class 2 was never predicted correctly.
	if reports[2].Recall != 0 || reports[2].F1 != 0 {
		t.Fatalf("class 2 report %+v, want zero recall and F1", reports[2])
	}
}

func TestConfusionMatrixTopClassesAndSubmatrix(t *testing.T) {
	cm := NewConfusionMatrix(4)
	// Class 2 is most frequent, then class 0.
	if err := cm.Update([]int{2, 2, 2, 0, 0, 1}, []int{2, 2, 2, 0, 0, 1}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	top := cm.TopClasses(2)
	if top[0] != 2 || top[1] != 0 {
		t.Fatalf("top classes %v, want [2 0]", top)
	}

	sub := cm.Submatrix(top)
	if sub[0][0] != 3 || sub[1][1] != 2 {
		t.Fatalf("submatrix diagonal %v, want 3 and 2", sub)
	}
}
