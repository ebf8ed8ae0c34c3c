package training

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tsawler/go-crnn/metrics"
	"github.com/tsawler/go-crnn/tensor"
)

// EvaluationReport is the diagnostic summary produced after training.
type EvaluationReport struct {
	Accuracy float64

	// TopClasses are the most frequent true classes, and ConfusionSubmatrix
	// their confusion counts in the same order.
	TopClasses         []int
	ConfusionSubmatrix [][]int64

	PerClass []metrics.ClassReport
	Best     []metrics.ClassReport // highest F1, descending
	Worst    []metrics.ClassReport // lowest F1, ascending
}

// Evaluator runs a trained model over a dataset and produces diagnostics:
// accuracy, a confusion matrix restricted to the most frequent classes, and
// per-class precision/recall/F1 with best and worst performers.
type Evaluator struct {
	model      Model
	numClasses int

	// TopK is the number of most frequent classes in the confusion
	// submatrix, RankK the number of best and worst classes listed.
	TopK   int
	RankK  int
	logger *slog.Logger
}

// NewEvaluator creates an evaluator with the standard report sizes: a
// 20-class confusion submatrix and 10 best/worst classes.
func NewEvaluator(model Model, numClasses int, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		model:      model,
		numClasses: numClasses,
		TopK:       20,
		RankK:      10,
		logger:     logger,
	}
}

// Evaluate runs inference over the loader and builds the report.
func (e *Evaluator) Evaluate(ctx context.Context, loader *DataLoader) (*EvaluationReport, error) {
	e.model.Eval()

	cm := metrics.NewConfusionMatrix(e.numClasses)

	for batch := range loader.Iterator(ctx) {
		logits, err := e.model.Forward(batch.Data)
		if err != nil {
			return nil, err
		}
		predictions, err := tensor.ArgMax(logits)
		if err != nil {
			return nil, err
		}
		labelData, err := batch.Labels.GetInt32Data()
		if err != nil {
			return nil, err
		}
		labels := make([]int, len(labelData))
		for i, l := range labelData {
			labels[i] = int(l)
		}
		if err := cm.Update(predictions, labels); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := loader.Err(); err != nil {
		return nil, fmt.Errorf("loading batches: %w", err)
	}

	report := &EvaluationReport{
		Accuracy:   cm.Accuracy(),
		TopClasses: cm.TopClasses(e.TopK),
		PerClass:   cm.PerClassReport(),
	}
	report.ConfusionSubmatrix = cm.Submatrix(report.TopClasses)
	report.Best, report.Worst = rankByF1(report.PerClass, e.RankK)

	e.logger.Info("evaluation complete",
		"accuracy", report.Accuracy,
		"classes", e.numClasses,
		"top_confusion_classes", len(report.TopClasses),
	)
	return report, nil
}

// rankByF1 returns the k highest- and k lowest-F1 classes among those with
// at least one true example.
func rankByF1(reports []metrics.ClassReport, k int) (best, worst []metrics.ClassReport) {
	var seen []metrics.ClassReport
	for _, r := range reports {
		if r.Support > 0 {
			seen = append(seen, r)
		}
	}
	sort.SliceStable(seen, func(a, b int) bool {
		return seen[a].F1 > seen[b].F1
	})
	if k > len(seen) {
		k = len(seen)
	}
	best = append([]metrics.ClassReport{}, seen[:k]...)
	worst = append([]metrics.ClassReport{}, seen[len(seen)-k:]...)
	// Worst listed from lowest F1 upward.
	for i, j := 0, len(worst)-1; i < j; i, j = i+1, j-1 {
		worst[i], worst[j] = worst[j], worst[i]
	}
	return best, worst
}

// FormatReport renders a human-readable summary of the evaluation.
func FormatReport(report *EvaluationReport) string {
	out := fmt.Sprintf("accuracy: %.4f\n", report.Accuracy)
	out += "best classes (F1): "
	for _, r := range report.Best {
		out += fmt.Sprintf("%d=%.3f ", r.Class, r.F1)
	}
	out += "\nworst classes (F1): "
	for _, r := range report.Worst {
		out += fmt.Sprintf("%d=%.3f ", r.Class, r.F1)
	}
	out += "\n"
	return out
}
