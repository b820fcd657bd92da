package training

import (
	"fmt"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// AUC returns the area under the ROC curve of scores for binary labels.
// Tied scores are handled as a single cutoff.
func AUC(labels []int, scores []float64) (float64, error) {
	if len(labels) != len(scores) {
		return 0, fmt.Errorf("got %d labels and %d scores", len(labels), len(scores))
	}
	var pos, neg int
	for _, l := range labels {
		if l == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0, fmt.Errorf("AUC needs both classes, got %d positive and %d negative", pos, neg)
	}

	y := append([]float64(nil), scores...)
	classes := make([]bool, len(labels))
	for i, l := range labels {
		classes[i] = l == 1
	}
	stat.SortWeightedLabeled(y, classes, nil)

	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), nil
}

// Accuracy is the fraction of matching labels.
func Accuracy(labels, predicted []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	correct := 0
	for i := range labels {
		if labels[i] == predicted[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

// BestTracker implements the per-fold checkpoint policy: a checkpoint is
// taken only when the validation AUC strictly exceeds every earlier one.
type BestTracker struct {
	best  float64
	saved []float64
}

func NewBestTracker() *BestTracker { return &BestTracker{} }

// Observe records auc and reports whether it is a new best.
func (b *BestTracker) Observe(auc float64) bool {
	if auc > b.best {
		b.best = auc
		b.saved = append(b.saved, auc)
		return true
	}
	return false
}

func (b *BestTracker) Best() float64 { return b.best }

// Saved lists every AUC that triggered a checkpoint, in order.
func (b *BestTracker) Saved() []float64 { return append([]float64(nil), b.saved...) }
