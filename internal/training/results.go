package training

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ResultRow is one line of the test results file.
type ResultRow struct {
	ID          string
	Label       int
	Predicted   int
	Probability float64
}

var resultsHeader = []string{IDColumn, LabelColumn, "predicted_label", "predicted_prob_class1"}

// WriteResults writes rows as CSV to path.
func WriteResults(path string, rows []ResultRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create results dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(resultsHeader); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			r.ID,
			strconv.Itoa(r.Label),
			strconv.Itoa(r.Predicted),
			strconv.FormatFloat(r.Probability, 'f', 6, 64),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("failed to write results: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return f.Close()
}
