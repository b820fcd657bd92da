package training

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	IDColumn    = "BraTS21ID"
	LabelColumn = "MGMT_value"
)

// Case is one labelled scan.
type Case struct {
	ID    string
	Label int
}

// FormatID zero-pads numeric scan ids to five digits.
func FormatID(raw string) string {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return fmt.Sprintf("%05d", n)
	}
	return raw
}

// ReadLabels reads the labels CSV. Rows with an empty id or label are
// skipped.
func ReadLabels(path string) ([]Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels: %w", err)
	}
	defer f.Close()
	return parseLabels(f)
}

func parseLabels(r io.Reader) ([]Case, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read labels header: %w", err)
	}
	idCol, labelCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case IDColumn:
			idCol = i
		case LabelColumn:
			labelCol = i
		}
	}
	if idCol < 0 || labelCol < 0 {
		return nil, fmt.Errorf("labels header %v lacks %s or %s", header, IDColumn, LabelColumn)
	}

	var cases []Case
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read labels line %d: %w", line, err)
		}
		if idCol >= len(rec) || labelCol >= len(rec) {
			continue
		}
		id, raw := strings.TrimSpace(rec[idCol]), strings.TrimSpace(rec[labelCol])
		if id == "" || raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || (v != 0 && v != 1) {
			return nil, fmt.Errorf("labels line %d: invalid %s %q", line, LabelColumn, raw)
		}
		cases = append(cases, Case{ID: FormatID(id), Label: int(v)})
	}
	return cases, nil
}
