package handlers

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Brownie44l1/mgmt-api/internal/dicom"
	"github.com/Brownie44l1/mgmt-api/internal/ensemble"
	"github.com/Brownie44l1/mgmt-api/internal/model"
	"github.com/Brownie44l1/mgmt-api/internal/volume"
)

// Predictor is satisfied by *ensemble.Engine.
type Predictor interface {
	Predict(caseFolder string) (*ensemble.Prediction, error)
}

type Handler struct {
	predictor Predictor
	uploadDir string
	maxUpload int64
	classes   []string
}

func NewHandler(predictor Predictor, uploadDir string, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = 512 << 20
	}
	return &Handler{
		predictor: predictor,
		uploadDir: uploadDir,
		maxUpload: maxUpload,
		classes:   model.DefaultClasses,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// Predict accepts a zip archive of one case folder in the "file" form field.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file provided. Use 'file' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	log.Printf("Received file: %s, size: %d bytes", header.Filename, header.Size)

	filename := filepath.Base(header.Filename)
	name := caseName(filename)
	if name == "" {
		http.Error(w, "Invalid file name", http.StatusBadRequest)
		return
	}

	zr, err := zip.NewReader(file, header.Size)
	if err != nil {
		http.Error(w, "Upload is not a zip archive", http.StatusBadRequest)
		return
	}

	// Every request extracts into its own directory so concurrent uploads of
	// the same file never share one.
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		log.Printf("Failed to create %s: %v", h.uploadDir, err)
		http.Error(w, "Failed to store upload", http.StatusInternalServerError)
		return
	}
	caseDir, err := os.MkdirTemp(h.uploadDir, name+"-*")
	if err != nil {
		log.Printf("Failed to create case directory: %v", err)
		http.Error(w, "Failed to store upload", http.StatusInternalServerError)
		return
	}

	if err := extractZip(zr, caseDir); err != nil {
		log.Printf("Extract error: %v", err)
		os.RemoveAll(caseDir)
		http.Error(w, "Failed to extract archive", http.StatusBadRequest)
		return
	}

	root := caseRoot(caseDir)
	pred, err := h.predictor.Predict(root)
	if err != nil {
		h.predictError(w, err)
		return
	}

	if err := writeResult(filepath.Join(root, "result.csv"), filename, pred); err != nil {
		log.Printf("Failed to write result: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.response(filename, pred))
}

func (h *Handler) predictError(w http.ResponseWriter, err error) {
	var missing *volume.MissingModalityError
	var empty *dicom.EmptySeriesError
	switch {
	case errors.As(err, &missing):
		http.Error(w, missing.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &empty):
		http.Error(w, empty.Error(), http.StatusUnprocessableEntity)
	default:
		log.Printf("Prediction error: %v", err)
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
	}
}

func (h *Handler) response(filename string, pred *ensemble.Prediction) model.PredictionResponse {
	class := strconv.Itoa(pred.Label)
	if pred.Label < len(h.classes) {
		class = h.classes[pred.Label]
	}
	return model.PredictionResponse{
		Filename:          filename,
		Label:             pred.Label,
		Class:             class,
		Probability:       pred.Probability,
		Result:            fmt.Sprintf("Detected: %s (confidence: %.4f)", class, pred.Probability),
		FoldProbabilities: pred.FoldProbabilities,
	}
}

// caseName is the upload file name up to its first dot.
func caseName(filename string) string {
	name, _, _ := strings.Cut(filename, ".")
	if name == "" || name == ".." {
		return ""
	}
	return name
}

// extractZip writes every entry of zr below dest. Entries resolving outside
// dest are rejected.
func extractZip(zr *zip.Reader, dest string) error {
	dest = filepath.Clean(dest)
	for _, f := range zr.File {
		target := filepath.Join(dest, f.Name)
		if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path in archive: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return dst.Close()
}

// caseRoot descends into a single wrapping folder when the archive holds
// the case folder itself rather than its modality folders.
func caseRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, volume.Modalities[0])); err == nil {
			return dir
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return dir
		}
		var sub []os.DirEntry
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), "__MACOSX") {
				sub = append(sub, e)
			}
		}
		if len(sub) != 1 || isModality(sub[0].Name()) {
			return dir
		}
		dir = filepath.Join(dir, sub[0].Name())
	}
}

func isModality(name string) bool {
	for _, m := range volume.Modalities {
		if m == name {
			return true
		}
	}
	return false
}

func writeResult(path, filename string, pred *ensemble.Prediction) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"filename", "label", "probability"})
	w.Write([]string{filename, strconv.Itoa(pred.Label), strconv.FormatFloat(pred.Probability, 'f', -1, 64)})
	w.Flush()
	return w.Error()
}
