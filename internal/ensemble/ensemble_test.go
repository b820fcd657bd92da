package ensemble

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/mgmt-api/internal/densenet"
	"github.com/Brownie44l1/mgmt-api/internal/dicom"
	"github.com/Brownie44l1/mgmt-api/internal/model"
	"github.com/Brownie44l1/mgmt-api/internal/tensor"
	"github.com/Brownie44l1/mgmt-api/internal/volume"
)

// stubModel returns logits whose class-1 softmax equals the next entry of
// probs, cycling.
type stubModel struct {
	probs  []float64
	calls  int
	closed bool
}

func (m *stubModel) Forward(x *tensor.Tensor) ([]float32, error) {
	p := m.probs[m.calls%len(m.probs)]
	m.calls++
	return []float32{0, float32(math.Log(p / (1 - p)))}, nil
}

func (m *stubModel) Close() { m.closed = true }

type stubLoader struct {
	models map[int]*stubModel
}

func (l *stubLoader) Load(fold int) (model.Model, error) {
	m, ok := l.models[fold]
	if !ok {
		return nil, &model.LoadError{Fold: fold, Path: fmt.Sprintf("fold%d", fold), Err: os.ErrNotExist}
	}
	return m, nil
}

type fixedCase struct{}

func (fixedCase) LoadBatch(string) (*tensor.Tensor, error) {
	return tensor.New(1, 4, 2, 4, 4), nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestAggregateMeans(t *testing.T) {
	passes := [][]float64{
		{0.9, 0.8, 0.7},
		{0.2, 0.3, 0.1},
		{0.6, 0.6, 0.6},
		{0.4, 0.5, 0.6},
		{0.1, 0.9, 0.5},
	}
	pred := Aggregate(passes)

	want := (0.8 + 0.2 + 0.6 + 0.5 + 0.5) / 5
	if math.Abs(pred.Probability-want) > 1e-12 {
		t.Errorf("Probability = %v, expected %v", pred.Probability, want)
	}
	if len(pred.Votes) != 15 {
		t.Fatalf("got %d votes, expected 15", len(pred.Votes))
	}
	// Votes > 0.5: 3 + 0 + 3 + 1 + 1 = 8 of 15.
	if pred.Label != 1 {
		t.Errorf("Label = %d, expected 1", pred.Label)
	}
}

func TestAggregateVoteAndProbabilityDiverge(t *testing.T) {
	var low [][]float64
	for i := 0; i < Folds; i++ {
		low = append(low, []float64{0.51, 0.51, 0.45})
	}
	pred := Aggregate(low)
	if pred.Probability >= 0.5 {
		t.Fatalf("Probability = %v, expected below 0.5", pred.Probability)
	}
	if pred.Label != 1 {
		t.Errorf("Label = %d, expected 1 from 10 of 15 votes", pred.Label)
	}

	var high [][]float64
	for i := 0; i < Folds; i++ {
		high = append(high, []float64{0.95, 0.4, 0.4})
	}
	pred = Aggregate(high)
	if pred.Probability <= 0.5 || pred.Label != 0 {
		t.Errorf("got label %d probability %v, expected 0 and above 0.5", pred.Label, pred.Probability)
	}
}

func TestAggregateExactHalfIsNegative(t *testing.T) {
	pred := Aggregate([][]float64{{0.6}, {0.4}})
	if pred.Label != 0 {
		t.Errorf("Label = %d, a tied vote must not be positive", pred.Label)
	}
}

func TestEngineUsesAllFoldsAndPasses(t *testing.T) {
	models := make([]model.Model, Folds)
	stubs := make([]*stubModel, Folds)
	for i := range models {
		stubs[i] = &stubModel{probs: []float64{0.51, 0.51, 0.45}}
		models[i] = stubs[i]
	}
	e, err := NewEngine(fixedCase{}, Context{Models: models, Passes: Passes, Rand: rand.New(rand.NewSource(1))}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	label, prob, err := e.Infer("case")
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if label != 1 || math.Abs(prob-0.49) > 1e-6 {
		t.Errorf("Infer = (%d, %v), expected (1, 0.49)", label, prob)
	}
	for i, s := range stubs {
		if s.calls != Passes {
			t.Errorf("fold %d called %d times, expected %d", i+1, s.calls, Passes)
		}
	}

	// A second call sees the same fixed model outputs.
	label2, prob2, _ := e.Infer("case")
	if label2 != label || math.Abs(prob2-prob) > 1e-12 {
		t.Errorf("second Infer = (%d, %v), first (%d, %v)", label2, prob2, label, prob)
	}

	e.Close()
	for i, s := range stubs {
		if !s.closed {
			t.Errorf("fold %d not closed", i+1)
		}
	}
}

func TestLoadModelsFailsWithoutPartialEnsemble(t *testing.T) {
	loader := &stubLoader{models: map[int]*stubModel{
		1: {probs: []float64{0.5}},
		2: {probs: []float64{0.5}},
		4: {probs: []float64{0.5}},
		5: {probs: []float64{0.5}},
	}}

	models, err := LoadModels(loader, Folds)
	if models != nil {
		t.Error("expected no models on failure")
	}
	var le *model.LoadError
	if !errors.As(err, &le) || le.Fold != 3 {
		t.Fatalf("expected LoadError for fold 3, got %v", err)
	}
	if !loader.models[1].closed || !loader.models[2].closed {
		t.Error("models loaded before the failure were not closed")
	}
}

func TestClassProbabilities(t *testing.T) {
	models := []model.Model{
		&stubModel{probs: []float64{0.2}},
		&stubModel{probs: []float64{0.6}},
	}
	e, err := NewEngine(fixedCase{}, Context{Models: models, Rand: rand.New(rand.NewSource(1))}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	probs, err := e.ClassProbabilities(tensor.New(1, 4, 2, 4, 4))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(probs[1]-0.4) > 1e-6 || math.Abs(probs[0]-0.6) > 1e-6 {
		t.Errorf("ClassProbabilities = %v, expected [0.6 0.4]", probs)
	}
}

func TestNewEngineValidation(t *testing.T) {
	if _, err := NewEngine(fixedCase{}, Context{Rand: rand.New(rand.NewSource(1))}, nil); err == nil {
		t.Error("expected error without models")
	}
	if _, err := NewEngine(fixedCase{}, Context{Models: []model.Model{&stubModel{probs: []float64{0.5}}}}, nil); err == nil {
		t.Error("expected error without random source")
	}
}

func TestSoftmax(t *testing.T) {
	p := Softmax([]float32{0, float32(math.Log(3))})
	if math.Abs(p[1]-0.75) > 1e-6 || math.Abs(p[0]+p[1]-1) > 1e-12 {
		t.Errorf("Softmax = %v, expected [0.25 0.75]", p)
	}
}

// seriesDecoder produces distinct non-constant slices.
type seriesDecoder struct{ size int }

func (d seriesDecoder) Decode(path string) (*dicom.Slice, error) {
	seed := int64(len(path))
	for _, c := range filepath.Base(path) {
		seed = seed*31 + int64(c)
	}
	rng := rand.New(rand.NewSource(seed))
	s := &dicom.Slice{Rows: d.size, Cols: d.size, Pixels: make([]float32, d.size*d.size)}
	for i := range s.Pixels {
		s.Pixels[i] = float32(rng.Intn(4096))
	}
	return s, nil
}

func writeModality(t *testing.T, root, mod string, n int) {
	t.Helper()
	dir := filepath.Join(root, mod)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= n; i++ {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("Image-%d.dcm", i)), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newAssembler(size int) *volume.Assembler {
	loader := dicom.NewLoader(seriesDecoder{size: size}, dicom.Options{NumSlices: dicom.NumSlices, ImgSize: size}, quietLogger())
	return volume.NewAssembler(loader)
}

func TestInferMissingModality(t *testing.T) {
	root := t.TempDir()
	writeModality(t, root, "FLAIR", 10)

	models := []model.Model{&stubModel{probs: []float64{0.5}}}
	e, err := NewEngine(newAssembler(16), Context{Models: models, Rand: rand.New(rand.NewSource(1))}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = e.Infer(root)
	var missing *volume.MissingModalityError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingModalityError, got %v", err)
	}
	if missing.Modality != "T1w" {
		t.Errorf("Modality = %s, expected T1w", missing.Modality)
	}
}

func TestInferFullCaseWithCheckpoints(t *testing.T) {
	root := t.TempDir()
	for _, mod := range volume.Modalities {
		writeModality(t, root, mod, dicom.NumSlices)
	}

	ckptDir := t.TempDir()
	cfg := densenet.Config{InChannels: 4, Classes: 2, StemChannels: 2, Growth: 2, BlockLayers: 1}
	backend, err := densenet.NewBackend()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(backend.Finalize)
	for fold := 1; fold <= Folds; fold++ {
		net, err := densenet.New(backend, cfg, densenet.DefaultAdamConfig(), int64(fold))
		if err != nil {
			t.Fatal(err)
		}
		if err := net.CheckpointTo(model.CheckpointPath(ckptDir, model.NativePattern, fold)); err != nil {
			t.Fatal(err)
		}
		if err := net.Save(densenet.Metadata{Fold: fold}); err != nil {
			t.Fatal(err)
		}
		net.Close()
	}

	models, err := LoadModels(model.NewNativeLoader(backend, ckptDir, ""), Folds)
	if err != nil {
		t.Fatalf("LoadModels failed: %v", err)
	}
	e, err := NewEngine(newAssembler(16), Context{Models: models, Passes: Passes, Rand: rand.New(rand.NewSource(7))}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	pred, err := e.Predict(root)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if pred.Label != 0 && pred.Label != 1 {
		t.Errorf("Label = %d", pred.Label)
	}
	if pred.Probability < 0 || pred.Probability > 1 || math.IsNaN(pred.Probability) {
		t.Errorf("Probability = %v outside [0,1]", pred.Probability)
	}
	if len(pred.FoldProbabilities) != Folds || len(pred.Votes) != Folds*Passes {
		t.Errorf("got %d fold probabilities and %d votes", len(pred.FoldProbabilities), len(pred.Votes))
	}
}
