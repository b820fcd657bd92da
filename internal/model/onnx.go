package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/mgmt-api/internal/tensor"
)

const ONNXPattern = "best_model_fold%d.onnx"

// ONNXModel runs an exported fold model with onnxruntime. The session owns
// fixed input and output tensors, so Forward calls are serialized.
type ONNXModel struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewONNXModel opens modelPath. The onnxruntime environment must already be
// initialized; ONNXLoader takes care of that.
func NewONNXModel(modelPath string, metadata Metadata) (*ONNXModel, error) {
	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.inputName()}, []string{metadata.outputName()},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXModel{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (m *ONNXModel) Forward(x *tensor.Tensor) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.inputTensor.GetData()
	if len(in) != len(x.Data) {
		return nil, fmt.Errorf("expected %d input values (shape %v), got %d (shape %v)",
			len(in), m.Metadata.InputShape, len(x.Data), x.Shape)
	}
	copy(in, x.Data)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return append([]float32(nil), m.outputTensor.GetData()...), nil
}

func (m *ONNXModel) Close() {
	if m.inputTensor != nil {
		m.inputTensor.Destroy()
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}
}

func (m Metadata) inputName() string {
	if m.InputName == "" {
		return "input"
	}
	return m.InputName
}

func (m Metadata) outputName() string {
	if m.OutputName == "" {
		return "output"
	}
	return m.OutputName
}

// ReadMetadata parses a model metadata JSON file.
func ReadMetadata(path string) (Metadata, error) {
	var metadata Metadata
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if len(metadata.InputShape) != 5 || metadata.InputShape[1] != 4 {
		return metadata, fmt.Errorf("metadata input shape %v is not (N, 4, D, H, W)", metadata.InputShape)
	}
	if len(metadata.Classes) == 0 {
		metadata.Classes = DefaultClasses
	}
	return metadata, nil
}

// ONNXLoader opens one onnxruntime session per fold. It owns the
// onnxruntime environment; Close releases it after all models are closed.
type ONNXLoader struct {
	Dir      string
	Pattern  string
	Metadata Metadata
}

func NewONNXLoader(dir, pattern, metadataPath, libraryPath string) (*ONNXLoader, error) {
	if pattern == "" {
		pattern = ONNXPattern
	}

	metadata, err := ReadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	return &ONNXLoader{Dir: dir, Pattern: pattern, Metadata: metadata}, nil
}

func (l *ONNXLoader) Load(fold int) (Model, error) {
	path := CheckpointPath(l.Dir, l.Pattern, fold)
	if _, err := os.Stat(path); err != nil {
		return nil, &LoadError{Fold: fold, Path: path, Err: err}
	}
	m, err := NewONNXModel(path, l.Metadata)
	if err != nil {
		return nil, &LoadError{Fold: fold, Path: path, Err: err}
	}
	return m, nil
}

func (l *ONNXLoader) Close() {
	ort.DestroyEnvironment()
}
