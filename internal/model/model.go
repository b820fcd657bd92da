package model

import (
	"fmt"
	"path/filepath"

	"github.com/Brownie44l1/mgmt-api/internal/densenet"
	"github.com/Brownie44l1/mgmt-api/internal/tensor"
)

// Model is one loaded fold classifier. Forward takes a (N, 4, D, H, W)
// batch and returns (N, 2) logits. Implementations run in evaluation mode.
type Model interface {
	Forward(x *tensor.Tensor) ([]float32, error)
	Close()
}

// Loader loads the model of a 1-based fold index.
type Loader interface {
	Load(fold int) (Model, error)
}

// LoadError means a fold checkpoint is missing or unusable. It aborts the
// whole ensemble.
type LoadError struct {
	Fold int
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load fold %d model from %s: %v", e.Fold, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// CheckpointPath joins dir with the fold file name built from pattern.
func CheckpointPath(dir, pattern string, fold int) string {
	return filepath.Join(dir, fmt.Sprintf(pattern, fold))
}

const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

// NewLoader returns the fold loader of the named backend. The returned func
// releases backend resources and must run after every model is closed.
func NewLoader(backend, dir, pattern, metadataPath, libraryPath string) (Loader, func(), error) {
	switch backend {
	case BackendNative, "":
		b, err := densenet.NewBackend()
		if err != nil {
			return nil, nil, err
		}
		return NewNativeLoader(b, dir, pattern), b.Finalize, nil
	case BackendONNX:
		l, err := NewONNXLoader(dir, pattern, metadataPath, libraryPath)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown model backend %q", backend)
	}
}
