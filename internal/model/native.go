package model

import (
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"

	"github.com/Brownie44l1/mgmt-api/internal/densenet"
)

// NativePattern names the per-fold checkpoint directories written by the
// training driver.
const NativePattern = "best_model_fold%d"

// NativeLoader loads densenet checkpoints onto a gomlx backend.
type NativeLoader struct {
	Dir     string
	Pattern string
	backend backends.Backend
}

func NewNativeLoader(backend backends.Backend, dir, pattern string) *NativeLoader {
	if pattern == "" {
		pattern = NativePattern
	}
	return &NativeLoader{Dir: dir, Pattern: pattern, backend: backend}
}

func (l *NativeLoader) Load(fold int) (Model, error) {
	path := CheckpointPath(l.Dir, l.Pattern, fold)
	if _, err := os.Stat(path); err != nil {
		return nil, &LoadError{Fold: fold, Path: path, Err: err}
	}

	net, err := densenet.Load(l.backend, path)
	if err != nil {
		return nil, &LoadError{Fold: fold, Path: path, Err: err}
	}
	if cfg := net.Config(); cfg.InChannels != 4 || cfg.Classes != 2 {
		net.Close()
		return nil, &LoadError{Fold: fold, Path: path,
			Err: fmt.Errorf("expected 4 input channels and 2 classes, got %d and %d", cfg.InChannels, cfg.Classes)}
	}
	return net, nil
}
