package volume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/mgmt-api/internal/dicom"
	"github.com/Brownie44l1/mgmt-api/internal/tensor"
)

// Modalities is the channel order of every multimodal tensor. Models are
// trained with this order, so it must never change.
var Modalities = []string{"FLAIR", "T1w", "T1wCE", "T2w"}

// MissingModalityError is returned when a modality folder is absent or holds
// no decodable DICOM files.
type MissingModalityError struct {
	Modality string
	Folder   string
	Err      error
}

func (e *MissingModalityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("missing modality %s in %s: %v", e.Modality, e.Folder, e.Err)
	}
	return fmt.Sprintf("missing modality %s in %s", e.Modality, e.Folder)
}

func (e *MissingModalityError) Unwrap() error { return e.Err }

// VolumeLoader is satisfied by *dicom.Loader.
type VolumeLoader interface {
	LoadVolume(folder string) (*tensor.Tensor, error)
}

type Assembler struct {
	loader VolumeLoader
}

func NewAssembler(loader VolumeLoader) *Assembler {
	return &Assembler{loader: loader}
}

// Load returns a (4, D, H, W) tensor for the case rooted at caseRoot.
func (a *Assembler) Load(caseRoot string) (*tensor.Tensor, error) {
	vols := make([]*tensor.Tensor, 0, len(Modalities))
	for _, mod := range Modalities {
		folder := filepath.Join(caseRoot, mod)
		info, err := os.Stat(folder)
		if err != nil || !info.IsDir() {
			return nil, &MissingModalityError{Modality: mod, Folder: caseRoot}
		}

		vol, err := a.loader.LoadVolume(folder)
		if err != nil {
			var empty *dicom.EmptySeriesError
			if errors.As(err, &empty) {
				return nil, &MissingModalityError{Modality: mod, Folder: caseRoot, Err: err}
			}
			return nil, fmt.Errorf("failed to load %s volume of %s: %w", mod, caseRoot, err)
		}
		vols = append(vols, vol)
	}
	return tensor.Stack(vols)
}

// LoadBatch returns the case as a (1, 4, D, H, W) batch.
func (a *Assembler) LoadBatch(caseRoot string) (*tensor.Tensor, error) {
	t, err := a.Load(caseRoot)
	if err != nil {
		return nil, err
	}
	return t.Unsqueeze(), nil
}
