package dicom

import (
	"fmt"
	"image"
	"image/color"

	dcm "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Slice is one decoded 2D grayscale image.
type Slice struct {
	Rows   int
	Cols   int
	Pixels []float32 // row-major, Rows*Cols
}

// Constant reports whether every pixel has the same value.
func (s *Slice) Constant() bool {
	if len(s.Pixels) == 0 {
		return true
	}
	first := s.Pixels[0]
	for _, v := range s.Pixels[1:] {
		if v != first {
			return false
		}
	}
	return true
}

// Decoder turns one file into a Slice.
type Decoder interface {
	Decode(path string) (*Slice, error)
}

// FileDecoder reads the first frame of a single-slice DICOM file.
type FileDecoder struct{}

func (FileDecoder) Decode(path string) (*Slice, error) {
	ds, err := dcm.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no pixel data in %s: %w", path, err)
	}

	info, ok := el.Value.GetValue().(dcm.PixelDataInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel data value in %s", path)
	}
	if len(info.Frames) == 0 {
		return nil, fmt.Errorf("no frames in %s", path)
	}

	fr := info.Frames[0]
	if fr.Encapsulated {
		img, err := fr.GetImage()
		if err != nil {
			return nil, fmt.Errorf("failed to decode compressed frame in %s: %w", path, err)
		}
		return sliceFromImage(img), nil
	}

	native := fr.NativeData
	rows, cols := native.Rows, native.Cols
	if rows*cols == 0 || len(native.Data) < rows*cols {
		return nil, fmt.Errorf("invalid native frame %dx%d in %s", rows, cols, path)
	}

	s := &Slice{Rows: rows, Cols: cols, Pixels: make([]float32, rows*cols)}
	for i := range s.Pixels {
		// Multi-sample pixels keep the first sample only.
		if len(native.Data[i]) > 0 {
			s.Pixels[i] = float32(native.Data[i][0])
		}
	}
	return s, nil
}

func sliceFromImage(img image.Image) *Slice {
	b := img.Bounds()
	s := &Slice{Rows: b.Dy(), Cols: b.Dx(), Pixels: make([]float32, b.Dx()*b.Dy())}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			s.Pixels[(y-b.Min.Y)*s.Cols+(x-b.Min.X)] = float32(g.Y)
		}
	}
	return s
}
