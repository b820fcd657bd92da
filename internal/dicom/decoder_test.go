package dicom

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	dcm "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/suyashkumar/dicom/pkg/uid"
)

func mustElement(t *testing.T, tg tag.Tag, data interface{}) *dcm.Element {
	t.Helper()
	el, err := dcm.NewElement(tg, data)
	if err != nil {
		t.Fatalf("NewElement(%v) failed: %v", tg, err)
	}
	return el
}

// writeDICOM writes a single-frame 16-bit native file. A nil pixels slice
// leaves out the PixelData element.
func writeDICOM(t *testing.T, path string, rows, cols int, pixels []int) {
	t.Helper()
	elems := []*dcm.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5.6.7"}),
		mustElement(t, tag.TransferSyntaxUID, []string{uid.ImplicitVRLittleEndian}),
		mustElement(t, tag.Rows, []int{rows}),
		mustElement(t, tag.Columns, []int{cols}),
		mustElement(t, tag.BitsAllocated, []int{16}),
		mustElement(t, tag.NumberOfFrames, []string{"1"}),
		mustElement(t, tag.SamplesPerPixel, []int{1}),
	}
	if pixels != nil {
		data := make([][]int, len(pixels))
		for i, p := range pixels {
			data[i] = []int{p}
		}
		elems = append(elems, mustElement(t, tag.PixelData, dcm.PixelDataInfo{
			Frames: []*frame.Frame{{
				NativeData: frame.NativeFrame{BitsPerSample: 16, Rows: rows, Cols: cols, Data: data},
			}},
		}))
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := dcm.Write(f, dcm.Dataset{Elements: elems}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestFileDecoderNativeFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Image-1.dcm")
	pixels := []int{0, 100, 200, 300, 400, 65535}
	writeDICOM(t, path, 2, 3, pixels)

	s, err := FileDecoder{}.Decode(path)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if s.Rows != 2 || s.Cols != 3 {
		t.Fatalf("decoded %dx%d, expected 2x3", s.Rows, s.Cols)
	}
	for i, want := range pixels {
		if s.Pixels[i] != float32(want) {
			t.Errorf("pixel %d = %v, expected %d", i, s.Pixels[i], want)
		}
	}
	if s.Constant() {
		t.Error("slice reported constant")
	}
}

func TestFileDecoderErrors(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.dcm")
	if err := os.WriteFile(garbage, []byte("not a dicom file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (FileDecoder{}).Decode(garbage); err == nil {
		t.Error("expected error for a non-DICOM file")
	}

	noPixels := filepath.Join(dir, "header-only.dcm")
	writeDICOM(t, noPixels, 2, 2, nil)
	if _, err := (FileDecoder{}).Decode(noPixels); err == nil {
		t.Error("expected error for a file without pixel data")
	}
}

func TestLoadVolumeFromDICOMFiles(t *testing.T) {
	dir := t.TempDir()
	for i, base := range []int{10, 20, 30} {
		px := make([]int, 16)
		for j := range px {
			px[j] = base + j
		}
		writeDICOM(t, filepath.Join(dir, fmt.Sprintf("Image-%d%s", i+1, Extension)), 4, 4, px)
	}

	l := NewLoader(FileDecoder{}, Options{NumSlices: 4, ImgSize: 4}, quietLogger())
	vol, err := l.LoadVolume(dir)
	if err != nil {
		t.Fatalf("LoadVolume failed: %v", err)
	}
	// Raw range is [10, 45]; the fourth slice repeats the last file.
	want := float32(45-10) / (45 + float32(Epsilon))
	lo, hi := vol.MinMax()
	if lo != 0 || hi != want {
		t.Errorf("range = [%v, %v], expected [0, %v]", lo, hi, want)
	}
}
