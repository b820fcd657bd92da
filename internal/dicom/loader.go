package dicom

import (
	"image"
	"image/color"
	"log"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/mgmt-api/internal/tensor"
)

const (
	NumSlices = 64
	ImgSize   = 256

	// Epsilon is added to the volume maximum before dividing. The divisor is
	// max+eps, not (max-min)+eps; trained weights depend on it.
	Epsilon = 1e-5
)

type Options struct {
	NumSlices int
	ImgSize   int
}

func DefaultOptions() Options {
	return Options{NumSlices: NumSlices, ImgSize: ImgSize}
}

// Loader builds fixed-size normalized volumes from series folders.
type Loader struct {
	decoder Decoder
	opts    Options
	logger  *log.Logger
}

func NewLoader(decoder Decoder, opts Options, logger *log.Logger) *Loader {
	if decoder == nil {
		decoder = FileDecoder{}
	}
	if opts.NumSlices <= 0 {
		opts.NumSlices = NumSlices
	}
	if opts.ImgSize <= 0 {
		opts.ImgSize = ImgSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{decoder: decoder, opts: opts, logger: logger}
}

// LoadVolume returns a (NumSlices, ImgSize, ImgSize) tensor with values in
// [0, 1]. Slices that fail to decode or are constant become zeros. A folder
// where no selected slice decodes is an EmptySeriesError.
func (l *Loader) LoadVolume(folder string) (*tensor.Tensor, error) {
	files, err := ListSeries(folder)
	if err != nil {
		return nil, err
	}

	size := l.opts.ImgSize
	plane := size * size
	vol := tensor.New(l.opts.NumSlices, size, size)

	decoded := make(map[string][]float32)
	readable := 0
	for i, path := range SelectSlices(files, l.opts.NumSlices) {
		px, seen := decoded[path]
		if !seen {
			var ok bool
			px, ok = l.loadSlice(path)
			decoded[path] = px
			if ok {
				readable++
			}
		}
		copy(vol.Data[i*plane:(i+1)*plane], px)
	}
	if readable == 0 {
		return nil, &EmptySeriesError{Folder: folder}
	}

	normalize(vol)
	return vol, nil
}

// loadSlice reports false when the file could not be decoded. Constant
// slices decode fine and are only zeroed.
func (l *Loader) loadSlice(path string) ([]float32, bool) {
	size := l.opts.ImgSize
	s, err := l.decoder.Decode(path)
	if err != nil {
		l.logger.Printf("%v", &DegenerateSliceWarning{Path: path, Reason: "decode failed", Err: err})
		return make([]float32, size*size), false
	}
	if s.Constant() {
		l.logger.Printf("%v", &DegenerateSliceWarning{Path: path, Reason: "constant image"})
		return make([]float32, size*size), true
	}
	return resizeSlice(s, size), true
}

// resizeSlice scales s to size x size with bilinear interpolation. Signed
// series are shifted into the 16-bit unsigned range for resizing and shifted
// back afterwards, so negative values survive.
func resizeSlice(s *Slice, size int) []float32 {
	if s.Rows == size && s.Cols == size {
		out := make([]float32, len(s.Pixels))
		copy(out, s.Pixels)
		return out
	}

	var offset float32
	for _, v := range s.Pixels {
		if -v > offset {
			offset = -v
		}
	}

	src := image.NewGray16(image.Rect(0, 0, s.Cols, s.Rows))
	for y := 0; y < s.Rows; y++ {
		for x := 0; x < s.Cols; x++ {
			src.SetGray16(x, y, color.Gray16{Y: clamp16(s.Pixels[y*s.Cols+x] + offset)})
		}
	}

	resized := resize.Resize(uint(size), uint(size), src, resize.Bilinear)

	out := make([]float32, size*size)
	b := resized.Bounds()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			g := color.Gray16Model.Convert(resized.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			out[y*size+x] = float32(g.Y) - offset
		}
	}
	return out
}

func clamp16(v float32) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= 65535:
		return 65535
	default:
		return uint16(v + 0.5)
	}
}

func normalize(vol *tensor.Tensor) {
	lo, hi := vol.MinMax()
	den := hi + float32(Epsilon)
	for i, v := range vol.Data {
		vol.Data[i] = (v - lo) / den
	}
}
