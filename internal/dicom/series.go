package dicom

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Extension of the files picked up by ListSeries.
const Extension = ".dcm"

// ListSeries returns the DICOM files of folder in natural order
// ("Image-2.dcm" before "Image-10.dcm"). The same ordering is used for
// training and inference.
func ListSeries(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to read series folder %s: %w", folder, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Extension {
			continue
		}
		files = append(files, filepath.Join(folder, e.Name()))
	}
	if len(files) == 0 {
		return nil, &EmptySeriesError{Folder: folder}
	}

	NaturalSort(files)
	return files, nil
}

// SelectSlices normalizes a series to exactly n entries. Longer series are
// subsampled at indices int(i*len/n), shorter ones are padded by repeating
// the last entry.
func SelectSlices(files []string, n int) []string {
	out := make([]string, 0, n)
	if len(files) == 0 || n <= 0 {
		return out
	}
	if len(files) >= n {
		step := float64(len(files)) / float64(n)
		for i := 0; i < n; i++ {
			out = append(out, files[int(float64(i)*step)])
		}
		return out
	}
	out = append(out, files...)
	last := files[len(files)-1]
	for len(out) < n {
		out = append(out, last)
	}
	return out
}

// NaturalSort sorts names in place, comparing digit runs numerically and
// everything else case-insensitively.
func NaturalSort(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return naturalLess(names[i], names[j])
	})
}

func naturalLess(a, b string) bool {
	ca, cb := chunks(a), chunks(b)
	for i := 0; i < len(ca) && i < len(cb); i++ {
		x, y := ca[i], cb[i]
		xd, yd := isDigit(x[0]), isDigit(y[0])
		switch {
		case xd && yd:
			if c := compareNumeric(x, y); c != 0 {
				return c < 0
			}
		case xd != yd:
			return xd
		default:
			lx, ly := strings.ToLower(x), strings.ToLower(y)
			if lx != ly {
				return lx < ly
			}
		}
	}
	if len(ca) != len(cb) {
		return len(ca) < len(cb)
	}
	return a < b
}

// chunks splits s into alternating runs of digits and non-digits.
func chunks(s string) []string {
	var out []string
	start := 0
	for i := 1; i <= len(s); i++ {
		if i == len(s) || isDigit(s[i]) != isDigit(s[start]) {
			out = append(out, s[start:i])
			start = i
		}
	}
	return out
}

func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
