package dicom

import "fmt"

// EmptySeriesError is returned when a series folder holds no DICOM files or
// none of its selected files decode.
type EmptySeriesError struct {
	Folder string
}

func (e *EmptySeriesError) Error() string {
	return fmt.Sprintf("no decodable DICOM slices in %s", e.Folder)
}

// DegenerateSliceWarning describes a slice that was replaced by zeros.
// It is logged by the Loader and never returned to callers.
type DegenerateSliceWarning struct {
	Path   string
	Reason string
	Err    error
}

func (w *DegenerateSliceWarning) Error() string {
	if w.Err != nil {
		return fmt.Sprintf("degenerate slice %s (%s): %v", w.Path, w.Reason, w.Err)
	}
	return fmt.Sprintf("degenerate slice %s (%s)", w.Path, w.Reason)
}

func (w *DegenerateSliceWarning) Unwrap() error { return w.Err }
