package model

// Metadata describes an exported fold model. One metadata file is shared by
// all folds of an ensemble.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	NumSlices   int      `json:"num_slices"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
}

// DefaultClasses names the two MGMT classes in label order.
var DefaultClasses = []string{"MGMT absent", "MGMT present"}

type PredictionResponse struct {
	Filename          string    `json:"filename"`
	Label             int       `json:"label"`
	Class             string    `json:"class"`
	Probability       float64   `json:"probability"`
	Result            string    `json:"result"`
	FoldProbabilities []float64 `json:"fold_probabilities,omitempty"`
}
