package training

import (
	"fmt"
	"math/rand"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/mgmt-api/internal/tensor"
)

// Dataset yields one (4, D, H, W) sample and its label per index.
type Dataset interface {
	Len() int
	Get(idx int) (*tensor.Tensor, int, error)
}

// CaseDataset reads cases from <root>/<scan id>.
type CaseDataset struct {
	root   string
	cases  []Case
	source CaseSource
}

func NewCaseDataset(root string, cases []Case, source CaseSource) *CaseDataset {
	return &CaseDataset{root: root, cases: cases, source: source}
}

func (d *CaseDataset) Len() int { return len(d.cases) }

func (d *CaseDataset) Case(idx int) Case { return d.cases[idx] }

// Dir returns the case folder of idx.
func (d *CaseDataset) Dir(idx int) string {
	return filepath.Join(d.root, d.cases[idx].ID)
}

func (d *CaseDataset) Get(idx int) (*tensor.Tensor, int, error) {
	x, err := d.source.Load(d.Dir(idx))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load case %s: %w", d.cases[idx].ID, err)
	}
	return x, d.cases[idx].Label, nil
}

// Subset restricts a dataset to the given indices.
type Subset struct {
	Dataset
	Indices []int
}

func (s *Subset) Len() int { return len(s.Indices) }

func (s *Subset) Get(idx int) (*tensor.Tensor, int, error) {
	return s.Dataset.Get(s.Indices[idx])
}

// Batch is a stacked (N, 4, D, H, W) input with its labels.
type Batch struct {
	Data   *tensor.Tensor
	Labels []int
}

// DataLoader iterates a dataset in batches. With a random source the order
// is reshuffled on every Reset; without one it is the dataset order.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	workers   int
	rng       *rand.Rand

	order []int
	pos   int
}

func NewDataLoader(dataset Dataset, batchSize, workers int, rng *rand.Rand) *DataLoader {
	if batchSize <= 0 {
		batchSize = 1
	}
	if workers <= 0 {
		workers = 1
	}
	l := &DataLoader{dataset: dataset, batchSize: batchSize, workers: workers, rng: rng}
	l.Reset()
	return l
}

// Reset starts a new epoch.
func (l *DataLoader) Reset() {
	l.order = make([]int, l.dataset.Len())
	for i := range l.order {
		l.order[i] = i
	}
	if l.rng != nil {
		l.rng.Shuffle(len(l.order), func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
	}
	l.pos = 0
}

// Batches is the number of batches per epoch.
func (l *DataLoader) Batches() int {
	return (len(l.order) + l.batchSize - 1) / l.batchSize
}

// Next returns the next batch, or nil once the epoch is exhausted. Samples
// of a batch are loaded concurrently; the batch keeps the iteration order.
func (l *DataLoader) Next() (*Batch, error) {
	if l.pos >= len(l.order) {
		return nil, nil
	}
	end := l.pos + l.batchSize
	if end > len(l.order) {
		end = len(l.order)
	}
	idx := l.order[l.pos:end]
	l.pos = end

	samples := make([]*tensor.Tensor, len(idx))
	labels := make([]int, len(idx))

	var g errgroup.Group
	g.SetLimit(l.workers)
	for i, di := range idx {
		g.Go(func() error {
			x, y, err := l.dataset.Get(di)
			if err != nil {
				return err
			}
			samples[i], labels[i] = x, y
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data, err := tensor.Stack(samples)
	if err != nil {
		return nil, fmt.Errorf("failed to stack batch: %w", err)
	}
	return &Batch{Data: data, Labels: labels}, nil
}
