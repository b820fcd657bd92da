// Package ensemble combines the fold models into one MGMT prediction using
// test-time augmentation voting.
package ensemble

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/Brownie44l1/mgmt-api/internal/augment"
	"github.com/Brownie44l1/mgmt-api/internal/model"
	"github.com/Brownie44l1/mgmt-api/internal/tensor"
)

const (
	Folds     = 5
	Passes    = 3
	Threshold = 0.5
	Classes   = 2
)

// Prediction is the outcome of one case. Label comes from the majority of
// all per-pass votes while Probability is the mean of per-fold mean
// probabilities, so Label is not always round(Probability).
type Prediction struct {
	Label             int
	Probability       float64
	FoldProbabilities []float64
	Votes             []int
}

// Aggregate reduces per-fold, per-pass class-1 probabilities to a Prediction.
func Aggregate(passProbs [][]float64) Prediction {
	var pred Prediction
	var votes []float64
	for _, fold := range passProbs {
		pred.FoldProbabilities = append(pred.FoldProbabilities, stat.Mean(fold, nil))
		for _, p := range fold {
			v := 0
			if p > Threshold {
				v = 1
			}
			pred.Votes = append(pred.Votes, v)
			votes = append(votes, float64(v))
		}
	}
	if len(votes) > 0 && stat.Mean(votes, nil) > Threshold {
		pred.Label = 1
	}
	pred.Probability = stat.Mean(pred.FoldProbabilities, nil)
	return pred
}

// Softmax returns the class probabilities of one logits row.
func Softmax(logits []float32) []float64 {
	l := make([]float64, len(logits))
	for i, v := range logits {
		l[i] = float64(v)
	}
	lse := floats.LogSumExp(l)
	for i := range l {
		l[i] = math.Exp(l[i] - lse)
	}
	return l
}

// LoadModels loads folds 1..folds. Any failure closes what was loaded and
// returns the *model.LoadError; there is no partial ensemble.
func LoadModels(loader model.Loader, folds int) ([]model.Model, error) {
	models := make([]model.Model, 0, folds)
	for fold := 1; fold <= folds; fold++ {
		m, err := loader.Load(fold)
		if err != nil {
			for _, loaded := range models {
				loaded.Close()
			}
			var le *model.LoadError
			if !errors.As(err, &le) {
				err = &model.LoadError{Fold: fold, Err: err}
			}
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

// Context is the execution state the engine works with: the loaded fold
// models, the number of augmented passes and the random source for them.
type Context struct {
	Models []model.Model
	Passes int
	Rand   *rand.Rand
}

// CaseLoader is satisfied by *volume.Assembler.
type CaseLoader interface {
	LoadBatch(caseRoot string) (*tensor.Tensor, error)
}

type Engine struct {
	cases  CaseLoader
	ctx    Context
	logger *log.Logger

	mu sync.Mutex // guards ctx.Rand
}

func NewEngine(cases CaseLoader, ctx Context, logger *log.Logger) (*Engine, error) {
	if len(ctx.Models) == 0 {
		return nil, fmt.Errorf("ensemble has no models")
	}
	if ctx.Passes <= 0 {
		ctx.Passes = Passes
	}
	if ctx.Rand == nil {
		return nil, fmt.Errorf("ensemble needs a random source")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{cases: cases, ctx: ctx, logger: logger}, nil
}

// Infer classifies the case rooted at caseFolder.
func (e *Engine) Infer(caseFolder string) (int, float64, error) {
	pred, err := e.Predict(caseFolder)
	if err != nil {
		return 0, 0, err
	}
	return pred.Label, pred.Probability, nil
}

func (e *Engine) Predict(caseFolder string) (*Prediction, error) {
	x, err := e.cases.LoadBatch(caseFolder)
	if err != nil {
		return nil, err
	}
	pred, err := e.PredictTensor(x)
	if err != nil {
		return nil, err
	}
	e.logger.Printf("case %s: label=%d probability=%.4f folds=%v", caseFolder, pred.Label, pred.Probability, pred.FoldProbabilities)
	return pred, nil
}

// PredictTensor runs Passes augmented forward passes per model on a
// (1, 4, D, H, W) batch.
func (e *Engine) PredictTensor(x *tensor.Tensor) (*Prediction, error) {
	passProbs := make([][]float64, len(e.ctx.Models))
	for i, m := range e.ctx.Models {
		for r := 0; r < e.ctx.Passes; r++ {
			logits, err := m.Forward(e.augment(x))
			if err != nil {
				return nil, fmt.Errorf("fold %d pass %d: %w", i+1, r+1, err)
			}
			if len(logits) < Classes {
				return nil, fmt.Errorf("fold %d returned %d logits", i+1, len(logits))
			}
			passProbs[i] = append(passProbs[i], Softmax(logits[:Classes])[1])
		}
	}
	pred := Aggregate(passProbs)
	return &pred, nil
}

func (e *Engine) augment(x *tensor.Tensor) *tensor.Tensor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return augment.Apply(x, e.ctx.Rand)
}

// ClassProbabilities runs one plain forward pass per model on a (N, 4, D, H, W)
// batch and returns the fold-averaged (N, 2) class probabilities.
func (e *Engine) ClassProbabilities(x *tensor.Tensor) ([]float64, error) {
	n := x.Shape[0]
	sum := make([]float64, n*Classes)
	for i, m := range e.ctx.Models {
		logits, err := m.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", i+1, err)
		}
		if len(logits) != n*Classes {
			return nil, fmt.Errorf("fold %d returned %d logits for %d samples", i+1, len(logits), n)
		}
		for s := 0; s < n; s++ {
			floats.Add(sum[s*Classes:(s+1)*Classes], Softmax(logits[s*Classes:(s+1)*Classes]))
		}
	}
	floats.Scale(1/float64(len(e.ctx.Models)), sum)
	return sum, nil
}

// Close releases every model of the ensemble.
func (e *Engine) Close() {
	for _, m := range e.ctx.Models {
		m.Close()
	}
}
