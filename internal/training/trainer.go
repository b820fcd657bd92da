// Package training runs stratified K-fold training of the fold models and
// evaluates their ensemble on a held-out test split.
package training

import (
	"fmt"
	"log"
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/backends"

	"github.com/Brownie44l1/mgmt-api/internal/augment"
	"github.com/Brownie44l1/mgmt-api/internal/densenet"
	"github.com/Brownie44l1/mgmt-api/internal/ensemble"
	"github.com/Brownie44l1/mgmt-api/internal/model"
	"github.com/Brownie44l1/mgmt-api/internal/tensor"
)

type Config struct {
	CaseDir       string // folder holding one sub-folder per scan id
	CheckpointDir string
	Pattern       string
	ResultsPath   string
	Folds         int
	Epochs        int
	BatchSize     int
	Workers       int
	TestSize      float64
	Seed          int64
	Augment       bool
	Net           densenet.Config
	Adam          densenet.AdamConfig
}

func DefaultConfig() Config {
	return Config{
		Pattern:   model.NativePattern,
		Folds:     ensemble.Folds,
		Epochs:    50,
		BatchSize: 8,
		Workers:   4,
		TestSize:  0.2,
		Seed:      42,
		Augment:   true,
		Net:       densenet.DefaultConfig(),
		Adam:      densenet.DefaultAdamConfig(),
	}
}

func (c Config) Validate() error {
	switch {
	case c.CaseDir == "":
		return fmt.Errorf("case dir is required")
	case c.CheckpointDir == "":
		return fmt.Errorf("checkpoint dir is required")
	case c.Folds < 2:
		return fmt.Errorf("folds must be at least 2, got %d", c.Folds)
	case c.Epochs < 1:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize < 1:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.TestSize <= 0 || c.TestSize >= 1:
		return fmt.Errorf("test size must be in (0, 1), got %v", c.TestSize)
	case c.Net.InChannels != 4 || c.Net.Classes != ensemble.Classes:
		return fmt.Errorf("network must take 4 channels and predict %d classes", ensemble.Classes)
	}
	return nil
}

// CaseSource is satisfied by *volume.Assembler.
type CaseSource interface {
	Load(caseRoot string) (*tensor.Tensor, error)
	LoadBatch(caseRoot string) (*tensor.Tensor, error)
}

type Trainer struct {
	cfg     Config
	source  CaseSource
	logger  *log.Logger
	backend backends.Backend
}

func NewTrainer(cfg Config, source CaseSource, logger *log.Logger) (*Trainer, error) {
	if cfg.Pattern == "" {
		cfg.Pattern = model.NativePattern
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	backend, err := densenet.NewBackend()
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}
	return &Trainer{cfg: cfg, source: source, logger: logger, backend: backend}, nil
}

// Close releases the backend. Call it after Run returns.
func (t *Trainer) Close() {
	t.backend.Finalize()
}

// FoldResult summarizes the training of one fold.
type FoldResult struct {
	Fold      int
	BestAUC   float64
	BestEpoch int
	Losses    []float64
	ValAUC    []float64
	Saved     []float64 // AUCs that produced a checkpoint, strictly increasing
}

type Report struct {
	Folds []FoldResult
	Test  *Evaluation
}

// Run splits off the test set, trains every fold and evaluates the
// resulting ensemble on the test set.
func (t *Trainer) Run(cases []Case) (*Report, error) {
	train, test, err := TrainTestSplit(cases, t.cfg.TestSize, t.cfg.Seed)
	if err != nil {
		return nil, err
	}
	t.logger.Printf("Split %d cases: %d train, %d test", len(cases), len(train), len(test))

	folds, err := t.CrossValidate(train)
	if err != nil {
		return nil, err
	}
	eval, err := t.Evaluate(test)
	if err != nil {
		return nil, err
	}
	return &Report{Folds: folds, Test: eval}, nil
}

// CrossValidate trains one model per stratified fold of cases and writes the
// best checkpoint of each.
func (t *Trainer) CrossValidate(cases []Case) ([]FoldResult, error) {
	splits, err := StratifiedKFold(caseLabels(cases), t.cfg.Folds, t.cfg.Seed)
	if err != nil {
		return nil, err
	}
	ds := NewCaseDataset(t.cfg.CaseDir, cases, t.source)

	results := make([]FoldResult, 0, len(splits))
	for i, split := range splits {
		res, err := t.trainFold(i+1, ds, split)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", i+1, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (t *Trainer) trainFold(fold int, ds Dataset, split Fold) (FoldResult, error) {
	seed := t.cfg.Seed + int64(fold)
	net, err := densenet.New(t.backend, t.cfg.Net, t.cfg.Adam, seed)
	if err != nil {
		return FoldResult{}, err
	}
	defer net.Close()
	augRng := rand.New(rand.NewSource(seed * 7919))

	trainLoader := NewDataLoader(&Subset{Dataset: ds, Indices: split.Train}, t.cfg.BatchSize, t.cfg.Workers, rand.New(rand.NewSource(seed)))
	valLoader := NewDataLoader(&Subset{Dataset: ds, Indices: split.Val}, t.cfg.BatchSize, t.cfg.Workers, nil)

	t.logger.Printf("Fold %d: %d train, %d validation cases", fold, len(split.Train), len(split.Val))

	res := FoldResult{Fold: fold}
	tracker := NewBestTracker()
	path := model.CheckpointPath(t.cfg.CheckpointDir, t.cfg.Pattern, fold)
	if err := net.CheckpointTo(path); err != nil {
		return res, fmt.Errorf("failed to prepare checkpoint dir: %w", err)
	}

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		loss, err := t.trainEpoch(net, trainLoader, augRng)
		if err != nil {
			return res, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		auc, err := validate(net, valLoader)
		if err != nil {
			return res, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		res.Losses = append(res.Losses, loss)
		res.ValAUC = append(res.ValAUC, auc)
		t.logger.Printf("Fold %d epoch %d/%d: loss=%.4f val_auc=%.4f", fold, epoch, t.cfg.Epochs, loss, auc)

		if !tracker.Observe(auc) {
			continue
		}
		if err := net.Save(densenet.Metadata{Fold: fold, Epoch: epoch, ValidationAUC: auc}); err != nil {
			return res, fmt.Errorf("failed to save checkpoint: %w", err)
		}
		res.BestEpoch = epoch
		t.logger.Printf("Fold %d: saved checkpoint %s (val_auc=%.4f)", fold, path, auc)
	}

	res.BestAUC = tracker.Best()
	res.Saved = tracker.Saved()
	if len(res.Saved) == 0 {
		t.logger.Printf("Fold %d: validation AUC never exceeded 0, no checkpoint written", fold)
	}
	return res, nil
}

func (t *Trainer) trainEpoch(net *densenet.Net, loader *DataLoader, rng *rand.Rand) (float64, error) {
	loader.Reset()
	var total float64
	var batches int
	for {
		batch, err := loader.Next()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}
		x := batch.Data
		if t.cfg.Augment {
			x = augmentBatch(x, rng)
		}
		loss, err := net.TrainBatch(x, batch.Labels)
		if err != nil {
			return 0, err
		}
		total += loss
		batches++
	}
	if batches == 0 {
		return 0, fmt.Errorf("no training batches")
	}
	return total / float64(batches), nil
}

// augmentBatch draws an independent transform for every sample.
func augmentBatch(x *tensor.Tensor, rng *rand.Rand) *tensor.Tensor {
	out := tensor.New(x.Shape...)
	inner := tensor.Size(x.Shape[1:])
	for i := 0; i < x.Shape[0]; i++ {
		copy(out.Data[i*inner:], augment.Apply(x.Slice(i), rng).Data)
	}
	return out
}

// validate returns the ROC-AUC of the class-1 probability over the loader.
func validate(m model.Model, loader *DataLoader) (float64, error) {
	loader.Reset()
	var labels []int
	var scores []float64
	for {
		batch, err := loader.Next()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}
		logits, err := m.Forward(batch.Data)
		if err != nil {
			return 0, err
		}
		for i, y := range batch.Labels {
			row := logits[i*ensemble.Classes : (i+1)*ensemble.Classes]
			scores = append(scores, ensemble.Softmax(row)[1])
			labels = append(labels, y)
		}
	}
	return AUC(labels, scores)
}

// Evaluation is the test-set outcome of the fold ensemble.
type Evaluation struct {
	Rows     []ResultRow
	Accuracy float64
	AUC      float64 // NaN when the test set holds a single class
}

// Evaluate reloads the best fold checkpoints and scores the ensemble on
// cases with one un-augmented pass per model.
func (t *Trainer) Evaluate(cases []Case) (*Evaluation, error) {
	models, err := ensemble.LoadModels(model.NewNativeLoader(t.backend, t.cfg.CheckpointDir, t.cfg.Pattern), t.cfg.Folds)
	if err != nil {
		return nil, err
	}
	engine, err := ensemble.NewEngine(t.source, ensemble.Context{
		Models: models,
		Passes: 1,
		Rand:   rand.New(rand.NewSource(t.cfg.Seed)),
	}, t.logger)
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	ds := NewCaseDataset(t.cfg.CaseDir, cases, t.source)
	loader := NewDataLoader(ds, t.cfg.BatchSize, t.cfg.Workers, nil)

	eval := &Evaluation{}
	var labels, predicted []int
	var scores []float64
	for {
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		probs, err := engine.ClassProbabilities(batch.Data)
		if err != nil {
			return nil, err
		}
		for i, y := range batch.Labels {
			p := probs[i*ensemble.Classes : (i+1)*ensemble.Classes]
			pred := 0
			if p[1] > p[0] {
				pred = 1
			}
			eval.Rows = append(eval.Rows, ResultRow{
				ID:          ds.Case(len(eval.Rows)).ID,
				Label:       y,
				Predicted:   pred,
				Probability: p[1],
			})
			labels = append(labels, y)
			predicted = append(predicted, pred)
			scores = append(scores, p[1])
		}
	}

	eval.Accuracy = Accuracy(labels, predicted)
	eval.AUC, err = AUC(labels, scores)
	if err != nil {
		t.logger.Printf("Test AUC undefined: %v", err)
		eval.AUC = math.NaN()
	}
	t.logger.Printf("Test accuracy=%.4f auc=%.4f over %d cases", eval.Accuracy, eval.AUC, len(eval.Rows))

	if t.cfg.ResultsPath != "" {
		if err := WriteResults(t.cfg.ResultsPath, eval.Rows); err != nil {
			return nil, err
		}
		t.logger.Printf("Results written to %s", t.cfg.ResultsPath)
	}
	return eval, nil
}
