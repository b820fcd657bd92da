package densenet

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"

	"github.com/Brownie44l1/mgmt-api/internal/tensor"
)

// Checkpoint metadata, stored as context params next to the architecture.
const (
	ParamFold          = "checkpoint_fold"
	ParamEpoch         = "checkpoint_epoch"
	ParamValidationAUC = "checkpoint_validation_auc"
	ParamCreatedAt     = "checkpoint_created_at"
)

// NewBackend returns the pure Go gomlx backend the fold models run on.
func NewBackend() (backends.Backend, error) {
	return simplego.New("")
}

// Metadata describes the training state a checkpoint was written at.
type Metadata struct {
	Fold          int
	Epoch         int
	ValidationAUC float64
	CreatedAt     string
}

// Net is one fold network with its variables. Nets returned by New train,
// nets returned by Load only run inference.
type Net struct {
	cfg     Config
	backend backends.Backend
	ctx     *context.Context
	trainer *train.Trainer
	ckpt    *checkpoints.Handler

	mu   sync.Mutex
	exec *context.Exec
}

// New creates an untrained network. seed drives weight initialization and
// dropout masks.
func New(backend backends.Backend, cfg Config, adam AdamConfig, seed int64) (*Net, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := context.New()
	cfg.SetParams(ctx)
	if seed == 0 {
		seed = 1
	}
	ctx.SetParam(context.ParamInitialSeed, seed)

	n := &Net{cfg: cfg, backend: backend, ctx: ctx}
	n.trainer = train.NewTrainer(backend, ctx, ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits, adam.optimizer(), nil, nil)
	exec, err := context.NewExec(backend, ctx.Checked(false), inferenceGraph)
	if err != nil {
		return nil, err
	}
	n.exec = exec
	return n, nil
}

// Load restores a network saved with Save from dir.
func Load(backend backends.Backend, dir string) (*Net, error) {
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(dir).Done(); err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", dir, err)
	}
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	ctx = ctx.Reuse()
	exec, err := context.NewExec(backend, ctx, inferenceGraph)
	if err != nil {
		return nil, err
	}
	return &Net{cfg: cfg, backend: backend, ctx: ctx, exec: exec}, nil
}

func inferenceGraph(ctx *context.Context, x *graph.Node) *graph.Node {
	return ModelGraph(ctx, nil, []*graph.Node{x})[0]
}

func (n *Net) Config() Config { return n.cfg }

// Metadata reads the checkpoint metadata params.
func (n *Net) Metadata() Metadata {
	return Metadata{
		Fold:          context.GetParamOr(n.ctx, ParamFold, 0),
		Epoch:         context.GetParamOr(n.ctx, ParamEpoch, 0),
		ValidationAUC: context.GetParamOr(n.ctx, ParamValidationAUC, 0.0),
		CreatedAt:     context.GetParamOr(n.ctx, ParamCreatedAt, ""),
	}
}

func (n *Net) input(x *tensor.Tensor) (*tensors.Tensor, error) {
	if x.Rank() != 5 || x.Shape[1] != n.cfg.InChannels {
		return nil, fmt.Errorf("expected input (N, %d, D, H, W), got %v", n.cfg.InChannels, x.Shape)
	}
	return tensors.FromFlatDataAndDimensions(x.Data, x.Shape...), nil
}

// Forward runs inference with dropout disabled and returns (N, Classes)
// logits.
func (n *Net) Forward(x *tensor.Tensor) ([]float32, error) {
	in, err := n.input(x)
	if err != nil {
		return nil, err
	}
	defer in.FinalizeAll()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.exec == nil {
		return nil, fmt.Errorf("network is closed")
	}
	outputs, err := n.exec.Exec(in)
	if err != nil {
		return nil, err
	}
	defer outputs[0].FinalizeAll()
	return tensors.CopyFlatData[float32](outputs[0])
}

// TrainBatch runs one optimizer step on a (N, C, D, H, W) batch and returns
// the mean cross-entropy of the batch.
func (n *Net) TrainBatch(x *tensor.Tensor, labels []int) (float64, error) {
	if n.trainer == nil {
		return 0, fmt.Errorf("network was loaded for inference only")
	}
	if x.Rank() == 0 || len(labels) != x.Shape[0] {
		return 0, fmt.Errorf("got %d labels for a batch of shape %v", len(labels), x.Shape)
	}
	y := make([]int32, len(labels))
	for i, l := range labels {
		if l < 0 || l >= n.cfg.Classes {
			return 0, fmt.Errorf("label %d out of range", l)
		}
		y[i] = int32(l)
	}
	in, err := n.input(x)
	if err != nil {
		return 0, err
	}
	target := tensors.FromFlatDataAndDimensions(y, len(y), 1)
	defer in.FinalizeAll()
	defer target.FinalizeAll()

	n.mu.Lock()
	defer n.mu.Unlock()
	metrics, err := n.trainer.TrainStep(nil, []*tensors.Tensor{in}, []*tensors.Tensor{target})
	if err != nil {
		return 0, err
	}
	return float64(tensors.ToScalar[float32](metrics[0])), nil
}

// CheckpointTo clears dir and makes it the target of Save. Only the latest
// save is kept.
func (n *Net) CheckpointTo(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	h, err := checkpoints.Build(n.ctx).Dir(dir).Keep(1).Done()
	if err != nil {
		return err
	}
	n.ckpt = h
	return nil
}

// Save writes the variables and hyperparameters with meta to the directory
// set by CheckpointTo.
func (n *Net) Save(meta Metadata) error {
	if n.ckpt == nil {
		return fmt.Errorf("no checkpoint directory configured")
	}
	if meta.CreatedAt == "" {
		meta.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	n.ctx.SetParams(map[string]any{
		ParamFold:          meta.Fold,
		ParamEpoch:         meta.Epoch,
		ParamValidationAUC: meta.ValidationAUC,
		ParamCreatedAt:     meta.CreatedAt,
	})

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ckpt.Save()
}

// Close releases the compiled graphs. The backend stays open.
func (n *Net) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.exec != nil {
		n.exec.Finalize()
		n.exec = nil
	}
}
