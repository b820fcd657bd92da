package densenet

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const ArchitectureName = "densenet3d"

// Hyperparameters stored in the model context. Checkpoints carry them, so a
// loaded fold rebuilds the same graph.
const (
	ParamArchitecture = "densenet_architecture"
	ParamInChannels   = "densenet_in_channels"
	ParamClasses      = "densenet_classes"
	ParamStemChannels = "densenet_stem_channels"
	ParamGrowth       = "densenet_growth"
	ParamBlockLayers  = "densenet_block_layers"
	ParamDropout      = "densenet_dropout"
)

type Config struct {
	InChannels   int
	Classes      int
	StemChannels int
	Growth       int
	BlockLayers  int
	Dropout      float64 // rate applied to the pooled features while training
}

func DefaultConfig() Config {
	return Config{
		InChannels:   4,
		Classes:      2,
		StemChannels: 16,
		Growth:       8,
		BlockLayers:  4,
		Dropout:      0.2,
	}
}

func (c Config) Validate() error {
	switch {
	case c.InChannels < 1 || c.Classes < 2:
		return fmt.Errorf("need at least 1 input channel and 2 classes, got %d and %d", c.InChannels, c.Classes)
	case c.StemChannels < 1 || c.Growth < 1 || c.BlockLayers < 0:
		return fmt.Errorf("invalid layer sizes: stem %d, growth %d, block layers %d", c.StemChannels, c.Growth, c.BlockLayers)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("dropout must be in [0, 1), got %v", c.Dropout)
	}
	return nil
}

// SetParams writes c into the root scope of ctx.
func (c Config) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamArchitecture: ArchitectureName,
		ParamInChannels:   c.InChannels,
		ParamClasses:      c.Classes,
		ParamStemChannels: c.StemChannels,
		ParamGrowth:       c.Growth,
		ParamBlockLayers:  c.BlockLayers,
		ParamDropout:      c.Dropout,
	})
}

// ConfigFromContext reads the architecture written by SetParams.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	if name := context.GetParamOr(ctx, ParamArchitecture, ""); name != ArchitectureName {
		return Config{}, fmt.Errorf("unsupported architecture %q", name)
	}
	c := Config{
		InChannels:   context.GetParamOr(ctx, ParamInChannels, 0),
		Classes:      context.GetParamOr(ctx, ParamClasses, 0),
		StemChannels: context.GetParamOr(ctx, ParamStemChannels, 0),
		Growth:       context.GetParamOr(ctx, ParamGrowth, 0),
		BlockLayers:  context.GetParamOr(ctx, ParamBlockLayers, 0),
		Dropout:      context.GetParamOr(ctx, ParamDropout, 0.0),
	}
	return c, c.Validate()
}

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig matches the settings the fold models are trained with.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

func (c AdamConfig) optimizer() optimizers.Interface {
	return optimizers.Adam().
		LearningRate(c.LearningRate).
		Betas(c.Beta1, c.Beta2).
		Epsilon(c.Epsilon).
		WeightDecay(c.WeightDecay).
		Done()
}
