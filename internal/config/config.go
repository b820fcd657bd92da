// Package config loads settings for the server and the training CLI from
// defaults, an optional config file and MGMT_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/Brownie44l1/mgmt-api/internal/model"
)

const EnvPrefix = "MGMT"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Volume   VolumeConfig   `mapstructure:"volume"`
	Model    ModelConfig    `mapstructure:"model"`
	Ensemble EnsembleConfig `mapstructure:"ensemble"`
	Training TrainingConfig `mapstructure:"training"`
}

type ServerConfig struct {
	Port      string `mapstructure:"port"`
	UploadDir string `mapstructure:"upload_dir"`
	MaxUpload int64  `mapstructure:"max_upload"`
}

type VolumeConfig struct {
	NumSlices int `mapstructure:"num_slices"`
	ImgSize   int `mapstructure:"img_size"`
}

type ModelConfig struct {
	Backend       string `mapstructure:"backend"` // model.BackendNative or model.BackendONNX
	CheckpointDir string `mapstructure:"checkpoint_dir"`
	Pattern       string `mapstructure:"pattern"`
	Metadata      string `mapstructure:"metadata"`
	Library       string `mapstructure:"library"` // onnxruntime shared library
}

type EnsembleConfig struct {
	Folds  int   `mapstructure:"folds"`
	Passes int   `mapstructure:"passes"`
	Seed   int64 `mapstructure:"seed"` // 0 seeds from the clock
}

type TrainingConfig struct {
	DataDir      string  `mapstructure:"data_dir"`
	Labels       string  `mapstructure:"labels"`
	Results      string  `mapstructure:"results"`
	Epochs       int     `mapstructure:"epochs"`
	BatchSize    int     `mapstructure:"batch_size"`
	Workers      int     `mapstructure:"workers"`
	LearningRate float64 `mapstructure:"learning_rate"`
	Dropout      float64 `mapstructure:"dropout"`
	TestSize     float64 `mapstructure:"test_size"`
	Seed         int64   `mapstructure:"seed"`
	Augment      bool    `mapstructure:"augment"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.upload_dir", "uploads")
	v.SetDefault("server.max_upload", 512<<20)

	v.SetDefault("volume.num_slices", 64)
	v.SetDefault("volume.img_size", 256)

	v.SetDefault("model.backend", model.BackendNative)
	v.SetDefault("model.checkpoint_dir", "models")
	v.SetDefault("model.pattern", "")
	v.SetDefault("model.metadata", "models/model_metadata.json")
	v.SetDefault("model.library", "")

	v.SetDefault("ensemble.folds", 5)
	v.SetDefault("ensemble.passes", 3)
	v.SetDefault("ensemble.seed", 0)

	v.SetDefault("training.data_dir", "data")
	v.SetDefault("training.labels", "")
	v.SetDefault("training.results", "test_results.csv")
	v.SetDefault("training.epochs", 50)
	v.SetDefault("training.batch_size", 8)
	v.SetDefault("training.workers", 4)
	v.SetDefault("training.learning_rate", 1e-4)
	v.SetDefault("training.dropout", 0.2)
	v.SetDefault("training.test_size", 0.2)
	v.SetDefault("training.seed", 42)
	v.SetDefault("training.augment", true)
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path, or MGMT_CONFIG when path is empty.
// A missing file is only an error when a path was given.
func Load(path string) (*Config, error) {
	v := New()
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	return FromViper(v, path)
}

// FromViper reads the optional file into v and decodes the result. Flags
// bound to v by the caller take precedence over file and environment.
func FromViper(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// PORT is honoured for platforms that inject it.
	if port := os.Getenv("PORT"); port != "" && os.Getenv(EnvPrefix+"_SERVER_PORT") == "" {
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Model.Backend {
	case model.BackendNative, model.BackendONNX:
	default:
		return fmt.Errorf("unknown model backend %q", c.Model.Backend)
	}
	if c.Model.Backend == model.BackendONNX && c.Model.Metadata == "" {
		return fmt.Errorf("onnx backend needs a metadata file")
	}
	if c.Ensemble.Folds < 1 {
		return fmt.Errorf("ensemble.folds must be positive, got %d", c.Ensemble.Folds)
	}
	if c.Ensemble.Passes < 1 {
		return fmt.Errorf("ensemble.passes must be positive, got %d", c.Ensemble.Passes)
	}
	if c.Volume.NumSlices < 1 || c.Volume.ImgSize < 1 {
		return fmt.Errorf("volume size must be positive, got %d slices of %d", c.Volume.NumSlices, c.Volume.ImgSize)
	}
	if c.Training.TestSize <= 0 || c.Training.TestSize >= 1 {
		return fmt.Errorf("training.test_size must be in (0, 1), got %v", c.Training.TestSize)
	}
	if c.Training.Dropout < 0 || c.Training.Dropout >= 1 {
		return fmt.Errorf("training.dropout must be in [0, 1), got %v", c.Training.Dropout)
	}
	return nil
}
