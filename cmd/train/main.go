package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Brownie44l1/mgmt-api/internal/config"
	"github.com/Brownie44l1/mgmt-api/internal/dicom"
	"github.com/Brownie44l1/mgmt-api/internal/ensemble"
	"github.com/Brownie44l1/mgmt-api/internal/model"
	"github.com/Brownie44l1/mgmt-api/internal/training"
	"github.com/Brownie44l1/mgmt-api/internal/volume"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "mgmt-train",
		Short: "Train the MGMT fold models with stratified cross-validation",
		Long: "Reads <data-dir>/train_labels.csv and the case folders under <data-dir>/train,\n" +
			"trains one model per fold, keeps the checkpoint with the best validation AUC\n" +
			"and evaluates the ensemble on a held-out test split.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromViper(v, configPath)
			if err != nil {
				return err
			}
			return runTraining(cfg)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&configPath, "config", os.Getenv(config.EnvPrefix+"_CONFIG"), "config file")
	pf.String("data-dir", "data", "dataset root holding train/ and train_labels.csv")
	pf.String("checkpoint-dir", "models", "directory of fold checkpoints")
	pf.Int("folds", ensemble.Folds, "number of cross-validation folds")
	v.BindPFlag("training.data_dir", pf.Lookup("data-dir"))
	v.BindPFlag("model.checkpoint_dir", pf.Lookup("checkpoint-dir"))
	v.BindPFlag("ensemble.folds", pf.Lookup("folds"))

	f := cmd.Flags()
	f.Int("epochs", 50, "epochs per fold")
	f.Int("batch-size", 8, "batch size")
	f.Int64("seed", 42, "seed for splits, shuffling and initialization")
	f.Float64("learning-rate", 1e-4, "Adam learning rate")
	f.Float64("dropout", 0.2, "dropout rate on the pooled features while training")
	f.String("results", "test_results.csv", "test results CSV")
	v.BindPFlag("training.epochs", f.Lookup("epochs"))
	v.BindPFlag("training.batch_size", f.Lookup("batch-size"))
	v.BindPFlag("training.seed", f.Lookup("seed"))
	v.BindPFlag("training.learning_rate", f.Lookup("learning-rate"))
	v.BindPFlag("training.dropout", f.Lookup("dropout"))
	v.BindPFlag("training.results", f.Lookup("results"))

	cmd.AddCommand(newPredictCmd(v, &configPath))
	return cmd
}

func newPredictCmd(v *viper.Viper, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict <case-folder>",
		Short: "Classify one case folder with the fold ensemble",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromViper(v, *configPath)
			if err != nil {
				return err
			}
			return runPredict(cmd, cfg, args[0])
		},
	}
	cmd.Flags().Int("passes", ensemble.Passes, "augmented passes per fold model")
	cmd.Flags().String("backend", model.BackendNative, "model backend: native or onnx")
	v.BindPFlag("ensemble.passes", cmd.Flags().Lookup("passes"))
	v.BindPFlag("model.backend", cmd.Flags().Lookup("backend"))
	return cmd
}

func newAssembler(cfg *config.Config) *volume.Assembler {
	loader := dicom.NewLoader(dicom.FileDecoder{}, dicom.Options{NumSlices: cfg.Volume.NumSlices, ImgSize: cfg.Volume.ImgSize}, nil)
	return volume.NewAssembler(loader)
}

func runTraining(cfg *config.Config) error {
	labels := cfg.Training.Labels
	if labels == "" {
		labels = filepath.Join(cfg.Training.DataDir, "train_labels.csv")
	}
	cases, err := training.ReadLabels(labels)
	if err != nil {
		return err
	}
	log.Printf("Read %d labelled cases from %s", len(cases), labels)

	tc := training.DefaultConfig()
	tc.CaseDir = filepath.Join(cfg.Training.DataDir, "train")
	tc.CheckpointDir = cfg.Model.CheckpointDir
	if cfg.Model.Pattern != "" {
		tc.Pattern = cfg.Model.Pattern
	}
	tc.ResultsPath = cfg.Training.Results
	tc.Folds = cfg.Ensemble.Folds
	tc.Epochs = cfg.Training.Epochs
	tc.BatchSize = cfg.Training.BatchSize
	tc.Workers = cfg.Training.Workers
	tc.TestSize = cfg.Training.TestSize
	tc.Seed = cfg.Training.Seed
	tc.Augment = cfg.Training.Augment
	tc.Adam.LearningRate = cfg.Training.LearningRate
	tc.Net.Dropout = cfg.Training.Dropout

	trainer, err := training.NewTrainer(tc, newAssembler(cfg), nil)
	if err != nil {
		return err
	}
	defer trainer.Close()

	start := time.Now()
	report, err := trainer.Run(cases)
	if err != nil {
		return err
	}
	for _, f := range report.Folds {
		log.Printf("Fold %d: best val_auc=%.4f at epoch %d", f.Fold, f.BestAUC, f.BestEpoch)
	}
	log.Printf("Test accuracy=%.4f auc=%.4f, finished in %s", report.Test.Accuracy, report.Test.AUC, time.Since(start).Round(time.Second))
	return nil
}

func runPredict(cmd *cobra.Command, cfg *config.Config, caseFolder string) error {
	loader, release, err := model.NewLoader(cfg.Model.Backend, cfg.Model.CheckpointDir, cfg.Model.Pattern, cfg.Model.Metadata, cfg.Model.Library)
	if err != nil {
		return err
	}
	defer release()

	models, err := ensemble.LoadModels(loader, cfg.Ensemble.Folds)
	if err != nil {
		return err
	}

	seed := cfg.Ensemble.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	engine, err := ensemble.NewEngine(newAssembler(cfg), ensemble.Context{
		Models: models,
		Passes: cfg.Ensemble.Passes,
		Rand:   rand.New(rand.NewSource(seed)),
	}, nil)
	if err != nil {
		return err
	}
	defer engine.Close()

	label, prob, err := engine.Infer(caseFolder)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "label=%d class=%q probability=%.4f\n", label, model.DefaultClasses[label], prob)
	return nil
}
