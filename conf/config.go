// Package conf loads runtime settings from config files, environment
// variables, and defaults using viper.
package conf

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// TrainSettings configures a training run.
type TrainSettings struct {
	ArchivePath    string  `mapstructure:"archivepath"`
	CheckpointPath string  `mapstructure:"checkpointpath"`
	BundlePath     string  `mapstructure:"bundlepath"`
	BatchSize      int     `mapstructure:"batchsize"`
	Epochs         int     `mapstructure:"epochs"`
	LearningRate   float64 `mapstructure:"learningrate"`
	WeightDecay    float64 `mapstructure:"weightdecay"`
	ValFraction    float64 `mapstructure:"valfraction"`
	Seed           int64   `mapstructure:"seed"`
	Patience       int     `mapstructure:"patience"`
	LRPatience     int     `mapstructure:"lrpatience"`
	LRFactor       float64 `mapstructure:"lrfactor"`
	Workers        int     `mapstructure:"workers"`
	MixedPrecision bool    `mapstructure:"mixedprecision"`
	Progress       bool    `mapstructure:"progress"`
}

// EvaluateSettings configures model evaluation.
type EvaluateSettings struct {
	ArchivePath string `mapstructure:"archivepath"`
	BundlePath  string `mapstructure:"bundlepath"`
	BatchSize   int    `mapstructure:"batchsize"`
	Workers     int    `mapstructure:"workers"`
}

// ScoreSettings configures competition scoring.
type ScoreSettings struct {
	SolutionPath   string `mapstructure:"solutionpath"`
	SubmissionPath string `mapstructure:"submissionpath"`
	RowID          string `mapstructure:"rowid"`
}

// Settings is the full application configuration.
type Settings struct {
	Train    TrainSettings    `mapstructure:"train"`
	Evaluate EvaluateSettings `mapstructure:"evaluate"`
	Score    ScoreSettings    `mapstructure:"score"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("train.checkpointpath", "best_model.json")
	v.SetDefault("train.bundlepath", "ensemble_bundle.json")
	v.SetDefault("train.batchsize", 512)
	v.SetDefault("train.epochs", 50)
	v.SetDefault("train.learningrate", 1e-3)
	v.SetDefault("train.weightdecay", 1e-5)
	v.SetDefault("train.valfraction", 0.2)
	v.SetDefault("train.seed", 42)
	v.SetDefault("train.patience", 7)
	v.SetDefault("train.lrpatience", 3)
	v.SetDefault("train.lrfactor", 0.5)
	v.SetDefault("train.workers", 4)
	v.SetDefault("train.mixedprecision", true)
	v.SetDefault("train.progress", true)

	v.SetDefault("evaluate.bundlepath", "ensemble_bundle.json")
	v.SetDefault("evaluate.batchsize", 512)
	v.SetDefault("evaluate.workers", 4)

	v.SetDefault("score.rowid", "row_id")
}

// Load reads settings from an optional config file (crnn.yaml in the working
// directory) with GO_CRNN_* environment overrides.
func Load() (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("crnn")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("GO_CRNN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &settings, nil
}
