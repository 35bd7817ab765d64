// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trainer

import (
	"fmt"
	"os"

	"github.com/nlpodyssey/awdlstm/lstmlm"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of a training run.
type Config struct {
	Model lstmlm.Config `yaml:"model"`

	LearningRate float64 `yaml:"learning_rate"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"epsilon"`

	Epochs int `yaml:"epochs"`
	// CheckpointInterval is the number of batches between two checkpoints.
	// Zero disables the intermediate checkpoints; one is always written at
	// the end of each epoch.
	CheckpointInterval int    `yaml:"checkpoint_interval"`
	CheckpointPath     string `yaml:"checkpoint_path"`
	Seed               uint64 `yaml:"seed"`

	// BatchSize is the number of lanes of each batch.
	BatchSize int `yaml:"batch_size"`
	// BPTT is the number of time steps of each batch.
	BPTT int `yaml:"bptt"`
}

// DefaultConfig returns a configuration for a model with the given
// vocabulary size.
func DefaultConfig(vocabSize int) Config {
	return Config{
		Model:              lstmlm.DefaultConfig(vocabSize),
		LearningRate:       1e-3,
		Beta1:              0.8,
		Beta2:              0.99,
		Epsilon:            1e-5,
		Epochs:             1,
		CheckpointInterval: 100,
		CheckpointPath:     lstmlm.DefaultOutputFilename,
		Seed:               42,
		BatchSize:          64,
		BPTT:               70,
	}
}

// LoadConfig reads a YAML configuration file. Missing fields keep the
// values of DefaultConfig.
func LoadConfig(filepath string) (Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return Config{}, fmt.Errorf("error reading configuration file: %w", err)
	}
	config := DefaultConfig(0)
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling configuration file: %w", err)
	}
	return config, nil
}

// Validate checks the training parameters. The model configuration is
// validated when the model is built.
func (c Config) Validate() error {
	switch {
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate must be positive, actual %g", lstmlm.ErrInvalidConfig, c.LearningRate)
	case c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1:
		return fmt.Errorf("%w: Adam betas must be in [0, 1), actual %g and %g", lstmlm.ErrInvalidConfig, c.Beta1, c.Beta2)
	case c.Epsilon <= 0:
		return fmt.Errorf("%w: epsilon must be positive, actual %g", lstmlm.ErrInvalidConfig, c.Epsilon)
	case c.Epochs < 1:
		return fmt.Errorf("%w: at least one epoch is required, actual %d", lstmlm.ErrInvalidConfig, c.Epochs)
	case c.CheckpointInterval < 0:
		return fmt.Errorf("%w: negative checkpoint interval %d", lstmlm.ErrInvalidConfig, c.CheckpointInterval)
	case c.CheckpointPath == "":
		return fmt.Errorf("%w: missing checkpoint path", lstmlm.ErrInvalidConfig)
	}
	return nil
}
