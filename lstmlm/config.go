// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lstmlm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid model configuration")

// ErrShapeMismatch is returned when stored parameters do not fit a model.
var ErrShapeMismatch = errors.New("shape mismatch")

type Config struct {
	// VocabSize is the vocabulary size.
	//
	// When converting a torch model, it can be left zero, letting the
	// process deduce the value automatically.
	VocabSize int `json:"vocab_size" yaml:"vocab_size"`
	// EmbeddingSize is the size of the tied embedding vectors.
	//
	// When converting a torch model, it can be left zero, letting the
	// process deduce the value automatically.
	EmbeddingSize int `json:"embedding_size" yaml:"embedding_size"`
	HiddenSize    int `json:"hidden_size" yaml:"hidden_size"`
	// NumLayers is the number of recurrent layers.
	//
	// When converting a torch model, it can be left zero, letting the
	// process deduce the value automatically.
	NumLayers int `json:"num_layers" yaml:"num_layers"`
	// OutputSize is the size of the last recurrent layer. Zero means
	// EmbeddingSize, the only other accepted value, since the projection
	// shares the embedding matrix.
	OutputSize int `json:"output_size,omitempty" yaml:"output_size,omitempty"`

	EmbeddingDropout float64 `json:"embedding_dropout" yaml:"embedding_dropout"`
	InputDropout     float64 `json:"input_dropout" yaml:"input_dropout"`
	WeightDropout    float64 `json:"weight_dropout" yaml:"weight_dropout"`
	HiddenDropout    float64 `json:"hidden_dropout" yaml:"hidden_dropout"`
	OutputDropout    float64 `json:"output_dropout" yaml:"output_dropout"`
}

// DefaultConfig returns the configuration of the reference AWD-LSTM
// language model, with the given vocabulary size.
func DefaultConfig(vocabSize int) Config {
	return Config{
		VocabSize:        vocabSize,
		EmbeddingSize:    400,
		HiddenSize:       1152,
		NumLayers:        3,
		EmbeddingDropout: 0.02,
		InputDropout:     0.25,
		WeightDropout:    0.2,
		HiddenDropout:    0.15,
		OutputDropout:    0.1,
	}
}

// LoadConfig reads a JSON configuration file.
func LoadConfig(filePath string) (Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	jsonDecoder := json.NewDecoder(file)
	if err := jsonDecoder.Decode(&config); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate reports an error wrapping ErrInvalidConfig if the configuration
// cannot describe a model.
func (c Config) Validate() error {
	switch {
	case c.VocabSize < 2:
		return fmt.Errorf("%w: vocabulary size must be at least 2, actual %d", ErrInvalidConfig, c.VocabSize)
	case c.EmbeddingSize < 1:
		return fmt.Errorf("%w: embedding size must be positive, actual %d", ErrInvalidConfig, c.EmbeddingSize)
	case c.HiddenSize < 1:
		return fmt.Errorf("%w: hidden size must be positive, actual %d", ErrInvalidConfig, c.HiddenSize)
	case c.NumLayers < 1:
		return fmt.Errorf("%w: at least one layer is required, actual %d", ErrInvalidConfig, c.NumLayers)
	case c.OutputSize != 0 && c.OutputSize != c.EmbeddingSize:
		return fmt.Errorf("%w: the output size %d must match the tied embedding size %d",
			ErrShapeMismatch, c.OutputSize, c.EmbeddingSize)
	}
	for name, p := range map[string]float64{
		"embedding": c.EmbeddingDropout,
		"input":     c.InputDropout,
		"weight":    c.WeightDropout,
		"hidden":    c.HiddenDropout,
		"output":    c.OutputDropout,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%w: %s dropout must be in [0, 1], actual %g", ErrInvalidConfig, name, p)
		}
	}
	return nil
}

func (c Config) outputSize() int {
	if c.OutputSize == 0 {
		return c.EmbeddingSize
	}
	return c.OutputSize
}
