// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decoder implements greedy autoregressive generation on top of a
// recurrent language model.
package decoder

import (
	"context"
	"errors"
	"fmt"

	"github.com/nlpodyssey/awdlstm/tensorutils"
	"github.com/nlpodyssey/spago/mat"
	"github.com/rs/zerolog/log"
)

// ErrInvalidMaxLen is returned when the decoding options carry no positive
// length cap.
var ErrInvalidMaxLen = errors.New("max length must be positive")

// Model is the language model driven by the Decoder. Step runs one time
// step for each lane and returns the logits of each lane.
type Model interface {
	Training() bool
	SetTraining(training bool)
	ResetState(lanes int)
	Step(ids []int) ([]mat.Tensor, error)
	DetachState()
}

type Decoder struct {
	model          Model
	applySelection OutputSelectionFunc
	opts           DecodingOptions
}

// DecodingOptions contains the options for the text generation.
type DecodingOptions struct {
	// MaxLen is the maximum number of tokens to generate. It is required:
	// greedy decoding is not guaranteed to ever produce EndTokenID.
	MaxLen int `yaml:"max_len"`
	// EndTokenID is the end-of-sequence token. It is never emitted. An
	// empty seed starts from it.
	EndTokenID int `yaml:"end_token_id"`
}

func New(m Model, opts DecodingOptions) (*Decoder, error) {
	if opts.MaxLen <= 0 {
		return nil, fmt.Errorf("%w, actual %d", ErrInvalidMaxLen, opts.MaxLen)
	}
	return &Decoder{
		model:          m,
		applySelection: GreedyDecoding(),
		opts:           opts,
	}, nil
}

type Result struct {
	// Sequence is the list of generated token IDs, without the seed.
	Sequence []int
	// Score is the sum of the negative log probabilities of the generated tokens.
	Score float64
}

// Decode puts the model in inference mode, resets its state, feeds the
// seed one token at a time and then generates greedily. Each generated
// token is written to buf, if not nil, as soon as it is selected. The
// previous training mode is restored on return.
//
// When ctx is done, the tokens generated so far are returned along with
// the context error.
func (d *Decoder) Decode(ctx context.Context, seed []int, buf Buffer) (*Result, error) {
	defer d.model.SetTraining(d.model.Training())
	d.model.SetTraining(false)
	d.model.ResetState(1)

	if len(seed) == 0 {
		seed = []int{d.opts.EndTokenID}
	}

	var logits mat.Tensor
	for _, id := range seed {
		if err := ctx.Err(); err != nil {
			return &Result{}, err
		}
		var err error
		if logits, err = d.step(id); err != nil {
			return nil, err
		}
	}
	log.Trace().Int("seed", len(seed)).Msg("Seed encoded")

	result := &Result{}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		id, score, err := d.applySelection(tensorutils.Values(logits))
		if err != nil {
			return nil, err
		}
		if id == d.opts.EndTokenID {
			log.Trace().Msgf("Reached end token (%d)", d.opts.EndTokenID)
			return result, nil
		}
		result.Sequence = append(result.Sequence, id)
		result.Score += score
		if buf != nil {
			if err := buf.Write(StepResult{TokenID: id, SumNegLogProbs: result.Score}); err != nil {
				return nil, fmt.Errorf("failed to write step result: %w", err)
			}
		}
		if len(result.Sequence) >= d.opts.MaxLen {
			log.Trace().Msgf("Reached max length (%d)", d.opts.MaxLen)
			return result, nil
		}
		if logits, err = d.step(id); err != nil {
			return nil, err
		}
	}
}

// step feeds a single token. The state is detached so that the graph does
// not grow with the generated sequence.
func (d *Decoder) step(id int) (mat.Tensor, error) {
	logits, err := d.model.Step([]int{id})
	if err != nil {
		return nil, fmt.Errorf("failed to run decoding step: %w", err)
	}
	d.model.DetachState()
	return logits[0], nil
}
