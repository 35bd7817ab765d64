// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trainer implements the truncated backpropagation through time
// training loop of the language model, with Adam updates, averaging of
// the recurrent weights at the end of each epoch and periodic checkpoints.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/nlpodyssey/awdlstm/asgd"
	"github.com/nlpodyssey/awdlstm/lstmlm"
	"github.com/nlpodyssey/awdlstm/tensorutils"
	"github.com/nlpodyssey/awdlstm/vocabulary"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/losses"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/optimizers"
	"github.com/nlpodyssey/spago/optimizers/adam"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
)

// Optimizer updates the parameters from their gradients.
type Optimizer interface {
	Optimize() error
}

// EpochSummary describes a completed epoch.
type EpochSummary struct {
	Epoch   int
	Batches int
	Tokens  int
	// MeanLoss is the mean cross-entropy per target token.
	MeanLoss   float64
	Perplexity float64
	Averaging  bool
	Duration   time.Duration
}

// CheckpointInfo describes a written checkpoint.
type CheckpointInfo struct {
	Epoch int
	Batch int
	Path  string
	// Averaged reports whether the averaged recurrent weights were saved.
	Averaged bool
}

// Recorder receives the progress of a run.
type Recorder interface {
	RecordEpoch(ctx context.Context, s EpochSummary) error
	RecordCheckpoint(ctx context.Context, c CheckpointInfo) error
}

// Option customizes a Trainer.
type Option func(*Trainer)

// WithOptimizer replaces the default Adam optimizer.
func WithOptimizer(o Optimizer) Option {
	return func(t *Trainer) {
		t.optimizer = o
	}
}

// WithRecorder sets the recorder of the run.
func WithRecorder(r Recorder) Option {
	return func(t *Trainer) {
		t.recorder = r
	}
}

// Trainer trains a language model with truncated backpropagation through
// time. Each recurrent layer has its own averager.
type Trainer struct {
	Config Config

	model     *lstmlm.Model
	vocab     *vocabulary.Vocabulary
	optimizer Optimizer
	averagers []*asgd.Averager
	recorder  Recorder
}

// New returns a new Trainer of the model, which must have a vocabulary.
func New(c Config, m *lstmlm.Model, opts ...Option) (*Trainer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if m.Vocabulary() == nil {
		return nil, fmt.Errorf("%w: the model has no vocabulary", lstmlm.ErrInvalidConfig)
	}

	t := &Trainer{
		Config: c,
		model:  m,
		vocab:  m.Vocabulary(),
	}
	for i := range m.Encoder.Layers {
		t.averagers = append(t.averagers, asgd.New(m.LayerParams(i)))
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.optimizer == nil {
		t.optimizer = newAdamOptimizer(c, m.Params())
	}
	return t, nil
}

// adamOptimizer applies Adam to a set of parameters, advancing the bias
// correction after every update.
type adamOptimizer struct {
	optimizer *optimizers.Optimizer
	adam      *adam.Adam
}

func newAdamOptimizer(c Config, params []*nn.Param) *adamOptimizer {
	a := adam.New(adam.NewConfig(c.LearningRate, c.Beta1, c.Beta2, c.Epsilon))
	return &adamOptimizer{
		optimizer: optimizers.New(nn.StreamParams(params), a),
		adam:      a,
	}
}

func (o *adamOptimizer) Optimize() error {
	if err := o.optimizer.Optimize(); err != nil {
		return err
	}
	o.adam.IncExample()
	return nil
}

// Averager returns the averager of the i-th recurrent layer.
func (t *Trainer) Averager(i int) *asgd.Averager {
	return t.averagers[i]
}

// Run trains the model for the configured number of epochs. Any error
// stops the run.
func (t *Trainer) Run(ctx context.Context, src Source) ([]EpochSummary, error) {
	for _, a := range t.averagers {
		a.Reset()
	}
	t.setAveraging()

	summaries := make([]EpochSummary, 0, t.Config.Epochs)
	for epoch := 1; epoch <= t.Config.Epochs; epoch++ {
		s, err := t.runEpoch(ctx, epoch, src)
		if err != nil {
			return summaries, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, src Source) (EpochSummary, error) {
	start := time.Now()
	ep, err := src.Epoch(ctx)
	if err != nil {
		return EpochSummary{}, fmt.Errorf("failed to start epoch: %w", err)
	}
	if c, ok := ep.(io.Closer); ok {
		defer c.Close()
	}
	n := ep.Len()
	log.Info().Int("epoch", epoch).Int("batches", n).Msg("Epoch started")

	for _, a := range t.averagers {
		a.Begin(n)
	}
	t.setAveraging()
	t.model.SetTraining(true)
	t.model.ResetMasks()

	lanes := -1
	var batchLosses, batchTokens []float64
	batches := 0

	for {
		if err := ctx.Err(); err != nil {
			return EpochSummary{}, err
		}
		b, err := ep.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return EpochSummary{}, fmt.Errorf("failed to read batch %d: %w", batches+1, err)
		}
		if err := b.Validate(lanes); err != nil {
			return EpochSummary{}, fmt.Errorf("batch %d: %w", batches+1, err)
		}
		if lanes < 0 {
			lanes = b.Lanes()
			t.model.ResetState(lanes)
		}

		loss, err := t.trainBatch(b)
		if err != nil {
			return EpochSummary{}, fmt.Errorf("batch %d: %w", batches+1, err)
		}
		batches++
		tokens := float64(b.Tokens())
		batchLosses = append(batchLosses, loss/tokens)
		batchTokens = append(batchTokens, tokens)
		log.Trace().Int("epoch", epoch).Int("batch", batches).Float64("loss", loss/tokens).Send()

		if t.Config.CheckpointInterval > 0 && batches%t.Config.CheckpointInterval == 0 {
			if err := t.checkpoint(ctx, epoch, batches); err != nil {
				return EpochSummary{}, err
			}
		}
	}
	if batches == 0 {
		return EpochSummary{}, fmt.Errorf("%w: the epoch has no batches", ErrDataContract)
	}
	if err := t.checkpoint(ctx, epoch, batches); err != nil {
		return EpochSummary{}, err
	}

	meanLoss := stat.Mean(batchLosses, batchTokens)
	s := EpochSummary{
		Epoch:      epoch,
		Batches:    batches,
		MeanLoss:   meanLoss,
		Perplexity: math.Exp(meanLoss),
		Averaging:  t.averaging(),
		Duration:   time.Since(start),
	}
	for _, tk := range batchTokens {
		s.Tokens += int(tk)
	}
	log.Info().
		Int("epoch", epoch).
		Float64("loss", s.MeanLoss).
		Float64("perplexity", s.Perplexity).
		Bool("averaging", s.Averaging).
		Dur("duration", s.Duration).
		Msg("Epoch completed")

	if t.recorder != nil {
		if err := t.recorder.RecordEpoch(ctx, s); err != nil {
			return EpochSummary{}, fmt.Errorf("failed to record epoch: %w", err)
		}
	}
	return s, nil
}

// trainBatch performs a single update and returns the summed loss.
func (t *Trainer) trainBatch(b Batch) (float64, error) {
	logits, err := t.model.Logits(t.ids(b.Inputs))
	if err != nil {
		return 0, err
	}
	targets := t.ids(b.Targets)

	var loss mat.Tensor
	for step, row := range logits {
		for lane, l := range row {
			ce := losses.CrossEntropy(l, targets[step][lane])
			if loss == nil {
				loss = ce
				continue
			}
			loss = ag.Add(loss, ce)
		}
	}

	value := tensorutils.Values(loss)[0]
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: loss is %g", ErrNumericDegeneracy, value)
	}

	if err := ag.Backward(loss); err != nil {
		return 0, fmt.Errorf("backward failed: %w", err)
	}
	if err := t.optimizer.Optimize(); err != nil {
		return 0, fmt.Errorf("optimization failed: %w", err)
	}
	for _, p := range t.model.Params() {
		p.ZeroGrad()
	}
	for _, a := range t.averagers {
		a.Step()
	}
	t.setAveraging()

	t.model.DetachState()
	t.model.ResetMasks()
	return value, nil
}

func (t *Trainer) ids(rows [][]string) [][]int {
	out := make([][]int, len(rows))
	for i, row := range rows {
		out[i] = t.vocab.IDs(row)
	}
	return out
}

func (t *Trainer) setAveraging() {
	for i, a := range t.averagers {
		t.model.Encoder.Layers[i].SetAveraging(a.Averaging())
	}
}

func (t *Trainer) averaging() bool {
	for _, a := range t.averagers {
		if a.Averaging() {
			return true
		}
	}
	return false
}

// checkpoint saves the model, with the averaged weights of the layers
// being averaged. The live weights are restored afterwards.
func (t *Trainer) checkpoint(ctx context.Context, epoch, batch int) (err error) {
	averaged := t.averaging()
	if err := t.swap(); err != nil {
		return err
	}
	defer func() {
		if e := t.swap(); e != nil && err == nil {
			err = e
		}
	}()

	if err := lstmlm.Dump(t.model, t.Config.CheckpointPath); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	log.Debug().Int("epoch", epoch).Int("batch", batch).Str("path", t.Config.CheckpointPath).Msg("Checkpoint saved")

	if t.recorder != nil {
		info := CheckpointInfo{Epoch: epoch, Batch: batch, Path: t.Config.CheckpointPath, Averaged: averaged}
		if err := t.recorder.RecordCheckpoint(ctx, info); err != nil {
			return fmt.Errorf("failed to record checkpoint: %w", err)
		}
	}
	return nil
}

func (t *Trainer) swap() error {
	for _, a := range t.averagers {
		if err := a.Swap(); err != nil {
			return err
		}
	}
	return nil
}
