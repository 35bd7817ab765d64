// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lstmlm implements the AWD-LSTM language model: a tied
// embedding feeding a weight-dropped LSTM encoder whose output is
// projected back onto the vocabulary.
package lstmlm

import (
	"errors"
	"fmt"

	"github.com/nlpodyssey/awdlstm/vocabulary"
	"github.com/nlpodyssey/awdlstm/wdlstm"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/spago/nn"
	"github.com/rs/zerolog/log"
)

var _ nn.Model = &Model{}

// ErrNoVocabulary is returned by TokenIDs when the model has no vocabulary.
var ErrNoVocabulary = errors.New("the model has no vocabulary")

// Model is an AWD-LSTM language model: tied embeddings, a stack of
// weight-dropped LSTM layers and the projection back onto the vocabulary.
type Model struct {
	nn.Module
	Embeddings *TiedEmbedding
	Encoder    *wdlstm.Model
	Config     Config

	vocab     *vocabulary.Vocabulary
	unknownID int
	training  bool
	// states holds one recurrent state per batch lane.
	states []wdlstm.State
}

// New returns a new randomly initialized Model in training mode.
func New(c Config, rndGen *rand.LockedRand) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	encoder, err := wdlstm.New(wdlstm.Config{
		InputSize:     c.EmbeddingSize,
		HiddenSize:    c.HiddenSize,
		OutputSize:    c.outputSize(),
		NumLayers:     c.NumLayers,
		InputDropout:  c.InputDropout,
		WeightDropout: c.WeightDropout,
		HiddenDropout: c.HiddenDropout,
		OutputDropout: c.OutputDropout,
	}, rndGen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Model{
		Config:     c,
		Embeddings: NewTiedEmbedding(c.VocabSize, c.EmbeddingSize, c.EmbeddingDropout, rndGen),
		Encoder:    encoder,
		training:   true,
	}, nil
}

// SetVocabulary attaches the vocabulary used by TokenIDs. Its size must
// match the configured vocabulary size.
func (m *Model) SetVocabulary(v *vocabulary.Vocabulary) error {
	if v.Size() != m.Config.VocabSize {
		return fmt.Errorf("%w: vocabulary has %d terms, the model %d", ErrShapeMismatch, v.Size(), m.Config.VocabSize)
	}
	m.vocab = v
	m.unknownID = v.UnknownID()
	return nil
}

// Vocabulary returns the attached vocabulary, or nil.
func (m *Model) Vocabulary() *vocabulary.Vocabulary {
	return m.vocab
}

// TokenIDs maps the tokens to IDs. Unknown tokens map to the unknown ID.
func (m *Model) TokenIDs(tokens []string) ([]int, error) {
	if m.vocab == nil {
		return nil, ErrNoVocabulary
	}
	return m.vocab.IDs(tokens), nil
}

// SetTraining switches the whole pipeline between training and inference
// mode.
func (m *Model) SetTraining(training bool) {
	m.training = training
	m.Embeddings.SetTraining(training)
	m.Encoder.SetTraining(training)
}

// Training reports whether the model is in training mode.
func (m *Model) Training() bool {
	return m.training
}

// ResetState sets a zero state for each of the given lanes.
func (m *Model) ResetState(lanes int) {
	m.states = make([]wdlstm.State, lanes)
	for i := range m.states {
		m.states[i] = m.Encoder.NewState()
	}
}

// DetachState keeps the state values but cuts their gradient history.
func (m *Model) DetachState() {
	for _, s := range m.states {
		s.Detach()
	}
}

// State returns the state of a lane, or nil if the lane does not exist.
func (m *Model) State(lane int) wdlstm.State {
	if lane < 0 || lane >= len(m.states) {
		return nil
	}
	return m.states[lane]
}

// Lanes returns the number of lanes of the current state.
func (m *Model) Lanes() int {
	return len(m.states)
}

// ResetMasks discards every dropout mask.
func (m *Model) ResetMasks() {
	m.Embeddings.ResetMask()
	m.Encoder.ResetMasks()
}

// Params returns the embedding matrix followed by the parameters of every
// recurrent layer. The order is stable.
func (m *Model) Params() []*nn.Param {
	return append([]*nn.Param{m.Embeddings.W}, m.Encoder.Params()...)
}

// LayerParams returns the parameters of the i-th recurrent layer.
func (m *Model) LayerParams(i int) []*nn.Param {
	return m.Encoder.Layers[i].Params()
}

// Logits runs the model on a batch indexed by time then lane, returning the
// logits in the same layout. The state must have been reset for the
// number of lanes of the batch, otherwise it is reset here.
// IDs out of the vocabulary range are treated as unknown.
func (m *Model) Logits(batch [][]int) ([][]mat.Tensor, error) {
	lanes, err := batchLanes(batch)
	if err != nil {
		return nil, err
	}
	if len(m.states) != lanes {
		log.Trace().Msgf("resetting state from %d to %d lanes", len(m.states), lanes)
		m.ResetState(lanes)
	}

	out := make([][]mat.Tensor, len(batch))
	for t := range out {
		out[t] = make([]mat.Tensor, lanes)
	}
	for lane := 0; lane < lanes; lane++ {
		ids := make([]int, len(batch))
		for t, row := range batch {
			ids[t] = m.clamp(row[lane])
		}
		hs := m.Encoder.ForwardSequence(lane, m.Embeddings.Encode(ids), m.states[lane])
		for t, h := range hs {
			out[t][lane] = m.Embeddings.Project(h)
		}
	}
	return out, nil
}

// Forward is like Logits but returns probability distributions.
func (m *Model) Forward(batch [][]int) ([][]mat.Tensor, error) {
	logits, err := m.Logits(batch)
	if err != nil {
		return nil, err
	}
	for _, row := range logits {
		for lane, l := range row {
			row[lane] = ag.Softmax(l)
		}
	}
	return logits, nil
}

// Step runs a single time step, one ID per lane, and returns the logits of
// each lane.
func (m *Model) Step(ids []int) ([]mat.Tensor, error) {
	logits, err := m.Logits([][]int{ids})
	if err != nil {
		return nil, err
	}
	return logits[0], nil
}

func (m *Model) clamp(id int) int {
	if id < 0 || id >= m.Config.VocabSize {
		return m.unknownID
	}
	return id
}

func batchLanes(batch [][]int) (int, error) {
	if len(batch) == 0 || len(batch[0]) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	lanes := len(batch[0])
	for t, row := range batch {
		if len(row) != lanes {
			return 0, fmt.Errorf("%w: time step %d has %d lanes, expected %d", ErrShapeMismatch, t, len(row), lanes)
		}
	}
	return lanes, nil
}
