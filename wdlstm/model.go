// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wdlstm implements a stack of weight-dropped LSTM layers
// interleaved with variational dropouts, the encoder of an AWD-LSTM
// language model.
package wdlstm

import (
	"fmt"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/spago/nn"
)

var _ nn.Model = &Model{}

// Config is the configuration of the encoder.
type Config struct {
	InputSize  int
	HiddenSize int
	// OutputSize is the size of the last layer.
	OutputSize int
	NumLayers  int
	// InputDropout is applied to the embeddings entering the first layer.
	InputDropout float64
	// WeightDropout is the DropConnect probability of every layer.
	WeightDropout float64
	// HiddenDropout is applied between consecutive layers.
	HiddenDropout float64
	// OutputDropout is applied to the output of the last layer.
	OutputDropout float64
}

// Stage is a step of the encoder pipeline. The set of stages is closed:
// only dropouts and recurrent layers can be part of it.
type Stage interface {
	forward(lane int, xs []mat.Tensor, s State) []mat.Tensor
}

type recurrentStage struct {
	layer *Layer
	index int
}

func (r recurrentStage) forward(_ int, xs []mat.Tensor, s State) []mat.Tensor {
	return r.layer.ForwardSequence(xs, s[r.index])
}

// Model is the AWD-LSTM encoder.
type Model struct {
	nn.Module
	Layers         []*Layer
	InputDropout   *VariationalDropout
	HiddenDropouts []*VariationalDropout
	OutputDropout  *VariationalDropout
	Config         Config

	stages []Stage
}

// New returns a new encoder in training mode.
func New(c Config, rndGen *rand.LockedRand) (*Model, error) {
	if c.NumLayers < 1 {
		return nil, fmt.Errorf("wdlstm: at least one layer is required, got %d", c.NumLayers)
	}
	if c.InputSize < 1 || c.HiddenSize < 1 || c.OutputSize < 1 {
		return nil, fmt.Errorf("wdlstm: sizes must be positive: input %d, hidden %d, output %d",
			c.InputSize, c.HiddenSize, c.OutputSize)
	}

	m := &Model{
		Config:       c,
		Layers:       make([]*Layer, c.NumLayers),
		InputDropout: NewVariationalDropout(c.InputSize, c.InputDropout, rndGen),
	}
	for i := range m.Layers {
		m.Layers[i] = NewLayer(m.layerConfig(i), rndGen)
	}
	for i := 0; i < c.NumLayers-1; i++ {
		m.HiddenDropouts = append(m.HiddenDropouts, NewVariationalDropout(c.HiddenSize, c.HiddenDropout, rndGen))
	}
	m.OutputDropout = NewVariationalDropout(c.OutputSize, c.OutputDropout, rndGen)

	m.stages = append(m.stages, m.InputDropout)
	for i, l := range m.Layers {
		m.stages = append(m.stages, recurrentStage{layer: l, index: i})
		if i < len(m.HiddenDropouts) {
			m.stages = append(m.stages, m.HiddenDropouts[i])
		}
	}
	m.stages = append(m.stages, m.OutputDropout)
	return m, nil
}

func (m *Model) layerConfig(i int) LayerConfig {
	in, out := m.Config.HiddenSize, m.Config.HiddenSize
	if i == 0 {
		in = m.Config.InputSize
	}
	if i == m.Config.NumLayers-1 {
		out = m.Config.OutputSize
	}
	return LayerConfig{
		InputSize:     in,
		HiddenSize:    out,
		WeightDropout: m.Config.WeightDropout,
	}
}

// LayerSizes returns the hidden size of each layer.
func (m *Model) LayerSizes() []int {
	sizes := make([]int, len(m.Layers))
	for i, l := range m.Layers {
		sizes[i] = l.Config.HiddenSize
	}
	return sizes
}

// NewState returns a zero state for the encoder.
func (m *Model) NewState() State {
	return NewState(m.LayerSizes())
}

// ForwardSequence encodes the sequence of a lane, updating its state.
// Each dropout uses the mask of the lane, drawn on first use.
func (m *Model) ForwardSequence(lane int, xs []mat.Tensor, s State) []mat.Tensor {
	for _, st := range m.stages {
		xs = st.forward(lane, xs, s)
	}
	return xs
}

// ForwardSingle encodes a single vector.
func (m *Model) ForwardSingle(lane int, x mat.Tensor, s State) mat.Tensor {
	return m.ForwardSequence(lane, []mat.Tensor{x}, s)[0]
}

// SetTraining switches every stage between training and inference mode.
func (m *Model) SetTraining(training bool) {
	for _, l := range m.Layers {
		l.SetTraining(training)
	}
	for _, d := range m.dropouts() {
		d.SetTraining(training)
	}
}

// ResetMasks discards the masks of every stage.
func (m *Model) ResetMasks() {
	for _, l := range m.Layers {
		l.ResetMask()
	}
	for _, d := range m.dropouts() {
		d.ResetMask()
	}
}

func (m *Model) dropouts() []*VariationalDropout {
	ds := make([]*VariationalDropout, 0, len(m.HiddenDropouts)+2)
	ds = append(ds, m.InputDropout)
	ds = append(ds, m.HiddenDropouts...)
	return append(ds, m.OutputDropout)
}

// Params returns the parameters of every layer, layer after layer.
func (m *Model) Params() []*nn.Param {
	var params []*nn.Param
	for _, l := range m.Layers {
		params = append(params, l.Params()...)
	}
	return params
}
