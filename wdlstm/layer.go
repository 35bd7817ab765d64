// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wdlstm

import (
	"math"

	"github.com/nlpodyssey/awdlstm/tensorutils"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/initializers"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/spago/nn"
)

var _ nn.Model = &Layer{}

// Phase is the lifecycle phase of a Layer.
type Phase int

const (
	// Idle means no DropConnect mask has been drawn since the last reset.
	Idle Phase = iota
	// Active means the layer is processing a sequence with a fixed mask.
	Active
	// Averaging means the optimizer is also maintaining a running average of
	// the layer parameters.
	Averaging
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Averaging:
		return "averaging"
	default:
		return "unknown"
	}
}

// LayerConfig is the configuration of a single Layer.
type LayerConfig struct {
	InputSize  int
	HiddenSize int
	// WeightDropout is the DropConnect probability applied to the entries of
	// the hidden-to-hidden weights.
	WeightDropout float64
}

// Gate holds the parameters of one of the four LSTM transformations.
type Gate struct {
	nn.Module
	// W is the input-to-hidden matrix.
	W *nn.Param
	// U is the hidden-to-hidden matrix, the one DropConnect applies to.
	U *nn.Param
	B *nn.Param
}

// Layer is an LSTM layer whose hidden-to-hidden weights are regularized with
// DropConnect. A mask is drawn on the first step after ResetMask and
// reused for every step (and every lane) until the next reset. Surviving
// weights are not rescaled.
type Layer struct {
	nn.Module
	InputGate  *Gate
	ForgetGate *Gate
	CellGate   *Gate
	OutputGate *Gate
	Config     LayerConfig

	training  bool
	active    bool
	averaging bool
	rnd       RandomSource
	// masks holds one hidden x hidden mask per gate, in Gates order.
	masks [][]float64
	// maskMatrices are the constants built from masks.
	maskMatrices []mat.Matrix
}

// NewLayer returns a new Layer in training mode. Weights are initialized
// uniformly in [-1/sqrt(hidden), 1/sqrt(hidden)], biases with zeros.
func NewLayer(c LayerConfig, rndGen *rand.LockedRand) *Layer {
	bound := 1 / math.Sqrt(float64(c.HiddenSize))
	newGate := func() *Gate {
		w := mat.NewDense[float64](mat.WithShape(c.HiddenSize, c.InputSize))
		u := mat.NewDense[float64](mat.WithShape(c.HiddenSize, c.HiddenSize))
		initializers.Uniform(w, -bound, bound, rndGen)
		initializers.Uniform(u, -bound, bound, rndGen)
		return &Gate{
			W: nn.NewParam(w),
			U: nn.NewParam(u),
			B: nn.NewParam(mat.NewDense[float64](mat.WithShape(c.HiddenSize))),
		}
	}
	return &Layer{
		InputGate:  newGate(),
		ForgetGate: newGate(),
		CellGate:   newGate(),
		OutputGate: newGate(),
		Config:     c,
		training:   true,
		rnd:        rndGen,
	}
}

// Gates returns the gates in the input, forget, cell, output order.
func (m *Layer) Gates() []*Gate {
	return []*Gate{m.InputGate, m.ForgetGate, m.CellGate, m.OutputGate}
}

// Params returns the parameters of the layer, gate by gate, each as W, U, B.
func (m *Layer) Params() []*nn.Param {
	params := make([]*nn.Param, 0, 12)
	for _, g := range m.Gates() {
		params = append(params, g.W, g.U, g.B)
	}
	return params
}

// SetTraining enables or disables DropConnect.
func (m *Layer) SetTraining(training bool) {
	m.training = training
}

// SetAveraging records whether the layer parameters are being averaged.
func (m *Layer) SetAveraging(averaging bool) {
	m.averaging = averaging
}

// Phase returns the current lifecycle phase.
func (m *Layer) Phase() Phase {
	switch {
	case m.averaging:
		return Averaging
	case m.active:
		return Active
	default:
		return Idle
	}
}

// ResetMask brings the layer back to Idle: the next step draws a new mask.
func (m *Layer) ResetMask() {
	m.active = false
	m.masks = nil
	m.maskMatrices = nil
}

// DropConnectMask returns a copy of the current mask over the stacked
// (4*hidden) x hidden recurrent matrix, gate after gate, or nil if no mask is
// in use.
func (m *Layer) DropConnectMask() []float64 {
	if m.masks == nil {
		return nil
	}
	out := make([]float64, 0, 4*m.Config.HiddenSize*m.Config.HiddenSize)
	for _, gm := range m.masks {
		out = append(out, gm...)
	}
	return out
}

// ForwardSingle performs a single step, updating the state.
func (m *Layer) ForwardSingle(x mat.Tensor, state *LayerState) mat.Tensor {
	return m.step(x, state, m.recurrentWeights())
}

// ForwardSequence performs a step for each element of the sequence. The
// recurrent weights are masked once and shared by every step.
// The state is updated with the last step.
func (m *Layer) ForwardSequence(xs []mat.Tensor, state *LayerState) []mat.Tensor {
	u := m.recurrentWeights()
	ys := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		ys[i] = m.step(x, state, u)
	}
	return ys
}

func (m *Layer) step(x mat.Tensor, s *LayerState, u []mat.Tensor) mat.Tensor {
	i := ag.Sigmoid(m.InputGate.preActivation(x, s.H, u[0]))
	f := ag.Sigmoid(m.ForgetGate.preActivation(x, s.H, u[1]))
	g := ag.Tanh(m.CellGate.preActivation(x, s.H, u[2]))
	o := ag.Sigmoid(m.OutputGate.preActivation(x, s.H, u[3]))

	c := ag.Add(ag.Prod(f, s.C), ag.Prod(i, g))
	h := ag.Prod(o, ag.Tanh(c))

	s.H, s.C = h, c
	return h
}

func (g *Gate) preActivation(x, h, u mat.Tensor) mat.Tensor {
	return ag.Add(ag.Add(ag.Mul(g.W, x), ag.Mul(u, h)), g.B)
}

// recurrentWeights returns the hidden-to-hidden matrices to use for the
// current sequence, drawing the mask on the first call after a reset.
func (m *Layer) recurrentWeights() []mat.Tensor {
	m.active = true
	gates := m.Gates()
	u := make([]mat.Tensor, len(gates))

	if !m.training || m.Config.WeightDropout == 0 {
		for i, g := range gates {
			u[i] = g.U
		}
		return u
	}

	if m.masks == nil {
		m.drawMask()
	}
	for i, g := range gates {
		u[i] = ag.Prod(g.U, m.maskMatrices[i])
	}
	return u
}

func (m *Layer) drawMask() {
	size := m.Config.HiddenSize
	m.masks = make([][]float64, 4)
	m.maskMatrices = make([]mat.Matrix, 4)
	for i := range m.masks {
		m.masks[i] = BernoulliMask(m.rnd, size*size, m.Config.WeightDropout, 1)
		m.maskMatrices[i] = tensorutils.NewMatrix(size, size, m.masks[i])
	}
}
