// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wdlstm

import (
	"testing"

	"github.com/nlpodyssey/awdlstm/tensorutils"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/spago/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cyclicSource returns its values in order, over and over.
type cyclicSource struct {
	values []float64
	next   int
}

func (c *cyclicSource) Float64() float64 {
	v := c.values[c.next%len(c.values)]
	c.next++
	return v
}

func newTestLayer(t *testing.T, p float64) *Layer {
	t.Helper()
	return NewLayer(LayerConfig{InputSize: 2, HiddenSize: 3, WeightDropout: p}, rand.NewLockedRand(42))
}

func TestBernoulliMask(t *testing.T) {
	rnd := &cyclicSource{values: []float64{0.1, 0.5, 0.9, 0.3}}
	assert.Equal(t, []float64{0, 2, 2, 0}, BernoulliMask(rnd, 4, 0.5, 2))
}

func TestInvertedScale(t *testing.T) {
	assert.Equal(t, 2.0, InvertedScale(0.5))
	assert.Equal(t, 1.0, InvertedScale(0))
	assert.Equal(t, 0.0, InvertedScale(1))
}

func TestLayer_MaskIsFixedUntilReset(t *testing.T) {
	l := newTestLayer(t, 0.5)
	l.rnd = &cyclicSource{values: []float64{0.1, 0.7, 0.4, 0.8, 0.2}}
	assert.Equal(t, Idle, l.Phase())
	assert.Nil(t, l.DropConnectMask())

	s := NewState([]int{3})
	l.ForwardSingle(tensorutils.NewVector([]float64{1, -1}), s[0])
	first := l.DropConnectMask()
	require.Len(t, first, 4*3*3)
	assert.Equal(t, Active, l.Phase())

	l.ForwardSequence([]mat.Tensor{
		tensorutils.NewVector([]float64{0.5, 0.5}),
		tensorutils.NewVector([]float64{-0.5, 0.2}),
	}, s[0])
	assert.Equal(t, first, l.DropConnectMask())

	l.ResetMask()
	assert.Equal(t, Idle, l.Phase())
	assert.Nil(t, l.DropConnectMask())

	l.ForwardSingle(tensorutils.NewVector([]float64{1, -1}), s[0])
	second := l.DropConnectMask()
	require.Len(t, second, 4*3*3)
	// 36 draws over a cycle of 5 values start from a different offset.
	assert.NotEqual(t, first, second)
}

func TestLayer_MaskValues(t *testing.T) {
	l := newTestLayer(t, 0.3)
	s := NewState([]int{3})
	l.ForwardSingle(tensorutils.NewVector([]float64{1, 2}), s[0])
	for _, v := range l.DropConnectMask() {
		assert.Contains(t, []float64{0, 1}, v)
	}
}

func TestLayer_ZeroWeightDropout(t *testing.T) {
	l := newTestLayer(t, 0)
	s := NewState([]int{3})
	l.ForwardSingle(tensorutils.NewVector([]float64{1, 2}), s[0])
	assert.Nil(t, l.DropConnectMask())
	assert.Equal(t, Active, l.Phase())
}

func TestLayer_FullWeightDropout(t *testing.T) {
	l := newTestLayer(t, 1)
	s := NewState([]int{3})
	l.ForwardSingle(tensorutils.NewVector([]float64{1, 2}), s[0])
	mask := l.DropConnectMask()
	require.Len(t, mask, 36)
	for _, v := range mask {
		assert.Equal(t, 0.0, v)
	}

	// With a zero recurrent matrix the previous hidden state has no effect.
	x := tensorutils.NewVector([]float64{0.3, -0.2})
	c := tensorutils.NewVector(tensorutils.Values(s[0].C))
	y := l.ForwardSingle(x, s[0])
	yRef := l.ForwardSingle(x, &LayerState{H: tensorutils.Zeros(3), C: c})
	assert.InDeltaSlice(t, tensorutils.Values(yRef), tensorutils.Values(y), 1e-12)
}

func TestLayer_InferenceIsDeterministic(t *testing.T) {
	l := newTestLayer(t, 0.5)
	l.SetTraining(false)

	x := tensorutils.NewVector([]float64{0.1, 0.9})
	y1 := l.ForwardSingle(x, NewState([]int{3})[0])
	y2 := l.ForwardSingle(x, NewState([]int{3})[0])
	assert.Nil(t, l.DropConnectMask())
	assert.Equal(t, tensorutils.Values(y1), tensorutils.Values(y2))
}

func TestLayer_Averaging(t *testing.T) {
	l := newTestLayer(t, 0.5)
	l.SetAveraging(true)
	assert.Equal(t, Averaging, l.Phase())
	assert.Equal(t, "averaging", l.Phase().String())
	l.SetAveraging(false)
	assert.Equal(t, Idle, l.Phase())
}

func TestLayer_Params(t *testing.T) {
	l := newTestLayer(t, 0)
	params := l.Params()
	require.Len(t, params, 12)
	assert.Equal(t, []int{3, 2}, tensorutils.Shape(params[0]))
	assert.Equal(t, []int{3, 3}, tensorutils.Shape(params[1]))
	assert.Equal(t, []int{3, 1}, tensorutils.Shape(params[2]))
}

func TestVariationalDropout(t *testing.T) {
	d := NewVariationalDropout(4, 0.5, &cyclicSource{values: []float64{0.9, 0.1, 0.6, 0.2, 0.3, 0.8}})

	x := tensorutils.NewVector([]float64{1, 1, 1, 1})
	ys := d.Forward(0, []mat.Tensor{x, x})
	assert.Equal(t, []float64{2, 0, 2, 0}, d.Mask(0))
	assert.Equal(t, []float64{2, 0, 2, 0}, tensorutils.Values(ys[0]))
	assert.Equal(t, []float64{2, 0, 2, 0}, tensorutils.Values(ys[1]))

	// Another lane has its own mask.
	d.Forward(1, []mat.Tensor{x})
	assert.Equal(t, []float64{0, 2, 2, 0}, d.Mask(1))

	// Same lane, same mask.
	d.Forward(0, []mat.Tensor{x})
	assert.Equal(t, []float64{2, 0, 2, 0}, d.Mask(0))

	d.ResetMask()
	assert.Nil(t, d.Mask(0))
	assert.Nil(t, d.Mask(1))
}

func TestVariationalDropout_Identity(t *testing.T) {
	x := tensorutils.NewVector([]float64{1, 2, 3})

	d := NewVariationalDropout(3, 0, rand.NewLockedRand(1))
	assert.Equal(t, []float64{1, 2, 3}, tensorutils.Values(d.Forward(0, []mat.Tensor{x})[0]))

	d = NewVariationalDropout(3, 0.5, rand.NewLockedRand(1))
	d.SetTraining(false)
	assert.Equal(t, []float64{1, 2, 3}, tensorutils.Values(d.Forward(0, []mat.Tensor{x})[0]))
	assert.Nil(t, d.Mask(0))
}

func TestVariationalDropout_FullDrop(t *testing.T) {
	d := NewVariationalDropout(3, 1, rand.NewLockedRand(1))
	x := tensorutils.NewVector([]float64{1, 2, 3})
	assert.Equal(t, []float64{0, 0, 0}, tensorutils.Values(d.Forward(0, []mat.Tensor{x})[0]))
}

func testConfig() Config {
	return Config{
		InputSize:  2,
		HiddenSize: 4,
		OutputSize: 2,
		NumLayers:  3,
	}
}

func TestNew(t *testing.T) {
	m, err := New(testConfig(), rand.NewLockedRand(1))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 2}, m.LayerSizes())
	assert.Len(t, m.HiddenDropouts, 2)
	assert.Len(t, m.Params(), 36)
	assert.Equal(t, 2, m.Layers[0].Config.InputSize)
	assert.Equal(t, 4, m.Layers[2].Config.InputSize)

	bad := testConfig()
	bad.NumLayers = 0
	_, err = New(bad, rand.NewLockedRand(1))
	assert.Error(t, err)
}

func TestModel_ResetMasks(t *testing.T) {
	c := testConfig()
	c.WeightDropout = 0.5
	c.HiddenDropout = 0.5
	m, err := New(c, rand.NewLockedRand(1))
	require.NoError(t, err)

	m.ForwardSingle(0, tensorutils.NewVector([]float64{1, 1}), m.NewState())
	for _, l := range m.Layers {
		assert.Equal(t, Active, l.Phase())
		assert.NotNil(t, l.DropConnectMask())
	}
	assert.NotNil(t, m.HiddenDropouts[0].Mask(0))

	m.ResetMasks()
	for _, l := range m.Layers {
		assert.Equal(t, Idle, l.Phase())
	}
	assert.Nil(t, m.HiddenDropouts[0].Mask(0))
}

func sequence() []mat.Tensor {
	return []mat.Tensor{
		tensorutils.NewVector([]float64{0.5, -0.1}),
		tensorutils.NewVector([]float64{0.2, 0.7}),
		tensorutils.NewVector([]float64{-0.3, 0.4}),
	}
}

func lossOf(ys []mat.Tensor) mat.Tensor {
	return ag.ReduceSum(ys[len(ys)-1])
}

func grads(params []*nn.Param) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = tensorutils.Grad(p)
	}
	return out
}

func TestModel_TruncatedBackprop(t *testing.T) {
	newModel := func() *Model {
		m, err := New(testConfig(), rand.NewLockedRand(7))
		require.NoError(t, err)
		return m
	}

	// Two consecutive batches with a detach in between.
	detached := newModel()
	s := detached.NewState()
	detached.ForwardSequence(0, sequence(), s)
	s.Detach()
	carried := make([]*LayerState, len(s))
	for i, ls := range s {
		carried[i] = &LayerState{
			H: tensorutils.NewVector(tensorutils.Values(ls.H)),
			C: tensorutils.NewVector(tensorutils.Values(ls.C)),
		}
	}
	require.NoError(t, ag.Backward(lossOf(detached.ForwardSequence(0, sequence(), s))))

	// A fresh model starting from constants with the same values.
	fresh := newModel()
	require.NoError(t, ag.Backward(lossOf(fresh.ForwardSequence(0, sequence(), carried))))

	assert.Equal(t, grads(fresh.Params()), grads(detached.Params()))

	// Without the detach the gradients reach the first batch.
	attached := newModel()
	s = attached.NewState()
	attached.ForwardSequence(0, sequence(), s)
	require.NoError(t, ag.Backward(lossOf(attached.ForwardSequence(0, sequence(), s))))
	assert.NotEqual(t, grads(fresh.Params()), grads(attached.Params()))
}

func TestModel_StateCarriesValues(t *testing.T) {
	m, err := New(testConfig(), rand.NewLockedRand(7))
	require.NoError(t, err)

	s := m.NewState()
	m.ForwardSequence(0, sequence(), s)
	s.Detach()
	fromCarried := m.ForwardSequence(0, sequence(), s)
	fromZero := m.ForwardSequence(0, sequence(), m.NewState())

	assert.NotEqual(t, tensorutils.Values(fromZero[0]), tensorutils.Values(fromCarried[0]))
}
