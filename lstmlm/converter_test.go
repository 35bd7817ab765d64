// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lstmlm

import (
	"testing"

	"github.com/nlpodyssey/awdlstm/tensorutils"
	"github.com/nlpodyssey/awdlstm/vocabulary"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// floatTensor returns a tensor whose values are start, start+1, ...
func floatTensor(start float32, size ...int) *pytorch.Tensor {
	n := 1
	for _, s := range size {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = start + float32(i)
	}
	return &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: data},
		Size:   size,
	}
}

func testTorchParams() paramsMap {
	return paramsMap{
		"encoder.weight":             floatTensor(0, 4, 2),
		"encoder_dp.emb.weight":      floatTensor(0, 4, 2),
		"rnns.0.module.weight_ih_l0": floatTensor(100, 12, 2),
		"rnns.0.weight_hh_l0_raw":    floatTensor(200, 12, 3),
		"rnns.0.module.bias_ih_l0":   floatTensor(300, 12),
		"rnns.0.module.bias_hh_l0":   floatTensor(400, 12),
		"rnns.1.module.weight_ih_l0": floatTensor(500, 8, 3),
		"rnns.1.weight_hh_l0_raw":    floatTensor(600, 8, 2),
		"rnns.1.module.bias_ih_l0":   floatTensor(700, 8),
		"rnns.1.module.bias_hh_l0":   floatTensor(800, 8),
		"decoder.weight":             floatTensor(0, 4, 2),
		"decoder.bias":               floatTensor(0, 4),
	}
}

func newTestConverter(params paramsMap) *converter {
	config := DefaultConfig(0)
	config.EmbeddingSize, config.HiddenSize, config.NumLayers = 0, 0, 0
	return &converter{config: config, params: params}
}

func TestConverter_Convert(t *testing.T) {
	c := newTestConverter(testTorchParams())
	require.NoError(t, c.convert())

	assert.Equal(t, 4, c.config.VocabSize)
	assert.Equal(t, 2, c.config.EmbeddingSize)
	assert.Equal(t, 3, c.config.HiddenSize)
	assert.Equal(t, 2, c.config.NumLayers)
	assert.Equal(t, 0.2, c.model.Config.WeightDropout)
	assert.Empty(t, c.params)

	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7}, tensorutils.Values(c.model.Embeddings.W))

	l0 := c.model.Encoder.Layers[0]
	// Forget gate rows are 3..5 of the stacked matrices.
	assert.Equal(t, []float64{106, 107, 108, 109, 110, 111}, tensorutils.Values(l0.ForgetGate.W))
	assert.Equal(t, []int{3, 3}, tensorutils.Shape(l0.ForgetGate.U))
	assert.Equal(t, []float64{209, 210, 211}, tensorutils.Values(l0.ForgetGate.U)[:3])
	// bias_ih + bias_hh
	assert.Equal(t, []float64{706, 708, 710}, tensorutils.Values(l0.ForgetGate.B))

	l1 := c.model.Encoder.Layers[1]
	assert.Equal(t, []int{2, 3}, tensorutils.Shape(l1.OutputGate.W))
	assert.Equal(t, []float64{518, 519, 520, 521, 522, 523}, tensorutils.Values(l1.OutputGate.W))
	assert.Equal(t, []float64{700 + 800 + 12, 700 + 800 + 14}, tensorutils.Values(l1.OutputGate.B))
}

func TestConverter_LegacyRecurrentWeights(t *testing.T) {
	params := testTorchParams()
	for _, name := range []string{"rnns.0.", "rnns.1."} {
		params[name+"module.weight_hh_l0"] = params[name+"weight_hh_l0_raw"]
		delete(params, name+"weight_hh_l0_raw")
	}
	c := newTestConverter(params)
	require.NoError(t, c.convert())
	assert.Equal(t, 3, c.config.HiddenSize)
}

func TestConverter_ShapeMismatch(t *testing.T) {
	params := testTorchParams()
	params["rnns.1.module.bias_hh_l0"] = floatTensor(0, 7)
	c := newTestConverter(params)
	assert.ErrorIs(t, c.convert(), ErrShapeMismatch)

	c = newTestConverter(testTorchParams())
	c.config.VocabSize = 10
	assert.ErrorIs(t, c.convert(), ErrShapeMismatch)
}

func TestConverter_MissingParam(t *testing.T) {
	params := testTorchParams()
	delete(params, "rnns.0.module.bias_ih_l0")
	assert.Error(t, newTestConverter(params).convert())
}

func TestTensorData(t *testing.T) {
	tensor := &pytorch.Tensor{
		Source:        &pytorch.DoubleStorage{Data: []float64{9, 1, 2, 3}},
		StorageOffset: 1,
		Size:          []int{3},
	}
	data, err := tensorData(tensor)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, data)

	data, err = tensorData(&pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{0.5, -1.25, 4}},
		Size:   []int{2},
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -1.25}, data)

	_, err = tensorData(&pytorch.Tensor{Source: &pytorch.LongStorage{Data: []int64{1}}, Size: []int{1}})
	assert.Error(t, err)
}

func TestStripModulePrefix(t *testing.T) {
	assert.Equal(t, "encoder.weight", stripModulePrefix("0.encoder.weight"))
	assert.Equal(t, "decoder.bias", stripModulePrefix("1.decoder.bias"))
	assert.Equal(t, "rnns.0.weight_hh_l0_raw", stripModulePrefix("rnns.0.weight_hh_l0_raw"))
}

func TestPickledTerms(t *testing.T) {
	list := types.NewList()
	for _, s := range []string{"xxunk", "xxpad", "the", "_unk_"} {
		list.Append(s)
	}
	terms, err := pickledTerms(list)
	require.NoError(t, err)
	assert.Equal(t, []string{"xxunk", "xxpad", "the", "_unk_"}, terms)

	v, err := vocabulary.New(renameReservedTokens(terms))
	require.NoError(t, err)
	assert.Equal(t, []string{"_unk_", "_pad_", "the"}, v.Terms())

	_, err = pickledTerms("not a list")
	assert.Error(t, err)

	bad := types.NewList()
	bad.Append(3)
	_, err = pickledTerms(bad)
	assert.Error(t, err)
}
