// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"context"
	"math"
	"testing"

	"github.com/nlpodyssey/awdlstm/lstmlm"
	"github.com/nlpodyssey/awdlstm/tensorutils"
	"github.com/nlpodyssey/awdlstm/vocabulary"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transitionModel predicts next[id] after id, with a fixed margin.
type transitionModel struct {
	next          map[int]int
	size          int
	training      bool
	trainingSteps int
	resets        int
	detaches      int
	fed           []int
}

func (m *transitionModel) Training() bool { return m.training }

func (m *transitionModel) SetTraining(training bool) { m.training = training }

func (m *transitionModel) ResetState(int) {
	m.resets++
	m.fed = nil
}

func (m *transitionModel) DetachState() { m.detaches++ }

func (m *transitionModel) Step(ids []int) ([]mat.Tensor, error) {
	if m.training {
		m.trainingSteps++
	}
	m.fed = append(m.fed, ids[0])
	logits := make([]float64, m.size)
	logits[m.next[ids[0]]] = 2
	return []mat.Tensor{tensorutils.NewVector(logits)}, nil
}

const (
	the = iota
	cat
	unk
	pad
	sat
)

func TestDecoder_StopsAtMaxLen(t *testing.T) {
	// the -> cat -> sat -> the ... never reaches pad.
	m := &transitionModel{size: 5, training: true, next: map[int]int{the: cat, cat: sat, sat: the, pad: the}}
	d, err := New(m, DecodingOptions{MaxLen: 50, EndTokenID: pad})
	require.NoError(t, err)

	buf := &SliceBuffer{}
	res, err := d.Decode(context.Background(), []int{the}, buf)
	require.NoError(t, err)
	require.Len(t, res.Sequence, 50)
	assert.Equal(t, []int{cat, sat, the, cat}, res.Sequence[:4])
	assert.NotContains(t, res.Sequence, pad)
	assert.Zero(t, m.trainingSteps)
	assert.True(t, m.training)
	assert.Equal(t, 1, m.resets)
	assert.Len(t, buf.Results, 50)
	assert.Equal(t, 50, m.detaches)

	// p = e^2 / (e^2 + 4) at every step.
	nll := math.Log(math.Exp(2)+4) - 2
	assert.InDelta(t, 50*nll, res.Score, 1e-9)
	assert.InDelta(t, nll, buf.Results[0].SumNegLogProbs, 1e-9)
}

func TestDecoder_StopsAtEndToken(t *testing.T) {
	m := &transitionModel{size: 5, next: map[int]int{the: cat, cat: sat, sat: pad}}
	d, err := New(m, DecodingOptions{MaxLen: 50, EndTokenID: pad})
	require.NoError(t, err)

	res, err := d.Decode(context.Background(), []int{the}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{cat, sat}, res.Sequence)
}

func TestDecoder_FeedsSeed(t *testing.T) {
	m := &transitionModel{size: 5, next: map[int]int{the: cat, cat: sat, sat: pad}}
	d, err := New(m, DecodingOptions{MaxLen: 10, EndTokenID: pad})
	require.NoError(t, err)

	res, err := d.Decode(context.Background(), []int{sat, the, cat}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{sat}, res.Sequence)
	assert.Equal(t, []int{sat, the, cat, sat}, m.fed)
}

func TestDecoder_EmptySeed(t *testing.T) {
	m := &transitionModel{size: 5, next: map[int]int{pad: the, the: pad}}
	d, err := New(m, DecodingOptions{MaxLen: 10, EndTokenID: pad})
	require.NoError(t, err)

	res, err := d.Decode(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{the}, res.Sequence)
	assert.Equal(t, pad, m.fed[0])
}

func TestDecoder_Canceled(t *testing.T) {
	m := &transitionModel{size: 5, next: map[int]int{the: cat, cat: the}}
	d, err := New(m, DecodingOptions{MaxLen: 10, EndTokenID: pad})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := d.Decode(ctx, []int{the}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Sequence)
}

func TestNew_InvalidMaxLen(t *testing.T) {
	_, err := New(&transitionModel{}, DecodingOptions{MaxLen: 0})
	assert.ErrorIs(t, err, ErrInvalidMaxLen)
}

func TestGreedyDecoding(t *testing.T) {
	sel := GreedyDecoding()
	id, nll, err := sel([]float64{1, 3, 3, 0})
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	assert.InDelta(t, -math.Log(math.Exp(3)/(math.E+2*math.Exp(3)+1)), nll, 1e-12)

	_, _, err = sel(nil)
	assert.Error(t, err)
}

func TestDecoder_LanguageModel(t *testing.T) {
	c := lstmlm.Config{
		VocabSize:        4,
		EmbeddingSize:    3,
		HiddenSize:       5,
		NumLayers:        2,
		EmbeddingDropout: 0.1,
		InputDropout:     0.2,
		WeightDropout:    0.5,
		HiddenDropout:    0.2,
		OutputDropout:    0.1,
	}
	m, err := lstmlm.New(c, rand.NewLockedRand(7))
	require.NoError(t, err)
	v, err := vocabulary.New([]string{"the", "cat", vocabulary.UnknownToken, vocabulary.PadToken})
	require.NoError(t, err)
	require.NoError(t, m.SetVocabulary(v))
	m.SetTraining(true)

	d, err := New(m, DecodingOptions{MaxLen: 8, EndTokenID: v.PadID()})
	require.NoError(t, err)

	first, err := d.Decode(context.Background(), []int{0}, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(first.Sequence), 8)
	assert.True(t, m.Training())
	assert.Nil(t, m.Encoder.Layers[0].DropConnectMask())

	// Inference mode draws no masks, so decoding is deterministic.
	second, err := d.Decode(context.Background(), []int{0}, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
