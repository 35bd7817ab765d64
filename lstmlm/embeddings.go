// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lstmlm

import (
	"github.com/nlpodyssey/awdlstm/wdlstm"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/initializers"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/spago/nn"
)

var _ nn.Model = &TiedEmbedding{}

// TiedEmbedding is the single vocabulary x embedding matrix used both to
// embed the input tokens and to project the last hidden state back onto
// the vocabulary.
type TiedEmbedding struct {
	nn.Module
	W *nn.Param
	// Dropout is the probability of dropping a whole vocabulary row.
	Dropout float64

	training bool
	rnd      wdlstm.RandomSource
	mask     []float64
}

// NewTiedEmbedding returns a new TiedEmbedding in training mode, with
// weights drawn uniformly in [-0.1, 0.1].
func NewTiedEmbedding(vocabSize, size int, dropout float64, rndGen *rand.LockedRand) *TiedEmbedding {
	w := mat.NewDense[float64](mat.WithShape(vocabSize, size))
	initializers.Uniform(w, -0.1, 0.1, rndGen)
	return &TiedEmbedding{
		W:        nn.NewParam(w),
		Dropout:  dropout,
		training: true,
		rnd:      rndGen,
	}
}

// VocabSize returns the number of rows.
func (m *TiedEmbedding) VocabSize() int {
	return m.W.Shape()[0]
}

// Size returns the size of the embedding vectors.
func (m *TiedEmbedding) Size() int {
	return m.W.Shape()[1]
}

// SetTraining enables or disables the row dropout.
func (m *TiedEmbedding) SetTraining(training bool) {
	m.training = training
}

// Encode returns the embedding of each token ID, which must be in range.
// In training mode every row is either dropped or scaled by 1/(1-p),
// consistently for every occurrence of the token until ResetMask.
func (m *TiedEmbedding) Encode(ids []int) []mat.Tensor {
	if len(ids) == 0 {
		return nil
	}
	out := make([]mat.Tensor, len(ids))
	for i, id := range ids {
		out[i] = m.lookup(id)
	}
	return out
}

// lookup returns the scaled row of id as a column vector.
func (m *TiedEmbedding) lookup(id int) mat.Tensor {
	x := ag.T(ag.RowView(m.W, id))
	if scale := m.rowScale(id); scale != 1 {
		x = ag.ProdScalar(x, mat.Scalar(scale))
	}
	return x
}

func (m *TiedEmbedding) rowScale(id int) float64 {
	if !m.training || m.Dropout == 0 {
		return 1
	}
	if m.mask == nil {
		m.mask = wdlstm.BernoulliMask(m.rnd, m.VocabSize(), m.Dropout, wdlstm.InvertedScale(m.Dropout))
	}
	return m.mask[id]
}

// Project returns the logits over the vocabulary. The row dropout never
// applies here.
func (m *TiedEmbedding) Project(h mat.Tensor) mat.Tensor {
	return ag.Mul(m.W, h)
}

// ResetMask discards the row mask.
func (m *TiedEmbedding) ResetMask() {
	m.mask = nil
}

// Mask returns a copy of the current row mask, or nil.
func (m *TiedEmbedding) Mask() []float64 {
	if m.mask == nil {
		return nil
	}
	out := make([]float64, len(m.mask))
	copy(out, m.mask)
	return out
}
