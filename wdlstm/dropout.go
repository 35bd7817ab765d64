// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wdlstm

import (
	"github.com/nlpodyssey/awdlstm/tensorutils"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
)

// RandomSource provides the uniform samples used to draw dropout masks.
// *rand.LockedRand from spaGO satisfies it.
type RandomSource interface {
	Float64() float64
}

// BernoulliMask draws size values, each kept with probability 1-p. Kept
// entries are set to keepValue, dropped entries to zero.
func BernoulliMask(rnd RandomSource, size int, p, keepValue float64) []float64 {
	mask := make([]float64, size)
	for i := range mask {
		if rnd.Float64() >= p {
			mask[i] = keepValue
		}
	}
	return mask
}

// InvertedScale returns the scaling factor applied to the units kept by an
// inverted dropout of probability p.
func InvertedScale(p float64) float64 {
	if p >= 1 {
		return 0
	}
	return 1 / (1 - p)
}

// VariationalDropout is a dropout whose mask is sampled once per sequence and
// then applied, unchanged, to every time step, until ResetMask is called.
// Each lane of a mini-batch gets its own mask.
//
// ResetMask must be called before each new sequence batch: a mask reused
// within a sequence is the intended behavior, a mask reused across sequences
// is not.
type VariationalDropout struct {
	// P is the drop probability.
	P float64
	// Size is the size of the feature dimension.
	Size int

	training bool
	rnd      RandomSource
	masks    map[int]mat.Matrix
	values   map[int][]float64
}

// NewVariationalDropout returns a new VariationalDropout in training mode.
func NewVariationalDropout(size int, p float64, rnd RandomSource) *VariationalDropout {
	return &VariationalDropout{
		P:        p,
		Size:     size,
		training: true,
		rnd:      rnd,
	}
}

// SetTraining enables or disables the dropout. In inference mode Forward is
// the identity and no mask is drawn.
func (d *VariationalDropout) SetTraining(training bool) {
	d.training = training
}

// Forward multiplies every vector of the sequence by the lane mask, drawing
// it first if needed.
func (d *VariationalDropout) Forward(lane int, xs []mat.Tensor) []mat.Tensor {
	if !d.training || d.P == 0 {
		return xs
	}
	mask := d.mask(lane)
	ys := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		ys[i] = ag.Prod(x, mask)
	}
	return ys
}

func (d *VariationalDropout) forward(lane int, xs []mat.Tensor, _ State) []mat.Tensor {
	return d.Forward(lane, xs)
}

func (d *VariationalDropout) mask(lane int) mat.Matrix {
	if m, ok := d.masks[lane]; ok {
		return m
	}
	if d.masks == nil {
		d.masks = make(map[int]mat.Matrix)
		d.values = make(map[int][]float64)
	}
	values := BernoulliMask(d.rnd, d.Size, d.P, InvertedScale(d.P))
	m := tensorutils.NewVector(values)
	d.masks[lane] = m
	d.values[lane] = values
	return m
}

// ResetMask discards the masks of every lane. The next Forward draws new ones.
func (d *VariationalDropout) ResetMask() {
	d.masks = nil
	d.values = nil
}

// Mask returns a copy of the current mask of the lane, or nil if none has
// been drawn since the last reset.
func (d *VariationalDropout) Mask(lane int) []float64 {
	values, ok := d.values[lane]
	if !ok {
		return nil
	}
	out := make([]float64, len(values))
	copy(out, values)
	return out
}
