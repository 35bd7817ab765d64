// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wdlstm

import (
	"github.com/nlpodyssey/awdlstm/tensorutils"
	"github.com/nlpodyssey/spago/mat"
)

// State is the recurrent state of a stack of layers, one entry per layer.
type State []*LayerState

// LayerState is the hidden and cell state of a single layer.
type LayerState struct {
	H mat.Tensor
	C mat.Tensor
}

// NewState returns a zero state for layers of the given hidden sizes.
func NewState(sizes []int) State {
	state := make(State, len(sizes))
	for i, size := range sizes {
		state[i] = &LayerState{
			H: tensorutils.Zeros(size),
			C: tensorutils.Zeros(size),
		}
	}
	return state
}

// Detach cuts the gradient history of the state while keeping its values.
// It marks a truncated-BPTT boundary: the next forward pass starts from these
// values, but no gradient will flow back across it.
func (s State) Detach() {
	for _, ls := range s {
		ls.H = tensorutils.Detach(ls.H)
		ls.C = tensorutils.Detach(ls.C)
	}
}
