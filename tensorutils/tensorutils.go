// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tensorutils gathers the few value-level operations on spaGO tensors
// that the model, the averager and the checkpoint code share: building
// constant vectors, copying values out of a node, writing values into a
// parameter and detaching a node from its graph.
package tensorutils

import (
	"fmt"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
)

// NewVector returns a constant vector holding a copy of data.
func NewVector(data []float64) mat.Matrix {
	backing := make([]float64, len(data))
	copy(backing, data)
	return mat.NewDense[float64](mat.WithShape(len(backing)), mat.WithBacking(backing))
}

// NewMatrix returns a constant rows x cols matrix holding a copy of data.
func NewMatrix(rows, cols int, data []float64) mat.Matrix {
	backing := make([]float64, len(data))
	copy(backing, data)
	return mat.NewDense[float64](mat.WithShape(rows, cols), mat.WithBacking(backing))
}

// Zeros returns a constant vector of the given size filled with zeros.
func Zeros(size int) mat.Matrix {
	return mat.NewDense[float64](mat.WithShape(size))
}

// Values returns a copy of the values of x. It waits for the value to be
// available.
func Values(x mat.Tensor) []float64 {
	src := x.Value().Data().F64()
	out := make([]float64, len(src))
	copy(out, src)
	return out
}

// Shape returns a copy of the shape of the value of x.
func Shape(x mat.Tensor) []int {
	src := x.Value().Shape()
	out := make([]int, len(src))
	copy(out, src)
	return out
}

// SetValues overwrites in place the values of the parameter p. The parameter
// keeps its identity, so every view sharing it observes the new values.
func SetValues(p *nn.Param, data []float64) error {
	m, ok := p.Value().(mat.Matrix)
	if !ok {
		return fmt.Errorf("unexpected parameter value type %T", p.Value())
	}
	if m.Size() != len(data) {
		return fmt.Errorf("size mismatch: parameter has %d values, actual %d", m.Size(), len(data))
	}
	m.SetData(float.Make(data...))
	return nil
}

// Detach returns a constant holding a copy of the values of x. Gradients
// never flow from the returned tensor back into the graph that produced x.
func Detach(x mat.Tensor) mat.Tensor {
	shape := Shape(x)
	data := Values(x)
	return mat.NewDense[float64](mat.WithShape(shape...), mat.WithBacking(data))
}

// Grad returns a copy of the gradients of x, or nil if x has none.
func Grad(x mat.Tensor) []float64 {
	if !x.HasGrad() {
		return nil
	}
	src := x.Grad().Data().F64()
	out := make([]float64, len(src))
	copy(out, src)
	return out
}
