// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asgd keeps a running average of a set of parameters over the
// last iterations of an epoch, as in averaged stochastic gradient descent.
package asgd

import (
	"fmt"
	"math"

	"github.com/nlpodyssey/awdlstm/tensorutils"
	"github.com/nlpodyssey/spago/nn"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
)

// TailFraction is the fraction of the iterations of an epoch, at its end,
// during which the averaging is triggered.
const TailFraction = 0.02

// Trigger returns the iteration, counting from 1, from which the averaging
// starts for an epoch of n iterations.
func Trigger(n int) int {
	return n - int(math.Floor(TailFraction*float64(n)))
}

// Averager maintains the running mean of the values of its parameters.
// It is inert until the trigger iteration of an epoch is reached; from then
// on it averages after every Step, until the end of the epoch.
//
// The optimizer always updates the live parameters: the average only
// replaces them, temporarily, through Swap.
type Averager struct {
	params []*nn.Param

	trigger   int
	counter   int
	averaging bool
	// count is the number of values accumulated in mean.
	count   int
	mean    [][]float64
	swapped bool
}

// New returns a new Averager over the given parameters.
func New(params []*nn.Param) *Averager {
	return &Averager{params: params}
}

// Reset discards the running mean and disables the averaging.
func (a *Averager) Reset() {
	a.trigger = 0
	a.counter = 0
	a.averaging = false
	a.count = 0
	a.mean = nil
	a.swapped = false
}

// Begin starts a new epoch of n iterations. The average of the previous
// epoch is discarded and the averaging waits for the new trigger. It must
// not be called while the average is swapped in.
func (a *Averager) Begin(n int) {
	a.trigger = Trigger(n)
	a.counter = 0
	a.averaging = false
	a.count = 0
	a.mean = nil
	log.Trace().Msgf("averaging trigger at iteration %d of %d", a.trigger, n)
}

// Trigger returns the trigger iteration of the current epoch.
func (a *Averager) Trigger() int {
	return a.trigger
}

// Averaging reports whether the averaging has been triggered.
func (a *Averager) Averaging() bool {
	return a.averaging
}

// Count returns the number of iterations accumulated in the average.
func (a *Averager) Count() int {
	return a.count
}

// Step must be called after each optimizer update. It accumulates the
// current values once the trigger is reached.
func (a *Averager) Step() {
	a.counter++
	if !a.averaging && a.trigger > 0 && a.counter >= a.trigger {
		log.Debug().Int("iteration", a.counter).Msg("Averaging triggered")
		a.averaging = true
	}
	if !a.averaging {
		return
	}
	if a.mean == nil {
		a.mean = make([][]float64, len(a.params))
	}
	a.count++
	k := float64(a.count)
	for i, p := range a.params {
		x := tensorutils.Values(p)
		if a.mean[i] == nil {
			a.mean[i] = x
			continue
		}
		// mean += (x - mean) / k
		floats.Sub(x, a.mean[i])
		floats.AddScaled(a.mean[i], 1/k, x)
	}
}

// Mean returns a copy of the running mean of the i-th parameter, or nil if
// nothing has been accumulated.
func (a *Averager) Mean(i int) []float64 {
	if a.mean == nil || a.mean[i] == nil {
		return nil
	}
	out := make([]float64, len(a.mean[i]))
	copy(out, a.mean[i])
	return out
}

// Swap exchanges the live values of the parameters with their average.
// Calling it twice restores the live values. It does nothing if no value
// has been averaged.
func (a *Averager) Swap() error {
	if a.count == 0 {
		return nil
	}
	for i, p := range a.params {
		live := tensorutils.Values(p)
		if err := tensorutils.SetValues(p, a.mean[i]); err != nil {
			return fmt.Errorf("failed to swap parameter %d: %w", i, err)
		}
		a.mean[i] = live
	}
	a.swapped = !a.swapped
	return nil
}

// Swapped reports whether the parameters currently hold the average.
func (a *Averager) Swapped() bool {
	return a.swapped
}
