// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

// StepResult is the result of a single step of the decoder.
type StepResult struct {
	// TokenID is the ID of the token selected at the current step.
	TokenID int
	// SumNegLogProbs is the sum of the negative log probabilities up to the current step.
	SumNegLogProbs float64
}

// Buffer receives the generated tokens one at a time.
type Buffer interface {
	Write(stepResult StepResult) error
}

// ChannelBuffer is a buffer that writes the results to a channel. The owner
// of the channel closes it.
type ChannelBuffer chan StepResult

func (cb ChannelBuffer) Write(stepResult StepResult) error {
	cb <- stepResult
	return nil
}

// SliceBuffer collects the results in memory.
type SliceBuffer struct {
	Results []StepResult
}

func (sb *SliceBuffer) Write(stepResult StepResult) error {
	sb.Results = append(sb.Results, stepResult)
	return nil
}
