// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trainer

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDataContract is returned when a batch does not satisfy the
	// layout the training loop relies on.
	ErrDataContract = errors.New("data contract violation")
	// ErrNumericDegeneracy is returned when a loss is not finite.
	ErrNumericDegeneracy = errors.New("numeric degeneracy")
)

// Source produces the epochs of a training run.
type Source interface {
	// Epoch returns a fresh pass over the data.
	Epoch(ctx context.Context) (Epoch, error)
}

// Epoch is a single pass over the data, whose length is known in advance.
type Epoch interface {
	// Len returns the number of batches.
	Len() int
	// Next returns the next batch, or io.EOF after the last one.
	Next(ctx context.Context) (Batch, error)
}

// Batch is a contiguous chunk of each lane of the data, indexed by time
// step then lane. Targets are the inputs shifted by one position.
type Batch struct {
	Inputs  [][]string
	Targets [][]string
}

// Lanes returns the number of lanes, or zero for an empty batch.
func (b Batch) Lanes() int {
	if len(b.Inputs) == 0 {
		return 0
	}
	return len(b.Inputs[0])
}

// Tokens returns the number of target tokens.
func (b Batch) Tokens() int {
	return len(b.Targets) * b.Lanes()
}

// Validate checks that inputs and targets are non-empty, with matching
// shapes, and that every time step has the given number of lanes. A
// negative lanes value accepts any.
func (b Batch) Validate(lanes int) error {
	if b.Lanes() == 0 {
		return fmt.Errorf("%w: empty batch", ErrDataContract)
	}
	if len(b.Inputs) != len(b.Targets) {
		return fmt.Errorf("%w: %d input time steps, %d target time steps", ErrDataContract, len(b.Inputs), len(b.Targets))
	}
	if lanes < 0 {
		lanes = b.Lanes()
	}
	for t := range b.Inputs {
		if len(b.Inputs[t]) != lanes || len(b.Targets[t]) != lanes {
			return fmt.Errorf("%w: time step %d has %d inputs and %d targets, expected %d lanes",
				ErrDataContract, t, len(b.Inputs[t]), len(b.Targets[t]), lanes)
		}
	}
	return nil
}
