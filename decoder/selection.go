// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// OutputSelectionFunc selects the next token from the logits, returning its
// ID and its negative log probability.
type OutputSelectionFunc func(logits []float64) (int, float64, error)

// GreedyDecoding selects the most probable token. Ties go to the lowest ID.
func GreedyDecoding() OutputSelectionFunc {
	return func(logits []float64) (int, float64, error) {
		if len(logits) == 0 {
			return 0, 0, fmt.Errorf("cannot select from empty logits")
		}
		argmax := floats.MaxIdx(logits)
		return argmax, floats.LogSumExp(logits) - logits[argmax], nil
	}
}
