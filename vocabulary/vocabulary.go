// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vocabulary

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
)

const (
	// UnknownToken is the reserved entry every out-of-vocabulary string maps to.
	UnknownToken = "_unk_"
	// PadToken is the reserved padding entry, also used as end-of-sequence marker.
	PadToken = "_pad_"
)

// ErrMissingReservedToken is returned when a vocabulary lacks the unknown or
// the pad token.
var ErrMissingReservedToken = errors.New("vocabulary must contain the unknown and pad tokens")

// Vocabulary is an immutable, ordered and deduplicated list of tokens.
// The position of a token is its ID.
type Vocabulary struct {
	terms []string
	ids   map[string]int
	unkID int
	padID int
}

// New builds a Vocabulary from the given terms. Duplicated terms after the
// first occurrence are discarded, so the IDs follow the first-seen order.
func New(terms []string) (*Vocabulary, error) {
	v := &Vocabulary{
		terms: make([]string, 0, len(terms)),
		ids:   make(map[string]int, len(terms)),
	}
	for _, term := range terms {
		if _, exists := v.ids[term]; exists {
			log.Trace().Msgf("discarding duplicated vocabulary term %q", term)
			continue
		}
		v.ids[term] = len(v.terms)
		v.terms = append(v.terms, term)
	}

	var unkOK, padOK bool
	v.unkID, unkOK = v.ids[UnknownToken]
	v.padID, padOK = v.ids[PadToken]
	if !unkOK || !padOK {
		return nil, ErrMissingReservedToken
	}
	return v, nil
}

// Load reads a vocabulary from a comma-delimited text file with one token per
// row. Only the first column of each row is consumed.
func Load(filename string) (*Vocabulary, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary file %q: %w", filename, err)
	}
	defer f.Close()

	v, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary file %q: %w", filename, err)
	}
	log.Debug().Msgf("Loaded vocabulary of %d terms from %s", v.Size(), filename)
	return v, nil
}

// Read reads a vocabulary from r. See Load.
func Read(r io.Reader) (*Vocabulary, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	var terms []string
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) == 0 {
			continue
		}
		terms = append(terms, record[0])
	}
	return New(terms)
}

// Write writes the vocabulary to w in the format understood by Read.
func (v *Vocabulary) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	for _, term := range v.terms {
		if err := cw.Write([]string{term}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Dump writes the vocabulary to a file, overwriting it.
func (v *Vocabulary) Dump(filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create vocabulary file %q: %w", filename, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("failed to close vocabulary file %q: %w", filename, e)
		}
	}()
	return v.Write(f)
}

// Size returns the number of terms.
func (v *Vocabulary) Size() int {
	return len(v.terms)
}

// ID returns the ID of the token. Tokens not in the vocabulary map to the
// unknown token ID: the mapping never fails.
func (v *Vocabulary) ID(token string) int {
	if id, ok := v.ids[token]; ok {
		return id
	}
	return v.unkID
}

// IDs maps each token with ID.
func (v *Vocabulary) IDs(tokens []string) []int {
	out := make([]int, len(tokens))
	for i, t := range tokens {
		out[i] = v.ID(t)
	}
	return out
}

// Token returns the term with the given ID. It reports false if the ID is
// out of range.
func (v *Vocabulary) Token(id int) (string, bool) {
	if id < 0 || id >= len(v.terms) {
		return "", false
	}
	return v.terms[id], true
}

// UnknownID returns the ID of UnknownToken.
func (v *Vocabulary) UnknownID() int {
	return v.unkID
}

// PadID returns the ID of PadToken.
func (v *Vocabulary) PadID() int {
	return v.padID
}

// Terms returns a copy of the ordered terms.
func (v *Vocabulary) Terms() []string {
	out := make([]string, len(v.terms))
	copy(out, v.terms)
	return out
}
