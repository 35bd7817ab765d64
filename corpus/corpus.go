// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package corpus turns a whitespace-tokenized text file into the batches
// consumed by the training loop.
package corpus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nlpodyssey/awdlstm/trainer"
	"github.com/nlpodyssey/awdlstm/vocabulary"
	"github.com/rs/zerolog/log"
)

// ErrTooShort is returned when the corpus cannot fill a single batch.
var ErrTooShort = errors.New("corpus too short")

// DefaultBufferSize is the number of batches prepared in advance.
const DefaultBufferSize = 16

// Corpus is a tokenized text. Each line ends with a pad token, marking the
// end of a sequence.
type Corpus struct {
	tokens []string
}

// New returns a Corpus of the given tokens.
func New(tokens []string) *Corpus {
	return &Corpus{tokens: tokens}
}

// Load reads a text file, splitting each line on white space. Empty lines
// are skipped.
func Load(filename string) (*Corpus, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus file %q: %w", filename, err)
	}
	defer f.Close()

	c, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus file %q: %w", filename, err)
	}
	log.Debug().Msgf("Loaded corpus of %d tokens from %s", c.Len(), filename)
	return c, nil
}

// Read reads a text from r. See Load.
func Read(r io.Reader) (*Corpus, error) {
	var tokens []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		tokens = append(tokens, fields...)
		tokens = append(tokens, vocabulary.PadToken)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Corpus{tokens: tokens}, nil
}

// Len returns the number of tokens.
func (c *Corpus) Len() int {
	return len(c.tokens)
}

// Tokens returns the tokens. The slice must not be modified.
func (c *Corpus) Tokens() []string {
	return c.tokens
}

// Batcher splits a corpus into BatchSize contiguous lanes of equal length,
// walked BPTT time steps at a time. Tokens left over by the division are
// dropped. It implements trainer.Source.
type Batcher struct {
	BatchSize  int
	BPTT       int
	BufferSize int

	corpus  *Corpus
	laneLen int
}

var _ trainer.Source = &Batcher{}

// NewBatcher returns a new Batcher over the corpus.
func NewBatcher(c *Corpus, batchSize, bptt int) (*Batcher, error) {
	if batchSize < 1 || bptt < 1 {
		return nil, fmt.Errorf("batch size and bptt must be positive, actual %d and %d", batchSize, bptt)
	}
	laneLen := c.Len() / batchSize
	if laneLen < 2 {
		return nil, fmt.Errorf("%w: %d tokens for %d lanes", ErrTooShort, c.Len(), batchSize)
	}
	return &Batcher{
		BatchSize:  batchSize,
		BPTT:       bptt,
		BufferSize: DefaultBufferSize,
		corpus:     c,
		laneLen:    laneLen,
	}, nil
}

// Len returns the number of batches of an epoch.
func (b *Batcher) Len() int {
	steps := b.laneLen - 1
	return (steps + b.BPTT - 1) / b.BPTT
}

// Epoch starts a producer goroutine that prepares the batches of a new
// epoch. The producer stops when ctx is done or when the epoch is closed.
func (b *Batcher) Epoch(ctx context.Context) (trainer.Epoch, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan trainer.Batch, b.BufferSize)
	go b.produce(ctx, ch)
	return &epoch{len: b.Len(), batches: ch, cancel: cancel}, nil
}

func (b *Batcher) produce(ctx context.Context, ch chan<- trainer.Batch) {
	defer close(ch)
	for i := 0; i < b.Len(); i++ {
		select {
		case <-ctx.Done():
			return
		case ch <- b.batch(i):
		}
	}
}

// batch builds the i-th batch of the epoch.
func (b *Batcher) batch(i int) trainer.Batch {
	start := i * b.BPTT
	steps := min(b.BPTT, b.laneLen-1-start)
	out := trainer.Batch{
		Inputs:  make([][]string, steps),
		Targets: make([][]string, steps),
	}
	for t := 0; t < steps; t++ {
		out.Inputs[t] = make([]string, b.BatchSize)
		out.Targets[t] = make([]string, b.BatchSize)
		for lane := 0; lane < b.BatchSize; lane++ {
			pos := lane*b.laneLen + start + t
			out.Inputs[t][lane] = b.corpus.tokens[pos]
			out.Targets[t][lane] = b.corpus.tokens[pos+1]
		}
	}
	return out
}

type epoch struct {
	len     int
	batches <-chan trainer.Batch
	cancel  context.CancelFunc
}

func (e *epoch) Len() int {
	return e.len
}

func (e *epoch) Next(ctx context.Context) (trainer.Batch, error) {
	if err := ctx.Err(); err != nil {
		e.cancel()
		return trainer.Batch{}, err
	}
	select {
	case <-ctx.Done():
		e.cancel()
		return trainer.Batch{}, ctx.Err()
	case b, ok := <-e.batches:
		if !ok {
			e.cancel()
			return trainer.Batch{}, io.EOF
		}
		return b, nil
	}
}

// Close stops the producer.
func (e *epoch) Close() error {
	e.cancel()
	return nil
}
