// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package awdlstm loads a converted or trained AWD-LSTM language model and
// generates text from it.
package awdlstm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/nlpodyssey/awdlstm/decoder"
	"github.com/nlpodyssey/awdlstm/lstmlm"
	"github.com/nlpodyssey/awdlstm/vocabulary"
	"github.com/rs/zerolog/log"
)

// AWDLSTM is the core struct of the library.
type AWDLSTM struct {
	Model      *lstmlm.Model
	Vocabulary *vocabulary.Vocabulary
}

// Load loads a model from the given directory.
func Load(modelDir string) (*AWDLSTM, error) {
	model, err := lstmlm.Load(modelDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("error: unable to find the model file or directory '%s'. Please ensure that the model has been successfully converted or trained before trying again", modelDir)
		}
		return nil, err
	}
	return &AWDLSTM{
		Model:      model,
		Vocabulary: model.Vocabulary(),
	}, nil
}

// Generate generates text following the white space separated tokens of
// seed. The "out" channel is used to stream the generated tokens, and it is
// closed on return. At most maxTokens tokens are generated.
func (a *AWDLSTM) Generate(ctx context.Context, seed string, maxTokens int, out chan string) error {
	defer close(out)

	d, err := decoder.New(a.Model, decoder.DecodingOptions{
		MaxLen:     maxTokens,
		EndTokenID: a.Vocabulary.PadID(),
	})
	if err != nil {
		return err
	}

	tokens := strings.Fields(seed)
	log.Trace().Msgf("Seed tokens: %v", tokens)
	ids := a.Vocabulary.IDs(tokens)
	log.Debug().Msgf("Token IDs: %v", ids)

	log.Debug().Msg("Generating text")
	_, err = d.Decode(ctx, ids, &tokenBuffer{ctx: ctx, vocab: a.Vocabulary, out: out})
	return err
}

// GenerateText is like Generate, collecting the tokens.
func (a *AWDLSTM) GenerateText(ctx context.Context, seed string, maxTokens int) ([]string, error) {
	out := make(chan string, max(maxTokens, 0))
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Generate(ctx, seed, maxTokens, out)
	}()
	var tokens []string
	for tk := range out {
		tokens = append(tokens, tk)
	}
	return tokens, <-errCh
}

// tokenBuffer maps the generated IDs to tokens and sends them on a channel.
type tokenBuffer struct {
	ctx   context.Context
	vocab *vocabulary.Vocabulary
	out   chan<- string
}

func (b *tokenBuffer) Write(r decoder.StepResult) error {
	token, ok := b.vocab.Token(r.TokenID)
	if !ok {
		return fmt.Errorf("token ID %d out of vocabulary", r.TokenID)
	}
	select {
	case <-b.ctx.Done():
		return b.ctx.Err()
	case b.out <- token:
		return nil
	}
}
