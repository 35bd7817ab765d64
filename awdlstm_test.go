// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package awdlstm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nlpodyssey/awdlstm/decoder"
	"github.com/nlpodyssey/awdlstm/lstmlm"
	"github.com/nlpodyssey/awdlstm/vocabulary"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	v, err := vocabulary.New([]string{vocabulary.UnknownToken, vocabulary.PadToken, "the", "cat", "sat"})
	require.NoError(t, err)
	m, err := lstmlm.New(lstmlm.Config{
		VocabSize:     v.Size(),
		EmbeddingSize: 4,
		HiddenSize:    6,
		NumLayers:     2,
	}, rand.NewLockedRand(3))
	require.NoError(t, err)
	require.NoError(t, lstmlm.Dump(m, filepath.Join(dir, lstmlm.DefaultOutputFilename)))
	require.NoError(t, v.Dump(filepath.Join(dir, lstmlm.DefaultVocabularyFilename)))
	return dir
}

func TestGenerate(t *testing.T) {
	a, err := Load(writeTestModel(t))
	require.NoError(t, err)

	tokens, err := a.GenerateText(context.Background(), "the cat dog", 10)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(tokens), 10)
	for _, tk := range tokens {
		assert.NotEqual(t, vocabulary.PadToken, tk)
		assert.Contains(t, a.Vocabulary.Terms(), tk)
	}

	again, err := a.GenerateText(context.Background(), "the cat dog", 10)
	require.NoError(t, err)
	assert.Equal(t, tokens, again)
}

func TestGenerate_InvalidMaxTokens(t *testing.T) {
	a, err := Load(writeTestModel(t))
	require.NoError(t, err)

	out := make(chan string)
	err = a.Generate(context.Background(), "the", 0, out)
	assert.Error(t, err)
	_, open := <-out
	assert.False(t, open)
}

func TestGenerateText_InvalidMaxTokens(t *testing.T) {
	a, err := Load(writeTestModel(t))
	require.NoError(t, err)

	for _, maxTokens := range []int{0, -1} {
		tokens, err := a.GenerateText(context.Background(), "the", maxTokens)
		assert.ErrorIs(t, err, decoder.ErrInvalidMaxLen, "max tokens %d", maxTokens)
		assert.Empty(t, tokens)
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "unable to find the model")
}
