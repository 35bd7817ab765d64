// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lstmlm

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/nlpodyssey/awdlstm/tensorutils"
	"github.com/nlpodyssey/awdlstm/vocabulary"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/spago/nn"
	"github.com/rs/zerolog/log"
)

// paramRecord is the serialized form of a parameter.
type paramRecord struct {
	Shape []int
	Data  []float64
}

// Load loads a model and its vocabulary from the given directory.
func Load(dir string) (*Model, error) {
	m, err := LoadFile(filepath.Join(dir, DefaultOutputFilename))
	if err != nil {
		return nil, err
	}
	v, err := vocabulary.Load(filepath.Join(dir, DefaultVocabularyFilename))
	if err != nil {
		return nil, err
	}
	if err := m.SetVocabulary(v); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadFile builds a model from a checkpoint, using the configuration stored
// in it.
func LoadFile(filename string) (*Model, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := gob.NewDecoder(bufio.NewReader(f))
	var config Config
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to decode model config: %w", err)
	}
	m, err := New(config, rand.NewLockedRand(0))
	if err != nil {
		return nil, err
	}
	if err := decodeParams(decoder, m.Params()); err != nil {
		return nil, fmt.Errorf("failed to decode model %q: %w", filename, err)
	}
	log.Debug().Msgf("Loaded model from %s", filename)
	return m, nil
}

// LoadInto overwrites the parameters of m with the ones stored in the
// checkpoint. The architectures must match, otherwise an error wrapping
// ErrShapeMismatch is returned.
func LoadInto(m *Model, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := gob.NewDecoder(bufio.NewReader(f))
	var config Config
	if err := decoder.Decode(&config); err != nil {
		return fmt.Errorf("failed to decode model config: %w", err)
	}
	if err := decodeParams(decoder, m.Params()); err != nil {
		return fmt.Errorf("failed to load %q: %w", filename, err)
	}
	return nil
}

// Dump saves the model configuration and parameters to a file,
// overwriting it.
func Dump(obj *Model, filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open model dump file %q for writing: %w", filename, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("failed to close model dump file %q: %w", filename, e)
		}
	}()
	if err = gobEncode(obj, f); err != nil {
		return fmt.Errorf("failed to encode model dump: %w", err)
	}
	return nil
}

func gobEncode(obj *Model, w io.Writer) error {
	bw := bufio.NewWriter(w)
	encoder := gob.NewEncoder(bw)

	for _, chunk := range getChunksForGobEncoding(obj) {
		if err := encoder.Encode(chunk); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func getChunksForGobEncoding(obj *Model) []any {
	params := obj.Params()
	chunks := []any{
		obj.Config,
		len(params),
	}
	for _, p := range params {
		chunks = append(chunks, paramRecord{
			Shape: tensorutils.Shape(p),
			Data:  tensorutils.Values(p),
		})
	}
	return chunks
}

func decodeParams(decoder *gob.Decoder, params []*nn.Param) error {
	var n int
	if err := decoder.Decode(&n); err != nil {
		return err
	}
	if n != len(params) {
		return fmt.Errorf("%w: %d stored parameters, the model has %d", ErrShapeMismatch, n, len(params))
	}

	// Values are written only once every record has been validated.
	records := make([]paramRecord, n)
	for i, p := range params {
		if err := decoder.Decode(&records[i]); err != nil {
			return err
		}
		if shape := tensorutils.Shape(p); !slices.Equal(shape, records[i].Shape) {
			return fmt.Errorf("%w: parameter %d has shape %v, stored %v", ErrShapeMismatch, i, shape, records[i].Shape)
		}
	}
	for i, p := range params {
		if err := tensorutils.SetValues(p, records[i].Data); err != nil {
			return fmt.Errorf("%w: parameter %d: %v", ErrShapeMismatch, i, err)
		}
	}
	return nil
}
