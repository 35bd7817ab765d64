// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lstmlm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/nlpodyssey/awdlstm/tensorutils"
	"github.com/nlpodyssey/awdlstm/vocabulary"
	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
)

const (
	DefaultPyModelFilename    = "pytorch_model.pth"
	DefaultPyVocabFilename    = "itos.pkl"
	DefaultOutputFilename     = "awdlstm_model.bin"
	DefaultVocabularyFilename = "vocab.csv"
	DefaultConfigFilename     = "config.json"
)

// Reserved tokens of recent fastai vocabularies, renamed on conversion.
var fastaiReservedTokens = map[string]string{
	"xxunk": vocabulary.UnknownToken,
	"xxpad": vocabulary.PadToken,
}

type ConverterConfig struct {
	// The path to the directory where the models will be read from and written to.
	ModelDir string
	// The path to the input model file (default "pytorch_model.pth")
	PyModelFilename string
	// The path to the pickled list of vocabulary terms (default "itos.pkl")
	PyVocabFilename string
	// The path to the output model file (default "awdlstm_model.bin")
	GoModelFilename string
	// If true, overwrite the model file if it already exists (default "false")
	OverwriteIfExist bool
}

// ConvertPickledModel converts a fastai AWD-LSTM language model, saved as a
// PyTorch state dict, into a Model checkpoint, and its pickled vocabulary
// into a vocabulary file.
// An optional "config.json" in the model directory provides the dropout
// probabilities and any size to check; missing sizes are deduced from the
// parameters.
func ConvertPickledModel(config ConverterConfig) error {
	if config.PyModelFilename == "" {
		config.PyModelFilename = DefaultPyModelFilename
	}
	if config.PyVocabFilename == "" {
		config.PyVocabFilename = DefaultPyVocabFilename
	}
	if config.GoModelFilename == "" {
		config.GoModelFilename = DefaultOutputFilename
	}

	outputFilename := filepath.Join(config.ModelDir, config.GoModelFilename)

	if !config.OverwriteIfExist && fileExists(outputFilename) {
		log.Debug().Str("model", outputFilename).Msg("Model file already exists, skipping conversion")
		return nil
	}

	modelConfig := DefaultConfig(0)
	modelConfig.EmbeddingSize, modelConfig.HiddenSize, modelConfig.NumLayers = 0, 0, 0
	configFilename := filepath.Join(config.ModelDir, DefaultConfigFilename)
	if fileExists(configFilename) {
		var err error
		modelConfig, err = LoadConfig(configFilename)
		if err != nil {
			return fmt.Errorf("failed to load config file %q: %w", configFilename, err)
		}
	} else {
		log.Info().Str("config", configFilename).Msg("Config file not found, using default dropouts")
	}

	conv := &converter{
		config:        modelConfig,
		inFilename:    filepath.Join(config.ModelDir, config.PyModelFilename),
		vocabFilename: filepath.Join(config.ModelDir, config.PyVocabFilename),
		outFilename:   outputFilename,
		outVocab:      filepath.Join(config.ModelDir, DefaultVocabularyFilename),
	}
	if err := conv.run(); err != nil {
		return fmt.Errorf("model conversion failed: %w", err)
	}
	return nil
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && !info.IsDir()
}

type converter struct {
	config        Config
	model         *Model
	inFilename    string
	vocabFilename string
	outFilename   string
	outVocab      string
	params        paramsMap
}

func (c *converter) run() error {
	funcs := []func() error{
		c.loadTorchModelParams,
		c.convert,
		c.convVocabulary,
		c.dumpModel,
	}
	for _, fn := range funcs {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// convert builds the model from the loaded parameters.
func (c *converter) convert() error {
	funcs := []func() error{
		c.deduceConfig,
		c.buildModel,
		c.convEmbeddings,
		c.convLayers,
		c.checkLeftovers,
	}
	for _, fn := range funcs {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (c *converter) dumpModel() error {
	return Dump(c.model, c.outFilename)
}

func (c *converter) loadTorchModelParams() error {
	torchModel, err := pytorch.Load(c.inFilename)
	if err != nil {
		return fmt.Errorf("failed to load torch model %q: %w", c.inFilename, err)
	}
	c.params, err = makeParamsMap(torchModel)
	if err != nil {
		return fmt.Errorf("failed to read model params: %w", err)
	}
	return nil
}

func (c *converter) deduceConfig() error {
	emb, ok := c.params["encoder.weight"]
	if !ok {
		return fmt.Errorf("parameter %q not found", "encoder.weight")
	}
	if len(emb.Size) != 2 {
		return fmt.Errorf("expected 2 dimensions for the embeddings, actual %d", len(emb.Size))
	}

	if vs := c.config.VocabSize; vs == 0 {
		c.config.VocabSize = emb.Size[0]
	} else if vs != emb.Size[0] {
		return fmt.Errorf("%w: expected embedding rows to match vocabulary size %d, actual %d", ErrShapeMismatch, vs, emb.Size[0])
	}
	if es := c.config.EmbeddingSize; es == 0 {
		c.config.EmbeddingSize = emb.Size[1]
	} else if es != emb.Size[1] {
		return fmt.Errorf("%w: expected embedding size %d, actual %d", ErrShapeMismatch, es, emb.Size[1])
	}

	numLayers, err := countLayers(c.params.prefixed("rnns."))
	if err != nil {
		return err
	}
	if numLayers == 0 {
		return fmt.Errorf("no recurrent layers found in parameters")
	}
	if nl := c.config.NumLayers; nl == 0 {
		c.config.NumLayers = numLayers
	} else if nl != numLayers {
		return fmt.Errorf("%w: expected %d recurrent layers, actual %d", ErrShapeMismatch, nl, numLayers)
	}

	if c.config.HiddenSize == 0 {
		if numLayers == 1 {
			c.config.HiddenSize = c.config.EmbeddingSize
		} else {
			hh, err := c.recurrentWeights(0)
			if err != nil {
				return err
			}
			c.config.HiddenSize = hh.Size[len(hh.Size)-1]
		}
	}
	return c.config.Validate()
}

func (c *converter) buildModel() (err error) {
	c.model, err = New(c.config, rand.NewLockedRand(0))
	return
}

func (c *converter) convEmbeddings() error {
	data, err := c.fetchData("encoder.weight", c.config.VocabSize, c.config.EmbeddingSize)
	if err != nil {
		return fmt.Errorf("failed to convert embeddings: %w", err)
	}
	// The same matrix is stored again by the embedding dropout wrapper and
	// by the tied decoder.
	delete(c.params, "encoder_dp.emb.weight")
	delete(c.params, "decoder.weight")
	return tensorutils.SetValues(c.model.Embeddings.W, data)
}

func (c *converter) convLayers() error {
	for i := range c.model.Encoder.Layers {
		if err := c.convLayer(i); err != nil {
			return fmt.Errorf("failed to convert recurrent layer %d: %w", i, err)
		}
	}
	return nil
}

// convLayer splits the stacked input, forget, cell, output rows of the torch
// LSTM into the four gates. The two torch biases are summed.
func (c *converter) convLayer(i int) error {
	layer := c.model.Encoder.Layers[i]
	hidden, in := layer.Config.HiddenSize, layer.Config.InputSize
	prefix := fmt.Sprintf("rnns.%d.", i)

	wih, err := c.fetchData(prefix+"module.weight_ih_l0", 4*hidden, in)
	if err != nil {
		return err
	}
	hhName := prefix + "weight_hh_l0_raw"
	if _, ok := c.params[hhName]; !ok {
		hhName = prefix + "module.weight_hh_l0"
	}
	whh, err := c.fetchData(hhName, 4*hidden, hidden)
	if err != nil {
		return err
	}
	// A stale copy of the masked weights may be stored next to the raw ones.
	delete(c.params, prefix+"module.weight_hh_l0")

	bih, err := c.fetchData(prefix+"module.bias_ih_l0", 4*hidden)
	if err != nil {
		return err
	}
	bhh, err := c.fetchData(prefix+"module.bias_hh_l0", 4*hidden)
	if err != nil {
		return err
	}

	for k, g := range layer.Gates() {
		bias := make([]float64, hidden)
		floats.AddTo(bias, bih[k*hidden:(k+1)*hidden], bhh[k*hidden:(k+1)*hidden])

		err = errors.Join(
			tensorutils.SetValues(g.W, wih[k*hidden*in:(k+1)*hidden*in]),
			tensorutils.SetValues(g.U, whh[k*hidden*hidden:(k+1)*hidden*hidden]),
			tensorutils.SetValues(g.B, bias),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *converter) checkLeftovers() error {
	if _, ok := c.params["decoder.bias"]; ok {
		log.Warn().Msg("Ignoring the decoder bias: the projection has no bias")
		delete(c.params, "decoder.bias")
	}
	names := make([]string, 0, len(c.params))
	for k := range c.params {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		log.Warn().Str("param", name).Msg("Unused torch parameter")
	}
	return nil
}

func (c *converter) recurrentWeights(i int) (*pytorch.Tensor, error) {
	for _, name := range []string{
		fmt.Sprintf("rnns.%d.weight_hh_l0_raw", i),
		fmt.Sprintf("rnns.%d.module.weight_hh_l0", i),
	} {
		if t, ok := c.params[name]; ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("hidden-to-hidden weights of layer %d not found", i)
}

// fetchData removes a parameter from the map and returns its values,
// checking its shape.
func (c *converter) fetchData(name string, shape ...int) ([]float64, error) {
	t, err := c.params.fetch(name)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(t.Size, shape) {
		return nil, fmt.Errorf("%w: parameter %q has shape %v, expected %v", ErrShapeMismatch, name, t.Size, shape)
	}
	return tensorData(t)
}

func (c *converter) convVocabulary() error {
	if !fileExists(c.vocabFilename) {
		log.Warn().Str("vocabulary", c.vocabFilename).Msg("Pickled vocabulary not found, skipping")
		return nil
	}
	obj, err := pickle.Load(c.vocabFilename)
	if err != nil {
		return fmt.Errorf("failed to load pickled vocabulary %q: %w", c.vocabFilename, err)
	}
	terms, err := pickledTerms(obj)
	if err != nil {
		return err
	}
	v, err := vocabulary.New(renameReservedTokens(terms))
	if err != nil {
		return err
	}
	if v.Size() != c.config.VocabSize {
		return fmt.Errorf("%w: vocabulary has %d terms, the embeddings %d", ErrShapeMismatch, v.Size(), c.config.VocabSize)
	}
	return v.Dump(c.outVocab)
}

func pickledTerms(obj any) ([]string, error) {
	var items []any
	switch l := obj.(type) {
	case *types.List:
		items = *l
	case types.List:
		items = l
	case []any:
		items = l
	default:
		return nil, fmt.Errorf("expected a pickled list of terms, actual %T", obj)
	}
	terms := make([]string, len(items))
	for i, item := range items {
		s, err := cast[string](item)
		if err != nil {
			return nil, fmt.Errorf("wrong vocabulary term %d: %w", i, err)
		}
		terms[i] = s
	}
	return terms, nil
}

func renameReservedTokens(terms []string) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		if r, ok := fastaiReservedTokens[t]; ok {
			log.Debug().Msgf("renaming %q to %q", t, r)
			t = r
		}
		out[i] = t
	}
	return out
}

func tensorData(t *pytorch.Tensor) ([]float64, error) {
	size := tensorDataSize(t)
	from, to := t.StorageOffset, t.StorageOffset+size
	switch st := t.Source.(type) {
	case *pytorch.FloatStorage:
		return float.SliceValueOf[float64](float.Make(st.Data[from:to]...)), nil
	case *pytorch.HalfStorage:
		return float.SliceValueOf[float64](float.Make(st.Data[from:to]...)), nil
	case *pytorch.BFloat16Storage:
		return float.SliceValueOf[float64](float.Make(st.Data[from:to]...)), nil
	case *pytorch.DoubleStorage:
		out := make([]float64, size)
		copy(out, st.Data[from:to])
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %T", t.Source)
	}
}

func tensorDataSize(t *pytorch.Tensor) int {
	size := 1
	for _, v := range t.Size {
		size *= v
	}
	return size
}

func countLayers(params paramsMap) (int, error) {
	count := 0
	for k := range params {
		before, _, ok := strings.Cut(k, ".")
		if !ok {
			return 0, fmt.Errorf("layer parameter names expected to start with number, actual name %q", k)
		}
		num, err := strconv.Atoi(before)
		if err != nil {
			return 0, fmt.Errorf("layer parameter names expected to start with number, actual name %q: %w", k, err)
		}
		if num+1 > count {
			count = num + 1
		}
	}
	return count, nil
}

func cast[T any](v any) (t T, _ error) {
	t, ok := v.(T)
	if !ok {
		return t, fmt.Errorf("type assertion failed: expected %T, actual %T", t, v)
	}
	return
}

type paramsMap map[string]*pytorch.Tensor

// makeParamsMap reads the state dict. The "0." and "1." prefixes of a
// sequential language model (encoder, decoder) are removed.
func makeParamsMap(torchModel any) (paramsMap, error) {
	od, err := cast[*types.OrderedDict](torchModel)
	if err != nil {
		return nil, err
	}

	params := make(paramsMap, od.Len())

	for k, item := range od.Map {
		name, err := cast[string](k)
		if err != nil {
			return nil, fmt.Errorf("wrong param name type: %w", err)
		}
		tensor, err := cast[*pytorch.Tensor](item.Value)
		if err != nil {
			return nil, fmt.Errorf("wrong value type for param %q: %w", name, err)
		}
		params[stripModulePrefix(name)] = tensor
	}

	return params, nil
}

func stripModulePrefix(name string) string {
	for _, prefix := range []string{"0.", "1."} {
		if after, ok := strings.CutPrefix(name, prefix); ok {
			return after
		}
	}
	return name
}

// fetch gets a value from params by its name, removing the entry
// from the map.
func (p paramsMap) fetch(name string) (*pytorch.Tensor, error) {
	t, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("parameter %q not found", name)
	}
	delete(p, name)
	return t, nil
}

// prefixed returns the entries whose name starts with prefix, without the
// prefix. The map is not modified.
func (p paramsMap) prefixed(prefix string) paramsMap {
	out := make(paramsMap, len(p))
	for k, v := range p {
		if after, ok := strings.CutPrefix(k, prefix); ok {
			out[after] = v
		}
	}
	return out
}
