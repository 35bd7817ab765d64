// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/awdlstm"
	"github.com/nlpodyssey/awdlstm/corpus"
	"github.com/nlpodyssey/awdlstm/downloader"
	"github.com/nlpodyssey/awdlstm/journal"
	"github.com/nlpodyssey/awdlstm/lstmlm"
	"github.com/nlpodyssey/awdlstm/trainer"
	"github.com/nlpodyssey/awdlstm/vocabulary"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	modelDirFlag := &cli.StringFlag{
		Name:     "model-dir",
		Usage:    "directory of the model to operate on",
		Required: true,
	}

	app := &cli.App{
		Name:  "awdlstm",
		Usage: "Train and sample from an AWD-LSTM language model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set log level (trace, debug, info, warn, error, fatal, panic)",
				Action: func(c *cli.Context, s string) error {
					return setDebugLevel(s)
				},
				Value:   "info",
				EnvVars: []string{"AWDLSTM_LOGLEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "download",
				Usage: "Download a pretrained model to directory",
				Flags: []cli.Flag{
					modelDirFlag,
					&cli.StringFlag{
						Name:  "base-url",
						Usage: "URL of the model hub",
						Value: downloader.DefaultBaseURL,
					},
					&cli.StringFlag{
						Name:    "access-token",
						Usage:   "access token of the model hub",
						EnvVars: []string{"HF_TOKEN"},
					},
					&cli.BoolFlag{
						Name:  "overwrite",
						Usage: "download files that already exist",
					},
				},
				Action: func(c *cli.Context) error {
					return download(c.Context, c.String("model-dir"), downloader.Options{
						BaseURL:          c.String("base-url"),
						AccessToken:      c.String("access-token"),
						OverwriteIfExist: c.Bool("overwrite"),
					})
				},
			},
			{
				Name:  "convert",
				Usage: "Convert a pretrained fastai model in directory",
				Flags: []cli.Flag{
					modelDirFlag,
					&cli.BoolFlag{
						Name:  "overwrite",
						Usage: "overwrite an already converted model",
					},
				},
				Action: func(c *cli.Context) error {
					return convert(c.String("model-dir"), c.Bool("overwrite"))
				},
			},
			{
				Name:  "train",
				Usage: "Train a model on a text corpus",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Usage:    "YAML training configuration file",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "corpus",
						Usage:    "training text, one sequence per line, white space tokenized",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "vocabulary",
						Usage: "vocabulary file of a new model",
					},
					&cli.StringFlag{
						Name:  "model-dir",
						Usage: "directory of a model to fine-tune",
					},
					&cli.StringFlag{
						Name:  "journal",
						Usage: "SQLite journal of the training runs",
						Value: "awdlstm-journal.db",
					},
				},
				Action: func(c *cli.Context) error {
					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
					defer stop()
					return train(ctx, trainOptions{
						configFile: c.String("config"),
						corpusFile: c.String("corpus"),
						vocabFile:  c.String("vocabulary"),
						modelDir:   c.String("model-dir"),
						journal:    c.String("journal"),
					})
				},
			},
			{
				Name:  "generate",
				Usage: "Generate text following a seed",
				Flags: []cli.Flag{
					modelDirFlag,
					&cli.StringFlag{
						Name:  "seed",
						Usage: "white space separated seed tokens",
					},
					&cli.IntFlag{
						Name:  "max-tokens",
						Usage: "maximum number of tokens to generate",
						Value: 50,
					},
				},
				Action: func(c *cli.Context) error {
					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
					defer stop()
					return generate(ctx, c.String("model-dir"), c.String("seed"), c.Int("max-tokens"))
				},
			},
			{
				Name:  "runs",
				Usage: "List the training runs of a journal",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "journal",
						Usage: "SQLite journal of the training runs",
						Value: "awdlstm-journal.db",
					},
				},
				Action: func(c *cli.Context) error {
					return listRuns(c.Context, c.String("journal"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func setDebugLevel(debugLevel string) error {
	level, err := zerolog.ParseLevel(debugLevel)
	if err != nil {
		return err
	}
	log.Logger = log.Level(level)
	return nil
}

func download(ctx context.Context, modelDir string, opts downloader.Options) error {
	log.Debug().Msgf("Downloading model in dir: %s", modelDir)
	dir, name, err := splitPathAndModelName(modelDir)
	if err != nil {
		return err
	}
	if err := downloader.Download(ctx, dir, name, opts); err != nil {
		return err
	}
	log.Debug().Msg("Done.")
	return nil
}

func convert(modelDir string, overwrite bool) error {
	log.Debug().Msgf("Converting model in dir: %s", modelDir)
	err := lstmlm.ConvertPickledModel(lstmlm.ConverterConfig{
		ModelDir:         modelDir,
		OverwriteIfExist: overwrite,
	})
	if err != nil {
		return err
	}
	log.Debug().Msg("Done.")
	return nil
}

type trainOptions struct {
	configFile string
	corpusFile string
	vocabFile  string
	modelDir   string
	journal    string
}

func train(ctx context.Context, opts trainOptions) (err error) {
	config, err := trainer.LoadConfig(opts.configFile)
	if err != nil {
		return err
	}
	model, err := buildModel(&config, opts)
	if err != nil {
		return err
	}

	text, err := corpus.Load(opts.corpusFile)
	if err != nil {
		return err
	}
	batcher, err := corpus.NewBatcher(text, config.BatchSize, config.BPTT)
	if err != nil {
		return err
	}

	// The vocabulary is saved next to the checkpoints, making the output
	// directory loadable by the generate command.
	outDir := filepath.Dir(config.CheckpointPath)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	if err := model.Vocabulary().Dump(filepath.Join(outDir, lstmlm.DefaultVocabularyFilename)); err != nil {
		return err
	}

	j, err := journal.Open(opts.journal)
	if err != nil {
		return err
	}
	defer func() {
		if e := j.Close(); e != nil && err == nil {
			err = e
		}
	}()
	rec, err := j.StartRun(ctx, config)
	if err != nil {
		return err
	}

	t, err := trainer.New(config, model, trainer.WithRecorder(rec))
	if err != nil {
		return err
	}
	log.Info().Uint("run", rec.RunID()).Int("batches", batcher.Len()).Msg("Training started")
	_, runErr := t.Run(ctx, batcher)

	// The run is finished even when ctx is canceled.
	if err := rec.Finish(context.WithoutCancel(ctx), runErr); err != nil {
		log.Err(err).Send()
	}
	return runErr
}

// buildModel loads the model to fine-tune, or builds a new one from the
// configuration and the vocabulary file.
func buildModel(config *trainer.Config, opts trainOptions) (*lstmlm.Model, error) {
	if opts.modelDir != "" {
		log.Debug().Msgf("Loading model from dir: %s", opts.modelDir)
		m, err := lstmlm.Load(opts.modelDir)
		if err != nil {
			return nil, err
		}
		config.Model = m.Config
		return m, nil
	}
	if opts.vocabFile == "" {
		return nil, fmt.Errorf("either a vocabulary or a model directory is required")
	}
	v, err := vocabulary.Load(opts.vocabFile)
	if err != nil {
		return nil, err
	}
	if config.Model.VocabSize == 0 {
		config.Model.VocabSize = v.Size()
	}
	m, err := lstmlm.New(config.Model, rand.NewLockedRand(config.Seed))
	if err != nil {
		return nil, err
	}
	if err := m.SetVocabulary(v); err != nil {
		return nil, err
	}
	return m, nil
}

func generate(ctx context.Context, modelDir, seed string, maxTokens int) error {
	log.Debug().Msgf("Loading model...")
	a, err := awdlstm.Load(modelDir)
	if err != nil {
		return err
	}

	out := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Generate(ctx, seed, maxTokens, out)
	}()
	var generated []string
	for tk := range out {
		generated = append(generated, tk)
	}
	if err := <-errCh; err != nil {
		return err
	}
	fmt.Println(strings.Join(generated, " "))
	return nil
}

func listRuns(ctx context.Context, filename string) (err error) {
	j, err := journal.Open(filename)
	if err != nil {
		return err
	}
	defer func() {
		if e := j.Close(); e != nil && err == nil {
			err = e
		}
	}()

	runs, err := j.Runs(ctx)
	if err != nil {
		return err
	}
	for _, r := range runs {
		s, err := j.Stats(ctx, r.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%d\t%s\t%s\tepochs=%d\tbest_ppl=%.3f\n",
			r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Status, s.Epochs, s.BestPerplexity)
	}
	return nil
}

// splitPathAndModelName separate the models directory from the model name, which format is "organization/model"
func splitPathAndModelName(path string) (string, string, error) {
	dirs := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(dirs) < 3 {
		return "", "", fmt.Errorf("path must have at least three levels of directories")
	}
	lastDir := dirs[len(dirs)-1]
	secondLastDir := dirs[len(dirs)-2]

	pathExceptLastTwo := strings.Join(dirs[:len(dirs)-2], "/")
	return pathExceptLastTwo, filepath.Join(secondLastDir, lastDir), nil
}
