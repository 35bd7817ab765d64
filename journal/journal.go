// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package journal keeps a SQLite record of the training runs, their epoch
// summaries and their checkpoints.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/nlpodyssey/awdlstm/trainer"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Journal is a handle to the journal database.
type Journal struct {
	db *gorm.DB
}

// Open opens, or creates, the journal database. The name ":memory:" gives
// a private in-memory database.
func Open(filename string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(filename), &gorm.Config{
		Logger: NewLogger(log.Logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database: %w", err)
	}
	// One connection: an in-memory database exists per connection.
	sqlDB.SetMaxOpenConns(1)

	if err = db.AutoMigrate(Models...); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StartRun records a new run and returns the recorder of its progress.
func (j *Journal) StartRun(ctx context.Context, c trainer.Config) (*RunRecorder, error) {
	config, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run config: %w", err)
	}
	run := Run{
		Config: string(config),
		Status: StatusRunning,
	}
	if err := j.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	log.Debug().Uint("run", run.ID).Msg("Run started")
	return &RunRecorder{db: j.db, runID: run.ID}, nil
}

// Run returns a run with its epochs and checkpoints.
func (j *Journal) Run(ctx context.Context, id uint) (Run, error) {
	var run Run
	err := j.db.WithContext(ctx).
		Preload("Epochs", func(db *gorm.DB) *gorm.DB { return db.Order("number") }).
		Preload("Checkpoints", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&run, id).Error
	if err != nil {
		return Run{}, fmt.Errorf("failed to read run %d: %w", id, err)
	}
	return run, nil
}

// Runs returns every run, without epochs and checkpoints, newest first.
func (j *Journal) Runs(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := j.db.WithContext(ctx).Order("id desc").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Stats summarizes the epochs of a run.
type Stats struct {
	Epochs int
	// MeanPerplexity is the token-weighted mean perplexity over the epochs.
	MeanPerplexity float64
	BestPerplexity float64
	BestEpoch      int
}

// Stats computes the statistics of a run. A run without epochs gives zero
// Stats.
func (j *Journal) Stats(ctx context.Context, id uint) (Stats, error) {
	run, err := j.Run(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	if len(run.Epochs) == 0 {
		return Stats{}, nil
	}
	perplexities := make([]float64, len(run.Epochs))
	weights := make([]float64, len(run.Epochs))
	s := Stats{Epochs: len(run.Epochs)}
	for i, e := range run.Epochs {
		perplexities[i] = e.Perplexity
		weights[i] = float64(e.Tokens)
		if i == 0 || e.Perplexity < s.BestPerplexity {
			s.BestPerplexity = e.Perplexity
			s.BestEpoch = e.Number
		}
	}
	s.MeanPerplexity = stat.Mean(perplexities, weights)
	return s, nil
}

// RunRecorder records the progress of a run. It implements
// trainer.Recorder.
type RunRecorder struct {
	db    *gorm.DB
	runID uint
}

var _ trainer.Recorder = &RunRecorder{}

// RunID returns the ID of the run.
func (r *RunRecorder) RunID() uint {
	return r.runID
}

func (r *RunRecorder) RecordEpoch(ctx context.Context, s trainer.EpochSummary) error {
	return r.db.WithContext(ctx).Create(&Epoch{
		RunID:      r.runID,
		Number:     s.Epoch,
		Batches:    s.Batches,
		Tokens:     s.Tokens,
		MeanLoss:   s.MeanLoss,
		Perplexity: s.Perplexity,
		Averaging:  s.Averaging,
		Duration:   s.Duration,
	}).Error
}

func (r *RunRecorder) RecordCheckpoint(ctx context.Context, c trainer.CheckpointInfo) error {
	return r.db.WithContext(ctx).Create(&Checkpoint{
		RunID:    r.runID,
		Epoch:    c.Epoch,
		Batch:    c.Batch,
		Path:     c.Path,
		Averaged: c.Averaged,
	}).Error
}

// Finish marks the run as done, or as failed if runErr is not nil.
func (r *RunRecorder) Finish(ctx context.Context, runErr error) error {
	now := time.Now()
	updates := map[string]any{
		"status":      StatusDone,
		"finished_at": &now,
	}
	if runErr != nil {
		updates["status"] = StatusFailed
		updates["error"] = runErr.Error()
	}
	err := r.db.WithContext(ctx).Model(&Run{ID: r.runID}).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", r.runID, err)
	}
	return nil
}
