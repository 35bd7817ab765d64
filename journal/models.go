// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package journal

import (
	"time"
)

// Models lists the tables of the journal, for auto-migration.
var Models = []any{
	&Run{},
	&Epoch{},
	&Checkpoint{},
}

const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Run is a training run.
type Run struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	// Config is the YAML training configuration.
	Config     string `gorm:"not null"`
	Status     string `gorm:"not null;index"`
	Error      string
	FinishedAt *time.Time

	Epochs      []Epoch
	Checkpoints []Checkpoint
}

// Epoch is the summary of a completed epoch.
type Epoch struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`

	RunID      uint `gorm:"not null;index"`
	Number     int  `gorm:"not null"`
	Batches    int  `gorm:"not null"`
	Tokens     int  `gorm:"not null"`
	MeanLoss   float64
	Perplexity float64
	Averaging  bool `gorm:"not null"`
	Duration   time.Duration
}

// Checkpoint is a saved model.
type Checkpoint struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`

	RunID    uint   `gorm:"not null;index"`
	Epoch    int    `gorm:"not null"`
	Batch    int    `gorm:"not null"`
	Path     string `gorm:"not null"`
	Averaged bool   `gorm:"not null"`
}
