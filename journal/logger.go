// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package journal

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Logger forwards the gorm logs to a zerolog logger. Queries are logged at
// trace level, since the journal writes a few rows per batch interval.
type Logger struct {
	zerolog.Logger
}

var _ gormlogger.Interface = Logger{}

func NewLogger(parent zerolog.Logger) Logger {
	return Logger{Logger: parent.With().Str("component", "journal").Logger()}
}

var gormToZeroLogLevel = map[gormlogger.LogLevel]zerolog.Level{
	gormlogger.Silent: zerolog.Disabled,
	gormlogger.Error:  zerolog.ErrorLevel,
	gormlogger.Warn:   zerolog.WarnLevel,
	gormlogger.Info:   zerolog.InfoLevel,
}

func (l Logger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	zeroLevel, ok := gormToZeroLogLevel[level]
	if !ok {
		zeroLevel = zerolog.TraceLevel
		if level < gormlogger.Silent {
			zeroLevel = zerolog.Disabled
		}
	}
	return Logger{Logger: l.Logger.Level(zeroLevel)}
}

func (l Logger) Info(_ context.Context, msg string, data ...any) {
	l.Logger.Info().Msgf(msg, data...)
}

func (l Logger) Warn(_ context.Context, msg string, data ...any) {
	l.Logger.Warn().Msgf(msg, data...)
}

func (l Logger) Error(_ context.Context, msg string, data ...any) {
	l.Logger.Error().Msgf(msg, data...)
}

func (l Logger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.GetLevel() <= zerolog.ErrorLevel:
		sql, rows := fc()
		l.Err(err).Str("sql", sql).Int64("rows", rows).Dur("elapsed", time.Since(begin)).Msg("query error")
	case l.GetLevel() <= zerolog.TraceLevel:
		sql, rows := fc()
		l.Logger.Trace().Str("sql", sql).Int64("rows", rows).Dur("elapsed", time.Since(begin)).Msg("query")
	}
}
