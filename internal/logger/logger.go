// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger is the supervisor process's own diagnostic logger —
// distinct from internal/logsink, which is a bounded buffer a running
// service can be pointed at over the control protocol.
// internal/supervisor forwards every line internal/logsink renders
// into this logger at trace level, so a single `tail -f` on the
// logger's file target sees both the supervisor's own diagnostics and
// everything logsink captured from the outside world.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/RussellHaley/daemonproxy/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Custom severities, spaced the way the teacher's logger positions
// TRACE below slog's built-in levels and FATAL/OFF above its highest.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelFatal = slog.Level(12)
	LevelOff   = slog.Level(16)
)

var severityNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

func levelForSeverity(s cfg.LogSeverity) slog.Level {
	switch s {
	case cfg.TraceLogSeverity:
		return LevelTrace
	case cfg.DebugLogSeverity:
		return LevelDebug
	case cfg.WarningLogSeverity:
		return LevelWarn
	case cfg.ErrorLogSeverity:
		return LevelError
	case cfg.FatalLogSeverity:
		return LevelFatal
	case cfg.NoneLogSeverity:
		return LevelOff
	default:
		return LevelInfo
	}
}

// LogRotateConfig mirrors lumberjack.Logger's own knobs so callers
// don't need to import it directly to build one.
type LogRotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// DefaultLogRotateConfig rotates at 100 MB, keeps 5 backups and does
// not compress them.
func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{MaxFileSizeMB: 100, BackupFileCount: 5, Compress: false}
}

type loggerFactory struct {
	out             io.Writer
	file            *lumberjack.Logger
	format          string
	level           cfg.LogSeverity
	logRotateConfig LogRotateConfig
	prefix          string
	programLevel    *slog.LevelVar
}

var defaultLoggerFactory = &loggerFactory{
	out:             os.Stderr,
	level:           cfg.InfoLogSeverity,
	logRotateConfig: DefaultLogRotateConfig(),
	programLevel:    new(slog.LevelVar),
}

var defaultLogger = slog.New(
	defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, defaultLoggerFactory.programLevel, ""),
)

func init() {
	setLoggingLevel(defaultLoggerFactory.level, defaultLoggerFactory.programLevel)
}

// createJsonOrTextHandler builds a slog.Handler rendering severities
// by name (TRACE..FATAL) instead of slog's numeric defaults, and, in
// json mode, a structured {seconds,nanos} timestamp instead of a bare
// RFC3339 string — matching the wire shape services are likeliest to
// grep/parse.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, programLevel *slog.LevelVar, prefix string) slog.Handler {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			lvl := a.Value.Any().(slog.Level)
			name, ok := severityNames[lvl]
			if !ok {
				name = lvl.String()
			}
			return slog.String("severity", name)
		case slog.MessageKey:
			return slog.String("message", prefix+a.Value.String())
		case slog.TimeKey:
			t := a.Value.Time()
			if f.format == "json" {
				return slog.Attr{
					Key: "timestamp",
					Value: slog.GroupValue(
						slog.Int64("seconds", t.Unix()),
						slog.Int64("nanos", int64(t.Nanosecond())),
					),
				}
			}
			return slog.String("time", t.Format("2006/01/02 15:04:05.000000"))
		}
		return a
	}

	opts := &slog.HandlerOptions{Level: programLevel, ReplaceAttr: replace}
	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// setLoggingLevel installs severity as programLevel's floor.
func setLoggingLevel(severity cfg.LogSeverity, programLevel *slog.LevelVar) {
	programLevel.Set(levelForSeverity(severity))
}

func rebuild() {
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(defaultLoggerFactory.out, defaultLoggerFactory.programLevel, defaultLoggerFactory.prefix),
	)
	setLoggingLevel(defaultLoggerFactory.level, defaultLoggerFactory.programLevel)
}

// SetLogFormat switches between "text" (default) and "json" rendering.
// Any other value, including "", is treated as "json".
func SetLogFormat(format string) {
	if format != "text" {
		format = "json"
	}
	defaultLoggerFactory.format = format
	rebuild()
}

// SetLogSeverity changes the minimum severity logf admits, without
// touching the output target — the piece of InitLogFile's job that
// still applies when startup leaves the default stderr target alone
// (no `logging.target-file` configured).
func SetLogSeverity(severity cfg.LogSeverity) {
	defaultLoggerFactory.level = severity
	rebuild()
}

// asyncQueueDepth bounds how many not-yet-flushed log records
// InitLogFile's writer will hold before it starts dropping them. It's
// a message count, not the byte-denominated logging.buffer-size (that
// one sizes internal/logsink's bounded buffer, a different layer).
const asyncQueueDepth = 256

// InitLogFile points the default logger's output at a lumberjack-rotated
// file on disk, sized and retained per rotate. The file is never
// written synchronously from logf: internal/supervisor's event loop
// calls Tracef on every line it forwards from internal/logsink, and a
// rotating-file write stalling that loop would stall the selector
// along with it. AsyncLogger decouples the two: logf only ever
// enqueues.
func InitLogFile(rotate LogRotateConfig, logging cfg.LoggingConfig) error {
	if logging.TargetFile == "" {
		return fmt.Errorf("logger: InitLogFile requires a target file path")
	}
	lj := &lumberjack.Logger{
		Filename:   logging.TargetFile,
		MaxSize:    rotate.MaxFileSizeMB,
		MaxBackups: rotate.BackupFileCount,
		Compress:   rotate.Compress,
	}
	if old, ok := defaultLoggerFactory.out.(*AsyncLogger); ok {
		old.Close()
	}
	defaultLoggerFactory.file = lj
	defaultLoggerFactory.out = NewAsyncLogger(lj, asyncQueueDepth)
	defaultLoggerFactory.logRotateConfig = rotate
	if logging.Severity != "" {
		defaultLoggerFactory.level = logging.Severity
	}
	if logging.Format != "" {
		defaultLoggerFactory.format = logging.Format
	}
	rebuild()
	return nil
}

func logf(level slog.Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	defaultLogger.Log(context.Background(), level, msg)
}

// Sync blocks until every record already handed to logf has reached
// its output file. A no-op unless InitLogFile is in effect, since
// only its AsyncLogger wrapper defers writes in the first place.
func Sync() {
	if a, ok := defaultLoggerFactory.out.(*AsyncLogger); ok {
		a.Sync()
	}
}

func Tracef(format string, args ...any) { logf(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

// Fatalf logs at fatal severity. It does not exit the process — only
// cmd/daemonproxy's main is allowed to call os.Exit, per SPEC_FULL.md's
// error-handling layering.
func Fatalf(format string, args ...any) { logf(LevelFatal, format, args...) }
