// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package cfg holds the bootstrap configuration: the handful of knobs
// that must be known before the event loop and its object pools exist,
// and therefore cannot be expressed over the line protocol the way
// everything else (services, FDs, log level) is.
package cfg

import (
	"fmt"
	"strconv"
	"strings"
)

// Octal is the datatype for file-mode-style params that accept a
// base-8 value, e.g. the control socket's permission bits.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text), 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// LogSeverity is the supervisor's own log sink filter level, spelled
// the way internal/logsink.Level renders it.
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "trace"
	DebugLogSeverity   LogSeverity = "debug"
	InfoLogSeverity    LogSeverity = "info"
	WarningLogSeverity LogSeverity = "warning"
	ErrorLogSeverity   LogSeverity = "error"
	FatalLogSeverity   LogSeverity = "fatal"
	NoneLogSeverity    LogSeverity = "none"
)

var severityRanking = map[LogSeverity]int{
	NoneLogSeverity:    0,
	TraceLogSeverity:   1,
	DebugLogSeverity:   2,
	InfoLogSeverity:    3,
	WarningLogSeverity: 4,
	ErrorLogSeverity:   5,
	FatalLogSeverity:   6,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToLower(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity %q: must be one of trace, debug, info, warning, error, fatal, none", text)
	}
	*l = level
	return nil
}

// Rank returns the severity's position in the filter ordering, or -1
// if unknown.
func (l LogSeverity) Rank() int {
	if r, ok := severityRanking[l]; ok {
		return r
	}
	return -1
}
