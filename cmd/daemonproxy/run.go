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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/RussellHaley/daemonproxy/cfg"
	"github.com/RussellHaley/daemonproxy/internal/cfgfile"
	"github.com/RussellHaley/daemonproxy/internal/logger"
	"github.com/RussellHaley/daemonproxy/internal/logsink"
	"github.com/RussellHaley/daemonproxy/internal/supervisor"
	"github.com/RussellHaley/daemonproxy/internal/sysctl"
	"github.com/RussellHaley/daemonproxy/internal/telemetry"
)

// envInBackground marks the daemonized child so a second pass through
// run doesn't re-exec itself again, the same role logger.
// GCSFuseInBackgroundMode plays in the teacher's own daemonizing flow.
const envInBackground = "DAEMONPROXY_IN_BACKGROUND"

// fatalError carries one of spec.md §6's process exit codes out of
// run, so main can report the right os.Exit status without every
// intermediate layer knowing about process exit at all.
type fatalError struct {
	code int
	err  error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(code int, format string, args ...any) error {
	return &fatalError{code: code, err: fmt.Errorf(format, args...)}
}

// severityOrder steps -v/-q one notch at a time; "none" is reachable
// only by explicit configuration, not by repeated -q, since it disables
// the sink entirely rather than merely quieting it.
var severityOrder = []cfg.LogSeverity{
	cfg.TraceLogSeverity,
	cfg.DebugLogSeverity,
	cfg.InfoLogSeverity,
	cfg.WarningLogSeverity,
	cfg.ErrorLogSeverity,
	cfg.FatalLogSeverity,
}

func applyVerbosity(sev cfg.LogSeverity, verbose, quiet int) cfg.LogSeverity {
	idx := 2 // InfoLogSeverity, used if sev isn't in the steppable order (e.g. "none")
	for i, s := range severityOrder {
		if s == sev {
			idx = i
			break
		}
	}
	idx -= verbose
	idx += quiet
	if idx < 0 {
		idx = 0
	}
	if idx >= len(severityOrder) {
		idx = len(severityOrder) - 1
	}
	return severityOrder[idx]
}

func run(args []string) error {
	opts, _, err := parseFlags(args)
	if err != nil {
		return fatal(cfg.ExitBadOptions, "parsing flags: %w", err)
	}

	if opts.ConfigFile == "" && !opts.Interactive && opts.SocketPath == "" {
		return fatal(cfg.ExitBadOptions, "at least one of -i, -c, or -S is required")
	}

	if opts.Daemonize && !sysctl.InBackgroundMode(envInBackground) {
		return daemonizeSelf(args)
	}

	if opts.CfgFile != "" {
		viper.SetConfigFile(opts.CfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			return fatal(cfg.ExitInvalidEnvironment, "reading --cfg file: %w", err)
		}
	}
	bootCfg, err := cfg.Decode(viper.GetViper())
	if err != nil {
		return fatal(cfg.ExitInvalidEnvironment, "decoding bootstrap config: %w", err)
	}

	bootCfg.Logging.Severity = applyVerbosity(bootCfg.Logging.Severity, opts.Verbose, opts.Quiet)
	if opts.SocketPath != "" {
		bootCfg.ControlSocketPath = opts.SocketPath
	}

	logger.SetLogSeverity(bootCfg.Logging.Severity)
	logger.SetLogFormat(bootCfg.Logging.Format)
	if bootCfg.Logging.TargetFile != "" {
		if err := logger.InitLogFile(logger.DefaultLogRotateConfig(), bootCfg.Logging); err != nil {
			return fatal(cfg.ExitInvalidEnvironment, "initializing logger: %w", err)
		}
	}

	if opts.Mlockall {
		if err := sysctl.LockMemory(); err != nil {
			return fatal(cfg.ExitInvalidEnvironment, "%w", err)
		}
	}
	if err := sysctl.Detach(); err != nil {
		logger.Warnf("setsid: %v", err)
	}

	telem := telemetry.New()
	if bootCfg.Telemetry.ListenAddr != "" {
		srv, err := telemetry.Serve(bootCfg.Telemetry.ListenAddr, telem)
		if err != nil {
			return fatal(cfg.ExitInvalidEnvironment, "starting telemetry listener: %w", err)
		}
		defer srv.Close(context.Background())
	}

	logFilter, ok := logsink.ParseLevel(string(bootCfg.Logging.Severity))
	if !ok {
		logFilter = logsink.LevelInfo
	}

	supCfg := supervisor.Config{
		FDCount:             bootCfg.Fd.Count,
		FDNameLimit:         bootCfg.Fd.NameLimit,
		ServiceCount:        bootCfg.Service.Count,
		ControllerCount:     bootCfg.ControllerPoolCount,
		LogFilter:           logFilter,
		LogBufferSize:       bootCfg.Logging.BufferSize,
		ControlSocketPath:   bootCfg.ControlSocketPath,
		TerminateGuard:      opts.Failsafe || os.Getpid() == 1,
		ExecOnExit:          opts.ExecOnExit,
		Telemetry:           telem,
	}
	if opts.Interactive {
		supCfg.InteractiveIn = os.Stdin
		supCfg.InteractiveOut = os.Stdout
	}

	sup, err := supervisor.New(supCfg)
	if err != nil {
		return fatal(cfg.ExitBrokenProgramState, "%w", err)
	}
	logger.Infof("daemonproxy starting: %s", bootCfg.Summary())

	if bootCfg.Logging.TargetFile != "" {
		if _, err := sup.FDs().Open("log", bootCfg.Logging.TargetFile, ""); err != nil {
			sup.Close()
			return fatal(cfg.ExitInvalidEnvironment, "opening logging.target-file: %w", err)
		}
		sup.AttachLog("log")
	}

	if opts.ConfigFile != "" {
		if err := cfgfile.Load(opts.ConfigFile, sup.Controllers(), sup.Dispatch); err != nil {
			sup.Close()
			return fatal(cfg.ExitInvalidEnvironment, "%w", err)
		}
	}

	if sysctl.InBackgroundMode(envInBackground) {
		if err := sysctl.SignalOutcome(nil); err != nil {
			logger.Warnf("signaling daemonize outcome: %v", err)
		}
	}

	return sup.Run()
}

// daemonizeSelf re-execs the current binary as a detached background
// process, mirroring the teacher's own foreground/background re-exec
// in cmd/legacy_main.go: same binary, same argv, one environment
// variable added so the re-exec doesn't recurse.
func daemonizeSelf(args []string) error {
	path, err := os.Executable()
	if err != nil {
		return fatal(cfg.ExitInvalidEnvironment, "resolving executable path: %w", err)
	}
	env := append(os.Environ(), envInBackground+"=true")
	if err := sysctl.Daemonize(path, args, env, os.Stdout); err != nil {
		return fatal(cfg.ExitInvalidEnvironment, "%w", err)
	}
	return nil
}
