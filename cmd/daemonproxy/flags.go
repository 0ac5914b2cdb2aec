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
	"github.com/spf13/pflag"

	"github.com/RussellHaley/daemonproxy/cfg"
)

// options holds the flags spec.md §6 documents that sit outside
// cfg.Config's bootstrap pool sizing: they pick the startup mode and
// adjust the bootstrap config rather than replacing it.
type options struct {
	Verbose     int
	Quiet       int
	ConfigFile  string
	Interactive bool
	SocketPath  string
	Mlockall    bool
	Failsafe    bool
	ExecOnExit  []string
	Daemonize   bool
	CfgFile     string
}

// parseFlags registers spec.md §6's option table, plus cfg.BindFlags's
// bootstrap pool-sizing flags, on a single pflag.FlagSet before parsing
// args — both flag groups must exist before Parse runs, or a bootstrap
// flag on the command line would fail as unrecognized. Follows the
// teacher's flag-table-then-resolve layering, with pflag used directly
// since the option table is flat — no subcommand tree the way cobra
// would otherwise justify. Returns the populated options and the
// FlagSet itself, already bound into viper by cfg.BindFlags.
//
// -E/--exec-on-exit takes a program name. When the name is a separate
// argument ("-E PROG" or "--exec-on-exit PROG"), every argument after
// it, flag-like or not, is left to PROG as its argv, the same "rest of
// the command line belongs to the last option" contract getopt-style
// CLIs use for a trailing variadic option. Positional arguments left
// over from flag parsing are appended to that argv as well.
func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("daemonproxy", pflag.ContinueOnError)
	if err := cfg.BindFlags(fs); err != nil {
		return nil, nil, err
	}

	opts := &options{}
	fs.CountVarP(&opts.Verbose, "verbose", "v", "Decrease the log filter by one step; may be repeated.")
	fs.CountVarP(&opts.Quiet, "quiet", "q", "Increase the log filter by one step; may be repeated.")
	fs.StringVarP(&opts.ConfigFile, "config-file", "c", "", "Path to a control-protocol config file, or - for standard input.")
	fs.BoolVarP(&opts.Interactive, "interactive", "i", false, "Bind stdin/stdout as an interactive controller.")
	fs.StringVarP(&opts.SocketPath, "socket", "S", "", "Filesystem path for the control socket.")
	fs.BoolVarP(&opts.Mlockall, "mlockall", "M", false, "Lock the process's address space in memory.")
	fs.BoolVarP(&opts.Failsafe, "failsafe", "F", false, "Terminate-guard: fatal errors do not exit the process.")
	execOnExit := fs.StringP("exec-on-exit", "E", "", "Program to exec into once the event loop terminates.")
	fs.BoolVar(&opts.Daemonize, "daemonize", false, "Re-exec as a detached background process before starting the loop.")
	fs.StringVar(&opts.CfgFile, "cfg", "", "Path to the bootstrap cfg.Config YAML file.")

	var execArgs []string
	for i, a := range args {
		if (a == "-E" || a == "--exec-on-exit") && i+1 < len(args) {
			execArgs = args[i+2:]
			args = args[:i+2]
			break
		}
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if *execOnExit != "" {
		opts.ExecOnExit = append(append([]string{*execOnExit}, fs.Args()...), execArgs...)
	}

	return opts, fs, nil
}
