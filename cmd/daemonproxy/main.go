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

// Command daemonproxy runs a process supervisor: it launches and
// monitors child services according to a declarative spec, exposing a
// line-oriented control protocol over stdio, a config file, and a Unix
// socket. See spec.md for the full external contract.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/RussellHaley/daemonproxy/cfg"
	"github.com/RussellHaley/daemonproxy/internal/logger"
)

func main() {
	err := run(os.Args[1:])
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var fe *fatalError
	if errors.As(err, &fe) {
		return fe.code
	}
	return cfg.ExitBrokenProgramState
}
