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

package cfg

// Process exit codes, per spec.md §6. cmd/daemonproxy is the only
// place allowed to call os.Exit with these.
const (
	ExitBadOptions         = 1
	ExitInvalidEnvironment = 2
	ExitBrokenProgramState = 3
)

// Environment variables exported before an exec-on-exit cleanup
// program replaces this process.
const (
	EnvInitFrameError    = "INIT_FRAME_ERROR"
	EnvInitFrameExitCode = "INIT_FRAME_EXITCODE"
)
