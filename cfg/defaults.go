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

// Defaults for the bootstrap pool-sizing knobs. The original's
// config.h constants for these were not part of the retrieved source;
// chosen to be reasonable for a small supervisor instance.
const (
	DefaultFdPoolCount         = 64
	DefaultFdNameLimit         = 256
	DefaultServicePoolCount    = 64
	DefaultVarsByteBudget      = 4096
	DefaultControllerPoolCount = 8
	DefaultLogBufferSize       = 4096
)

// DefaultLogFormat is the supervisor diagnostic logger's rendering
// when logging.format is left unset.
const DefaultLogFormat = "text"
