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

// Rationalize fills in computed defaults that depend on more than one
// field, the way the teacher's Rationalize derives cache sizing from
// related flags.
func Rationalize(c *Config) error {
	if c.Fd.Count <= 0 {
		c.Fd.Count = DefaultFdPoolCount
	}
	if c.Fd.NameLimit <= 0 {
		c.Fd.NameLimit = DefaultFdNameLimit
	}
	if c.Service.Count <= 0 {
		c.Service.Count = DefaultServicePoolCount
	}
	c.Service.VarsByteBudget = resolveVarsByteBudget(c.Fd.NameLimit, c.Service.VarsByteBudget)
	if c.ControllerPoolCount <= 0 {
		c.ControllerPoolCount = DefaultControllerPoolCount
	}
	if c.Logging.Severity == "" {
		c.Logging.Severity = InfoLogSeverity
	}
	if c.Logging.BufferSize <= 0 {
		c.Logging.BufferSize = DefaultLogBufferSize
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.ControlSocketMode == 0 {
		c.ControlSocketMode = 0600
	}
	return nil
}
