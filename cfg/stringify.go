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

import "fmt"

func (o Octal) String() string {
	return fmt.Sprintf("%04o", int(o))
}

// Summary renders a one-line startup banner of the pool sizes and
// targets a resolved Config will run with, logged once at startup.
func (c *Config) Summary() string {
	return fmt.Sprintf(
		"fds=%d(name<=%d) services=%d(vars<=%d) controllers=%d log=%s@%q socket=%q(mode=%s) metrics=%q",
		c.Fd.Count, c.Fd.NameLimit,
		c.Service.Count, c.Service.VarsByteBudget,
		c.ControllerPoolCount,
		c.Logging.Severity, c.Logging.TargetFile,
		c.ControlSocketPath, c.ControlSocketMode,
		c.Telemetry.ListenAddr,
	)
}
