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

// ValidateConfig returns a non-nil error if the config is internally
// contradictory. Rationalize should run first to fill in computed
// defaults; Validate only rejects combinations Rationalize cannot fix.
func ValidateConfig(c *Config) error {
	if c.Fd.Count <= 0 {
		return fmt.Errorf("fd-pool.count must be positive, got %d", c.Fd.Count)
	}
	if c.Fd.NameLimit <= 0 {
		return fmt.Errorf("fd-pool.name-limit must be positive, got %d", c.Fd.NameLimit)
	}
	if c.Service.Count <= 0 {
		return fmt.Errorf("service-pool.count must be positive, got %d", c.Service.Count)
	}
	if c.Service.VarsByteBudget < c.Fd.NameLimit {
		return fmt.Errorf("service-pool.vars-byte-budget (%d) is too small to hold a single name-limit-sized variable (%d)", c.Service.VarsByteBudget, c.Fd.NameLimit)
	}
	if c.ControllerPoolCount <= 0 {
		return fmt.Errorf("controller-pool-count must be positive, got %d", c.ControllerPoolCount)
	}
	if c.Logging.Severity.Rank() < 0 {
		return fmt.Errorf("invalid logging.severity %q", c.Logging.Severity)
	}
	if c.Logging.BufferSize <= 0 {
		return fmt.Errorf("logging.buffer-size must be positive, got %d", c.Logging.BufferSize)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
