// Copyright 2024 Google LLC
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

// minVarsByteBudget is the smallest budget that can hold a single
// "args=\0" entry plus headroom for a handful of short user vars.
const minVarsByteBudget = 64

// resolveVarsByteBudget derives a vars-byte-budget floor from the
// name limit when the configured value is too small to be useful,
// rather than letting every service fail its first SetVar.
func resolveVarsByteBudget(nameLimit, configured int) int {
	floor := nameLimit + minVarsByteBudget
	if configured < floor {
		return floor
	}
	return configured
}
