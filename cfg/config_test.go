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

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestDecodeAppliesFlagDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(fs); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		t.Fatalf("BindPFlags: %v", err)
	}

	c, err := Decode(v)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c.Fd.Count != DefaultFdPoolCount {
		t.Fatalf("Fd.Count = %d, want %d", c.Fd.Count, DefaultFdPoolCount)
	}
	if c.Service.Count != DefaultServicePoolCount {
		t.Fatalf("Service.Count = %d, want %d", c.Service.Count, DefaultServicePoolCount)
	}
	if c.Logging.Severity != InfoLogSeverity {
		t.Fatalf("Logging.Severity = %q, want %q", c.Logging.Severity, InfoLogSeverity)
	}
	if c.ControlSocketMode != 0600 {
		t.Fatalf("ControlSocketMode = %o, want 0600", c.ControlSocketMode)
	}
	if c.Logging.Format != DefaultLogFormat {
		t.Fatalf("Logging.Format = %q, want %q", c.Logging.Format, DefaultLogFormat)
	}
}

func TestRationalizeDerivesVarsByteBudgetFloor(t *testing.T) {
	c := &Config{Fd: FdPoolConfig{NameLimit: 200}, Service: ServicePoolConfig{VarsByteBudget: 10}}
	if err := Rationalize(c); err != nil {
		t.Fatalf("Rationalize: %v", err)
	}
	if c.Service.VarsByteBudget < c.Fd.NameLimit {
		t.Fatalf("VarsByteBudget = %d, should be raised above NameLimit %d", c.Service.VarsByteBudget, c.Fd.NameLimit)
	}
}

func TestValidateRejectsNonPositivePoolCounts(t *testing.T) {
	c := &Config{
		Fd:                  FdPoolConfig{Count: 0, NameLimit: 32},
		Service:             ServicePoolConfig{Count: 1, VarsByteBudget: 64},
		ControllerPoolCount: 1,
		Logging:             LoggingConfig{Severity: InfoLogSeverity, BufferSize: 64, Format: "text"},
	}
	if err := ValidateConfig(c); err == nil {
		t.Fatal("expected validation error for zero fd pool count")
	}
}

func TestValidateRejectsUnknownSeverity(t *testing.T) {
	c := &Config{
		Fd:                  FdPoolConfig{Count: 1, NameLimit: 32},
		Service:             ServicePoolConfig{Count: 1, VarsByteBudget: 64},
		ControllerPoolCount: 1,
		Logging:             LoggingConfig{Severity: "bogus", BufferSize: 64, Format: "text"},
	}
	if err := ValidateConfig(c); err == nil {
		t.Fatal("expected validation error for unknown severity")
	}
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	c := &Config{
		Fd:                  FdPoolConfig{Count: 1, NameLimit: 32},
		Service:             ServicePoolConfig{Count: 1, VarsByteBudget: 64},
		ControllerPoolCount: 1,
		Logging:             LoggingConfig{Severity: InfoLogSeverity, BufferSize: 64, Format: "xml"},
	}
	if err := ValidateConfig(c); err == nil {
		t.Fatal("expected validation error for unknown log format")
	}
}

func TestOctalUnmarshalAndString(t *testing.T) {
	var o Octal
	if err := o.UnmarshalText([]byte("600")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if o != 0600 {
		t.Fatalf("Octal = %o, want 0600", int(o))
	}
	if o.String() != "0600" {
		t.Fatalf("String() = %q, want %q", o.String(), "0600")
	}
}

func TestSummaryReportsPoolSizesAndTargets(t *testing.T) {
	c := &Config{
		Fd:                  FdPoolConfig{Count: 16, NameLimit: 32},
		Service:             ServicePoolConfig{Count: 8, VarsByteBudget: 64},
		ControllerPoolCount: 4,
		Logging:             LoggingConfig{Severity: InfoLogSeverity, TargetFile: "/tmp/daemonproxy.log"},
		ControlSocketPath:   "/tmp/daemonproxy.sock",
		ControlSocketMode:   0600,
		Telemetry:           TelemetryConfig{ListenAddr: ":9090"},
	}
	got := c.Summary()
	for _, want := range []string{"fds=16", "services=8", "controllers=4", "/tmp/daemonproxy.log", "/tmp/daemonproxy.sock", ":9090"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Summary() = %q, want it to contain %q", got, want)
		}
	}
}
