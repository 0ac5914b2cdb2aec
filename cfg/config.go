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
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config sizes the supervisor's fixed object pools and names its
// earliest log target, all of which must exist before the event loop
// (and therefore the line protocol that configures everything else)
// can start. Everything else — which services run, which FDs are open —
// is runtime state reached only through the control protocol.
type Config struct {
	Fd      FdPoolConfig      `yaml:"fd-pool"`
	Service ServicePoolConfig `yaml:"service-pool"`

	ControllerPoolCount int `yaml:"controller-pool-count"`

	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	ControlSocketPath string `yaml:"control-socket-path"`
	ControlSocketMode Octal  `yaml:"control-socket-mode"`
}

// FdPoolConfig sizes the named FD registry.
type FdPoolConfig struct {
	Count     int `yaml:"count"`
	NameLimit int `yaml:"name-limit"`
}

// ServicePoolConfig sizes the service pool and its per-service variable
// budget.
type ServicePoolConfig struct {
	Count          int `yaml:"count"`
	VarsByteBudget int `yaml:"vars-byte-budget"`
}

// LoggingConfig configures the supervisor's own bounded log sink
// (internal/logsink) at startup, before any `log.*` protocol command
// can retarget or refilter it.
type LoggingConfig struct {
	Severity   LogSeverity `yaml:"severity"`
	TargetFile string      `yaml:"target-file"`
	BufferSize int         `yaml:"buffer-size"`
	Format     string      `yaml:"format"`
}

// TelemetryConfig enables the Prometheus exporter. Empty ListenAddr
// disables it.
type TelemetryConfig struct {
	ListenAddr string `yaml:"listen-addr"`
}

// BindFlags registers every Config field as a pflag and binds it into
// viper under the matching YAML key, mirroring the teacher's
// flag-table-then-BindPFlag layering so the precedence is always
// flag defaults < YAML file < explicit flags.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error
	bind := func(key string) error {
		return viper.BindPFlag(key, flagSet.Lookup(key))
	}

	flagSet.Int("fd-pool.count", DefaultFdPoolCount, "Number of named FD slots to preallocate.")
	if err = bind("fd-pool.count"); err != nil {
		return err
	}

	flagSet.Int("fd-pool.name-limit", DefaultFdNameLimit, "Maximum byte length of a named FD's name.")
	if err = bind("fd-pool.name-limit"); err != nil {
		return err
	}

	flagSet.Int("service-pool.count", DefaultServicePoolCount, "Number of services to preallocate.")
	if err = bind("service-pool.count"); err != nil {
		return err
	}

	flagSet.Int("service-pool.vars-byte-budget", DefaultVarsByteBudget, "Maximum serialized size of one service's variables.")
	if err = bind("service-pool.vars-byte-budget"); err != nil {
		return err
	}

	flagSet.Int("controller-pool-count", DefaultControllerPoolCount, "Number of controller slots to preallocate.")
	if err = bind("controller-pool-count"); err != nil {
		return err
	}

	flagSet.String("logging.severity", string(InfoLogSeverity), "Initial minimum severity for the supervisor's log sink.")
	if err = bind("logging.severity"); err != nil {
		return err
	}

	flagSet.String("logging.target-file", "", "Named FD or path the log sink writes to before any log.fd protocol command runs.")
	if err = bind("logging.target-file"); err != nil {
		return err
	}

	flagSet.Int("logging.buffer-size", DefaultLogBufferSize, "Bytes reserved for the bounded log sink's buffer.")
	if err = bind("logging.buffer-size"); err != nil {
		return err
	}

	flagSet.String("logging.format", DefaultLogFormat, "Rendering for the supervisor's own diagnostic logger: text or json.")
	if err = bind("logging.format"); err != nil {
		return err
	}

	flagSet.String("telemetry.listen-addr", "", "Address to serve /metrics on; empty disables telemetry.")
	if err = bind("telemetry.listen-addr"); err != nil {
		return err
	}

	flagSet.String("control-socket-path", "", "Filesystem path for the control socket; empty disables it.")
	if err = bind("control-socket-path"); err != nil {
		return err
	}

	flagSet.String("control-socket-mode", "0600", "Octal permission bits for the control socket.")
	if err = bind("control-socket-mode"); err != nil {
		return err
	}

	return nil
}

// Decode unmarshals v (already loaded from flags and an optional YAML
// file) into a Config, applies Rationalize, and validates the result.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c, viper.DecodeHook(DecodeHook()), func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return nil, err
	}
	if err := Rationalize(&c); err != nil {
		return nil, err
	}
	if err := ValidateConfig(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
