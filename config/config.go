// Package config loads the YAML configuration of the polstab tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"polstab/host/serial"
	"polstab/host/stage"
	"polstab/optimizer"
	"polstab/protocol"
)

// Config is the root of the configuration file.
type Config struct {
	Link      LinkConfig      `yaml:"link"`
	Stages    []StageConfig   `yaml:"stages"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Loop      LoopConfig      `yaml:"loop"`
	Source    SourceConfig    `yaml:"source"`
	Trace     TraceConfig     `yaml:"trace"`
	Mapper    MapperConfig    `yaml:"mapper"`
	Log       LogConfig       `yaml:"log"`
}

// LinkConfig describes the serial bus shared by the stages.
type LinkConfig struct {
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	Backend     string        `yaml:"backend"`      // tarm, bugst
	Timeout     time.Duration `yaml:"timeout"`      // reply timeout
	ReadTimeout time.Duration `yaml:"read_timeout"` // driver poll interval
	// Simulate serves the bus from an in-process device model instead of
	// opening Device.
	Simulate bool `yaml:"simulate"`
}

type StageConfig struct {
	Name          string  `yaml:"name"`
	Address       string  `yaml:"address"`
	PulsesPerTurn float64 `yaml:"pulses_per_turn"`
	Home          bool    `yaml:"home"`
	HomeDirection int     `yaml:"home_direction"` // 0 clockwise, 1 counter-clockwise
}

type OptimizerConfig struct {
	Strategy       string  `yaml:"strategy"`
	MaxStepsizeDeg float64 `yaml:"max_stepsize_deg"`
	Threshold      float64 `yaml:"threshold"`
	NStored        int     `yaml:"n_stored"`
	Seed           uint64  `yaml:"seed"` // 0 seeds from the clock
}

type LoopConfig struct {
	Iterations int           `yaml:"iterations"` // 0 runs until interrupted
	Interval   time.Duration `yaml:"interval"`
}

// SourceConfig selects where QBER measurements come from.
type SourceConfig struct {
	Kind    string `yaml:"kind"`    // stdin, tcp, simulated
	Address string `yaml:"address"` // host:port for tcp
	// Simulated model parameters.
	Targets  []float64 `yaml:"targets"`
	Floor    float64   `yaml:"floor"`
	Noise    float64   `yaml:"noise"`
	DriftDeg float64   `yaml:"drift_deg"`
}

type TraceConfig struct {
	Text  string `yaml:"text"`  // tab separated QBER log, empty to disable
	Proto string `yaml:"proto"` // framed protobuf records, empty to disable
}

type MapperConfig struct {
	StepADeg float64       `yaml:"step_a_deg"`
	StepBDeg float64       `yaml:"step_b_deg"`
	Settle   time.Duration `yaml:"settle"`
	Output   string        `yaml:"output"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Source kinds.
const (
	SourceStdin     = "stdin"
	SourceTCP       = "tcp"
	SourceSimulated = "simulated"
)

// ValidationError reports an unusable configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads and parses the file at path. The result has defaults applied
// but is not validated, so that command-line overrides can be applied
// first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML. Unknown keys are rejected. Keys that are present keep
// their value, even a zero one, so that Validate can reject it; only absent
// keys take the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the configuration used when no file is given: two stages
// at addresses 0 and 2 driven by coordinate descent.
func Default() *Config {
	cfg := defaults()
	cfg.Stages = []StageConfig{
		{Name: "hwp", Address: "0", PulsesPerTurn: stage.DefaultPulsesPerTurn},
		{Name: "qwp", Address: "2", PulsesPerTurn: stage.DefaultPulsesPerTurn},
	}
	applyDefaults(cfg)
	return cfg
}

// defaults returns the values of every key that may be left out of a file.
// The file is decoded on top of them.
func defaults() *Config {
	return &Config{
		Link: LinkConfig{
			Baud:        9600,
			Backend:     serial.BackendTarm,
			Timeout:     protocol.DefaultTimeout,
			ReadTimeout: 100 * time.Millisecond,
		},
		Optimizer: OptimizerConfig{
			Strategy:       string(optimizer.KindCoordinateDescent),
			MaxStepsizeDeg: 2,
			Threshold:      0.01,
			NStored:        1,
		},
		Source: SourceConfig{
			Kind:  SourceStdin,
			Floor: 0.02,
		},
		Mapper: MapperConfig{
			StepADeg: 10,
			StepBDeg: 10,
			Settle:   200 * time.Millisecond,
			Output:   "map_qber.txt",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// stageKeys are the keys accepted in a stages entry.
var stageKeys = map[string]bool{
	"name": true, "address": true, "pulses_per_turn": true, "home": true, "home_direction": true,
}

// UnmarshalYAML decodes one stages entry on top of the stage defaults.
func (s *StageConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(value.Content); i += 2 {
			key := value.Content[i]
			if !stageKeys[key.Value] {
				return fmt.Errorf("line %d: field %s not found in stage", key.Line, key.Value)
			}
		}
	}
	type plain StageConfig
	p := plain{PulsesPerTurn: stage.DefaultPulsesPerTurn}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = StageConfig(p)
	return nil
}

// applyDefaults fills in values derived from others
func applyDefaults(cfg *Config) {
	for i := range cfg.Stages {
		st := &cfg.Stages[i]
		if st.Name == "" {
			st.Name = "stage" + st.Address
		}
	}
}
