package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
link:
  device: /dev/ttyUSB0
  backend: bugst
  timeout: 500ms
stages:
  - name: hwp
    address: "0"
    home: true
  - name: qwp
    address: "2"
    pulses_per_turn: 143000
    home_direction: 1
optimizer:
  strategy: random
  max_stepsize_deg: 3
  n_stored: 10
  seed: 42
loop:
  iterations: 50
source:
  kind: tcp
  address: localhost:7000
trace:
  text: QBERS.txt
log:
  level: debug
  format: json
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/dev/ttyUSB0", cfg.Link.Device)
	assert.Equal(t, 9600, cfg.Link.Baud)
	assert.Equal(t, 500*time.Millisecond, cfg.Link.Timeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Link.ReadTimeout)

	require.Len(t, cfg.Stages, 2)
	assert.Equal(t, 143360.0, cfg.Stages[0].PulsesPerTurn)
	assert.True(t, cfg.Stages[0].Home)
	assert.Equal(t, 143000.0, cfg.Stages[1].PulsesPerTurn)
	assert.Equal(t, 1, cfg.Stages[1].HomeDirection)

	assert.Equal(t, "random", cfg.Optimizer.Strategy)
	assert.Equal(t, 0.01, cfg.Optimizer.Threshold)
	assert.Equal(t, uint64(42), cfg.Optimizer.Seed)
	assert.Equal(t, 10.0, cfg.Mapper.StepADeg)

	lvl, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("optimizer:\n  stepsize: 2\n"))
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "coordinate-descent", cfg.Optimizer.Strategy)
	assert.Equal(t, SourceStdin, cfg.Source.Kind)

	var verr *ValidationError
	require.ErrorAs(t, cfg.Validate(), &verr)
	assert.Equal(t, "link.device", verr.Field)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	cfg.Link.Simulate = true
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "hwp", cfg.Stages[0].Name)
	assert.Equal(t, "2", cfg.Stages[1].Address)
}

func TestValidate(t *testing.T) {
	tcs := []struct {
		field  string
		mutate func(*Config)
	}{
		{"link.backend", func(c *Config) { c.Link.Backend = "usb" }},
		{"stages", func(c *Config) { c.Stages = nil }},
		{"stages[0].address", func(c *Config) { c.Stages[0].Address = "G" }},
		{"stages[1].address", func(c *Config) { c.Stages[1].Address = "0" }},
		{"stages[1].name", func(c *Config) { c.Stages[1].Name = "hwp" }},
		{"stages[0].pulses_per_turn", func(c *Config) { c.Stages[0].PulsesPerTurn = -1 }},
		{"stages[0].home_direction", func(c *Config) { c.Stages[0].HomeDirection = 2 }},
		{"optimizer.strategy", func(c *Config) { c.Optimizer.Strategy = "annealing" }},
		{"optimizer.max_stepsize_deg", func(c *Config) { c.Optimizer.MaxStepsizeDeg = -2 }},
		{"optimizer.n_stored", func(c *Config) { c.Optimizer.NStored = -1 }},
		{"loop.iterations", func(c *Config) { c.Loop.Iterations = -1 }},
		{"source.kind", func(c *Config) { c.Source.Kind = "file" }},
		{"source.address", func(c *Config) { c.Source.Kind = SourceTCP }},
		{"log.level", func(c *Config) { c.Log.Level = "loud" }},
		{"log.format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range tcs {
		t.Run(tc.field, func(t *testing.T) {
			cfg := Default()
			cfg.Link.Simulate = true
			tc.mutate(cfg)
			err := cfg.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidateExplicitZero(t *testing.T) {
	tcs := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "optimizer",
			yaml:  "optimizer: {max_stepsize_deg: 0, n_stored: 0}\n",
			field: "optimizer.max_stepsize_deg",
		},
		{
			name:  "n_stored",
			yaml:  "optimizer: {n_stored: 0}\n",
			field: "optimizer.n_stored",
		},
		{
			name:  "pulses_per_turn",
			yaml:  "stages:\n  - {address: \"0\", pulses_per_turn: 0}\n",
			field: "stages[0].pulses_per_turn",
		},
		{
			name:  "baud",
			yaml:  "link: {simulate: true, baud: 0}\n",
			field: "link.baud",
		},
		{
			name:  "timeout",
			yaml:  "link: {simulate: true, timeout: 0s}\n",
			field: "link.timeout",
		},
		{
			name:  "map step",
			yaml:  "mapper: {step_b_deg: 0}\n",
			field: "mapper.step_b_deg",
		},
	}
	base := "link: {simulate: true}\nstages:\n  - {address: \"0\"}\n"
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			doc := tc.yaml
			if !strings.HasPrefix(doc, "link:") {
				doc = "link: {simulate: true}\n" + doc
			}
			if !strings.Contains(doc, "stages:") {
				doc += "stages:\n  - {address: \"0\"}\n"
			}
			cfg, err := Parse([]byte(doc))
			require.NoError(t, err)
			var verr *ValidationError
			require.ErrorAs(t, cfg.Validate(), &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	cfg, err := Parse([]byte(base))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestParseKeepsExplicitThreshold(t *testing.T) {
	cfg, err := Parse([]byte("link: {simulate: true}\nstages:\n  - {address: \"1\"}\noptimizer: {threshold: 0}\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.0, cfg.Optimizer.Threshold)
	assert.Equal(t, 2.0, cfg.Optimizer.MaxStepsizeDeg)
	assert.Equal(t, "stage1", cfg.Stages[0].Name)
	assert.Equal(t, 143360.0, cfg.Stages[0].PulsesPerTurn)
}

func TestParseRejectsUnknownStageKeys(t *testing.T) {
	_, err := Parse([]byte("stages:\n  - {address: \"0\", ppt: 1}\n"))
	assert.ErrorContains(t, err, "ppt")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polstab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bugst", cfg.Link.Backend)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
