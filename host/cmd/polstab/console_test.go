package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polstab/config"
	"polstab/host/bus"
)

func simulatedBus(t *testing.T) *bus.Bus {
	t.Helper()
	cfg := config.Default()
	cfg.Link.Simulate = true
	cfg.Link.Timeout = 200 * time.Millisecond
	b, err := bus.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestConsoleSession(t *testing.T) {
	b := simulatedBus(t)
	in := strings.NewReader(strings.Join([]string{
		"move hwp 90",
		"rel 2 -45",
		"pulses hwp 0x100",
		"home qwp 1",
		`raw 0 gs`,
		"status hwp",
		"frobnicate",
		"quit",
		"move hwp 10",
	}, "\n"))
	var out bytes.Buffer

	require.NoError(t, newConsole(b, in, &out).run())

	s := out.String()
	assert.Contains(t, s, "hwp: 90.000°")
	assert.Contains(t, s, "qwp: -45.000°")
	assert.Contains(t, s, "qwp: 0.000°")
	assert.Contains(t, s, `"0GS00"`)
	assert.Contains(t, s, "hwp: ok")
	assert.Contains(t, s, "Unknown command: frobnicate")
	assert.Contains(t, s, "Goodbye!")

	assert.Equal(t, int32(0x100), b.Simulator().Pulses("0"))
	assert.True(t, b.Simulator().Homed("2"))
}

func TestConsoleErrors(t *testing.T) {
	b := simulatedBus(t)
	c := newConsole(b, nil, &bytes.Buffer{})

	tcs := []string{
		"move",
		"move nowhere 1",
		"move hwp north",
		"move hwp NaN",
		"rel 0 -Inf",
		"home hwp x",
		"raw Z gs",
		`move "hwp 1`,
	}
	for _, line := range tcs {
		quit, err := c.exec(line)
		assert.False(t, quit, line)
		assert.Error(t, err, line)
	}
	assert.Empty(t, b.Simulator().Commands())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "stage", "hwp")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"run_id"`)
	assert.Contains(t, buf.String(), `"stage":"hwp"`)
}
