package bus

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polstab/config"
)

func simulated(t *testing.T) *Bus {
	t.Helper()
	cfg := config.Default()
	cfg.Link.Simulate = true
	cfg.Link.Timeout = 200 * time.Millisecond
	cfg.Stages[1].Home = true
	cfg.Stages[1].HomeDirection = 1
	require.NoError(t, cfg.Validate())

	b, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestOpenSimulated(t *testing.T) {
	b := simulated(t)
	require.Len(t, b.Stages(), 2)
	require.NotNil(t, b.Simulator())

	acts := b.Actuators()
	require.NoError(t, acts[0].MoveAbsoluteDeg(90))
	assert.InDelta(t, 90, acts[0].PositionDeg(), 0.01)
	assert.Equal(t, int32(35840), b.Simulator().Pulses("0"))
}

func TestLookup(t *testing.T) {
	b := simulated(t)
	st, ok := b.Lookup("qwp")
	require.True(t, ok)
	assert.Equal(t, "2", st.Address())

	st, ok = b.Lookup("0")
	require.True(t, ok)
	assert.Equal(t, "hwp", st.Name())

	_, ok = b.Lookup("7")
	assert.False(t, ok)
}

func TestHomeConfigured(t *testing.T) {
	b := simulated(t)
	require.NoError(t, b.HomeConfigured())
	assert.False(t, b.Simulator().Homed("0"))
	assert.True(t, b.Simulator().Homed("2"))
}

func TestPrintInfo(t *testing.T) {
	b := simulated(t)
	var buf bytes.Buffer
	b.PrintInfo(&buf)
	out := buf.String()
	assert.Contains(t, out, "hwp (address 0)")
	assert.Contains(t, out, "qwp (address 2)")
	assert.Contains(t, out, "status ok")
}
