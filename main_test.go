package xpsec

import (
	"bytes"
	"testing"
	"time"

	"github.com/slackhq/xpsec/config"
	"github.com/slackhq/xpsec/test"
	"github.com/slackhq/xpsec/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadConfig(t *testing.T, raw string) *config.C {
	t.Helper()
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString(raw))
	return c
}

func TestMain_SimBackend(t *testing.T) {
	l := test.NewLogger()
	c := loadConfig(t, "backend:\n  type: sim\n  sim:\n    memory: 262144\ndevice:\n  unit: 3\n  watchdog: 200ms\n")

	ctrl, err := Main(c, false, "test", l)
	require.NoError(t, err)
	ctrl.Start()
	t.Cleanup(func() { assert.NoError(t, ctrl.Stop()) })

	dev := ctrl.Device()
	require.NotNil(t, dev)
	assert.Equal(t, 3, dev.unit)
	assert.Equal(t, 200*time.Millisecond, time.Duration(dev.watchdogInterval.Load()))

	sid, err := dev.NewSession([]Key{{Alg: AlgAESCBC, Key: make([]byte, 16)}})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), sid>>28)

	done := make(chan struct{})
	buf := Contiguous(bytes.Repeat([]byte{1}, 32))
	req := &Request{
		Session: sid,
		Ops:     []Op{{Alg: AlgAESCBC, Encrypt: true, Len: 32, IV: make([]byte, 16)}},
		Buffer:  buf,
		Done:    func(*Request) { close(done) },
	}
	require.NoError(t, dev.Submit(req))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
	}
	assert.NoError(t, req.Err)

	require.NoError(t, c.ReloadConfigString("backend:\n  type: sim\ndevice:\n  unit: 3\n  watchdog: 2s\nlogging:\n  level: debug\n"))
	assert.Equal(t, 2*time.Second, time.Duration(dev.watchdogInterval.Load()))
}

func TestMain_ConfigTest(t *testing.T) {
	c := loadConfig(t, "backend:\n  type: uio\n")
	ctrl, err := Main(c, true, "test", test.NewLogger())
	require.NoError(t, err)
	assert.Nil(t, ctrl.Device())
	ctrl.Start()
	assert.NoError(t, ctrl.Stop())
}

func TestMain_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  string
	}{
		{"bad ring size", "device:\n  ring_size: 100\n", "Invalid device config"},
		{"bad unit", "device:\n  unit: 16\n", "Invalid device config"},
		{"unknown backend", "backend:\n  type: pci\n", "Failed to open the engine"},
		{"bad logging", "logging:\n  format: xml\n", "Failed to configure the logger"},
		{"bad stats", "stats:\n  type: carrier-pigeon\n  interval: 1s\n", "stats.type was not understood"},
		{"stats without interval", "stats:\n  type: graphite\n", "stats.interval was an invalid duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Main(loadConfig(t, tt.raw), false, "test", test.NewLogger())
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.err)

			var ce *util.ContextualError
			assert.ErrorAs(t, err, &ce)
		})
	}
}
