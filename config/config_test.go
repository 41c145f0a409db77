package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/xpsec/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "01.yaml"), "device:\n  unit: 1\n  ring_size: 256\nstats:\n  type: none\n")
	writeFile(t, filepath.Join(dir, "02.yaml"), "device:\n  ring_size: 1024\n")

	c := NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Equal(t, 1, c.GetInt("device.unit", 0))
	assert.Equal(t, 1024, c.GetInt("device.ring_size", 0))
	assert.Equal(t, "none", c.GetString("stats.type", ""))

	writeFile(t, filepath.Join(dir, "03.yaml"), " invalid yaml")
	assert.Error(t, NewC(l).Load(dir))
}

func TestConfig_LoadString(t *testing.T) {
	c := NewC(test.NewLogger())
	assert.Error(t, c.LoadString(""))
	require.NoError(t, c.LoadString("backend:\n  type: sim\n"))
	assert.Equal(t, map[string]any{"type": "sim"}, c.GetMap("backend", nil))
}

func TestConfig_Get(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["device"] = map[string]any{"watchdog": "250ms", "sessions": 64}

	assert.Equal(t, "250ms", c.Get("device.watchdog"))
	assert.Equal(t, 250*time.Millisecond, c.GetDuration("device.watchdog", time.Second))
	assert.Equal(t, 64, c.GetInt("device.sessions", 32))
	assert.Equal(t, 16, c.GetInt("device.wait_queue", 16))
	assert.Equal(t, time.Second, c.GetDuration("device.ring_size", time.Second))
	assert.Nil(t, c.Get("device.nope"))
	assert.Nil(t, c.Get("device.watchdog.deeper"))
	assert.True(t, c.IsSet("device.sessions"))
	assert.False(t, c.IsSet("backend"))
}

func TestConfig_GetBool(t *testing.T) {
	c := NewC(test.NewLogger())

	tests := []struct {
		value any
		def   bool
		want  bool
	}{
		{true, false, true},
		{"true", false, true},
		{false, true, false},
		{"false", true, false},
		{"Y", false, true},
		{"yEs", false, true},
		{"N", true, false},
		{"nO", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		c.Settings["bool"] = tt.value
		assert.Equal(t, tt.want, c.GetBool("bool", tt.def), "%v", tt.value)
	}
}

func TestConfig_HasChanged(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""), "no reload yet")

	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfig(t *testing.T) {
	l := test.NewLogger()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "device:\n  watchdog: 1s\n")

	c := NewC(l)
	require.NoError(t, c.Load(path))
	assert.True(t, c.InitialLoad())

	var seen []time.Duration
	c.RegisterReloadCallback(func(c *C) {
		seen = append(seen, c.GetDuration("device.watchdog", 0))
	})

	writeFile(t, path, "device:\n  watchdog: 2s\n")
	c.ReloadConfig()
	assert.False(t, c.InitialLoad())
	assert.True(t, c.HasChanged("device.watchdog"))

	// A broken file keeps the old settings and skips the callbacks.
	writeFile(t, path, "device: [")
	c.ReloadConfig()
	assert.Equal(t, []time.Duration{2 * time.Second}, seen)

	require.NoError(t, c.ReloadConfigString("device:\n  watchdog: 3s\n"))
	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second}, seen)
}
