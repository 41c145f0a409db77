package xpsec

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec/config"
	"github.com/slackhq/xpsec/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main builds a device from the config without starting it. With configTest set the config
// is only validated and nothing is opened.
func Main(c *config.C, configTest bool, buildVersion string, l *logrus.Logger) (*Control, error) {
	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}
		l.Println(string(b))
	}

	if err := configLogger(l, c); err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if err := configLogger(l, c); err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	options, err := deviceOptions(c)
	if err != nil {
		return nil, util.NewContextualError("Invalid device config", m{"unit": c.GetInt("device.unit", 0)}, err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return &Control{l: l}, nil
	}

	backend := c.GetString("backend.type", "sim")
	bus, err := openBackend(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to open the engine", m{"backend": backend}, err)
	}

	dev, err := New(l, bus, options...)
	if err != nil {
		bus.Close()
		return nil, util.NewContextualError("Failed to start the device", m{"backend": backend}, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if c.HasChanged("device.watchdog") {
			dev.SetWatchdog(c.GetDuration("device.watchdog", optionDefaults.watchdog))
		}
	})

	return &Control{
		l:          l,
		dev:        dev,
		bus:        bus,
		statsStart: statsStart,
	}, nil
}

func deviceOptions(c *config.C) ([]Option, error) {
	options := []Option{
		WithUnit(c.GetInt("device.unit", optionDefaults.unit)),
		WithMaxSessions(c.GetInt("device.max_sessions", optionDefaults.maxSessions)),
		WithWaitQueue(c.GetInt("device.wait_queue", optionDefaults.waitQueue)),
		WithRingSize(c.GetInt("device.ring_size", optionDefaults.ringSize)),
		WithWatchdog(c.GetDuration("device.watchdog", optionDefaults.watchdog)),
		WithBatchDelay(c.GetDuration("device.batch_delay", optionDefaults.batchDelay)),
		WithSessionIV(c.GetBool("device.reuse_session_iv", false)),
	}

	opts := optionDefaults
	opts.apply(options)
	return options, opts.validate()
}
