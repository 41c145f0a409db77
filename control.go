package xpsec

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec/hw"
)

// Control owns a device built by Main and the engine behind it.
type Control struct {
	l          *logrus.Logger
	dev        *Device
	bus        hw.Bus
	cancel     context.CancelFunc
	statsStart func()
}

// Start runs the device and the stats exporter. It does not block.
func (c *Control) Start() {
	if c.dev == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.dev.Start(ctx)

	if c.statsStart != nil {
		go c.statsStart()
	}
}

// Device returns the running device, or nil after a config test.
func (c *Control) Device() *Device {
	return c.dev
}

// Stop closes the device, failing anything still queued, then the engine. It returns after
// the shutdown is complete.
func (c *Control) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}

	var errs []error
	if c.dev != nil {
		if err := c.dev.Close(); err != nil {
			c.l.WithError(err).Error("Close device failed")
			errs = append(errs, err)
		}
	}
	if c.bus != nil {
		if err := c.bus.Close(); err != nil {
			c.l.WithError(err).Error("Close engine failed")
			errs = append(errs, err)
		}
	}

	c.l.Info("Goodbye")
	return errors.Join(errs...)
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}
