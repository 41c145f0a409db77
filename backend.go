package xpsec

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec/config"
	"github.com/slackhq/xpsec/hw"
	"github.com/slackhq/xpsec/hw/sim"
)

func openBackend(l *logrus.Logger, c *config.C) (hw.Bus, error) {
	switch t := c.GetString("backend.type", "sim"); t {
	case "sim":
		return sim.New(l, c.GetInt("backend.sim.memory", sim.DefaultMemory))
	case "uio":
		return openUIO(l, c)
	default:
		return nil, fmt.Errorf("backend.type was not understood: %s", t)
	}
}
