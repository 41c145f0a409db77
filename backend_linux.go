package xpsec

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec/config"
	"github.com/slackhq/xpsec/hw"
	"github.com/slackhq/xpsec/hw/uio"
)

func openUIO(l *logrus.Logger, c *config.C) (hw.Bus, error) {
	return uio.Open(l, uio.Config{
		Device: c.GetString("backend.uio.device", "uio0"),
		DMABuf: c.GetString("backend.uio.dmabuf", "udmabuf0"),
	})
}
