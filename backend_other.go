//go:build !linux

package xpsec

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec/config"
	"github.com/slackhq/xpsec/hw"
)

func openUIO(_ *logrus.Logger, _ *config.C) (hw.Bus, error) {
	return nil, errors.New("the uio backend is only available on linux")
}
