package xpsec

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec/config"
	"github.com/slackhq/xpsec/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLogger(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		level     logrus.Level
		formatter logrus.Formatter
		err       string
	}{
		{
			name:      "defaults",
			raw:       "device: {}",
			level:     logrus.InfoLevel,
			formatter: &logrus.TextFormatter{TimestampFormat: "2006-01-02T15:04:05Z07:00"},
		},
		{
			name:      "json with a timestamp format",
			raw:       "logging:\n  level: DEBUG\n  format: json\n  timestamp_format: 2006\n",
			level:     logrus.DebugLevel,
			formatter: &logrus.JSONFormatter{TimestampFormat: "2006"},
		},
		{
			name:      "text without timestamps",
			raw:       "logging:\n  level: warn\n  disable_timestamp: yes\n  timestamp_format: 15:04\n",
			level:     logrus.WarnLevel,
			formatter: &logrus.TextFormatter{TimestampFormat: "15:04", FullTimestamp: true, DisableTimestamp: true},
		},
		{name: "bad level", raw: "logging:\n  level: loud\n", err: "not a valid logrus Level"},
		{name: "bad format", raw: "logging:\n  format: xml\n", err: "unknown log format `xml`"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := test.NewLogger()
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tt.raw))

			err := configLogger(l, c)
			if tt.err != "" {
				assert.ErrorContains(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.level, l.Level)
			assert.Equal(t, tt.formatter, l.Formatter)
		})
	}
}
