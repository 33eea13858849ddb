package node

import (
	"io"

	"github.com/sirupsen/logrus"

	"peerdrop/config"
)

// ConfigureLogging applies level and format from settings to logger.
func ConfigureLogging(logger *logrus.Logger, settings *config.Settings, out io.Writer) error {
	level, err := logrus.ParseLevel(settings.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if out != nil {
		logger.SetOutput(out)
	}
	switch settings.LogFormat {
	case config.LogFormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
