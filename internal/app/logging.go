package app

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"lancollab/internal/config"
)

// ConfigureLogging sets the level, format and output of the standard
// logrus logger every component derives its entry from.
func ConfigureLogging(cfg *config.LogConfig, out io.Writer) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	logrus.SetLevel(level)
	if out != nil {
		logrus.SetOutput(out)
	}
	return nil
}
