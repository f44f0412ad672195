package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup builds the process logger. format is "text" (default) or "json".
func Setup(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level == "" {
		level = "info"
	}
	lv, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lv = logrus.InfoLevel
	}
	logger.SetLevel(lv)
	return logger
}
