package util

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// NewLogger builds the process logger. When LogFile is set, output goes to
// both stdout and the file.
func NewLogger(conf *AppConfig) (*log.Logger, error) {
	var out io.Writer = os.Stdout
	if conf.Conf.LogFile != "" {
		logFile, err := os.OpenFile(conf.Conf.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "opening log file %s", conf.Conf.LogFile)
		}
		out = io.MultiWriter(os.Stdout, logFile)
	}

	logger := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05.000",
		Prefix:          Name,
	})
	logger.SetLevel(ParseLevel(conf.Conf.LogLevel))
	return logger, nil
}

func ParseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// DiscardLogger is used by tests and commands that do not want output.
func DiscardLogger() *log.Logger {
	return log.New(io.Discard)
}
