// Package log is a small logging backend wrapper around
// gopkg.in/op/go-logging.v1, in the style of the katzenpost core/log
// backend that server/cborplugin's Client pulls named loggers from
// (logBackend.GetLogger("client")).
package log

import (
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// Backend owns the shared logging configuration and hands out named
// *logging.Logger instances, one per component, so log lines carry a
// component tag without every package configuring formatting itself.
type Backend struct {
	level logging.Level
}

// NewBackend constructs a Backend writing to stderr at the given level
// ("DEBUG", "INFO", "WARNING", "ERROR"; invalid values fall back to INFO).
func NewBackend(level string) *Backend {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		lvl = logging.INFO
	}
	fmtr := logging.MustStringFormatter(
		`%{time:2006-01-02 15:04:05.000} %{level:.4s} %{module}: %{message}`,
	)
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, fmtr)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return &Backend{level: lvl}
}

// GetLogger returns a logger tagged with the given module/component name.
func (b *Backend) GetLogger(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}
