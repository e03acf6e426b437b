// logcfg.go - shared op/go-logging backend wiring for every package logger.
// Copyright (C) 2018  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package logcfg installs the process-wide op/go-logging backend that every
// package's logging.MustGetLogger(name) call renders through. Left
// uninitialized, go-logging already defaults to a usable stderr backend;
// this package only needs to run when a caller wants level filtering or
// rotation to a file.
package logcfg

import (
	"io"
	"os"

	"github.com/op/go-logging"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes and how verbose it is.
type Config struct {
	// Level is one of "DEBUG", "INFO", "NOTICE", "WARNING", "ERROR", "CRITICAL".
	Level string
	// File, if non-empty, rotates log output there instead of stderr.
	File string
	// MaxSizeMB is the rotated file's size cap, passed straight to lumberjack.
	MaxSizeMB int
	// MaxAgeDays bounds how long rotated files are kept.
	MaxAgeDays int
	// MaxBackups bounds how many rotated files are kept.
	MaxBackups int
}

// DefaultConfig logs at NOTICE to stderr, the same default-verbosity
// behavior the client ships with when a user hasn't opted into a log file.
func DefaultConfig() Config {
	return Config{Level: "NOTICE"}
}

// Init installs cfg as the backend for every logger obtained via
// logging.MustGetLogger, process-wide. A later call replaces the backend
// outright.
func Init(cfg Config) error {
	var writer io.Writer = os.Stderr
	if cfg.File != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxAge:     orDefault(cfg.MaxAgeDays, 30),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			Compress:   true,
		}
	}

	backend := logging.NewLogBackend(writer, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(
		`%{time:2006-01-02 15:04:05.000} %{level:.4s} %{module}: %{message}`,
	))

	level, err := logging.LogLevel(cfg.Level)
	if err != nil {
		return err
	}
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "")

	logging.SetBackend(leveled)
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
