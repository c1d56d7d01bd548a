// log.go - Logging backend.
// Copyright (C) 2017  Yawning Angel.
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

// Package log provides a logging backend, based around the go-logging package.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

// Backend is a log backend shared by every component of a node.
type Backend struct {
	sync.RWMutex

	w       io.Writer
	path    string
	level   logging.Level
	backend logging.LeveledBackend
}

// Log implements the logging.Backend interface.
func (b *Backend) Log(level logging.Level, calldepth int, rec *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.backend.Log(level, calldepth+1, rec)
}

// GetLevel implements the logging.Leveled interface.
func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.backend.GetLevel(module)
}

// SetLevel implements the logging.Leveled interface.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.backend.SetLevel(level, module)
}

// IsEnabledFor implements the logging.Leveled interface.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.backend.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// GetLogWriter returns a per-module io.Writer that writes to the backend at
// the provided level.
func (b *Backend) GetLogWriter(module string, level string) io.Writer {
	lvl, err := logLevelFromString(level)
	if err != nil {
		panic("log: GetLogWriter(): Invalid level: " + err.Error())
	}
	return &logWriter{m: b.GetLogger(module), lvl: lvl}
}

// New initializes a logging backend.  An empty f logs to stdout.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	b := &Backend{path: f, level: lvl}
	switch {
	case disable:
		b.w = io.Discard
		b.path = ""
	case f == "":
		b.w = os.Stdout
	default:
		if b.w, err = openLogFile(f); err != nil {
			return nil, err
		}
	}
	b.backend = newLeveledBackend(b.w, lvl)
	return b, nil
}

func openLogFile(f string) (io.Writer, error) {
	const fileMode = 0600
	flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
	w, err := os.OpenFile(f, flags, fileMode)
	if err != nil {
		return nil, fmt.Errorf("log: failed to create log file: %v", err)
	}
	return w, nil
}

func newLeveledBackend(w io.Writer, lvl logging.Level) logging.LeveledBackend {
	logFmt := logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")
	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logFmt)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	return leveled
}

// Rotate reopens the log file, if logging to one.  Per-module levels set
// with SetLevel are reset.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()
	if b.path == "" {
		return nil
	}
	w, err := openLogFile(b.path)
	if err != nil {
		return err
	}
	if c, ok := b.w.(io.Closer); ok {
		c.Close()
	}
	b.w = w
	b.backend = newLeveledBackend(w, b.level)
	return nil
}

// Close closes the underlying log file, if any.
func (b *Backend) Close() error {
	b.Lock()
	defer b.Unlock()
	if c, ok := b.w.(io.Closer); ok && b.w != os.Stdout {
		return c.Close()
	}
	return nil
}

type logWriter struct {
	m   *logging.Logger
	lvl logging.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	s := strings.TrimSpace(string(p))
	switch w.lvl {
	case logging.ERROR:
		w.m.Error(s)
	case logging.WARNING:
		w.m.Warning(s)
	case logging.NOTICE:
		w.m.Notice(s)
	case logging.INFO:
		w.m.Info(s)
	default:
		w.m.Debug(s)
	}
	return len(p), nil
}

func logLevelFromString(l string) (logging.Level, error) {
	switch l {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}
