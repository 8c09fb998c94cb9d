/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging is the internal leveled logger shared by the shmchan packages.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

const envLogLevel = "SHMCHAN_LOG_LEVEL"

var (
	current atomic.Int32

	outMu sync.Mutex
	out   log.Logger = newBase(os.Stdout)
)

func init() {
	current.Store(LevelWarn)
	if s := os.Getenv(envLogLevel); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			SetLogLevel(n)
		}
	}
}

func newBase(w io.Writer) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(w))
	return log.With(l, "ts", log.DefaultTimestampUTC)
}

// SetLogLevel changes the level of every logger and the default level is Warn.
// The process env `SHMCHAN_LOG_LEVEL` also could set log level.
func SetLogLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		current.Store(int32(l))
	}
}

// SetOutput redirects all loggers to w.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	outMu.Lock()
	out = newBase(w)
	outMu.Unlock()
}

func base() log.Logger {
	outMu.Lock()
	defer outMu.Unlock()
	return out
}

// Logger writes logfmt lines tagged with a component name.
type Logger struct {
	name string
}

// New returns a logger whose lines carry component=name.
func New(name string) *Logger {
	return &Logger{name: name}
}

func (l *Logger) log(lvl int, msg string) {
	if int(current.Load()) > lvl {
		return
	}
	logger := log.With(base(), "component", l.name, "caller", log.Caller(5))
	var err error
	switch lvl {
	case LevelTrace, LevelDebug:
		err = level.Debug(logger).Log("msg", msg)
	case LevelInfo:
		err = level.Info(logger).Log("msg", msg)
	case LevelWarn:
		err = level.Warn(logger).Log("msg", msg)
	default:
		err = level.Error(logger).Log("msg", msg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger %s failed: %v\n", l.name, err)
	}
}

func (l *Logger) Errorf(format string, a ...interface{}) { l.log(LevelError, fmt.Sprintf(format, a...)) }

func (l *Logger) Warnf(format string, a ...interface{}) { l.log(LevelWarn, fmt.Sprintf(format, a...)) }

func (l *Logger) Infof(format string, a ...interface{}) { l.log(LevelInfo, fmt.Sprintf(format, a...)) }

func (l *Logger) Debugf(format string, a ...interface{}) { l.log(LevelDebug, fmt.Sprintf(format, a...)) }

func (l *Logger) Tracef(format string, a ...interface{}) { l.log(LevelTrace, fmt.Sprintf(format, a...)) }

// Enabled reports whether messages at lvl are printed.
func Enabled(lvl int) bool {
	return int(current.Load()) <= lvl
}
