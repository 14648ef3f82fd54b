/*
 * Copyright 2025 tomoncle.
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

package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Logger = logrus.Logger

var (
	loggerRegistryMu sync.RWMutex
	loggerRegistry   = map[string]*logrus.Logger{}
	baseLevel        = ParseLogLevel(EnvDefaultString("LOG_LEVEL", "info"))
	consoleLogFormat = EnvDefaultString("CONSOLE_LOG_FORMAT", "text")
)

// ParseLogLevel converts a level name into a logrus level, defaulting to info.
func ParseLogLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// NewLogger returns the named logger, creating and registering it on first use.
func NewLogger(name string) *logrus.Logger {
	loggerRegistryMu.RLock()
	l, ok := loggerRegistry[name]
	loggerRegistryMu.RUnlock()
	if ok {
		return l
	}

	loggerRegistryMu.Lock()
	defer loggerRegistryMu.Unlock()
	if l, ok = loggerRegistry[name]; ok {
		return l
	}
	l = logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(baseLevel)
	l.SetReportCaller(true)
	if consoleLogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05.000"})
	} else {
		l.SetFormatter(&Log4jColorFormatter{LoggerName: name, NameWidth: 12})
	}
	loggerRegistry[name] = l
	return l
}

// SetLoggerLevel changes the level of a registered logger. It reports whether
// the logger exists.
func SetLoggerLevel(name string, lvl string) bool {
	loggerRegistryMu.RLock()
	l, ok := loggerRegistry[name]
	loggerRegistryMu.RUnlock()
	if !ok {
		return false
	}
	l.SetLevel(ParseLogLevel(lvl))
	return true
}

// SetAllLoggersLevel applies lvl to every registered logger and to loggers
// created afterwards.
func SetAllLoggersLevel(lvl logrus.Level) {
	loggerRegistryMu.Lock()
	defer loggerRegistryMu.Unlock()
	baseLevel = lvl
	for _, l := range loggerRegistry {
		l.SetLevel(lvl)
	}
}

// RegisteredLoggers lists the names of all registered loggers.
func RegisteredLoggers() []string {
	loggerRegistryMu.RLock()
	defer loggerRegistryMu.RUnlock()
	names := make([]string, 0, len(loggerRegistry))
	for name := range loggerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Log4jColorFormatter renders entries as
// "2006-01-02 15:04:05.000   INFO 4242   - [main]     DATABASE file.go:12 : msg k=v".
type Log4jColorFormatter struct {
	LoggerName      string
	TimestampFormat string
	NameWidth       int
	DisableColors   bool
}

func (f *Log4jColorFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	tsFormat := f.TimestampFormat
	if tsFormat == "" {
		tsFormat = "2006-01-02 15:04:05.000"
	}
	ts := entry.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	lvl := fmt.Sprintf("%7s", strings.ToUpper(entry.Level.String()))
	name := fmt.Sprintf("%*s", f.NameWidth, limitRunes(f.LoggerName, f.NameWidth))
	pid := fmt.Sprintf("%-6d", os.Getpid())
	if !f.DisableColors {
		lvl = colorLevel(lvl, entry.Level)
		name = colorWrap(name, ansiCyan)
		pid = colorWrap(pid, ansiMagenta)
	}

	caller := ""
	if entry.Caller != nil {
		caller = fmt.Sprintf(" %s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
		if !f.DisableColors {
			caller = colorWrap(caller, ansiFaint)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s - [main] %s%s : %s", ts.Format(tsFormat), lvl, pid, name, caller, entry.Message)
	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
		}
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

const (
	ansiReset   = "\x1b[0m"
	ansiFaint   = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiYellow  = "\x1b[33m"
	ansiGreen   = "\x1b[32m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

func colorWrap(s, code string) string { return code + s + ansiReset }

func colorLevel(s string, level logrus.Level) string {
	switch level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return colorWrap(s, ansiRed)
	case logrus.WarnLevel:
		return colorWrap(s, ansiYellow)
	case logrus.InfoLevel:
		return colorWrap(s, ansiGreen)
	case logrus.DebugLevel:
		return colorWrap(s, ansiBlue)
	default:
		return colorWrap(s, ansiMagenta)
	}
}

func limitRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// EnvDefaultString returns the environment value for key or def when unset or blank.
func EnvDefaultString(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// EnvDefaultBool parses the environment value for key as a bool, falling back to def.
func EnvDefaultBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// EnvDefaultInt parses the environment value for key as an int, falling back to def.
func EnvDefaultInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}
