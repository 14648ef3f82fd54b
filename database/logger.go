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

package database

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tomoncle/crudpool/utils"
)

const loggerName = "CRUDPOOL"

var (
	globalLogger   Logger
	globalLoggerMu sync.RWMutex
)

// Logger is the structured logger used across the pool, the transaction
// manager and the services. fields are alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// SetLogger replaces the package logger. A nil logger restores the default.
func SetLogger(log Logger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = log
}

// GetLogger returns the package logger, creating the logrus-backed default on
// first use.
func GetLogger() Logger {
	globalLoggerMu.RLock()
	l := globalLogger
	globalLoggerMu.RUnlock()
	if l != nil {
		return l
	}

	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewDefaultLogger(loggerName)
	}
	return globalLogger
}

// DefaultLogger adapts a named logrus logger to Logger.
type DefaultLogger struct {
	logger *utils.Logger
}

func NewDefaultLogger(name string) *DefaultLogger {
	return &DefaultLogger{logger: utils.NewLogger(name)}
}

func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	l.entry(fields).Debug(msg)
}

func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	l.entry(fields).Info(msg)
}

func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	l.entry(fields).Warn(msg)
}

func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	l.entry(fields).Error(msg)
}

func (l *DefaultLogger) entry(fields []interface{}) *logrus.Entry {
	data := make(logrus.Fields, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		data[fmt.Sprint(fields[i])] = fields[i+1]
	}
	return l.logger.WithFields(data)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// NopLogger discards everything.
func NopLogger() Logger { return nopLogger{} }
