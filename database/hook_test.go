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
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *recordingLogger) Debug(msg string, _ ...interface{}) { l.record(msg) }
func (l *recordingLogger) Info(msg string, _ ...interface{})  { l.record(msg) }
func (l *recordingLogger) Warn(msg string, _ ...interface{})  { l.record(msg) }
func (l *recordingLogger) Error(msg string, _ ...interface{}) { l.record(msg) }

func (l *recordingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}

func TestQueryHookPrintsStatements(t *testing.T) {
	color.NoColor = true
	t.Setenv(QueryLogEnv, "2")

	repo := newTestRepository(t)
	var buf bytes.Buffer
	repo.Pool().DB().AddQueryHook(NewQueryHook("unit", &buf))

	_, err := repo.Pool().DB().NewRaw("SELECT 1").Exec(context.Background())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "[unit]")
	assert.Contains(t, buf.String(), "SELECT 1")

	buf.Reset()
	SilenceQueries(true)
	_, err = repo.Pool().DB().NewRaw("SELECT 2").Exec(context.Background())
	SilenceQueries(false)
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

func TestSlowQueryHookWarns(t *testing.T) {
	logger := &recordingLogger{}
	repo, err := NewRepository(context.Background(), testConfig(t, WithSlowQueryTime(time.Nanosecond)),
		WithRepositoryLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Destroy(context.Background()) })

	_, err = repo.Pool().DB().NewRaw("SELECT 1").Exec(context.Background())
	require.NoError(t, err)
	assert.Contains(t, logger.messages(), "slow query detected")
}
