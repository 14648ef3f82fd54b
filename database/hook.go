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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/uptrace/bun"
)

// QueryLogEnv overrides QueryHook at runtime: "0" disables it, "1" prints
// failed queries, "2" prints every query.
const QueryLogEnv = "CRUDPOOL_QUERY_LOG"

var querySilent atomic.Bool

// SilenceQueries suppresses query output from every hook, e.g. while seeding.
func SilenceQueries(b bool) {
	querySilent.Store(b)
}

var (
	selectColor = color.New(color.FgGreen)
	insertColor = color.New(color.FgBlue)
	updateColor = color.New(color.FgYellow)
	deleteColor = color.New(color.FgMagenta)
	otherColor  = color.New(color.FgRed)
	tagColor    = color.New(color.FgCyan)
	errorColor  = color.New(color.BgRed, color.FgHiWhite)
)

// QueryHook prints statements with their duration, colored by operation.
type QueryHook struct {
	alias   string
	verbose bool
	writer  io.Writer
}

var _ bun.QueryHook = (*QueryHook)(nil)

func NewQueryHook(alias string, w io.Writer) *QueryHook {
	if w == nil {
		w = os.Stderr
	}
	return &QueryHook{alias: alias, verbose: true, writer: w}
}

func (h *QueryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *QueryHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	if querySilent.Load() {
		return
	}
	verbose := h.verbose
	if env, ok := os.LookupEnv(QueryLogEnv); ok {
		if env == "" || env == "0" {
			return
		}
		verbose = env == "2"
	}
	if !verbose {
		switch {
		case event.Err == nil, errors.Is(event.Err, sql.ErrNoRows), errors.Is(event.Err, sql.ErrTxDone):
			return
		}
	}

	now := time.Now()
	args := []interface{}{
		now.Format("2006-01-02 15:04:05.000"),
		tagColor.Sprintf("%15s", "["+h.alias+"]"),
		fmt.Sprintf("%12s", now.Sub(event.StartTime).Round(time.Microsecond)),
		" ", operationColor(event).Sprint(event.Query),
	}
	if event.Err != nil {
		typ := reflect.TypeOf(event.Err).String()
		args = append(args, "\t", errorColor.Sprintf(" %s: %s ", typ, event.Err.Error()))
	}
	_, _ = fmt.Fprintln(h.writer, args...)
}

func operationColor(event *bun.QueryEvent) *color.Color {
	switch event.Operation() {
	case "SELECT":
		return selectColor
	case "INSERT":
		return insertColor
	case "UPDATE":
		return updateColor
	case "DELETE":
		return deleteColor
	default:
		return otherColor
	}
}

// SlowQueryHook warns through the logger about statements slower than
// threshold.
type SlowQueryHook struct {
	alias     string
	threshold time.Duration
	logger    Logger
}

var _ bun.QueryHook = (*SlowQueryHook)(nil)

func NewSlowQueryHook(alias string, threshold time.Duration, logger Logger) *SlowQueryHook {
	return &SlowQueryHook{alias: alias, threshold: threshold, logger: logger}
}

func (h *SlowQueryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *SlowQueryHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	if querySilent.Load() || event.Err != nil || h.logger == nil {
		return
	}
	if d := time.Since(event.StartTime); d > h.threshold {
		h.logger.Warn("slow query detected",
			"repository", h.alias,
			"duration", d.Round(time.Microsecond),
			"threshold", h.threshold,
			"query", event.Query,
		)
	}
}
