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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomoncle/crudpool/utils"
	"github.com/urfave/cli/v3"
)

func main() {
	logger := utils.NewLogger("CLI")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner{logger: logger, out: os.Stdout}
	app := &cli.Command{
		Name:  "crudpool",
		Usage: "Inspect and exercise pooled CRUD repositories",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the repositories file (yaml or toml)",
				Value:   "repositories.yaml",
				Sources: cli.EnvVars("CRUDPOOL_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn or error",
				Value: "info",
			},
		},
		Before:   r.before,
		Commands: r.commands(),
	}

	if err := app.Run(ctx, os.Args); err != nil {
		logger.Fatalf("crudpool: %v", err)
	}
}
