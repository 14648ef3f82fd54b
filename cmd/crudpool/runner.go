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
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tomoncle/crudpool"
	"github.com/tomoncle/crudpool/cache"
	"github.com/tomoncle/crudpool/database"
	"github.com/tomoncle/crudpool/transaction"
	"github.com/tomoncle/crudpool/types"
	"github.com/tomoncle/crudpool/utils"
	"github.com/uptrace/bun"
	"github.com/urfave/cli/v3"
)

// Note is the entity the demo command writes.
type Note struct {
	bun.BaseModel `bun:"table:notes,alias:n"`

	ID        string           `bun:"id,pk" json:"id"`
	Title     string           `bun:"title,notnull" json:"title"`
	Attrs     types.JsonObject `bun:"attrs,type:json" json:"attrs"`
	CreatedAt time.Time        `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

func (n *Note) RecordID() string      { return n.ID }
func (n *Note) SetRecordID(id string) { n.ID = id }

type runner struct {
	logger *utils.Logger
	out    io.Writer
}

func (r *runner) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	utils.SetAllLoggersLevel(utils.ParseLogLevel(cmd.String("log-level")))
	return ctx, nil
}

func (r *runner) commands() []*cli.Command {
	aliasFlag := &cli.StringFlag{
		Name:    "alias",
		Aliases: []string{"a"},
		Usage:   "Repository alias; defaults to every repository in the file",
	}
	return []*cli.Command{
		{
			Name:   "check",
			Usage:  "Open each repository and report its health",
			Flags:  []cli.Flag{aliasFlag},
			Action: r.check,
		},
		{
			Name:   "stats",
			Usage:  "Print pool statistics as JSON",
			Flags:  []cli.Flag{aliasFlag},
			Action: r.stats,
		},
		{
			Name:  "seed",
			Usage: "Run the SQL seed files against a repository",
			Flags: []cli.Flag{
				aliasFlag,
				&cli.StringFlag{Name: "root", Usage: "Seed directory", Value: "seeds"},
				&cli.StringFlag{Name: "env", Usage: "Environment subdirectory", Sources: cli.EnvVars("ENVIRONMENT")},
			},
			Action: r.seed,
		},
		{
			Name:  "demo",
			Usage: "Save, page and count notes inside a transaction",
			Flags: []cli.Flag{
				aliasFlag,
				&cli.IntFlag{Name: "count", Usage: "Notes to create", Value: 3},
			},
			Action: r.demo,
		},
		{
			Name:   "watch",
			Usage:  "Open a repository and apply config file changes until interrupted",
			Flags:  []cli.Flag{aliasFlag},
			Action: r.watch,
		},
	}
}

func (r *runner) configs(cmd *cli.Command) ([]*database.Config, error) {
	configs, err := database.LoadConfigs(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	alias := cmd.String("alias")
	if alias == "" {
		return configs, nil
	}
	for _, c := range configs {
		if c.Alias == alias {
			return []*database.Config{c}, nil
		}
	}
	return nil, fmt.Errorf("repository %q not found in %s", alias, cmd.String("config"))
}

func (r *runner) single(cmd *cli.Command) (*database.Config, error) {
	configs, err := r.configs(cmd)
	if err != nil {
		return nil, err
	}
	if len(configs) != 1 {
		return nil, fmt.Errorf("select one repository with --alias")
	}
	return configs[0], nil
}

func (r *runner) withRepository(ctx context.Context, cfg *database.Config, fn func(*database.Repository) error) error {
	repo, err := database.NewRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Destroy(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warnf("destroy %s: %v", cfg.Alias, err)
		}
	}()
	return fn(repo)
}

func (r *runner) printJSON(v interface{}) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *runner) check(ctx context.Context, cmd *cli.Command) error {
	configs, err := r.configs(cmd)
	if err != nil {
		return err
	}
	var failed int
	for _, cfg := range configs {
		err := r.withRepository(ctx, cfg, func(repo *database.Repository) error {
			status := repo.HealthCheck(ctx)
			fmt.Fprintf(r.out, "%-16s healthy=%t response=%s active=%d idle=%d\n",
				cfg.Alias, status.Healthy, status.ResponseTime, status.ActiveConns, status.IdleConns)
			if !status.Healthy {
				return fmt.Errorf("%s", status.LastError)
			}
			return nil
		})
		if err != nil {
			failed++
			r.logger.Errorf("repository %s: %v", cfg.Alias, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repositories unhealthy", failed, len(configs))
	}
	return nil
}

func (r *runner) stats(ctx context.Context, cmd *cli.Command) error {
	configs, err := r.configs(cmd)
	if err != nil {
		return err
	}
	out := make(map[string]*database.DBStats, len(configs))
	for _, cfg := range configs {
		err := r.withRepository(ctx, cfg, func(repo *database.Repository) error {
			out[cfg.Alias] = repo.Stats()
			return nil
		})
		if err != nil {
			return err
		}
	}
	return r.printJSON(out)
}

func (r *runner) seed(ctx context.Context, cmd *cli.Command) error {
	cfg, err := r.single(cmd)
	if err != nil {
		return err
	}
	return r.withRepository(ctx, cfg, func(repo *database.Repository) error {
		results, err := database.NewSeeder(cmd.String("root"), cmd.String("env")).Run(ctx, repo)
		for _, res := range results {
			fmt.Fprintf(r.out, "%s\t%d rows\t%s\n", res.File, res.RowsAffected, res.Duration)
		}
		return err
	})
}

func (r *runner) demo(ctx context.Context, cmd *cli.Command) error {
	cfg, err := r.single(cmd)
	if err != nil {
		return err
	}
	cfg.AutoCreate = true
	return r.withRepository(ctx, cfg, func(repo *database.Repository) error {
		txm := transaction.NewManager(repo, nil)
		notes, err := crudpool.NewCrudService[Note](ctx, repo, txm)
		if err != nil {
			return err
		}
		c, err := cache.New(cache.DefaultConfig())
		if err != nil {
			return err
		}
		cached := crudpool.NewCachedService(notes, c)

		n := int(cmd.Int("count"))
		err = cached.ExecuteTransactionalBlock(ctx, func(ctx context.Context) error {
			for i := 0; i < n; i++ {
				note := &Note{
					Title: fmt.Sprintf("note %d", i+1),
					Attrs: types.JsonObject{"seq": i + 1, "source": "demo"},
				}
				if _, err := cached.Save(ctx, note); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		total, err := cached.Count(ctx)
		if err != nil {
			return err
		}
		page, err := cached.Page(ctx, types.NewPageRequest(1, 10, nil, "created_at DESC", "title ASC"))
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%d notes in %s, showing %d:\n", total, repo.Name(), len(page.Items))
		return r.printJSON(page.Items)
	})
}

func (r *runner) watch(ctx context.Context, cmd *cli.Command) error {
	cfg, err := r.single(cmd)
	if err != nil {
		return err
	}
	return r.withRepository(ctx, cfg, func(repo *database.Repository) error {
		if err := repo.WatchConfig(ctx, cmd.String("config")); err != nil {
			return err
		}
		r.logger.Infof("watching %s for %s, interrupt to stop", cmd.String("config"), repo.Name())
		<-ctx.Done()
		return nil
	})
}
