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
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/extra/bundebug"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// HealthStatus holds the result of a health check against the database.
type HealthStatus struct {
	Healthy       bool          `json:"healthy"`
	ResponseTime  time.Duration `json:"response_time"`
	ActiveConns   int           `json:"active_conns"`
	IdleConns     int           `json:"idle_conns"`
	MaxOpenConns  int           `json:"max_open_conns"`
	LastError     string        `json:"last_error,omitempty"`
	LastCheckTime time.Time     `json:"last_check_time"`
}

// DBStats mirrors database/sql pool statistics.
type DBStats struct {
	MaxOpenConns      int           `json:"max_open_conns"`
	OpenConns         int           `json:"open_conns"`
	InUse             int           `json:"in_use"`
	Idle              int           `json:"idle"`
	WaitCount         int64         `json:"wait_count"`
	WaitDuration      time.Duration `json:"wait_duration"`
	MaxIdleClosed     int64         `json:"max_idle_closed"`
	MaxIdleTimeClosed int64         `json:"max_idle_time_closed"`
	MaxLifetimeClosed int64         `json:"max_lifetime_closed"`
}

// Pool is a bounded connection pool for one repository, backed by
// database/sql and wrapped in bun.
type Pool struct {
	cfg    *Config
	driver string
	db     *bun.DB
	sqlDB  *sql.DB
	logger Logger
	closed atomic.Bool

	mu     sync.Mutex
	health *HealthStatus
}

// OpenPool opens the database named by cfg.URL and sizes the pool from the
// config bounds. No connection is made until the first Acquire or Warm.
func OpenPool(cfg *Config, logger Logger) (*Pool, error) {
	if logger == nil {
		logger = GetLogger()
	}
	driver, err := driverOf(cfg.URL)
	if err != nil {
		return nil, &ConfigurationError{Alias: cfg.Alias, Field: "url", Message: err.Error()}
	}

	sqlDriver, dsn, err := buildDSN(cfg, driver)
	if err != nil {
		return nil, &ConfigurationError{Alias: cfg.Alias, Field: "url", Message: err.Error()}
	}
	sqlDB, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	var db *bun.DB
	switch driver {
	case DriverSQLite:
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	case DriverPostgres, DriverPgx:
		db = bun.NewDB(sqlDB, pgdialect.New())
	case DriverMySQL:
		db = bun.NewDB(sqlDB, mysqldialect.New())
	}

	if cfg.EnableQueryLog {
		db.AddQueryHook(NewQueryHook(cfg.Alias, os.Stderr))
	}
	if _, ok := os.LookupEnv("BUNDEBUG"); ok {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.FromEnv("BUNDEBUG")))
	}
	if cfg.SlowQueryTime > 0 {
		db.AddQueryHook(NewSlowQueryHook(cfg.Alias, cfg.SlowQueryTime, logger))
	}

	p := &Pool{cfg: cfg, driver: driver, db: db, sqlDB: sqlDB, logger: logger}
	p.ApplyBounds()
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	logger.Info("connection pool opened", "repository", cfg.Alias, "driver", driver)
	return p, nil
}

func buildDSN(cfg *Config, driver string) (string, string, error) {
	switch driver {
	case DriverSQLite:
		return "sqlite", sqliteDSN(cfg.Alias, cfg.URL), nil
	case DriverPostgres, DriverPgx:
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return "", "", err
		}
		u.Scheme = "postgres"
		u.User = url.UserPassword(cfg.User, cfg.Password)
		q := u.Query()
		if q.Get("sslmode") == "" {
			q.Set("sslmode", "disable")
		}
		u.RawQuery = q.Encode()
		if driver == DriverPgx {
			return "pgx", u.String(), nil
		}
		return "postgres", u.String(), nil
	case DriverMySQL:
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return "", "", err
		}
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = u.Host
		mc.DBName = strings.TrimPrefix(u.Path, "/")
		mc.ParseTime = true
		// Updates report matched rows, not changed rows.
		mc.ClientFoundRows = true
		if q := u.Query(); len(q) > 0 {
			mc.Params = make(map[string]string, len(q))
			for k := range q {
				mc.Params[k] = q.Get(k)
			}
		}
		return "mysql", mc.FormatDSN(), nil
	default:
		return "", "", fmt.Errorf("unsupported driver %q", driver)
	}
}

// sqliteDSN turns sqlite:///abs.db, sqlite://rel.db or sqlite::memory: into a
// modernc DSN. Memory databases are named after the alias and shared between
// all pooled connections.
func sqliteDSN(alias, rawURL string) string {
	_, rest, _ := strings.Cut(rawURL, ":")
	if strings.HasPrefix(strings.ToLower(rawURL), "file:") {
		return rawURL
	}
	rest, query, _ := strings.Cut(rest, "?")
	rest = strings.TrimPrefix(rest, "//")
	if rest == ":memory:" || rest == "" {
		return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", url.PathEscape(alias))
	}
	dsn := "file:" + rest + "?" + sqlitePragmas
	if query != "" {
		dsn += "&" + query
	}
	return dsn
}

// Acquire checks a connection out of the pool, waiting at most
// AcquireTimeout for one to free up.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.closed.Load() {
		return nil, &RepositoryClosedError{Alias: p.cfg.Alias}
	}
	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = defaultAcquireTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.db.Conn(actx)
	if err != nil {
		switch {
		case p.closed.Load():
			return nil, &RepositoryClosedError{Alias: p.cfg.Alias}
		case errors.Is(err, context.DeadlineExceeded):
			return nil, &AcquisitionTimeoutError{Alias: p.cfg.Alias, Timeout: timeout, Err: err}
		default:
			return nil, &AcquisitionError{Alias: p.cfg.Alias, Err: err}
		}
	}
	return newConn(p.cfg.Alias, p.driver, p.cfg.LazyLoad(), conn), nil
}

// Warm opens n connections concurrently and returns them to the pool so the
// first callers do not pay for the handshake.
func (p *Pool) Warm(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	conns := make([]*Conn, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			c, err := p.Acquire(gctx)
			if err != nil {
				return err
			}
			conns[i] = c
			return c.conn.PingContext(gctx)
		})
	}
	err := g.Wait()
	for _, c := range conns {
		if c != nil {
			_ = c.Close()
		}
	}
	if err != nil {
		return fmt.Errorf("failed to warm pool: %w", err)
	}
	return nil
}

// ApplyBounds pushes the config pool bounds into database/sql.
func (p *Pool) ApplyBounds() {
	min, max := p.cfg.PoolBounds()
	p.sqlDB.SetMaxOpenConns(max)
	p.sqlDB.SetMaxIdleConns(min)
}

func (p *Pool) DB() *bun.DB { return p.db }

func (p *Pool) Driver() string { return p.driver }

func (p *Pool) Closed() bool { return p.closed.Load() }

func (p *Pool) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return &RepositoryClosedError{Alias: p.cfg.Alias}
	}
	return p.db.PingContext(ctx)
}

func (p *Pool) Stats() *DBStats {
	stats := p.sqlDB.Stats()
	return &DBStats{
		MaxOpenConns:      stats.MaxOpenConnections,
		OpenConns:         stats.OpenConnections,
		InUse:             stats.InUse,
		Idle:              stats.Idle,
		WaitCount:         stats.WaitCount,
		WaitDuration:      stats.WaitDuration,
		MaxIdleClosed:     stats.MaxIdleClosed,
		MaxIdleTimeClosed: stats.MaxIdleTimeClosed,
		MaxLifetimeClosed: stats.MaxLifetimeClosed,
	}
}

// HealthCheck pings the database and reports pool usage.
func (p *Pool) HealthCheck(ctx context.Context) *HealthStatus {
	start := time.Now()
	status := &HealthStatus{LastCheckTime: start}

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(ctxTimeout); err != nil {
		status.LastError = err.Error()
	} else {
		status.Healthy = true
	}
	status.ResponseTime = time.Since(start)

	stats := p.sqlDB.Stats()
	status.ActiveConns = stats.InUse
	status.IdleConns = stats.Idle
	status.MaxOpenConns = stats.MaxOpenConnections

	p.mu.Lock()
	p.health = status
	p.mu.Unlock()
	return status
}

// LastHealth returns the most recent HealthCheck result, or nil.
func (p *Pool) LastHealth() *HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

// Close closes the pool. Connections still checked out are closed as they
// are returned.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.db.Close()
	if err != nil {
		p.logger.Error("failed to close connection pool", "repository", p.cfg.Alias, "error", err)
		return err
	}
	p.logger.Info("connection pool closed", "repository", p.cfg.Alias)
	return nil
}
