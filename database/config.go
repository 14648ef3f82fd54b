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
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/tomoncle/crudpool/types"
)

// TxType selects what kind of underlying transaction Begin starts.
type TxType int

const (
	TxNone TxType = iota
	TxOptimistic
	TxPessimistic
)

var _ types.BaseEnum = TxOptimistic

var txTypes = []TxType{TxNone, TxOptimistic, TxPessimistic}

var txTypeAliases = map[string]string{
	"notx":         "none",
	"":             "optimistic",
	"default":      "optimistic",
	"serializable": "pessimistic",
}

// ParseTxType parses none|notx, optimistic or pessimistic, ignoring case.
func ParseTxType(s string) (TxType, error) {
	t, ok := types.LookupEnum(txTypes, s, txTypeAliases)
	if !ok {
		return TxOptimistic, fmt.Errorf("unknown transaction type %q", s)
	}
	return t, nil
}

func (t TxType) IsValid() bool {
	return t >= TxNone && t <= TxPessimistic
}

func (t TxType) Number() int {
	if !t.IsValid() {
		return types.IllegalValue
	}
	return int(t)
}

func (t TxType) Name() string {
	switch t {
	case TxNone:
		return "NONE"
	case TxOptimistic:
		return "OPTIMISTIC"
	case TxPessimistic:
		return "PESSIMISTIC"
	default:
		return types.IllegalName
	}
}

func (t TxType) String() string { return t.Name() }

func (t TxType) Desc() string {
	switch t {
	case TxNone:
		return "no underlying transaction, every statement auto-commits"
	case TxOptimistic:
		return "driver default isolation"
	case TxPessimistic:
		return "serializable isolation"
	default:
		return types.IllegalDesc
	}
}

// TxOptions maps the type onto database/sql options for driver. It returns nil
// for TxNone.
func (t TxType) TxOptions(driver string) *sql.TxOptions {
	switch t {
	case TxOptimistic:
		return &sql.TxOptions{}
	case TxPessimistic:
		if driver == DriverSQLite {
			return &sql.TxOptions{}
		}
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	default:
		return nil
	}
}

// Driver names derived from the URL scheme.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverMySQL    = "mysql"
)

const (
	defaultPoolMin         = 2
	defaultPoolMax         = 20
	defaultAcquireTimeout  = 30 * time.Second
	defaultConnMaxLifetime = time.Hour
	defaultConnMaxIdleTime = 30 * time.Minute
	defaultSlowQueryTime   = 2 * time.Second
)

// Config describes one repository: where its database lives and how its pool
// and transactions behave. Exported fields are fixed once the repository is
// built. Transaction type, lazy loading and pool bounds are knobs that may be
// changed at runtime and apply to connections acquired afterwards.
type Config struct {
	Alias           string        `json:"alias"`
	URL             string        `json:"url"`
	User            string        `json:"user"`
	Password        string        `json:"pass"`
	Namespaces      []string      `json:"namespace"`
	AcquireTimeout  time.Duration `json:"acquire_timeout"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	EnableQueryLog  bool          `json:"enable_query_log"`
	SlowQueryTime   time.Duration `json:"slow_query_time"`
	AutoCreate      bool          `json:"auto_create"`

	mu       sync.RWMutex
	txType   TxType
	lazyLoad bool
	poolMin  int
	poolMax  int
}

type Option func(*Config)

func WithTxType(t TxType) Option { return func(c *Config) { c.txType = t } }

func WithLazyLoad(lazy bool) Option { return func(c *Config) { c.lazyLoad = lazy } }

func WithPoolBounds(min, max int) Option {
	return func(c *Config) {
		c.poolMin = min
		c.poolMax = max
	}
}

func WithAcquireTimeout(d time.Duration) Option { return func(c *Config) { c.AcquireTimeout = d } }

func WithConnMaxLifetime(d time.Duration) Option { return func(c *Config) { c.ConnMaxLifetime = d } }

func WithConnMaxIdleTime(d time.Duration) Option { return func(c *Config) { c.ConnMaxIdleTime = d } }

func WithQueryLog(enabled bool) Option { return func(c *Config) { c.EnableQueryLog = enabled } }

func WithSlowQueryTime(d time.Duration) Option { return func(c *Config) { c.SlowQueryTime = d } }

func WithAutoCreate(enabled bool) Option { return func(c *Config) { c.AutoCreate = enabled } }

// DefaultConfig returns a config carrying only defaults.
func DefaultConfig() *Config {
	return &Config{
		AcquireTimeout:  defaultAcquireTimeout,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
		SlowQueryTime:   defaultSlowQueryTime,
		txType:          TxOptimistic,
		lazyLoad:        true,
		poolMin:         defaultPoolMin,
		poolMax:         defaultPoolMax,
	}
}

// NewConfig builds and validates a repository config.
func NewConfig(alias, url, user, password string, namespaces []string, opts ...Option) (*Config, error) {
	c := DefaultConfig()
	c.Alias = alias
	c.URL = url
	c.User = user
	c.Password = password
	c.Namespaces = append([]string(nil), namespaces...)
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks required keys and knob ranges. Failures are reported as
// *ConfigurationError.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Alias, validation.Required),
		validation.Field(&c.URL, validation.Required, validation.By(validateURL)),
		validation.Field(&c.User, validation.Required),
		validation.Field(&c.Password, validation.Required),
		validation.Field(&c.AcquireTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.ConnMaxLifetime, validation.Min(time.Duration(0))),
		validation.Field(&c.ConnMaxIdleTime, validation.Min(time.Duration(0))),
		validation.Field(&c.SlowQueryTime, validation.Min(time.Duration(0))),
	)
	if err != nil {
		return c.configError(err)
	}

	min, max := c.PoolBounds()
	if err := validatePoolBounds(min, max); err != nil {
		return &ConfigurationError{Alias: c.Alias, Field: "poolmax", Message: err.Error()}
	}
	if !c.TxType().IsValid() {
		return &ConfigurationError{Alias: c.Alias, Field: "txtype", Message: "unknown transaction type"}
	}
	return nil
}

func (c *Config) configError(err error) error {
	var errs validation.Errors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return &ConfigurationError{Alias: c.Alias, Field: "-", Message: err.Error()}
	}
	fields := make([]string, 0, len(errs))
	for f := range errs {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return &ConfigurationError{Alias: c.Alias, Field: fields[0], Message: errs[fields[0]].Error()}
}

func validateURL(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := driverOf(s); err != nil {
		return err
	}
	return nil
}

func validatePoolBounds(min, max int) error {
	if min < 0 {
		return fmt.Errorf("poolmin must not be negative")
	}
	if max < 1 {
		return fmt.Errorf("poolmax must be at least 1")
	}
	if min > max {
		return fmt.Errorf("poolmin %d exceeds poolmax %d", min, max)
	}
	return nil
}

func driverOf(rawURL string) (string, error) {
	scheme, _, ok := strings.Cut(rawURL, ":")
	if !ok {
		return "", fmt.Errorf("missing scheme")
	}
	switch strings.ToLower(scheme) {
	case "sqlite", "sqlite3", "file":
		return DriverSQLite, nil
	case "postgres", "postgresql":
		return DriverPostgres, nil
	case "pgx":
		return DriverPgx, nil
	case "mysql":
		return DriverMySQL, nil
	default:
		return "", fmt.Errorf("unsupported scheme %q", scheme)
	}
}

// Driver reports which database driver the URL selects.
func (c *Config) Driver() string {
	d, _ := driverOf(c.URL)
	return d
}

func (c *Config) TxType() TxType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.txType
}

func (c *Config) SetTxType(t TxType) error {
	if !t.IsValid() {
		return &ConfigurationError{Alias: c.Alias, Field: "txtype", Message: "unknown transaction type"}
	}
	c.mu.Lock()
	c.txType = t
	c.mu.Unlock()
	return nil
}

func (c *Config) LazyLoad() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lazyLoad
}

func (c *Config) SetLazyLoad(lazy bool) {
	c.mu.Lock()
	c.lazyLoad = lazy
	c.mu.Unlock()
}

func (c *Config) PoolBounds() (min, max int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.poolMin, c.poolMax
}

// SetPoolBounds changes the pool bounds. The owning repository picks them up
// on its next ApplyPoolBounds.
func (c *Config) SetPoolBounds(min, max int) error {
	if err := validatePoolBounds(min, max); err != nil {
		return &ConfigurationError{Alias: c.Alias, Field: "poolmax", Message: err.Error()}
	}
	c.mu.Lock()
	c.poolMin = min
	c.poolMax = max
	c.mu.Unlock()
	return nil
}

// String renders the config without credentials.
func (c *Config) String() string {
	min, max := c.PoolBounds()
	return fmt.Sprintf("repository %s (%s, tx=%s, lazy=%t, pool=%d..%d)",
		c.Alias, c.Driver(), c.TxType(), c.LazyLoad(), min, max)
}
