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
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Hook runs against a repository at startup or shutdown.
type Hook func(ctx context.Context, repo *Repository) error

type RepositoryOption func(*Repository)

// WithInitHook runs h once the pool is open. A failing hook aborts
// NewRepository.
func WithInitHook(h Hook) RepositoryOption {
	return func(r *Repository) { r.initHook = h }
}

// WithDestroyHook runs h during Destroy, before the pool is closed. The
// repository already refuses Acquire at that point; h should use Pool().
func WithDestroyHook(h Hook) RepositoryOption {
	return func(r *Repository) { r.destroyHook = h }
}

func WithRepositoryLogger(l Logger) RepositoryOption {
	return func(r *Repository) { r.logger = l }
}

// Repository owns one connection pool together with the entity types and the
// services built on top of it.
type Repository struct {
	cfg         *Config
	pool        *Pool
	logger      Logger
	entities    *entityRegistry
	initHook    Hook
	destroyHook Hook

	mu        sync.Mutex
	services  map[string]interface{}
	destroyed bool
	stopWatch context.CancelFunc
}

// NewRepository validates cfg, opens and warms the pool and runs the init
// hook.
func NewRepository(ctx context.Context, cfg *Config, opts ...RepositoryOption) (*Repository, error) {
	if cfg == nil {
		return nil, &ConfigurationError{Field: "-", Message: "configuration cannot be empty"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Repository{
		cfg:      cfg,
		entities: newEntityRegistry(),
		services: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = GetLogger()
	}

	pool, err := OpenPool(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.pool = pool

	min, _ := cfg.PoolBounds()
	if err := pool.Warm(ctx, min); err != nil {
		_ = pool.Close()
		return nil, err
	}

	if r.initHook != nil {
		if err := r.initHook(ctx, r); err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("repository %s init hook: %w", cfg.Alias, err)
		}
	}

	r.logger.Info("repository ready", "repository", cfg.Alias, "config", cfg.String())
	return r, nil
}

func (r *Repository) Name() string { return r.cfg.Alias }

func (r *Repository) Config() *Config { return r.cfg }

// Pool returns the underlying pool handle.
func (r *Repository) Pool() *Pool { return r.pool }

func (r *Repository) Logger() Logger { return r.logger }

// Closed reports whether Destroy has been called.
func (r *Repository) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// Acquire checks a fresh connection out of the pool.
func (r *Repository) Acquire(ctx context.Context) (*Conn, error) {
	if r.Closed() {
		return nil, &RepositoryClosedError{Alias: r.cfg.Alias}
	}
	return r.pool.Acquire(ctx)
}

// RegisterEntity registers models with the repository and with bun. With
// AutoCreate enabled the table is created when missing. Registering a type
// twice is a no-op.
func (r *Repository) RegisterEntity(ctx context.Context, models ...interface{}) error {
	if r.Closed() {
		return &RepositoryClosedError{Alias: r.cfg.Alias}
	}
	db := r.pool.DB()
	for _, model := range models {
		typ := ModelType(model)
		if typ == nil {
			return fmt.Errorf("invalid entity model %T", model)
		}
		if _, ok := model.(Record); !ok {
			return fmt.Errorf("entity %s does not implement Record", typ.Name())
		}

		table := db.Table(typ)
		e := &EntityType{Name: table.TypeName, Table: table.Name, Type: typ, Model: model}
		if p, ok := model.(Prioritized); ok {
			e.Priority = p.Priority()
		}
		if !r.entities.register(e) {
			continue
		}
		db.RegisterModel(model)

		if r.cfg.AutoCreate {
			if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return &OperationError{Op: "create table", Entity: e.Name, Err: err}
			}
		}
		r.logger.Debug("entity registered", "repository", r.cfg.Alias, "entity", e.Name, "table", e.Table)
	}
	return nil
}

// Entity returns the registration for model's type.
func (r *Repository) Entity(model interface{}) (*EntityType, bool) {
	return r.entities.lookup(ModelType(model))
}

// Entities lists the registered entity types ordered by priority.
func (r *Repository) Entities() []*EntityType {
	return r.entities.list()
}

// Track records a live service under name so it can be listed and dropped
// on Destroy.
func (r *Repository) Track(name string, svc interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.destroyed {
		r.services[name] = svc
	}
}

// Services lists the names of the tracked services.
func (r *Repository) Services() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

func (r *Repository) Stats() *DBStats { return r.pool.Stats() }

func (r *Repository) HealthCheck(ctx context.Context) *HealthStatus {
	return r.pool.HealthCheck(ctx)
}

// ApplyPoolBounds pushes the current config pool bounds into the pool.
func (r *Repository) ApplyPoolBounds() {
	r.pool.ApplyBounds()
	min, max := r.cfg.PoolBounds()
	r.logger.Info("pool bounds applied", "repository", r.cfg.Alias, "poolmin", min, "poolmax", max)
}

// Destroy deregisters every entity type, runs the destroy hook and closes the
// pool. It succeeds exactly once; later calls return RepositoryClosedError.
func (r *Repository) Destroy(ctx context.Context) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return &RepositoryClosedError{Alias: r.cfg.Alias}
	}
	r.destroyed = true
	stop := r.stopWatch
	r.stopWatch = nil
	r.services = make(map[string]interface{})
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	removed := r.entities.clear()

	var errs []error
	if r.destroyHook != nil {
		if err := r.destroyHook(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("repository %s destroy hook: %w", r.cfg.Alias, err))
		}
	}
	if err := r.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	r.logger.Info("repository destroyed", "repository", r.cfg.Alias, "entities", len(removed))
	return errors.Join(errs...)
}
