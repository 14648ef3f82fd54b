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

package crudpool

import (
	"context"
	"fmt"

	"github.com/tomoncle/crudpool/cache"
	"github.com/tomoncle/crudpool/database"
	"github.com/tomoncle/crudpool/transaction"
)

// CachedService puts a read-through cache in front of FindOne, Exists and
// Count. Reads inside a transaction bypass the cache; every write drops the
// entity's cached entries.
type CachedService[T any, PT interface {
	*T
	database.Record
}] struct {
	*CrudService[T, PT]
	cache  cache.Service
	prefix string
}

func NewCachedService[T any, PT interface {
	*T
	database.Record
}](svc *CrudService[T, PT], c cache.Service) *CachedService[T, PT] {
	return &CachedService[T, PT]{
		CrudService: svc,
		cache:       c,
		prefix:      svc.repo.Name() + ":" + svc.name + ":",
	}
}

func (c *CachedService[T, PT]) key(kind, id string) string {
	return c.prefix + kind + ":" + id
}

func (c *CachedService[T, PT]) cacheable(ctx context.Context) bool {
	return c.txm.State(ctx) == transaction.Idle && materializationFrom(ctx) == Default
}

func (c *CachedService[T, PT]) invalidate() {
	c.cache.DeletePrefix(c.prefix)
}

func (c *CachedService[T, PT]) FindOne(ctx context.Context, id string) (*T, error) {
	if !c.cacheable(ctx) || id == "" {
		return c.CrudService.FindOne(ctx, id)
	}
	e, err := cache.GetOrFetch(ctx, c.cache, c.key("id", id), func(ctx context.Context) (*T, error) {
		return c.CrudService.FindOne(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	cp := *e
	return &cp, nil
}

func (c *CachedService[T, PT]) Exists(ctx context.Context, id string) (bool, error) {
	if !c.cacheable(ctx) || id == "" {
		return c.CrudService.Exists(ctx, id)
	}
	return cache.GetOrFetch(ctx, c.cache, c.key("exists", id), func(ctx context.Context) (bool, error) {
		return c.CrudService.Exists(ctx, id)
	})
}

func (c *CachedService[T, PT]) Count(ctx context.Context) (int, error) {
	if !c.cacheable(ctx) {
		return c.CrudService.Count(ctx)
	}
	return cache.GetOrFetch(ctx, c.cache, c.key("count", "*"), func(ctx context.Context) (int, error) {
		return c.CrudService.Count(ctx)
	})
}

func (c *CachedService[T, PT]) Save(ctx context.Context, entity *T) (*T, error) {
	defer c.invalidate()
	return c.CrudService.Save(ctx, entity)
}

func (c *CachedService[T, PT]) SaveAll(ctx context.Context, entities ...*T) ([]*T, error) {
	defer c.invalidate()
	return c.CrudService.SaveAll(ctx, entities...)
}

func (c *CachedService[T, PT]) SaveOrUpdate(ctx context.Context, fields []string, duplicateKeys []string, entities ...*T) error {
	defer c.invalidate()
	return c.CrudService.SaveOrUpdate(ctx, fields, duplicateKeys, entities...)
}

func (c *CachedService[T, PT]) Delete(ctx context.Context, entity *T) error {
	defer c.invalidate()
	return c.CrudService.Delete(ctx, entity)
}

func (c *CachedService[T, PT]) DeleteByID(ctx context.Context, id string) error {
	defer c.invalidate()
	return c.CrudService.DeleteByID(ctx, id)
}

func (c *CachedService[T, PT]) DeleteAll(ctx context.Context, entities ...*T) error {
	defer c.invalidate()
	return c.CrudService.DeleteAll(ctx, entities...)
}

func (c *CachedService[T, PT]) Clear(ctx context.Context) (int64, error) {
	defer c.invalidate()
	return c.CrudService.Clear(ctx)
}

func (c *CachedService[T, PT]) Execute(ctx context.Context, query string, args ...interface{}) (int64, error) {
	defer c.invalidate()
	return c.CrudService.Execute(ctx, query, args...)
}

func (c *CachedService[T, PT]) Attach(ctx context.Context, entity *T) error {
	defer c.invalidate()
	return c.CrudService.Attach(ctx, entity)
}

// ExecuteTransactionalBlock drops the cached entries once the block ends,
// whatever its outcome.
func (c *CachedService[T, PT]) ExecuteTransactionalBlock(ctx context.Context, fn func(ctx context.Context) error) error {
	defer c.invalidate()
	return c.CrudService.ExecuteTransactionalBlock(ctx, fn)
}

// Transaction starts a builder whose block drops the cached entries once it
// ends.
func (c *CachedService[T, PT]) Transaction() *TxBuilder {
	b := c.CrudService.Transaction()
	b.after = append(b.after, c.invalidate)
	return b
}

func (c *CachedService[T, PT]) String() string {
	return fmt.Sprintf("cached(%s, %d entries)", c.prefix, c.cache.Size())
}
