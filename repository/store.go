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

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/tomoncle/crudpool/database"
	"github.com/tomoncle/crudpool/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
	"github.com/uptrace/bun/schema"
)

type storeImpl[T any] struct{}

// NewStore returns the bun-backed Store for T.
func NewStore[T any]() Store[T] {
	return storeImpl[T]{}
}

func (s storeImpl[T]) table(db bun.IDB) *schema.Table {
	return db.Dialect().Tables().Get(reflect.TypeFor[T]())
}

func (s storeImpl[T]) pk(db bun.IDB) (string, error) {
	t := s.table(db)
	if len(t.PKs) != 1 {
		return "", fmt.Errorf("%s must declare exactly one primary key, found %d", t.TypeName, len(t.PKs))
	}
	return t.PKs[0].Name, nil
}

func (s storeImpl[T]) Relations(db bun.IDB) []string {
	t := s.table(db)
	names := make([]string, 0, len(t.Relations))
	for name := range t.Relations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func withRelations(q *bun.SelectQuery, relations []string) *bun.SelectQuery {
	for _, r := range relations {
		q = q.Relation(r)
	}
	return q
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return database.ErrNotFound
	}
	return err
}

func (s storeImpl[T]) Get(ctx context.Context, db bun.IDB, id string, relations ...string) (*T, error) {
	pk, err := s.pk(db)
	if err != nil {
		return nil, err
	}
	entity := new(T)
	err = withRelations(db.NewSelect().Model(entity), relations).
		Where("?TableAlias.? = ?", bun.Ident(pk), id).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return entity, nil
}

func (s storeImpl[T]) GetMany(ctx context.Context, db bun.IDB, ids []string, relations ...string) ([]*T, error) {
	entities := make([]*T, 0, len(ids))
	if len(ids) == 0 {
		return entities, nil
	}
	pk, err := s.pk(db)
	if err != nil {
		return nil, err
	}
	err = withRelations(db.NewSelect().Model(&entities), relations).
		Where("?TableAlias.? IN (?)", bun.Ident(pk), bun.In(ids)).
		Scan(ctx)
	return entities, err
}

func (s storeImpl[T]) All(ctx context.Context, db bun.IDB, relations ...string) ([]*T, error) {
	return s.List(ctx, db, nil, relations...)
}

func (s storeImpl[T]) List(ctx context.Context, db bun.IDB, filter *types.QueryFilter, relations ...string) ([]*T, error) {
	entities := make([]*T, 0)
	query := withRelations(db.NewSelect().Model(&entities), relations)
	if !filter.Empty() {
		query = query.Where(filter.Schema, filter.Args...)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	return entities, nil
}

func (s storeImpl[T]) Query(ctx context.Context, db bun.IDB, where string, args ...interface{}) ([]*T, error) {
	entities := make([]*T, 0)
	err := db.NewSelect().Model(&entities).Where(where, args...).Scan(ctx)
	return entities, err
}

func (s storeImpl[T]) Page(ctx context.Context, db bun.IDB, req *types.PageRequest, relations ...string) (*types.Pagination[T], error) {
	pagination := types.NewPagination[T](req)

	count := db.NewSelect().Model((*T)(nil))
	if f := req.GetFilter(); !f.Empty() {
		count = count.Where(f.Schema, f.Args...)
	}
	total, err := count.Count(ctx)
	if err != nil || total == 0 {
		return pagination, err
	}

	entities := make([]*T, 0, req.GetPageSize())
	query := withRelations(db.NewSelect().Model(&entities), relations)
	if f := req.GetFilter(); !f.Empty() {
		query = query.Where(f.Schema, f.Args...)
	}
	err = query.
		Order(req.GetOrders()...).
		Offset(req.GetOffset()).
		Limit(req.GetPageSize()).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	pagination.Total = total
	pagination.Items = entities
	return pagination, nil
}

func (s storeImpl[T]) Reload(ctx context.Context, db bun.IDB, entity *T, relations ...string) error {
	err := withRelations(db.NewSelect().Model(entity), relations).WherePK().Scan(ctx)
	return notFound(err)
}

func (s storeImpl[T]) Exists(ctx context.Context, db bun.IDB, id string) (bool, error) {
	pk, err := s.pk(db)
	if err != nil {
		return false, err
	}
	return db.NewSelect().Model((*T)(nil)).Where("? = ?", bun.Ident(pk), id).Exists(ctx)
}

func (s storeImpl[T]) Count(ctx context.Context, db bun.IDB) (int, error) {
	return db.NewSelect().Model((*T)(nil)).Count(ctx)
}

func (s storeImpl[T]) Insert(ctx context.Context, db bun.IDB, entity ...*T) error {
	if len(entity) == 0 {
		return nil
	}
	entities := append([]*T(nil), entity...)
	_, err := db.NewInsert().Model(&entities).Exec(ctx)
	return err
}

func (s storeImpl[T]) Update(ctx context.Context, db bun.IDB, entity *T) (int64, error) {
	res, err := db.NewUpdate().Model(entity).WherePK().Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s storeImpl[T]) Delete(ctx context.Context, db bun.IDB, entity *T) (int64, error) {
	res, err := db.NewDelete().Model(entity).WherePK().Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s storeImpl[T]) DeleteByIDs(ctx context.Context, db bun.IDB, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	pk, err := s.pk(db)
	if err != nil {
		return 0, err
	}
	res, err := db.NewDelete().Model((*T)(nil)).Where("? IN (?)", bun.Ident(pk), bun.In(ids)).Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s storeImpl[T]) DeleteAll(ctx context.Context, db bun.IDB) (int64, error) {
	res, err := db.NewDelete().Model((*T)(nil)).Where("1 = 1").Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s storeImpl[T]) Exec(ctx context.Context, db bun.IDB, query string, args ...interface{}) (sql.Result, error) {
	return db.NewRaw(query, args...).Exec(ctx)
}

func (s storeImpl[T]) Upsert(ctx context.Context, db bun.IDB, fields []string, duplicateKeys []string, entity ...*T) error {
	if len(fields) == 0 {
		return fmt.Errorf("fields cannot be empty")
	}
	if len(entity) == 0 {
		return nil
	}
	entities := append([]*T(nil), entity...)

	switch {
	case db.Dialect().Features().Has(feature.InsertOnConflict):
		if len(duplicateKeys) == 0 {
			pk, err := s.pk(db)
			if err != nil {
				return err
			}
			duplicateKeys = []string{pk}
		}
		set := make([]string, 0, len(fields))
		for _, field := range fields {
			set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", field, field))
		}
		_, err := db.NewInsert().
			Model(&entities).
			On("CONFLICT (" + strings.Join(duplicateKeys, ",") + ") DO UPDATE").
			Set(strings.Join(set, ", ")).
			Exec(ctx)
		return err
	case db.Dialect().Features().Has(feature.InsertOnDuplicateKey):
		set := make([]string, 0, len(fields))
		for _, field := range fields {
			set = append(set, fmt.Sprintf("%s = VALUES(%s)", field, field))
		}
		_, err := db.NewInsert().
			Model(&entities).
			On("DUPLICATE KEY UPDATE " + strings.Join(set, ", ")).
			Exec(ctx)
		return err
	default:
		for _, e := range entities {
			n, err := s.Update(ctx, db, e)
			if err != nil {
				return err
			}
			if n == 0 {
				if err := s.Insert(ctx, db, e); err != nil {
					return err
				}
			}
		}
		return nil
	}
}
