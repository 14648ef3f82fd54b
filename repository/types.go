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

	"github.com/tomoncle/crudpool/types"
	"github.com/uptrace/bun"
)

// WriteStore defines the mutating primitives for an entity type.
type WriteStore[T any] interface {
	Insert(ctx context.Context, db bun.IDB, entity ...*T) error

	// Update writes entity by primary key and reports the affected rows.
	Update(ctx context.Context, db bun.IDB, entity *T) (int64, error)

	Upsert(ctx context.Context, db bun.IDB, fields []string, duplicateKeys []string, entity ...*T) error

	Delete(ctx context.Context, db bun.IDB, entity *T) (int64, error)

	DeleteByIDs(ctx context.Context, db bun.IDB, ids ...string) (int64, error)

	DeleteAll(ctx context.Context, db bun.IDB) (int64, error)

	Exec(ctx context.Context, db bun.IDB, query string, args ...interface{}) (sql.Result, error)
}

// ReadStore defines the query primitives for an entity type. relations names
// the bun relations to load along with each row.
type ReadStore[T any] interface {
	Get(ctx context.Context, db bun.IDB, id string, relations ...string) (*T, error)

	GetMany(ctx context.Context, db bun.IDB, ids []string, relations ...string) ([]*T, error)

	All(ctx context.Context, db bun.IDB, relations ...string) ([]*T, error)

	List(ctx context.Context, db bun.IDB, filter *types.QueryFilter, relations ...string) ([]*T, error)

	Query(ctx context.Context, db bun.IDB, where string, args ...interface{}) ([]*T, error)

	Reload(ctx context.Context, db bun.IDB, entity *T, relations ...string) error

	Exists(ctx context.Context, db bun.IDB, id string) (bool, error)

	Count(ctx context.Context, db bun.IDB) (int, error)
}

// PageStore defines pagination over an entity type.
type PageStore[T any] interface {
	Page(ctx context.Context, db bun.IDB, page *types.PageRequest, relations ...string) (*types.Pagination[T], error)
}

// Store is the full set of primitives the CRUD services build on. It holds
// no connection; every call runs against the bun.IDB it is given, so the
// caller decides whether that is a pooled connection or an open transaction.
type Store[T any] interface {
	WriteStore[T]
	ReadStore[T]
	PageStore[T]

	// Relations lists the relation names declared on T.
	Relations(db bun.IDB) []string
}
