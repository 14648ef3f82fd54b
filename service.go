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
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tomoncle/crudpool/database"
	"github.com/tomoncle/crudpool/repository"
	"github.com/tomoncle/crudpool/transaction"
	"github.com/tomoncle/crudpool/types"
)

// Predicate selects entities for FindOneWhere and FindAllWhere.
type Predicate[T any] func(*T) bool

type Service[T any] interface {
	// Save inserts entity, assigning a new identifier, or updates it when it
	// already has one.
	Save(ctx context.Context, entity *T) (*T, error)

	// SaveAll saves every entity on one connection, in order.
	SaveAll(ctx context.Context, entities ...*T) ([]*T, error)

	// SaveOrUpdate upserts entities on duplicateKeys, overwriting fields.
	SaveOrUpdate(ctx context.Context, fields []string, duplicateKeys []string, entities ...*T) error

	Delete(ctx context.Context, entity *T) error
	DeleteByID(ctx context.Context, id string) error
	DeleteAll(ctx context.Context, entities ...*T) error

	// Clear removes every row of the entity type.
	Clear(ctx context.Context) (int64, error)

	// FindOne loads by identifier; database.ErrNotFound when absent.
	FindOne(ctx context.Context, id string) (*T, error)
	FindOneWhere(ctx context.Context, accept Predicate[T]) (*T, error)
	FindAll(ctx context.Context) ([]*T, error)
	FindAllByIDs(ctx context.Context, ids ...string) ([]*T, error)
	FindAllWhere(ctx context.Context, accept Predicate[T]) ([]*T, error)
	List(ctx context.Context, filter *types.QueryFilter) ([]*T, error)
	Page(ctx context.Context, page *types.PageRequest) (*types.Pagination[T], error)
	Exists(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int, error)

	// Query selects entities matching a raw WHERE clause.
	Query(ctx context.Context, where string, args ...interface{}) ([]*T, error)

	// Execute runs a raw statement and reports the affected rows.
	Execute(ctx context.Context, query string, args ...interface{}) (int64, error)

	// Load refreshes entity in place from the store.
	Load(ctx context.Context, entity *T) error

	// Attach writes the in-memory state of a previously saved entity back.
	Attach(ctx context.Context, entity *T) error

	// Detach returns an independent, fully loaded copy of entity.
	Detach(ctx context.Context, entity *T) (*T, error)

	ExecuteTransactionalBlock(ctx context.Context, fn func(ctx context.Context) error) error
	Transaction() *TxBuilder

	Repository() *database.Repository
	EntityName() string
}

// CrudService implements Service for entity type T over one repository. Every
// simple operation checks a connection out through the transaction manager
// and hands it back when done; inside a transactional block the block's
// connection is reused.
type CrudService[T any, PT interface {
	*T
	database.Record
}] struct {
	repo   *database.Repository
	txm    *transaction.Manager
	store  repository.Store[T]
	name   string
	logger database.Logger
}

// NewCrudService registers T with repo and returns its service. txm must be
// the manager serving repo; all services of one repository share it.
func NewCrudService[T any, PT interface {
	*T
	database.Record
}](ctx context.Context, repo *database.Repository, txm *transaction.Manager) (*CrudService[T, PT], error) {
	if txm.Source() != transaction.ConnectionSource(repo) {
		return nil, fmt.Errorf("transaction manager does not serve repository %s", repo.Name())
	}
	model := PT(new(T))
	if err := repo.RegisterEntity(ctx, model); err != nil {
		return nil, err
	}
	entity, _ := repo.Entity(model)

	s := &CrudService[T, PT]{
		repo:   repo,
		txm:    txm,
		store:  repository.NewStore[T](),
		name:   entity.Name,
		logger: repo.Logger(),
	}
	repo.Track(s.name, s)
	return s, nil
}

func (s *CrudService[T, PT]) Repository() *database.Repository { return s.repo }

func (s *CrudService[T, PT]) EntityName() string { return s.name }

func (s *CrudService[T, PT]) Manager() *transaction.Manager { return s.txm }

func (s *CrudService[T, PT]) run(ctx context.Context, op string, fn func(conn *database.Conn) error) error {
	if s.repo.Closed() {
		return &database.RepositoryClosedError{Alias: s.repo.Name()}
	}
	conn, err := s.txm.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.txm.Release(ctx, conn)

	if err := fn(conn); err != nil {
		return s.wrap(op, err)
	}
	return nil
}

func (s *CrudService[T, PT]) wrap(op string, err error) error {
	var opErr *database.OperationError
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, database.ErrMissingID):
		return err
	case errors.As(err, &opErr):
		return err
	default:
		return &database.OperationError{Op: op, Entity: s.name, Err: err}
	}
}

func (s *CrudService[T, PT]) save(ctx context.Context, conn *database.Conn, entity *T) error {
	rec := PT(entity)
	if rec.RecordID() == "" {
		rec.SetRecordID(uuid.NewString())
		if err := s.store.Insert(ctx, conn.IDB(), entity); err != nil {
			rec.SetRecordID("")
			return err
		}
		return nil
	}
	n, err := s.store.Update(ctx, conn.IDB(), entity)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.store.Insert(ctx, conn.IDB(), entity)
	}
	return nil
}

func (s *CrudService[T, PT]) Save(ctx context.Context, entity *T) (*T, error) {
	err := s.run(ctx, "save", func(conn *database.Conn) error {
		return s.save(ctx, conn, entity)
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func (s *CrudService[T, PT]) SaveAll(ctx context.Context, entities ...*T) ([]*T, error) {
	err := s.run(ctx, "save", func(conn *database.Conn) error {
		for _, e := range entities {
			if err := s.save(ctx, conn, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

func (s *CrudService[T, PT]) SaveOrUpdate(ctx context.Context, fields []string, duplicateKeys []string, entities ...*T) error {
	for _, e := range entities {
		if rec := PT(e); rec.RecordID() == "" {
			rec.SetRecordID(uuid.NewString())
		}
	}
	return s.run(ctx, "upsert", func(conn *database.Conn) error {
		return s.store.Upsert(ctx, conn.IDB(), fields, duplicateKeys, entities...)
	})
}

func (s *CrudService[T, PT]) Delete(ctx context.Context, entity *T) error {
	if PT(entity).RecordID() == "" {
		return database.ErrMissingID
	}
	return s.run(ctx, "delete", func(conn *database.Conn) error {
		n, err := s.store.Delete(ctx, conn.IDB(), entity)
		if err != nil {
			return err
		}
		if n == 0 {
			return database.ErrNotFound
		}
		return nil
	})
}

func (s *CrudService[T, PT]) DeleteByID(ctx context.Context, id string) error {
	if id == "" {
		return database.ErrMissingID
	}
	return s.run(ctx, "delete", func(conn *database.Conn) error {
		n, err := s.store.DeleteByIDs(ctx, conn.IDB(), id)
		if err != nil {
			return err
		}
		if n == 0 {
			return database.ErrNotFound
		}
		return nil
	})
}

// DeleteAll deletes the given entities; entities that were never saved or
// are already gone are skipped.
func (s *CrudService[T, PT]) DeleteAll(ctx context.Context, entities ...*T) error {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		if id := PT(e).RecordID(); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return s.run(ctx, "delete", func(conn *database.Conn) error {
		_, err := s.store.DeleteByIDs(ctx, conn.IDB(), ids...)
		return err
	})
}

func (s *CrudService[T, PT]) Clear(ctx context.Context) (int64, error) {
	var n int64
	err := s.run(ctx, "clear", func(conn *database.Conn) (err error) {
		n, err = s.store.DeleteAll(ctx, conn.IDB())
		return err
	})
	return n, err
}

func (s *CrudService[T, PT]) FindOne(ctx context.Context, id string) (*T, error) {
	if id == "" {
		return nil, database.ErrMissingID
	}
	var entity *T
	err := s.run(ctx, "find", func(conn *database.Conn) (err error) {
		entity, err = s.store.Get(ctx, conn.IDB(), id, s.relations(ctx, conn)...)
		return err
	})
	return entity, err
}

func (s *CrudService[T, PT]) FindOneWhere(ctx context.Context, accept Predicate[T]) (*T, error) {
	var found *T
	err := s.run(ctx, "find", func(conn *database.Conn) error {
		all, err := s.store.All(ctx, conn.IDB(), s.relations(ctx, conn)...)
		if err != nil {
			return err
		}
		for _, e := range all {
			if accept(e) {
				found = e
				return nil
			}
		}
		return database.ErrNotFound
	})
	return found, err
}

func (s *CrudService[T, PT]) FindAll(ctx context.Context) ([]*T, error) {
	var all []*T
	err := s.run(ctx, "find", func(conn *database.Conn) (err error) {
		all, err = s.store.All(ctx, conn.IDB(), s.relations(ctx, conn)...)
		return err
	})
	return all, err
}

// FindAllByIDs returns the entities for ids in the order given, leaving out
// identifiers that do not resolve.
func (s *CrudService[T, PT]) FindAllByIDs(ctx context.Context, ids ...string) ([]*T, error) {
	var found []*T
	err := s.run(ctx, "find", func(conn *database.Conn) (err error) {
		found, err = s.store.GetMany(ctx, conn.IDB(), ids, s.relations(ctx, conn)...)
		return err
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*T, len(found))
	for _, e := range found {
		byID[PT(e).RecordID()] = e
	}
	ordered := make([]*T, 0, len(found))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}

func (s *CrudService[T, PT]) FindAllWhere(ctx context.Context, accept Predicate[T]) ([]*T, error) {
	all, err := s.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]*T, 0, len(all))
	for _, e := range all {
		if accept(e) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

func (s *CrudService[T, PT]) List(ctx context.Context, filter *types.QueryFilter) ([]*T, error) {
	var list []*T
	err := s.run(ctx, "list", func(conn *database.Conn) (err error) {
		list, err = s.store.List(ctx, conn.IDB(), filter, s.relations(ctx, conn)...)
		return err
	})
	return list, err
}

func (s *CrudService[T, PT]) Page(ctx context.Context, page *types.PageRequest) (*types.Pagination[T], error) {
	if page == nil {
		page = types.NewPageRequest(1, 0, nil)
	}
	var result *types.Pagination[T]
	err := s.run(ctx, "page", func(conn *database.Conn) (err error) {
		result, err = s.store.Page(ctx, conn.IDB(), page, s.relations(ctx, conn)...)
		return err
	})
	return result, err
}

func (s *CrudService[T, PT]) Exists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	var ok bool
	err := s.run(ctx, "exists", func(conn *database.Conn) (err error) {
		ok, err = s.store.Exists(ctx, conn.IDB(), id)
		return err
	})
	return ok, err
}

func (s *CrudService[T, PT]) Count(ctx context.Context) (int, error) {
	var n int
	err := s.run(ctx, "count", func(conn *database.Conn) (err error) {
		n, err = s.store.Count(ctx, conn.IDB())
		return err
	})
	return n, err
}

func (s *CrudService[T, PT]) Query(ctx context.Context, where string, args ...interface{}) ([]*T, error) {
	var list []*T
	err := s.run(ctx, "query", func(conn *database.Conn) (err error) {
		list, err = s.store.Query(ctx, conn.IDB(), where, args...)
		return err
	})
	return list, err
}

func (s *CrudService[T, PT]) Execute(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	err := s.run(ctx, "execute", func(conn *database.Conn) error {
		res, err := s.store.Exec(ctx, conn.IDB(), query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (s *CrudService[T, PT]) Load(ctx context.Context, entity *T) error {
	if PT(entity).RecordID() == "" {
		return database.ErrMissingID
	}
	return s.run(ctx, "load", func(conn *database.Conn) error {
		return s.store.Reload(ctx, conn.IDB(), entity, s.relations(ctx, conn)...)
	})
}

func (s *CrudService[T, PT]) Attach(ctx context.Context, entity *T) error {
	if PT(entity).RecordID() == "" {
		return database.ErrMissingID
	}
	return s.run(ctx, "attach", func(conn *database.Conn) error {
		n, err := s.store.Update(ctx, conn.IDB(), entity)
		if err != nil {
			return err
		}
		if n == 0 {
			return database.ErrNotFound
		}
		return nil
	})
}

func (s *CrudService[T, PT]) Detach(ctx context.Context, entity *T) (*T, error) {
	id := PT(entity).RecordID()
	if id == "" {
		return nil, database.ErrMissingID
	}
	return s.FindOne(WithMaterialization(ctx, Eager), id)
}
