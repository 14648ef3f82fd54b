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
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/crudpool/database"
	"github.com/tomoncle/crudpool/repository"
	"github.com/tomoncle/crudpool/transaction"
	"github.com/tomoncle/crudpool/types"
	"github.com/uptrace/bun"
)

type Author struct {
	bun.BaseModel `bun:"table:authors,alias:a"`

	ID    string  `bun:"id,pk"`
	Name  string  `bun:"name,notnull"`
	Books []*Book `bun:"rel:has-many,join:id=author_id"`
}

func (a *Author) RecordID() string      { return a.ID }
func (a *Author) SetRecordID(id string) { a.ID = id }

type Book struct {
	bun.BaseModel `bun:"table:books,alias:b"`

	ID       string `bun:"id,pk"`
	AuthorID string `bun:"author_id"`
	Title    string `bun:"title"`
}

func (b *Book) RecordID() string      { return b.ID }
func (b *Book) SetRecordID(id string) { b.ID = id }

type fixture struct {
	repo    *database.Repository
	txm     *transaction.Manager
	authors *CrudService[Author, *Author]
	books   *CrudService[Book, *Book]
}

func newFixture(t *testing.T, opts ...database.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	url := "sqlite://" + filepath.Join(t.TempDir(), "crud.db")
	opts = append([]database.Option{database.WithAutoCreate(true)}, opts...)
	cfg, err := database.NewConfig("test", url, "sa", "sa", nil, opts...)
	require.NoError(t, err)

	repo, err := database.NewRepository(ctx, cfg, database.WithRepositoryLogger(database.NopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Destroy(ctx) })

	txm := transaction.NewManager(repo, database.NopLogger())
	books, err := NewCrudService[Book](ctx, repo, txm)
	require.NoError(t, err)
	authors, err := NewCrudService[Author](ctx, repo, txm)
	require.NoError(t, err)
	return &fixture{repo: repo, txm: txm, authors: authors, books: books}
}

func (f *fixture) assertNoLeak(t *testing.T) {
	t.Helper()
	assert.Equal(t, 0, f.repo.Stats().InUse, "connections still checked out")
}

func TestNewCrudServiceRejectsForeignManager(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)

	_, err := NewCrudService[Author](context.Background(), f.repo, other.txm)
	assert.Error(t, err)
}

func TestSaveAssignsIdentifierAndFindOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.authors.Save(ctx, &Author{Name: "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)

	got, err := f.authors.FindOne(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)

	a.Name = "alice b"
	_, err = f.authors.Save(ctx, a)
	require.NoError(t, err)
	got, err = f.authors.FindOne(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice b", got.Name)

	n, err := f.authors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.assertNoLeak(t)
}

func TestSaveWithPresetIdentifierInserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.authors.Save(ctx, &Author{ID: "fixed", Name: "bob"})
	require.NoError(t, err)

	ok, err := f.authors.Exists(ctx, "fixed")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFindOneMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.authors.FindOne(ctx, "nope")
	assert.ErrorIs(t, err, database.ErrNotFound)

	_, err = f.authors.FindOne(ctx, "")
	assert.ErrorIs(t, err, database.ErrMissingID)
	f.assertNoLeak(t)
}

func TestDeleteSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.authors.Delete(ctx, &Author{Name: "unsaved"}), database.ErrMissingID)
	assert.ErrorIs(t, f.authors.DeleteByID(ctx, "ghost"), database.ErrNotFound)

	a, err := f.authors.Save(ctx, &Author{Name: "carol"})
	require.NoError(t, err)
	require.NoError(t, f.authors.Delete(ctx, a))
	assert.ErrorIs(t, f.authors.Delete(ctx, a), database.ErrNotFound)

	all, err := f.authors.SaveAll(ctx, &Author{Name: "d"}, &Author{Name: "e"}, &Author{Name: "g"})
	require.NoError(t, err)
	require.NoError(t, f.authors.DeleteAll(ctx, all[0], all[1], &Author{Name: "never saved"}))

	left, err := f.authors.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "g", left[0].Name)

	n, err := f.authors.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	f.assertNoLeak(t)
}

func TestFindAllByIDsKeepsInputOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.authors.SaveAll(ctx, &Author{Name: "x"}, &Author{Name: "y"}, &Author{Name: "z"})
	require.NoError(t, err)

	got, err := f.authors.FindAllByIDs(ctx, saved[2].ID, "missing", saved[0].ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "z", got[0].Name)
	assert.Equal(t, "x", got[1].Name)
}

func TestPredicateQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.authors.SaveAll(ctx, &Author{Name: "ann"}, &Author{Name: "andy"}, &Author{Name: "ben"})
	require.NoError(t, err)

	startsWithA := func(a *Author) bool { return a.Name[0] == 'a' }
	matched, err := f.authors.FindAllWhere(ctx, startsWithA)
	require.NoError(t, err)
	assert.Len(t, matched, 2)

	one, err := f.authors.FindOneWhere(ctx, func(a *Author) bool { return a.Name == "ben" })
	require.NoError(t, err)
	assert.Equal(t, "ben", one.Name)

	_, err = f.authors.FindOneWhere(ctx, func(a *Author) bool { return false })
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestListPageAndQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"a1", "a2", "a3", "b1", "b2"} {
		_, err := f.authors.Save(ctx, &Author{Name: name})
		require.NoError(t, err)
	}

	list, err := f.authors.List(ctx, types.NewQueryFilter("name LIKE ?", "a%"))
	require.NoError(t, err)
	assert.Len(t, list, 3)

	page, err := f.authors.Page(ctx, types.NewPageRequest(2, 2, nil, "name ASC"))
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages())
	require.Len(t, page.Items, 2)
	assert.Equal(t, "a3", page.Items[0].Name)

	rows, err := f.authors.Query(ctx, "name = ?", "b2")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	n, err := f.authors.Execute(ctx, "UPDATE authors SET name = ? WHERE name LIKE ?", "renamed", "b%")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	f.assertNoLeak(t)
}

func TestSaveOrUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := &Author{ID: "u1", Name: "first"}
	require.NoError(t, f.authors.SaveOrUpdate(ctx, []string{"name"}, nil, a))
	a.Name = "second"
	require.NoError(t, f.authors.SaveOrUpdate(ctx, []string{"name"}, nil, a))

	got, err := f.authors.FindOne(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
}

func TestMaterialization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.authors.Save(ctx, &Author{Name: "writer"})
	require.NoError(t, err)
	_, err = f.books.SaveAll(ctx, &Book{AuthorID: a.ID, Title: "one"}, &Book{AuthorID: a.ID, Title: "two"})
	require.NoError(t, err)

	lazy, err := f.authors.FindOne(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, lazy.Books)

	eager, err := f.authors.FindOne(WithMaterialization(ctx, Eager), a.ID)
	require.NoError(t, err)
	assert.Len(t, eager.Books, 2)

	detached, err := f.authors.Detach(ctx, a)
	require.NoError(t, err)
	assert.Len(t, detached.Books, 2)
	assert.NotSame(t, a, detached)

	// The knob only affects connections acquired after the change.
	f.repo.Config().SetLazyLoad(false)
	loaded, err := f.authors.FindOne(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Books, 2)

	forcedLazy, err := f.authors.FindOne(WithMaterialization(ctx, Lazy), a.ID)
	require.NoError(t, err)
	assert.Empty(t, forcedLazy.Books)
}

func TestLoadAndAttach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.authors.Save(ctx, &Author{Name: "orig"})
	require.NoError(t, err)

	a.Name = "changed in memory"
	require.NoError(t, f.authors.Load(ctx, a))
	assert.Equal(t, "orig", a.Name)

	a.Name = "attached"
	require.NoError(t, f.authors.Attach(ctx, a))
	got, err := f.authors.FindOne(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "attached", got.Name)

	assert.ErrorIs(t, f.authors.Attach(ctx, &Author{ID: "ghost"}), database.ErrNotFound)
	assert.ErrorIs(t, f.authors.Attach(ctx, &Author{}), database.ErrMissingID)
	assert.ErrorIs(t, f.authors.Load(ctx, &Author{ID: "ghost"}), database.ErrNotFound)
}

func TestCommittedBlockIsVisibleOutside(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var id string
	err := f.authors.ExecuteTransactionalBlock(ctx, func(ctx context.Context) error {
		assert.Equal(t, transaction.Active, f.txm.State(ctx))
		a, err := f.authors.Save(ctx, &Author{Name: "in tx"})
		if err != nil {
			return err
		}
		id = a.ID

		got, err := f.authors.FindOne(ctx, id)
		if err != nil {
			return err
		}
		assert.Equal(t, "in tx", got.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, transaction.Idle, f.txm.State(ctx))

	got, err := f.authors.FindOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "in tx", got.Name)
	f.assertNoLeak(t)
}

func TestFailedBlockRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	boom := errors.New("boom")
	var id string
	err := f.authors.ExecuteTransactionalBlock(ctx, func(ctx context.Context) error {
		a, err := f.authors.Save(ctx, &Author{Name: "doomed"})
		if err != nil {
			return err
		}
		id = a.ID
		return boom
	})

	var rbErr *database.RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.ErrorIs(t, err, boom)

	_, err = f.authors.FindOne(ctx, id)
	assert.ErrorIs(t, err, database.ErrNotFound)
	f.assertNoLeak(t)
}

// abortTx cancels the context the block's transaction was begun with and
// waits until database/sql has rolled it back underneath the manager.
func abortTx(t *testing.T, f *fixture, ctx context.Context, cancel context.CancelFunc) {
	t.Helper()
	conn, err := f.txm.Acquire(ctx)
	require.NoError(t, err)
	defer f.txm.Release(ctx, conn)

	cancel()
	require.Eventually(t, func() bool {
		_, err := conn.IDB().ExecContext(context.Background(), "SELECT 1")
		return errors.Is(err, sql.ErrTxDone)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRollbackFailureSurfacesBothCauses(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	var id string
	err := f.authors.ExecuteTransactionalBlock(ctx, func(ctx context.Context) error {
		a, err := f.authors.Save(ctx, &Author{Name: "orphan"})
		if err != nil {
			return err
		}
		id = a.ID
		abortTx(t, f, ctx, cancel)
		return boom
	})

	var failed *database.RollbackFailedError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, sql.ErrTxDone)
	assert.Equal(t, boom, failed.Cause)

	_, err = f.authors.FindOne(context.Background(), id)
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.Equal(t, transaction.Idle, f.txm.State(ctx))
	f.assertNoLeak(t)
}

func TestFailedCommitRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var id string
	err := RunInTransaction(ctx, f.txm, func(ctx context.Context) error {
		a, err := f.authors.Save(ctx, &Author{Name: "never committed"})
		if err != nil {
			return err
		}
		id = a.ID
		abortTx(t, f, ctx, cancel)
		return nil
	})

	var rbErr *database.RollbackError
	require.ErrorAs(t, err, &rbErr)
	var opErr *database.OperationError
	require.ErrorAs(t, rbErr.Cause, &opErr)
	assert.Equal(t, "commit", opErr.Op)
	assert.ErrorIs(t, err, sql.ErrTxDone)

	_, err = f.authors.FindOne(context.Background(), id)
	assert.ErrorIs(t, err, database.ErrNotFound)
	f.assertNoLeak(t)
}

func TestBlockSpansServices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.authors.ExecuteTransactionalBlock(ctx, func(ctx context.Context) error {
		a, err := f.authors.Save(ctx, &Author{Name: "multi"})
		if err != nil {
			return err
		}
		if _, err := f.books.Save(ctx, &Book{AuthorID: a.ID, Title: "t"}); err != nil {
			return err
		}
		return errors.New("undo both")
	})
	require.Error(t, err)

	authors, err := f.authors.Count(ctx)
	require.NoError(t, err)
	books, err := f.books.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, authors)
	assert.Zero(t, books)
}

func TestNestedBlockIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var inner error
	err := f.authors.ExecuteTransactionalBlock(ctx, func(ctx context.Context) error {
		inner = f.books.ExecuteTransactionalBlock(ctx, func(context.Context) error { return nil })
		assert.Equal(t, transaction.Active, f.txm.State(ctx))
		return inner
	})

	var stateErr *database.TransactionStateError
	assert.ErrorAs(t, inner, &stateErr)
	var rbErr *database.RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.ErrorAs(t, rbErr.Cause, &stateErr)
	f.assertNoLeak(t)
}

func TestPanicInBlockRollsBackAndRepanics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var id string
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = f.authors.ExecuteTransactionalBlock(ctx, func(ctx context.Context) error {
			a, err := f.authors.Save(ctx, &Author{Name: "panicky"})
			require.NoError(t, err)
			id = a.ID
			panic("kaboom")
		})
	})

	_, err := f.authors.FindOne(ctx, id)
	assert.ErrorIs(t, err, database.ErrNotFound)
	f.assertNoLeak(t)
}

func TestConcurrentBlocksAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.authors.ExecuteTransactionalBlock(ctx, func(ctx context.Context) error {
				a, err := f.authors.Save(ctx, &Author{Name: "worker"})
				if err != nil {
					return err
				}
				ids[i] = a.ID
				return nil
			})
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, ids[0], ids[1])
	assert.Equal(t, transaction.Idle, f.txm.State(ctx))

	got, err := f.authors.FindAllByIDs(ctx, ids...)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	f.assertNoLeak(t)
}

func TestTransactionalReturnsValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := Transactional(ctx, f.txm, func(ctx context.Context) (*Author, error) {
		return f.authors.Save(ctx, &Author{Name: "typed"})
	})
	require.NoError(t, err)
	require.NotNil(t, a)

	none, err := Transactional(ctx, f.txm, func(ctx context.Context) (*Author, error) {
		return nil, errors.New("no")
	})
	assert.Error(t, err)
	assert.Nil(t, none)
}

func TestTxBuilderCallbacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var committed, rolledBack bool
	err := f.authors.Transaction().
		With(func(ctx context.Context) error {
			_, err := f.authors.Save(ctx, &Author{Name: "step one"})
			return err
		}).
		With(func(ctx context.Context) error {
			_, err := f.authors.Save(ctx, &Author{Name: "step two"})
			return err
		}).
		OnSuccess(func(context.Context) { committed = true }).
		OnRollback(func(context.Context, error) { rolledBack = true }).
		Execute(ctx)
	require.NoError(t, err)
	assert.True(t, committed)
	assert.False(t, rolledBack)

	committed = false
	err = f.authors.Transaction().
		With(func(context.Context) error { return errors.New("stop") }).
		OnSuccess(func(context.Context) { committed = true }).
		OnRollback(func(_ context.Context, err error) { rolledBack = err != nil }).
		Execute(ctx)
	require.Error(t, err)
	assert.False(t, committed)
	assert.True(t, rolledBack)

	n, err := f.authors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTxBuilderRollbackCallbacksNeedARollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var inner error
	var rolledBack bool
	err := f.authors.ExecuteTransactionalBlock(ctx, func(ctx context.Context) error {
		inner = f.books.Transaction().
			With(func(context.Context) error { return nil }).
			OnRollback(func(context.Context, error) { rolledBack = true }).
			Execute(ctx)
		return nil
	})
	require.NoError(t, err)

	var stateErr *database.TransactionStateError
	assert.ErrorAs(t, inner, &stateErr)
	assert.False(t, rolledBack)
	f.assertNoLeak(t)
}

func TestTxNoneAutoCommitsEachStatement(t *testing.T) {
	f := newFixture(t, database.WithTxType(database.TxNone))
	ctx := context.Background()

	var id string
	err := f.authors.ExecuteTransactionalBlock(ctx, func(ctx context.Context) error {
		a, err := f.authors.Save(ctx, &Author{Name: "kept"})
		if err != nil {
			return err
		}
		id = a.ID
		return errors.New("too late to undo")
	})
	require.Error(t, err)

	_, err = f.authors.FindOne(ctx, id)
	assert.NoError(t, err)
}

func TestOperationsAfterDestroy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.Destroy(ctx))

	var closed *database.RepositoryClosedError
	_, err := f.authors.Save(ctx, &Author{Name: "late"})
	assert.ErrorAs(t, err, &closed)
	_, err = f.authors.FindAll(ctx)
	assert.ErrorAs(t, err, &closed)
	err = f.authors.ExecuteTransactionalBlock(ctx, func(context.Context) error { return nil })
	assert.ErrorAs(t, err, &closed)
}

func TestStoreFailureIsWrapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.authors.Execute(ctx, "UPDATE no_such_table SET x = 1")
	var opErr *database.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "execute", opErr.Op)
	assert.Equal(t, f.authors.EntityName(), opErr.Entity)
}

var errRowsAffected = errors.New("rows affected unsupported")

type noRowsResult struct{}

func (noRowsResult) LastInsertId() (int64, error) { return 0, nil }
func (noRowsResult) RowsAffected() (int64, error) { return 0, errRowsAffected }

// noRowsStore runs statements normally but cannot report affected rows.
type noRowsStore[T any] struct {
	repository.Store[T]
}

func (s noRowsStore[T]) Exec(ctx context.Context, db bun.IDB, query string, args ...interface{}) (sql.Result, error) {
	if _, err := s.Store.Exec(ctx, db, query, args...); err != nil {
		return nil, err
	}
	return noRowsResult{}, nil
}

func TestExecuteReportsRowsAffectedFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.authors.store = noRowsStore[Author]{Store: f.authors.store}

	_, err := f.authors.Execute(ctx, "DELETE FROM authors")
	var opErr *database.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "execute", opErr.Op)
	assert.ErrorIs(t, err, errRowsAffected)
	f.assertNoLeak(t)
}
