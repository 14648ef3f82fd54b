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

	"github.com/tomoncle/crudpool/database"
	"github.com/tomoncle/crudpool/transaction"
)

// RunInTransaction runs fn inside one transaction of txm. The context passed
// to fn is bound to the transaction, so every service sharing txm reuses its
// connection. fn's failure rolls back and is returned as
// *database.RollbackError; a rollback that itself fails is returned as
// *database.RollbackFailedError carrying both causes. A panic in fn rolls
// back and is re-raised. The connection goes back to the pool on every path.
func RunInTransaction(ctx context.Context, txm *transaction.Manager, fn func(ctx context.Context) error) error {
	txCtx, err := txm.Begin(ctx)
	if err != nil {
		return err
	}
	defer txm.Close(txCtx)

	defer func() {
		if p := recover(); p != nil {
			if rbErr := txm.Rollback(txCtx); rbErr != nil {
				txm.Logger().Error("rollback after panic failed", "repository", txm.Source().Name(), "error", rbErr)
			}
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		return rollback(txCtx, txm, err)
	}
	if err := txm.Commit(txCtx); err != nil {
		return rollback(txCtx, txm, err)
	}
	return nil
}

func rollback(ctx context.Context, txm *transaction.Manager, cause error) error {
	if rbErr := txm.Rollback(ctx); rbErr != nil {
		var failed *database.RollbackFailedError
		if errors.As(rbErr, &failed) {
			return &database.RollbackFailedError{Cause: cause, Err: failed.Err}
		}
		return &database.RollbackFailedError{Cause: cause, Err: rbErr}
	}
	return &database.RollbackError{Cause: cause}
}

// Transactional runs fn in a transaction and returns its result. On failure
// the zero value of R is returned with the error RunInTransaction reports.
func Transactional[R any](ctx context.Context, txm *transaction.Manager, fn func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := RunInTransaction(ctx, txm, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}

// ExecuteTransactionalBlock runs fn in a transaction of the service's manager.
func (s *CrudService[T, PT]) ExecuteTransactionalBlock(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.repo.Closed() {
		return &database.RepositoryClosedError{Alias: s.repo.Name()}
	}
	return RunInTransaction(ctx, s.txm, fn)
}

// Transaction starts a builder for a block on the service's manager.
func (s *CrudService[T, PT]) Transaction() *TxBuilder {
	return NewTxBuilder(s.txm)
}

// TxBuilder assembles a transactional block from steps and callbacks.
type TxBuilder struct {
	txm        *transaction.Manager
	steps      []func(ctx context.Context) error
	onSuccess  []func(ctx context.Context)
	onRollback []func(ctx context.Context, err error)
	after      []func()
}

func NewTxBuilder(txm *transaction.Manager) *TxBuilder {
	return &TxBuilder{txm: txm}
}

// With appends a step; steps run in order and the first failure stops the
// block.
func (b *TxBuilder) With(step func(ctx context.Context) error) *TxBuilder {
	b.steps = append(b.steps, step)
	return b
}

// OnSuccess registers fn to run after a successful commit.
func (b *TxBuilder) OnSuccess(fn func(ctx context.Context)) *TxBuilder {
	b.onSuccess = append(b.onSuccess, fn)
	return b
}

// OnRollback registers fn to run with the block's error after a rollback.
// It does not run when the block never started.
func (b *TxBuilder) OnRollback(fn func(ctx context.Context, err error)) *TxBuilder {
	b.onRollback = append(b.onRollback, fn)
	return b
}

func (b *TxBuilder) Execute(ctx context.Context) error {
	err := b.run(ctx)
	switch err.(type) {
	case nil:
		for _, fn := range b.onSuccess {
			fn(ctx)
		}
	case *database.RollbackError, *database.RollbackFailedError:
		for _, fn := range b.onRollback {
			fn(ctx, err)
		}
	}
	return err
}

// run executes the steps in one transaction. The after hooks run once the
// transaction has ended, on every path.
func (b *TxBuilder) run(ctx context.Context) error {
	for _, fn := range b.after {
		defer fn()
	}
	return RunInTransaction(ctx, b.txm, func(ctx context.Context) error {
		for _, step := range b.steps {
			if err := step(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
