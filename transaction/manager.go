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

package transaction

import (
	"context"
	"sync"

	"github.com/tomoncle/crudpool/database"
)

// State of a caller context with respect to one Manager.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "ACTIVE"
	}
	return "IDLE"
}

// ConnectionSource hands out fresh pooled connections.
type ConnectionSource interface {
	Acquire(ctx context.Context) (*database.Conn, error)
	Config() *database.Config
	Name() string
}

type ctxKey struct{ m *Manager }

// txContext is the per-caller transaction state. The mutex guards the
// fields only and is never held across a database call.
type txContext struct {
	mu     sync.Mutex
	conn   *database.Conn
	active bool
}

func (t *txContext) snapshot() (*database.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, t.active
}

// Manager decides, for each operation, whether to reuse the connection bound
// to the caller's transaction or to check out a fresh one. Transaction state
// travels in the context returned by Begin, so two goroutines never share a
// transaction unless they share that context.
type Manager struct {
	source ConnectionSource
	logger database.Logger
}

func NewManager(source ConnectionSource, logger database.Logger) *Manager {
	if logger == nil {
		logger = database.GetLogger()
	}
	return &Manager{source: source, logger: logger}
}

func (m *Manager) Source() ConnectionSource { return m.source }

func (m *Manager) Logger() database.Logger { return m.logger }

func (m *Manager) txFrom(ctx context.Context) *txContext {
	t, _ := ctx.Value(ctxKey{m}).(*txContext)
	return t
}

// State reports whether ctx carries an active transaction of this manager.
func (m *Manager) State(ctx context.Context) State {
	if t := m.txFrom(ctx); t != nil {
		if _, active := t.snapshot(); active {
			return Active
		}
	}
	return Idle
}

// Acquire returns the connection bound to ctx's active transaction, or a
// fresh connection from the pool when there is none.
func (m *Manager) Acquire(ctx context.Context) (*database.Conn, error) {
	if t := m.txFrom(ctx); t != nil {
		if conn, active := t.snapshot(); active {
			return conn, nil
		}
	}
	return m.source.Acquire(ctx)
}

// Release returns conn to the pool unless it belongs to ctx's active
// transaction, in which case the transaction keeps it until Close.
func (m *Manager) Release(ctx context.Context, conn *database.Conn) {
	if conn == nil {
		return
	}
	if t := m.txFrom(ctx); t != nil {
		if bound, active := t.snapshot(); active && bound == conn {
			return
		}
	}
	if err := conn.Close(); err != nil {
		m.logger.Warn("failed to release connection", "repository", m.source.Name(), "error", err)
	}
}

// Begin checks out a connection, starts an underlying transaction of the
// configured type on it and returns a context bound to that transaction.
func (m *Manager) Begin(ctx context.Context) (context.Context, error) {
	if m.State(ctx) == Active {
		return ctx, &database.TransactionStateError{Op: "begin", Message: "transaction already started"}
	}

	conn, err := m.source.Acquire(ctx)
	if err != nil {
		return ctx, err
	}
	txType := m.source.Config().TxType()
	if err := conn.Begin(ctx, txType); err != nil {
		_ = conn.Close()
		return ctx, &database.OperationError{Op: "begin", Err: err}
	}

	t := &txContext{conn: conn, active: true}
	m.logger.Debug("transaction started", "repository", m.source.Name(), "txtype", txType)
	return context.WithValue(ctx, ctxKey{m}, t), nil
}

func (m *Manager) activeConn(ctx context.Context, op string) (*database.Conn, error) {
	if t := m.txFrom(ctx); t != nil {
		if conn, active := t.snapshot(); active {
			return conn, nil
		}
	}
	return nil, &database.TransactionStateError{Op: op, Message: "no transaction begun"}
}

// Commit commits the active transaction. ctx stays bound to the connection
// until Close.
func (m *Manager) Commit(ctx context.Context) error {
	conn, err := m.activeConn(ctx, "commit")
	if err != nil {
		return err
	}
	if err := conn.Commit(ctx); err != nil {
		return &database.OperationError{Op: "commit", Err: err}
	}
	m.logger.Debug("transaction committed", "repository", m.source.Name())
	return nil
}

// Rollback discards the active transaction. A store failure is reported as
// *database.RollbackFailedError.
func (m *Manager) Rollback(ctx context.Context) error {
	conn, err := m.activeConn(ctx, "rollback")
	if err != nil {
		return err
	}
	if err := conn.Rollback(ctx); err != nil {
		return &database.RollbackFailedError{Err: err}
	}
	m.logger.Debug("transaction rolled back", "repository", m.source.Name())
	return nil
}

// Close returns the bound connection to the pool and resets ctx to Idle. It
// is safe to call any number of times and in any state.
func (m *Manager) Close(ctx context.Context) {
	t := m.txFrom(ctx)
	if t == nil {
		return
	}
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.active = false
	t.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		m.logger.Warn("failed to close transaction connection", "repository", m.source.Name(), "error", err)
	}
}
