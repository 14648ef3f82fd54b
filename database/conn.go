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

	"github.com/uptrace/bun"
)

// Conn is one connection checked out of a Pool. It is not safe for
// concurrent use.
type Conn struct {
	alias  string
	driver string
	lazy   bool
	conn   bun.Conn
	tx     *bun.Tx
	closed bool
}

func newConn(alias, driver string, lazy bool, conn bun.Conn) *Conn {
	return &Conn{alias: alias, driver: driver, lazy: lazy, conn: conn}
}

// IDB returns the open transaction if there is one, otherwise the bare
// connection. Statements issued through it run on this connection only.
func (c *Conn) IDB() bun.IDB {
	if c.tx != nil {
		return *c.tx
	}
	return c.conn
}

// Begin starts an underlying transaction of type t. TxNone leaves the
// connection in auto-commit mode.
func (c *Conn) Begin(ctx context.Context, t TxType) error {
	if c.closed {
		return ErrConnClosed
	}
	if c.tx != nil {
		return errors.New("connection already has an open transaction")
	}
	opts := t.TxOptions(c.driver)
	if opts == nil {
		return nil
	}
	tx, err := c.conn.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	c.tx = &tx
	return nil
}

// Commit commits the open transaction. Statements issued afterwards
// auto-commit. Without an open transaction it does nothing.
func (c *Conn) Commit(context.Context) error {
	if c.closed {
		return ErrConnClosed
	}
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

// Rollback discards the open transaction. Without one it does nothing.
func (c *Conn) Rollback(context.Context) error {
	if c.closed {
		return ErrConnClosed
	}
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Rollback()
}

func (c *Conn) InTx() bool { return c.tx != nil }

// Lazy is the lazy-loading flag captured when the connection was acquired.
func (c *Conn) Lazy() bool { return c.lazy }

func (c *Conn) Alias() string { return c.alias }

func (c *Conn) Driver() string { return c.driver }

func (c *Conn) Closed() bool { return c.closed }

// Close rolls back an unfinished transaction and returns the connection to
// the pool. Calling Close more than once is a no-op.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var rbErr error
	if c.tx != nil {
		rbErr = c.tx.Rollback()
		c.tx = nil
	}
	if err := c.conn.Close(); err != nil {
		return err
	}
	return rbErr
}
