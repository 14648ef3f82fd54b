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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

var (
	// ErrNotFound is returned when a record identifier does not resolve.
	ErrNotFound = errors.New("record not found")
	// ErrConnClosed is returned when a connection is used after Close.
	ErrConnClosed = errors.New("connection already closed")
	// ErrMissingID is returned by operations that need a persisted record.
	ErrMissingID = errors.New("record has no identifier")
)

// ConfigurationError reports a missing or invalid configuration key.
type ConfigurationError struct {
	Alias   string
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Alias == "" {
		return fmt.Sprintf("config error in field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error in repository %q field %s: %s", e.Alias, e.Field, e.Message)
}

// AcquisitionError reports that no connection could be taken from the pool.
type AcquisitionError struct {
	Alias string
	Err   error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire connection for repository %q: %v", e.Alias, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// AcquisitionTimeoutError reports that the pool stayed exhausted past the
// acquisition deadline.
type AcquisitionTimeoutError struct {
	Alias   string
	Timeout time.Duration
	Err     error
}

func (e *AcquisitionTimeoutError) Error() string {
	return fmt.Sprintf("acquire connection for repository %q: timed out after %s", e.Alias, e.Timeout)
}

func (e *AcquisitionTimeoutError) Unwrap() error { return e.Err }

// TransactionStateError reports a begin while a transaction is active, or a
// commit/rollback without one.
type TransactionStateError struct {
	Op      string
	Message string
}

func (e *TransactionStateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// RollbackFailedError reports that rolling back failed. Cause is the error that
// triggered the rollback, Err the rollback failure; both are reachable through
// errors.Is and errors.As.
type RollbackFailedError struct {
	Cause error
	Err   error
}

func (e *RollbackFailedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("rollback failed: %v", e.Err)
	}
	return fmt.Sprintf("rollback failed: %v (rolling back after: %v)", e.Err, e.Cause)
}

func (e *RollbackFailedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// RollbackError is returned by a transactional block whose work failed. The
// transaction has already been rolled back when it is returned.
type RollbackError struct {
	Cause error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("transaction rolled back: %v", e.Cause)
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// OperationError wraps a failure of the underlying store.
type OperationError struct {
	Op     string
	Entity string
	Err    error
}

func (e *OperationError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Kind classifies the underlying driver error.
func (e *OperationError) Kind() SQLError {
	_, kind := ClassifySQLError(e.Err)
	return kind
}

// RepositoryClosedError is returned once a repository has been destroyed.
type RepositoryClosedError struct {
	Alias string
}

func (e *RepositoryClosedError) Error() string {
	return fmt.Sprintf("repository %q is closed", e.Alias)
}

type SQLError int

const (
	UnknownErr SQLError = iota
	NoRowsErr
	NoTableErr
	NoColumnErr
	ExistTableErr
	DuplicateKeyErr
	NotNullViolationErr
	ForeignKeyViolationErr
	CheckConstraintViolationErr
	DataTruncatedErr
	SerializationFailureErr
	LockedErr
)

func (e SQLError) String() string {
	switch e {
	case NoRowsErr:
		return "no_rows"
	case NoTableErr:
		return "no_table"
	case NoColumnErr:
		return "no_column"
	case ExistTableErr:
		return "exist_table"
	case DuplicateKeyErr:
		return "duplicate_key"
	case NotNullViolationErr:
		return "not_null_violation"
	case ForeignKeyViolationErr:
		return "foreign_key_violation"
	case CheckConstraintViolationErr:
		return "check_violation"
	case DataTruncatedErr:
		return "data_truncated"
	case SerializationFailureErr:
		return "serialization_failure"
	case LockedErr:
		return "locked"
	default:
		return "unknown"
	}
}

// ClassifySQLError maps a driver error from mysql, postgres or sqlite onto a
// SQLError kind. The boolean is false when err is not recognized.
func ClassifySQLError(err error) (bool, SQLError) {
	if err == nil {
		return false, UnknownErr
	}
	if errors.Is(err, ErrNotFound) {
		return true, NoRowsErr
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1054:
			return true, NoColumnErr
		case 1146:
			return true, NoTableErr
		case 1050:
			return true, ExistTableErr
		case 1062:
			return true, DuplicateKeyErr
		case 1048:
			return true, NotNullViolationErr
		case 1216, 1217, 1451, 1452:
			return true, ForeignKeyViolationErr
		case 3819:
			return true, CheckConstraintViolationErr
		case 1265, 1406:
			return true, DataTruncatedErr
		case 1213:
			return true, SerializationFailureErr
		case 1205:
			return true, LockedErr
		default:
			return true, UnknownErr
		}
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "sqlstate 42p01"), strings.Contains(s, "undefined table"), strings.Contains(s, "no such table"):
		return true, NoTableErr
	case strings.Contains(s, "sqlstate 42703"), strings.Contains(s, "undefined column"), strings.Contains(s, "no such column"):
		return true, NoColumnErr
	case strings.Contains(s, "already exists") && (strings.Contains(s, "table") || strings.Contains(s, "relation")):
		return true, ExistTableErr
	case strings.Contains(s, "duplicate key value"), strings.Contains(s, "unique constraint failed"), strings.Contains(s, "sqlstate 23505"):
		return true, DuplicateKeyErr
	case strings.Contains(s, "not-null constraint"), strings.Contains(s, "not null constraint failed"), strings.Contains(s, "sqlstate 23502"):
		return true, NotNullViolationErr
	case strings.Contains(s, "foreign key"), strings.Contains(s, "sqlstate 23503"):
		return true, ForeignKeyViolationErr
	case strings.Contains(s, "check constraint"), strings.Contains(s, "sqlstate 23514"):
		return true, CheckConstraintViolationErr
	case strings.Contains(s, "string data right truncation"), strings.Contains(s, "sqlstate 22001"):
		return true, DataTruncatedErr
	case strings.Contains(s, "could not serialize access"), strings.Contains(s, "sqlstate 40001"):
		return true, SerializationFailureErr
	case strings.Contains(s, "database is locked"), strings.Contains(s, "database table is locked"), strings.Contains(s, "sqlite_busy"):
		return true, LockedErr
	}
	return false, UnknownErr
}
