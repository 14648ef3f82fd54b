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

	"github.com/tomoncle/crudpool/database"
)

// Materialization controls whether relations are loaded with an entity.
type Materialization int

const (
	// Default follows the lazy-load setting captured by the connection.
	Default Materialization = iota
	// Eager loads every declared relation.
	Eager
	// Lazy loads the entity row only.
	Lazy
)

func (m Materialization) String() string {
	switch m {
	case Eager:
		return "EAGER"
	case Lazy:
		return "LAZY"
	default:
		return "DEFAULT"
	}
}

type materializationKey struct{}

// WithMaterialization returns a context whose reads use mode.
func WithMaterialization(ctx context.Context, mode Materialization) context.Context {
	return context.WithValue(ctx, materializationKey{}, mode)
}

func materializationFrom(ctx context.Context) Materialization {
	m, _ := ctx.Value(materializationKey{}).(Materialization)
	return m
}

func (s *CrudService[T, PT]) relations(ctx context.Context, conn *database.Conn) []string {
	switch materializationFrom(ctx) {
	case Eager:
	case Lazy:
		return nil
	default:
		if conn.Lazy() {
			return nil
		}
	}
	return s.store.Relations(conn.IDB())
}
