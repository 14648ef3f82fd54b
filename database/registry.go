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
	"reflect"
	"sort"
	"sync"
)

// Record is implemented by the pointer type of every persisted entity. The
// identifier is empty until the first save and never changes afterwards.
type Record interface {
	RecordID() string
	SetRecordID(id string)
}

// Prioritized lets a model control its position in Entities. Lower values
// come first, so referenced tables can be created before referencing ones.
type Prioritized interface {
	Priority() int
}

// EntityType describes a model registered with a repository.
type EntityType struct {
	Name     string
	Table    string
	Priority int
	Type     reflect.Type
	Model    interface{}
}

type entityRegistry struct {
	mu      sync.RWMutex
	entries map[reflect.Type]*EntityType
}

func newEntityRegistry() *entityRegistry {
	return &entityRegistry{entries: make(map[reflect.Type]*EntityType)}
}

// ModelType returns the struct type behind a model value or pointer.
func ModelType(model interface{}) reflect.Type {
	t := reflect.TypeOf(model)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func (r *entityRegistry) register(e *EntityType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.Type]; ok {
		return false
	}
	r.entries[e.Type] = e
	return true
}

func (r *entityRegistry) lookup(t reflect.Type) (*EntityType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	return e, ok
}

func (r *entityRegistry) list() []*EntityType {
	r.mu.RLock()
	result := make([]*EntityType, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, e)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].Name < result[j].Name
	})
	return result
}

func (r *entityRegistry) clear() []*EntityType {
	removed := r.list()
	r.mu.Lock()
	r.entries = make(map[reflect.Type]*EntityType)
	r.mu.Unlock()
	return removed
}
