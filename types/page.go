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

package types

const defaultPageSize = 10

// QueryFilter describes a WHERE clause schema and its argument values.
type QueryFilter struct {
	Schema string
	Args   []interface{}
}

// NewQueryFilter creates a new query filter with schema and args.
func NewQueryFilter(schema string, args ...interface{}) *QueryFilter {
	return &QueryFilter{Schema: schema, Args: args}
}

// Empty reports whether the filter carries no clause.
func (f *QueryFilter) Empty() bool {
	return f == nil || f.Schema == ""
}

// PageRequest describes pagination, optional filter, and ordering.
type PageRequest struct {
	page     int
	pageSize int
	filter   *QueryFilter
	orders   []string // "id ASC", "name DESC"
}

// NewPageRequest constructs a PageRequest; out-of-range page and size values
// are normalized to page 1 and the default size.
func NewPageRequest(page int, pageSize int, filter *QueryFilter, orders ...string) *PageRequest {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return &PageRequest{page: page, pageSize: pageSize, filter: filter, orders: orders}
}

func (p *PageRequest) GetPage() int { return p.page }

func (p *PageRequest) GetPageSize() int { return p.pageSize }

func (p *PageRequest) GetOffset() int { return (p.page - 1) * p.pageSize }

func (p *PageRequest) GetFilter() *QueryFilter { return p.filter }

func (p *PageRequest) GetOrders() []string { return p.orders }

// Pagination holds paged result items along with pagination metadata.
type Pagination[T any] struct {
	Page     int
	PageSize int
	Total    int
	Items    []*T
}

// NewPagination constructs an empty pagination container for req.
func NewPagination[T any](req *PageRequest) *Pagination[T] {
	return &Pagination[T]{Page: req.GetPage(), PageSize: req.GetPageSize(), Items: make([]*T, 0)}
}

// TotalPages returns the number of pages needed for Total items.
func (p *Pagination[T]) TotalPages() int {
	if p.PageSize < 1 || p.Total == 0 {
		return 0
	}
	return (p.Total + p.PageSize - 1) / p.PageSize
}

// HasNext reports whether a page follows this one.
func (p *Pagination[T]) HasNext() bool {
	return p.Page < p.TotalPages()
}
