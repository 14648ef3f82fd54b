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

package cache

import (
	"context"
	"strings"

	"github.com/viccon/sturdyc"
)

// Service is a read-through cache. Concurrent misses on one key share a
// single fetch.
type Service interface {
	GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (any, error)) (any, error)
	Delete(key string)
	DeletePrefix(prefix string)
	Size() int
}

type sturdycService struct {
	client *sturdyc.Client[any]
}

// New returns a sturdyc-backed Service.
func New(cfg Config) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := sturdyc.New[any](cfg.Capacity, cfg.NumShards, cfg.TTL, cfg.EvictionPercentage, cfg.options()...)
	return &sturdycService{client: client}, nil
}

func (s *sturdycService) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (any, error)) (any, error) {
	return s.client.GetOrFetch(ctx, key, fetch)
}

func (s *sturdycService) Delete(key string) {
	s.client.Delete(key)
}

func (s *sturdycService) DeletePrefix(prefix string) {
	for _, key := range s.client.ScanKeys() {
		if strings.HasPrefix(key, prefix) {
			s.client.Delete(key)
		}
	}
}

func (s *sturdycService) Size() int {
	return s.client.Size()
}

// GetOrFetch is the typed form of Service.GetOrFetch.
func GetOrFetch[T any](ctx context.Context, s Service, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	v, err := s.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
