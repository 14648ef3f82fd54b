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
	"time"

	"github.com/viccon/sturdyc"
)

// Config sizes the in-memory cache.
type Config struct {
	Capacity           int
	NumShards          int
	TTL                time.Duration
	EvictionPercentage int
	// EvictionInterval is how often expired entries are swept; zero keeps
	// the sturdyc default.
	EvictionInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          64,
		TTL:                5 * time.Minute,
		EvictionPercentage: 10,
	}
}

func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return &ConfigError{Field: "Capacity", Message: "must be greater than 0"}
	}
	if c.NumShards <= 0 {
		return &ConfigError{Field: "NumShards", Message: "must be greater than 0"}
	}
	if c.TTL <= 0 {
		return &ConfigError{Field: "TTL", Message: "must be greater than 0"}
	}
	if c.EvictionPercentage < 1 || c.EvictionPercentage > 100 {
		return &ConfigError{Field: "EvictionPercentage", Message: "must be between 1 and 100"}
	}
	if c.EvictionInterval < 0 {
		return &ConfigError{Field: "EvictionInterval", Message: "must be non-negative"}
	}
	return nil
}

func (c Config) options() []sturdyc.Option {
	var opts []sturdyc.Option
	if c.EvictionInterval > 0 {
		opts = append(opts, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}
	return opts
}

// ConfigError reports an invalid cache setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "cache config error in field " + e.Field + ": " + e.Message
}
