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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tomoncle/crudpool/utils"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CRUDPOOL"

// configFile is the on-disk layout:
//
//	repositories:
//	  main:
//	    url: sqlite:///var/lib/app/main.db
//	    user: sa
//	    pass: secret
//	    namespace: app.model,app.audit
//	    txtype: optimistic
//	    autolazyloading: true
//	    poolmin: 2
//	    poolmax: 20
type configFile struct {
	Repositories map[string]repositoryEntry `yaml:"repositories" toml:"repositories"`
}

type repositoryEntry struct {
	URL             string `yaml:"url" toml:"url"`
	User            string `yaml:"user" toml:"user"`
	Pass            string `yaml:"pass" toml:"pass"`
	Namespace       string `yaml:"namespace" toml:"namespace"`
	TxType          string `yaml:"txtype" toml:"txtype"`
	AutoLazyLoading *bool  `yaml:"autolazyloading" toml:"autolazyloading"`
	PoolMin         *int   `yaml:"poolmin" toml:"poolmin"`
	PoolMax         *int   `yaml:"poolmax" toml:"poolmax"`
	AcquireTimeout  string `yaml:"acquiretimeout" toml:"acquiretimeout"`
	ConnMaxLifetime string `yaml:"connmaxlifetime" toml:"connmaxlifetime"`
	ConnMaxIdleTime string `yaml:"connmaxidletime" toml:"connmaxidletime"`
	QueryLog        bool   `yaml:"querylog" toml:"querylog"`
	SlowQueryTime   string `yaml:"slowquerytime" toml:"slowquerytime"`
	AutoCreate      bool   `yaml:"autocreate" toml:"autocreate"`
}

// LoadConfigs reads every repository declared in a YAML or TOML file, applies
// environment overrides and validates the result. Configs are ordered by alias.
func LoadConfigs(path string) ([]*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return DecodeConfigs(data, formatOf(path))
}

// DecodeConfigs parses data in the given format ("yaml" or "toml").
func DecodeConfigs(data []byte, format string) ([]*Config, error) {
	var file configFile
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case "toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	aliases := make([]string, 0, len(file.Repositories))
	for alias := range file.Repositories {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	configs := make([]*Config, 0, len(aliases))
	for _, alias := range aliases {
		entry := file.Repositories[alias]
		entry.applyEnv(alias)
		c, err := entry.toConfig(alias)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
}

// EnvKey returns the override variable for alias and key, e.g.
// CRUDPOOL_MAIN_URL.
func EnvKey(alias, key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(alias) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return envPrefix + "_" + b.String() + "_" + strings.ToUpper(key)
}

func (e *repositoryEntry) applyEnv(alias string) {
	e.URL = utils.EnvDefaultString(EnvKey(alias, "url"), e.URL)
	e.User = utils.EnvDefaultString(EnvKey(alias, "user"), e.User)
	e.Pass = utils.EnvDefaultString(EnvKey(alias, "pass"), e.Pass)
	e.TxType = utils.EnvDefaultString(EnvKey(alias, "txtype"), e.TxType)
	e.QueryLog = utils.EnvDefaultBool(EnvKey(alias, "querylog"), e.QueryLog)
	if _, ok := os.LookupEnv(EnvKey(alias, "poolmin")); ok {
		v := utils.EnvDefaultInt(EnvKey(alias, "poolmin"), defaultPoolMin)
		e.PoolMin = &v
	}
	if _, ok := os.LookupEnv(EnvKey(alias, "poolmax")); ok {
		v := utils.EnvDefaultInt(EnvKey(alias, "poolmax"), defaultPoolMax)
		e.PoolMax = &v
	}
}

func (e *repositoryEntry) toConfig(alias string) (*Config, error) {
	opts := []Option{WithQueryLog(e.QueryLog), WithAutoCreate(e.AutoCreate)}

	txType, err := ParseTxType(e.TxType)
	if err != nil {
		return nil, &ConfigurationError{Alias: alias, Field: "txtype", Message: err.Error()}
	}
	opts = append(opts, WithTxType(txType))

	if e.AutoLazyLoading != nil {
		opts = append(opts, WithLazyLoad(*e.AutoLazyLoading))
	}
	min, max := defaultPoolMin, defaultPoolMax
	if e.PoolMin != nil {
		min = *e.PoolMin
	}
	if e.PoolMax != nil {
		max = *e.PoolMax
	}
	opts = append(opts, WithPoolBounds(min, max))

	durations := []struct {
		field string
		raw   string
		opt   func(time.Duration) Option
	}{
		{"acquiretimeout", e.AcquireTimeout, WithAcquireTimeout},
		{"connmaxlifetime", e.ConnMaxLifetime, WithConnMaxLifetime},
		{"connmaxidletime", e.ConnMaxIdleTime, WithConnMaxIdleTime},
		{"slowquerytime", e.SlowQueryTime, WithSlowQueryTime},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, &ConfigurationError{Alias: alias, Field: d.field, Message: err.Error()}
		}
		opts = append(opts, d.opt(v))
	}

	return NewConfig(alias, e.URL, e.User, e.Pass, splitNamespaces(e.Namespace), opts...)
}

func splitNamespaces(s string) []string {
	var out []string
	for _, ns := range strings.Split(s, ",") {
		if ns = strings.TrimSpace(ns); ns != "" {
			out = append(out, ns)
		}
	}
	return out
}
